package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayvex/llm-orchestrator/internal/embedding"
	"github.com/ayvex/llm-orchestrator/internal/providers"
)

const (
	keyPrefix = "semcache:"
	indexKey  = "semcache:index"

	defaultQueryTimeout = 500 * time.Millisecond
)

// RedisCache is a Redis-backed semantic cache. Entries are JSON records under
// semcache:<sha256(query+salt)>; a side SET (semcache:index) enumerates live
// keys so lookups can scan candidates without KEYS/SCAN.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error so the orchestrator never fails because
//     the cache layer is down.
//
// Stale index members (key expired by Redis TTL) are removed from the index
// during lookup and treated as misses.
type RedisCache struct {
	client       *redis.Client
	embedder     embedding.Embedder
	cfg          Config
	queryTimeout time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisCacheFromClient(cli *redis.Client, embedder embedding.Embedder, cfg Config) *RedisCache {
	return &RedisCache{
		client:       cli,
		embedder:     embedder,
		cfg:          cfg.withDefaults(),
		queryTimeout: defaultQueryTimeout,
	}
}

// NewRedisCacheFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisCache.
func NewRedisCacheFromURL(ctx context.Context, redisURL string, embedder embedding.Embedder, cfg Config) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCacheFromClient(cli, embedder, cfg), nil
}

func (c *RedisCache) entryKey(query string) string {
	h := sha256.Sum256([]byte(query + c.cfg.Salt))
	return keyPrefix + hex.EncodeToString(h[:])
}

// Get scans all indexed entries and returns the best match at or above the
// similarity threshold. Redis errors are logged at WARN level and reported
// as a miss, never propagated.
func (c *RedisCache) Get(ctx context.Context, query string) (*providers.Response, bool) {
	if query == "" {
		c.misses.Add(1)
		return nil, false
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		c.warn(ctx, "cache_index_error", err)
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now()

	var (
		best    *entry
		bestKey string
		bestSim float64
	)
	for _, key := range keys {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			// Expired or unreadable: drop from the index, treat as miss.
			c.client.SRem(ctx, indexKey, key)
			continue
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.client.Del(ctx, key)
			c.client.SRem(ctx, indexKey, key)
			continue
		}

		if e.expired(now, c.cfg.TTL) {
			c.client.Del(ctx, key)
			c.client.SRem(ctx, indexKey, key)
			continue
		}

		sim := embedding.CosineSimilarity(vec, e.Embedding)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best = &e
			bestKey = key
			bestSim = sim
		}
	}

	if best == nil {
		c.misses.Add(1)
		return nil, false
	}

	best.Hits++
	if raw, err := json.Marshal(best); err == nil {
		// Best-effort hit-counter persistence; keep the remaining TTL.
		c.client.Set(ctx, bestKey, raw, redis.KeepTTL)
	}

	c.hits.Add(1)
	return best.Response, true
}

// Set stores resp under query. At capacity the indexed entry with the lowest
// hits/(age_seconds+1) score is evicted first. Always returns nil.
func (c *RedisCache) Set(ctx context.Context, query string, resp *providers.Response) error {
	if query == "" || resp == nil {
		return nil
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key := c.entryKey(query)

	if n, err := c.client.SCard(ctx, indexKey).Result(); err == nil && int(n) >= c.cfg.Capacity {
		exists, _ := c.client.SIsMember(ctx, indexKey, key).Result()
		if !exists {
			c.evictLowest(ctx)
		}
	}

	e := entry{
		Query:     query,
		Embedding: vec,
		Response:  resp,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}

	if err := c.client.Set(ctx, key, raw, c.cfg.TTL).Err(); err != nil {
		c.warn(ctx, "cache_set_error", err)
		return nil
	}
	if err := c.client.SAdd(ctx, indexKey, key).Err(); err != nil {
		c.warn(ctx, "cache_index_add_error", err)
	}

	return nil
}

func (c *RedisCache) evictLowest(ctx context.Context) {
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return
	}

	now := time.Now()

	var victim string
	lowest := 0.0
	first := true
	for _, key := range keys {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			c.client.SRem(ctx, indexKey, key)
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.client.Del(ctx, key)
			c.client.SRem(ctx, indexKey, key)
			continue
		}
		score := e.evictionScore(now)
		if first || score < lowest {
			victim = key
			lowest = score
			first = false
		}
	}

	if !first {
		c.client.Del(ctx, victim)
		c.client.SRem(ctx, indexKey, victim)
	}
}

// Stats returns hit/miss counters and the indexed entry count.
func (c *RedisCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout)
	defer cancel()

	n, _ := c.client.SCard(ctx, indexKey).Result()

	s := Stats{Hits: hits, Misses: misses, Entries: int(n)}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) warn(ctx context.Context, msg string, err error) {
	slog.WarnContext(ctx, msg, slog.String("error", err.Error()))
}
