package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/embedding"
	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// MemoryCache is an in-process semantic cache.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth; expired entries
// encountered during a lookup scan are removed on the spot.
type MemoryCache struct {
	embedder embedding.Embedder
	cfg      Config

	mu      sync.RWMutex
	entries map[string]*entry // keyed by stored query text
	seq     uint64

	hits   atomic.Int64
	misses atomic.Int64

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup
// loop. The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, embedder embedding.Embedder, cfg Config) *MemoryCache {
	c := &MemoryCache{
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get scans all live entries and returns the response with the highest
// cosine similarity at or above the threshold. Ties break toward the higher
// similarity; insertion order never matters.
func (c *MemoryCache) Get(ctx context.Context, query string) (*providers.Response, bool) {
	if query == "" {
		c.misses.Add(1)
		return nil, false
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now()

	c.mu.Lock()
	var best *entry
	bestSim := 0.0
	for k, e := range c.entries {
		if e.expired(now, c.cfg.TTL) {
			delete(c.entries, k)
			continue
		}
		sim := embedding.CosineSimilarity(vec, e.Embedding)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best = e
			bestSim = sim
		}
	}
	if best != nil {
		best.Hits++
	}
	c.mu.Unlock()

	if best == nil {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return best.Response, true
}

// Set stores resp under query. When the cache is at capacity the entry with
// the lowest hits/(age_seconds+1) score is evicted first.
func (c *MemoryCache) Set(ctx context.Context, query string, resp *providers.Response) error {
	if query == "" || resp == nil {
		return nil
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil // degrade gracefully, a write failure must never fail the request
	}

	now := time.Now()

	c.mu.Lock()
	if _, exists := c.entries[query]; !exists && len(c.entries) >= c.cfg.Capacity {
		c.evictLowestLocked(now)
	}
	c.entries[query] = &entry{
		Query:     query,
		Embedding: vec,
		Response:  resp,
		CreatedAt: now,
	}
	c.mu.Unlock()

	return nil
}

// evictLowestLocked removes the entry with the lowest eviction score.
// Caller holds c.mu.
func (c *MemoryCache) evictLowestLocked(now time.Time) {
	var victim string
	lowest := 0.0
	first := true
	for k, e := range c.entries {
		score := e.evictionScore(now)
		if first || score < lowest {
			victim = k
			lowest = score
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

// Stats returns hit/miss counters and the live entry count.
func (c *MemoryCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()

	s := Stats{Hits: hits, Misses: misses, Entries: n}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, e := range c.entries {
		if e.expired(now, c.cfg.TTL) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
