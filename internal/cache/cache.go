// Package cache provides semantic response caching for the orchestrator.
//
// Two backends are available:
//   - MemoryCache — in-process, zero external dependencies. Ideal for
//     single-instance deployments or local development.
//   - RedisCache  — Redis-backed, recommended for multi-replica clusters.
//
// Both implement the Cache interface with identical threshold, TTL and
// eviction semantics, so they are fully interchangeable.
package cache

import (
	"context"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Cache looks up responses by semantic similarity of the query text.
type Cache interface {
	// Get returns the cached response whose stored query is most similar to
	// query, provided the similarity clears the configured threshold.
	Get(ctx context.Context, query string) (*providers.Response, bool)
	// Set stores resp under query, evicting the lowest-scoring entry when
	// the cache is at capacity.
	Set(ctx context.Context, query string, resp *providers.Response) error
	// Stats returns lookup counters.
	Stats() Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
}

// Config tunes threshold, expiry and capacity. Zero values fall back to the
// defaults below.
type Config struct {
	SimilarityThreshold float64
	TTL                 time.Duration
	Capacity            int

	// Salt is mixed into the hash that keys distributed entries, so separate
	// deployments sharing one Redis never collide. Empty is valid.
	Salt string
}

const (
	defaultThreshold = 0.92
	defaultTTL       = time.Hour
	defaultCapacity  = 1000
)

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = defaultThreshold
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	return c
}

// entry is the stored record shared by both backends.
type entry struct {
	Query     string              `json:"query"`
	Embedding []float32           `json:"embedding"`
	Response  *providers.Response `json:"response"`
	CreatedAt time.Time           `json:"created_at"`
	Hits      int64               `json:"hits"`
}

// evictionScore blends recency and frequency: frequently hit entries survive,
// old cold ones go first.
func (e *entry) evictionScore(now time.Time) float64 {
	age := now.Sub(e.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(e.Hits) / (age + 1)
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}
