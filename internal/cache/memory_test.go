package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// stubEmbedder returns preset vectors per text so tests control similarity
// exactly.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }

func respFor(content string) *providers.Response {
	return &providers.Response{ID: "resp-" + content, Content: content}
}

func newTestMemoryCache(t *testing.T, emb *stubEmbedder, cfg Config) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background(), emb, cfg)
	t.Cleanup(c.Close)
	return c
}

func TestMemoryCache_HitAboveThreshold(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"what is the capital of France?":  {1, 0, 0},
		"what's the capital of France??": {1, 0.1, 0}, // cos ≈ 0.995
	}}
	c := newTestMemoryCache(t, emb, Config{})

	ctx := context.Background()
	if err := c.Set(ctx, "what is the capital of France?", respFor("Paris")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(ctx, "what's the capital of France??")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Content != "Paris" {
		t.Errorf("expected 'Paris', got %q", got.Content)
	}
}

func TestMemoryCache_MissBelowThreshold(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"stored":   {1, 0, 0},
		"querying": {1, 1, 0}, // cos ≈ 0.707
	}}
	c := newTestMemoryCache(t, emb, Config{})

	ctx := context.Background()
	_ = c.Set(ctx, "stored", respFor("a"))

	if _, ok := c.Get(ctx, "querying"); ok {
		t.Fatal("expected a miss for similarity below threshold")
	}
}

func TestMemoryCache_BestMatchWins(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"close":  {1, 0.3, 0},  // cos ≈ 0.958
		"closer": {1, 0.05, 0}, // cos ≈ 0.999
		"query":  {1, 0, 0},
	}}
	c := newTestMemoryCache(t, emb, Config{})

	ctx := context.Background()
	_ = c.Set(ctx, "close", respFor("close"))
	_ = c.Set(ctx, "closer", respFor("closer"))

	got, ok := c.Get(ctx, "query")
	if !ok {
		t.Fatal("expected a hit")
	}
	if got.Content != "closer" {
		t.Errorf("expected highest-similarity entry 'closer', got %q", got.Content)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{"q": {1, 0, 0}}}
	c := newTestMemoryCache(t, emb, Config{TTL: time.Hour})

	ctx := context.Background()
	_ = c.Set(ctx, "q", respFor("a"))

	// Fast-forward: age the entry past its TTL.
	c.mu.Lock()
	c.entries["q"].CreatedAt = time.Now().Add(-2 * time.Hour)
	c.mu.Unlock()

	if _, ok := c.Get(ctx, "q"); ok {
		t.Fatal("expected expired entry to miss")
	}

	c.mu.RLock()
	_, still := c.entries["q"]
	c.mu.RUnlock()
	if still {
		t.Fatal("expected expired entry to be deleted during scan")
	}
}

func TestMemoryCache_EvictsLowestScore(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0, 0, 1},
	}}
	c := newTestMemoryCache(t, emb, Config{Capacity: 2})

	ctx := context.Background()
	_ = c.Set(ctx, "a", respFor("a"))
	_ = c.Set(ctx, "b", respFor("b"))

	// Give "a" a hit so its score beats "b".
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("expected a hit for 'a'")
	}

	_ = c.Set(ctx, "c", respFor("c"))

	c.mu.RLock()
	_, hasA := c.entries["a"]
	_, hasB := c.entries["b"]
	_, hasC := c.entries["c"]
	c.mu.RUnlock()

	if !hasA || hasB || !hasC {
		t.Fatalf("expected 'b' evicted: a=%v b=%v c=%v", hasA, hasB, hasC)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"q":    {1, 0, 0},
		"far":  {0, 1, 0},
	}}
	c := newTestMemoryCache(t, emb, Config{})

	ctx := context.Background()
	_ = c.Set(ctx, "q", respFor("a"))

	c.Get(ctx, "q")   // hit
	c.Get(ctx, "far") // miss

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d/%d", s.Hits, s.Misses)
	}
	if s.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", s.HitRate)
	}
	if s.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", s.Entries)
	}
}

func TestMemoryCache_MissDoesNotMutate(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"q":   {1, 0, 0},
		"far": {0, 1, 0},
	}}
	c := newTestMemoryCache(t, emb, Config{})

	ctx := context.Background()
	_ = c.Set(ctx, "q", respFor("a"))
	c.Get(ctx, "far")

	c.mu.RLock()
	hits := c.entries["q"].Hits
	c.mu.RUnlock()
	if hits != 0 {
		t.Fatalf("expected miss to leave entry hit counters untouched, got %d", hits)
	}
}
