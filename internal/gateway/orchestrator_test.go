package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/cache"
	"github.com/ayvex/llm-orchestrator/internal/cost"
	"github.com/ayvex/llm-orchestrator/internal/providers"
	"github.com/ayvex/llm-orchestrator/internal/reliability"
	"github.com/ayvex/llm-orchestrator/internal/router"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

type stubProvider struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error)
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error) {
	p.calls.Add(1)
	return p.fn(ctx, req, model)
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func okProvider(name string) *stubProvider {
	return &stubProvider{
		name: name,
		fn: func(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error) {
			return &providers.Completion{
				ID:      "cmpl-" + name,
				Model:   model,
				Content: "answer from " + name,
				Usage:   providers.Usage{InputTokens: 100, OutputTokens: 50},
			}, nil
		},
	}
}

func failingProvider(name string, status int) *stubProvider {
	return &stubProvider{
		name: name,
		fn: func(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error) {
			return nil, &providers.Error{Provider: name, StatusCode: status, Message: "boom"}
		},
	}
}

type stubCache struct {
	mu     sync.Mutex
	stored map[string]*providers.Response
	hit    *providers.Response
}

func (c *stubCache) Get(ctx context.Context, query string) (*providers.Response, bool) {
	if c.hit != nil {
		return c.hit, true
	}
	return nil, false
}

func (c *stubCache) Set(ctx context.Context, query string, resp *providers.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = make(map[string]*providers.Response)
	}
	c.stored[query] = resp
	return nil
}

func (c *stubCache) Stats() cache.Stats { return cache.Stats{} }

func fastRetry() reliability.RetryConfig {
	return reliability.RetryConfig{
		Attempts:  2,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	}
}

func userRequest(text string) *providers.Request {
	return &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: text}},
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestComplete_Success(t *testing.T) {
	prov := okProvider("openai")
	o := New(map[string]providers.Provider{"openai": prov}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("what is the capital of France?")
	req.Provider = "openai"
	req.Model = "gpt-4o"

	resp, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o" {
		t.Fatalf("served by %s/%s, want openai/gpt-4o", resp.Provider, resp.Model)
	}
	if resp.Content != "answer from openai" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Meta.CacheStatus != "bypass" {
		t.Fatalf("cache status = %q, want bypass (no cache configured)", resp.Meta.CacheStatus)
	}
	if resp.Cost.TotalUSD <= 0 {
		t.Fatalf("cost = %v, want > 0", resp.Cost.TotalUSD)
	}
	if resp.RequestID == "" {
		t.Fatal("request ID not assigned")
	}
}

func TestComplete_CacheHit(t *testing.T) {
	prov := okProvider("openai")
	c := &stubCache{hit: &providers.Response{
		ID:       "resp-cached",
		Provider: "openai",
		Model:    "gpt-4o",
		Content:  "cached answer",
		Usage:    providers.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	o := New(map[string]providers.Provider{"openai": prov}, c, nil, Options{Retry: fastRetry()})

	resp, err := o.Complete(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.CacheHit || resp.Meta.CacheStatus != "hit" {
		t.Fatalf("cache meta = %+v, want hit", resp.Meta)
	}
	if resp.Content != "cached answer" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Cost.TotalUSD != 0 {
		t.Fatalf("cached response cost = %v, want 0", resp.Cost.TotalUSD)
	}
	if prov.calls.Load() != 0 {
		t.Fatal("provider was called despite cache hit")
	}
}

func TestComplete_CacheWriteOnMiss(t *testing.T) {
	c := &stubCache{}
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, c, nil, Options{Retry: fastRetry()})

	req := userRequest("fresh question")
	req.Provider = "openai"
	req.Model = "gpt-4o"

	if _, err := o.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stored["fresh question"]; !ok {
		t.Fatal("response was not written back to the cache")
	}
}

func TestComplete_DisableCacheBypasses(t *testing.T) {
	c := &stubCache{hit: &providers.Response{Content: "cached"}}
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, c, nil, Options{Retry: fastRetry()})

	req := userRequest("hello")
	req.Provider = "openai"
	req.Model = "gpt-4o"
	req.Routing.DisableCache = true

	resp, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.CacheHit {
		t.Fatal("cache consulted despite DisableCache")
	}
}

func TestComplete_BudgetExceeded(t *testing.T) {
	tracker := cost.NewTracker(cost.Budgets{DailyUSD: 0.001}, nil)
	tracker.Track(cost.Call{Provider: "openai", Model: "gpt-4o", CostUSD: 0.01})

	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, tracker, Options{Retry: fastRetry()})

	_, err := o.Complete(context.Background(), userRequest("hello"))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestComplete_PerRequestCeiling(t *testing.T) {
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("expensive request")
	req.Provider = "openai"
	req.Model = "gpt-4o"
	req.MaxTokens = 100000
	req.Metadata.MaxCostUSD = 0.01

	_, err := o.Complete(context.Background(), req)
	var rbe *RequestBudgetError
	if !errors.As(err, &rbe) {
		t.Fatalf("err = %v, want RequestBudgetError", err)
	}
	if rbe.MaxUSD != 0.01 || rbe.EstimatedUSD <= rbe.MaxUSD {
		t.Fatalf("budget error = %+v", rbe)
	}
}

func TestComplete_FallbackToSecondProvider(t *testing.T) {
	bad := failingProvider("local", 500)
	good := okProvider("gemini")
	o := New(map[string]providers.Provider{"local": bad, "gemini": good}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("route me")
	req.Routing.Strategy = providers.StrategyCost
	req.Routing.PreferredProviders = []string{"local", "gemini"}

	resp, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "gemini" {
		t.Fatalf("served by %s, want gemini after fallback", resp.Provider)
	}
	if bad.calls.Load() == 0 {
		t.Fatal("primary provider was never attempted")
	}
}

func TestComplete_NoFallbackOnBadRequest(t *testing.T) {
	bad := failingProvider("local", 400)
	good := okProvider("gemini")
	o := New(map[string]providers.Provider{"local": bad, "gemini": good}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("route me")
	req.Routing.Strategy = providers.StrategyCost
	req.Routing.PreferredProviders = []string{"local", "gemini"}

	_, err := o.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("want error for 400 response")
	}
	if good.calls.Load() != 0 {
		t.Fatal("fell back on a non-retryable client error")
	}
	if bad.calls.Load() != 1 {
		t.Fatalf("primary attempted %d times, want 1 (no retry on 400)", bad.calls.Load())
	}
}

func TestComplete_DisableFallback(t *testing.T) {
	bad := failingProvider("local", 500)
	good := okProvider("gemini")
	o := New(map[string]providers.Provider{"local": bad, "gemini": good}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("route me")
	req.Routing.Strategy = providers.StrategyCost
	req.Routing.PreferredProviders = []string{"local", "gemini"}
	req.Routing.DisableFallback = true

	_, err := o.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("want error with fallback disabled")
	}
	if good.calls.Load() != 0 {
		t.Fatal("fallback provider called despite DisableFallback")
	}
}

func TestComplete_BreakerOpenRejects(t *testing.T) {
	prov := okProvider("openai")
	o := New(map[string]providers.Provider{"openai": prov}, nil, nil, Options{
		Retry:   fastRetry(),
		Breaker: reliability.BreakerConfig{FailureThreshold: 2, RecoveryTime: time.Minute},
	})

	o.Breaker().RecordFailure("openai")
	o.Breaker().RecordFailure("openai")

	req := userRequest("hello")
	req.Provider = "openai"
	req.Model = "gpt-4o"
	req.Routing.DisableFallback = true

	_, err := o.Complete(context.Background(), req)
	var boe *BreakerOpenError
	if !errors.As(err, &boe) {
		t.Fatalf("err = %v, want BreakerOpenError", err)
	}
	if prov.calls.Load() != 0 {
		t.Fatal("provider called while breaker open")
	}
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	var n atomic.Int32
	prov := &stubProvider{name: "openai"}
	prov.fn = func(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error) {
		if n.Add(1) == 1 {
			return nil, &providers.Error{Provider: "openai", StatusCode: 429, Message: "slow down"}
		}
		return &providers.Completion{ID: "ok", Model: model, Content: "done"}, nil
	}
	o := New(map[string]providers.Provider{"openai": prov}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("hello")
	req.Provider = "openai"
	req.Model = "gpt-4o"

	resp, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Meta.Retries != 1 {
		t.Fatalf("retries = %d, want 1", resp.Meta.Retries)
	}
}

func TestComplete_DeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	prov := &stubProvider{name: "openai"}
	prov.fn = func(ctx context.Context, req *providers.Request, model string) (*providers.Completion, error) {
		once.Do(func() { close(entered) })
		<-release
		return &providers.Completion{ID: "shared", Model: model, Content: "one call"}, nil
	}
	o := New(map[string]providers.Provider{"openai": prov}, nil, nil, Options{Retry: fastRetry()})

	newReq := func() *providers.Request {
		r := userRequest("identical question")
		r.Provider = "openai"
		r.Model = "gpt-4o"
		return r
	}

	var wg sync.WaitGroup
	results := make([]*providers.Response, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = o.Complete(context.Background(), newReq())
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = o.Complete(context.Background(), newReq())
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Content != "one call" {
			t.Fatalf("caller %d content = %q", i, results[i].Content)
		}
	}
	if prov.calls.Load() != 1 {
		t.Fatalf("provider called %d times, want 1 (deduplicated)", prov.calls.Load())
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, nil, Options{Retry: fastRetry()})

	req := userRequest("hello")
	req.Routing.ExcludeProviders = []string{"openai", "anthropic", "gemini", "local"}

	_, err := o.Complete(context.Background(), req)
	if !errors.Is(err, router.ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
}

func TestStats_IncludesBreakers(t *testing.T) {
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, nil, Options{Retry: fastRetry()})
	o.Breaker().RecordFailure("openai")

	snap := o.Stats()
	if _, ok := snap.Breakers["openai"]; !ok {
		t.Fatal("breaker snapshot missing openai")
	}
}

func TestOpenBreakers(t *testing.T) {
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, nil, Options{
		Breaker: reliability.BreakerConfig{FailureThreshold: 1, RecoveryTime: time.Minute},
	})
	o.Breaker().RecordFailure("openai")

	open := o.OpenBreakers()
	if len(open) != 1 || open[0] != "openai" {
		t.Fatalf("open breakers = %v, want [openai]", open)
	}
}

func TestHealthCheck_DirectProbes(t *testing.T) {
	o := New(map[string]providers.Provider{"openai": okProvider("openai")}, nil, nil, Options{})
	got := o.HealthCheck(context.Background())
	if !got["openai"] {
		t.Fatalf("health = %v, want openai healthy", got)
	}
}
