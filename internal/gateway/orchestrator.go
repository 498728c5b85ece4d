// Package gateway is the core request orchestrator.
//
// Complete() drives one request through the full control flow: budget check,
// semantic cache lookup, routing, circuit breaker gate, deduplication, retry,
// fallback rerouting, cache write, cost tracking, and metrics.
//
// Key design constraints:
//   - Cache, tracker, metrics, and request logger are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - The incoming Request is never mutated after routing starts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ayvex/llm-orchestrator/internal/cache"
	"github.com/ayvex/llm-orchestrator/internal/cost"
	"github.com/ayvex/llm-orchestrator/internal/logger"
	"github.com/ayvex/llm-orchestrator/internal/metrics"
	"github.com/ayvex/llm-orchestrator/internal/providers"
	"github.com/ayvex/llm-orchestrator/internal/reliability"
	"github.com/ayvex/llm-orchestrator/internal/router"
)

// ErrBudgetExceeded means a daily, weekly, or monthly spending cap is already
// reached and the request was refused before any provider call.
var ErrBudgetExceeded = errors.New("gateway: spending budget exceeded")

// RequestBudgetError means the estimated cost of this single request exceeds
// the ceiling the caller set in request metadata.
type RequestBudgetError struct {
	EstimatedUSD float64
	MaxUSD       float64
}

func (e *RequestBudgetError) Error() string {
	return fmt.Sprintf("gateway: estimated cost $%.4f exceeds request ceiling $%.4f",
		e.EstimatedUSD, e.MaxUSD)
}

// BreakerOpenError means the provider's circuit breaker refused the call.
type BreakerOpenError struct {
	Provider string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("gateway: circuit breaker open for provider %q", e.Provider)
}

// HTTPStatus implements providers.StatusCoder.
func (e *BreakerOpenError) HTTPStatus() int { return 503 }

// Options holds optional tuning parameters for an Orchestrator. All fields
// have sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events and fallback
	// diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Breaker configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	Breaker reliability.BreakerConfig

	// Retry configures the per-provider retry handler.
	Retry reliability.RetryConfig

	// DefaultStrategy is the routing strategy used when a request carries
	// none. Default: balanced.
	DefaultStrategy string

	// Metrics enables Prometheus metrics. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Collector receives one sample per finished completion.
	Collector *metrics.Collector

	// RequestLogger is the async per-request logger.
	RequestLogger *logger.Logger
}

// Orchestrator coordinates every subsystem for one completion request. All
// dependencies are injected so they can be replaced with doubles in tests.
type Orchestrator struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	router    *router.Router
	breaker   *reliability.CircuitBreaker
	retrier   *reliability.Retrier
	dedup     *reliability.Deduplicator
	tracker   *cost.Tracker
	collector *metrics.Collector
	met       *metrics.Registry
	reqLogger *logger.Logger
	health    *HealthChecker
	log       *slog.Logger
}

// New creates an Orchestrator. cache and tracker may be nil.
func New(
	provs map[string]providers.Provider,
	c cache.Cache,
	tracker *cost.Tracker,
	opts Options,
) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		providers: provs,
		cache:     c,
		router:    router.New(nil, opts.DefaultStrategy),
		breaker:   reliability.NewCircuitBreaker(opts.Breaker),
		retrier:   reliability.NewRetrier(opts.Retry),
		dedup:     reliability.NewDeduplicator(),
		tracker:   tracker,
		collector: opts.Collector,
		met:       opts.Metrics,
		reqLogger: opts.RequestLogger,
		log:       log,
	}
}

// StartHealthChecker begins background provider probes. cacheReady may be nil.
func (o *Orchestrator) StartHealthChecker(ctx context.Context, cacheReady func() bool) {
	o.health = NewHealthChecker(ctx, o.providers, cacheReady, o.met)
}

// Breaker exposes the circuit breaker for stats and alert sources.
func (o *Orchestrator) Breaker() *reliability.CircuitBreaker { return o.breaker }

// Complete runs req through the full pipeline and returns the assembled
// response.
func (o *Orchestrator) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if o.tracker != nil && !o.tracker.CheckBudget() {
		o.log.WarnContext(ctx, "request_refused_budget", slog.String("request_id", req.ID))
		return nil, ErrBudgetExceeded
	}

	query := req.LastUserText()
	cacheable := o.cache != nil && !req.Routing.DisableCache && query != ""

	if !cacheable && o.met != nil {
		o.met.CacheGetBypass()
	}
	if cacheable {
		if hit, ok := o.cache.Get(ctx, query); ok {
			return o.serveFromCache(ctx, req, hit, start), nil
		}
		if o.met != nil {
			o.met.CacheGetMiss()
		}
	}

	decision, err := o.router.Route(req)
	if err != nil {
		return nil, err
	}

	if max := req.Metadata.MaxCostUSD; max > 0 {
		est := cost.Estimate(decision.Provider, decision.Model, promptChars(req), req.MaxTokens)
		if est > max {
			return nil, &RequestBudgetError{EstimatedUSD: est, MaxUSD: max}
		}
	}

	primary := decision.Provider
	var tried []string
	var lastErr error

	for {
		comp, retries, execErr := o.execute(ctx, req, decision)
		if execErr == nil {
			resp := o.assemble(req, decision, comp, retries, start)
			o.finish(ctx, req, resp, query, cacheable)
			return resp, nil
		}
		lastErr = execErr
		tried = append(tried, decision.Provider)

		o.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", req.ID),
			slog.String("provider", decision.Provider),
			slog.String("error", execErr.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)

		if req.Routing.DisableFallback || !shouldFallback(execErr) {
			break
		}

		next, ferr := o.router.Fallback(req, tried)
		if ferr != nil {
			if o.met != nil {
				o.met.RecordFallbackExhausted(primary)
			}
			break
		}
		if o.met != nil {
			o.met.RecordFallback(decision.Provider, next.Provider, reliability.ClassifyError(execErr))
		}
		o.log.WarnContext(ctx, "fallback",
			slog.String("request_id", req.ID),
			slog.String("from", decision.Provider),
			slog.String("to", next.Provider),
			slog.String("reason", reliability.ClassifyError(execErr)),
		)
		decision = next
	}

	o.recordSample(metrics.Sample{
		Timestamp: time.Now(),
		Provider:  decision.Provider,
		Model:     decision.Model,
		Strategy:  decision.Strategy,
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   false,
	})
	failID, _ := uuid.Parse(req.ID)
	o.logRequest(logger.CompletionLog{
		ID:        failID,
		Provider:  decision.Provider,
		Model:     decision.Model,
		Strategy:  decision.Strategy,
		LatencyMs: clampLatency(time.Since(start)),
		Status:    uint16(statusOf(lastErr)),
	})
	return nil, lastErr
}

// execute runs one provider attempt chain: breaker gate, dedup, retry.
// Returns the completion and the number of retries performed (0 when the
// result was shared with another in-flight caller).
func (o *Orchestrator) execute(ctx context.Context, req *providers.Request, d *router.Decision) (*providers.Completion, int, error) {
	prov, ok := o.providers[d.Provider]
	if !ok {
		return nil, 0, fmt.Errorf("gateway: provider %q not configured", d.Provider)
	}

	if !o.breaker.Allow(d.Provider) {
		if o.met != nil {
			o.met.RecordCircuitBreakerRejection(d.Provider)
		}
		return nil, 0, &BreakerOpenError{Provider: d.Provider}
	}

	var attempts int
	key := providers.DedupKey(d.Model, req)
	comp, shared, err := o.dedup.DoCtx(ctx, key, func() (*providers.Completion, error) {
		var out *providers.Completion
		n, doErr := o.retrier.Do(ctx, func(attemptCtx context.Context) error {
			t0 := time.Now()
			c, callErr := prov.Complete(attemptCtx, req, d.Model)
			lat := time.Since(t0)
			if callErr != nil {
				o.breaker.RecordFailure(d.Provider)
				if o.met != nil {
					reason := reliability.ClassifyError(callErr)
					o.met.ObserveUpstreamAttempt(d.Provider, reason)
					o.met.RecordError(d.Provider, reason)
				}
				o.syncBreakerGauge(d.Provider)
				return callErr
			}
			o.breaker.RecordSuccess(d.Provider, lat.Milliseconds())
			if o.met != nil {
				o.met.ObserveUpstreamAttempt(d.Provider, "success")
			}
			o.syncBreakerGauge(d.Provider)
			out = c
			return nil
		})
		attempts = n
		if doErr != nil {
			return nil, doErr
		}
		return out, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if shared {
		if o.met != nil {
			o.met.RecordDedupCoalesced()
		}
		return comp, 0, nil
	}
	return comp, attempts - 1, nil
}

// assemble prices the completion and builds the outward Response.
func (o *Orchestrator) assemble(req *providers.Request, d *router.Decision, comp *providers.Completion, retries int, start time.Time) *providers.Response {
	model := comp.Model
	if model == "" {
		model = d.Model
	}
	return &providers.Response{
		ID:        comp.ID,
		RequestID: req.ID,
		Provider:  d.Provider,
		Model:     model,
		Content:   comp.Content,
		ToolCalls: comp.ToolCalls,
		Usage:     comp.Usage,
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      cost.Price(d.Provider, model, comp.Usage),
		Meta: providers.ResponseMeta{
			Strategy:    d.Strategy,
			RouteReason: d.Reason,
			CacheStatus: "miss",
			Retries:     retries,
			TraceID:     req.ID,
		},
	}
}

// finish handles the post-success bookkeeping: cache write, cost ledger,
// sample, async request log.
func (o *Orchestrator) finish(ctx context.Context, req *providers.Request, resp *providers.Response, query string, cacheable bool) {
	if cacheable {
		if err := o.cache.Set(ctx, query, resp); err != nil {
			if o.met != nil {
				o.met.CacheSetError()
			}
		} else if o.met != nil {
			o.met.CacheSetOK()
		}
	} else {
		resp.Meta.CacheStatus = "bypass"
	}

	if o.tracker != nil {
		o.tracker.Track(cost.Call{
			Timestamp: time.Now(),
			Provider:  resp.Provider,
			Model:     resp.Model,
			Usage:     resp.Usage,
			CostUSD:   resp.Cost.TotalUSD,
			UserID:    req.Metadata.UserID,
			ProjectID: req.Metadata.ProjectID,
			Feature:   req.Metadata.Feature,
		})
	}

	o.recordSample(metrics.Sample{
		Timestamp: time.Now(),
		Provider:  resp.Provider,
		Model:     resp.Model,
		Strategy:  resp.Meta.Strategy,
		LatencyMs: resp.LatencyMs,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		CostUSD:   resp.Cost.TotalUSD,
		Success:   true,
	})
	okID, _ := uuid.Parse(req.ID)
	o.logRequest(logger.CompletionLog{
		ID:           okID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Strategy:     resp.Meta.Strategy,
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		CostUSD:      resp.Cost.TotalUSD,
		LatencyMs:    clampLatency(time.Duration(resp.LatencyMs) * time.Millisecond),
		Status:       200,
		Retries:      uint8(min(resp.Meta.Retries, 255)),
	})

	o.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", req.ID),
		slog.String("provider", resp.Provider),
		slog.String("model", resp.Model),
		slog.Int("retries", resp.Meta.Retries),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Int64("latency_ms", resp.LatencyMs),
	)
}

// serveFromCache clones the cached response under the new request identity.
func (o *Orchestrator) serveFromCache(ctx context.Context, req *providers.Request, hit *providers.Response, start time.Time) *providers.Response {
	if o.met != nil {
		o.met.CacheGetHit()
	}

	resp := *hit
	resp.RequestID = req.ID
	resp.CacheHit = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	resp.Cost = providers.CostBreakdown{}
	resp.Meta.CacheStatus = "hit"
	resp.Meta.Retries = 0
	resp.Meta.TraceID = req.ID

	o.recordSample(metrics.Sample{
		Timestamp: time.Now(),
		Provider:  resp.Provider,
		Model:     resp.Model,
		Strategy:  resp.Meta.Strategy,
		LatencyMs: resp.LatencyMs,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		Cached:    true,
		Success:   true,
	})
	hitID, _ := uuid.Parse(req.ID)
	o.logRequest(logger.CompletionLog{
		ID:           hitID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Strategy:     resp.Meta.Strategy,
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		LatencyMs:    clampLatency(time.Since(start)),
		Status:       200,
		Cached:       true,
	})

	o.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", req.ID),
		slog.String("provider", resp.Provider),
		slog.String("model", resp.Model),
	)
	return &resp
}

// HealthCheck returns the latest per-provider health. Falls back to direct
// probes when the background checker is not running.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]bool {
	if o.health != nil {
		return o.health.Healthy()
	}

	out := make(map[string]bool, len(o.providers))
	for name, p := range o.providers {
		out[name] = p.HealthCheck(ctx) == nil
	}
	return out
}

// StatsSnapshot aggregates the observable state of every subsystem.
type StatsSnapshot struct {
	Cache    *cache.Stats                         `json:"cache,omitempty"`
	Cost     *cost.Stats                          `json:"cost,omitempty"`
	Breakers map[string]reliability.BreakerStatus `json:"breakers"`
	Window   *metrics.Snapshot                    `json:"window,omitempty"`
	Health   map[string]bool                      `json:"health,omitempty"`
}

// Stats returns the current aggregate view.
func (o *Orchestrator) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Breakers: o.breaker.Snapshot(),
	}
	if o.cache != nil {
		cs := o.cache.Stats()
		snap.Cache = &cs
	}
	if o.tracker != nil {
		ts := o.tracker.GetStats()
		snap.Cost = &ts
	}
	if o.collector != nil {
		ms := o.collector.Snapshot()
		snap.Window = &ms
	}
	if o.health != nil {
		snap.Health = o.health.Healthy()
	}
	return snap
}

// OpenBreakers lists providers whose breaker is currently open, for the
// collector's alert rules.
func (o *Orchestrator) OpenBreakers() []string {
	var open []string
	for name, st := range o.breaker.Snapshot() {
		if st.State == "open" {
			open = append(open, name)
		}
	}
	return open
}

func (o *Orchestrator) recordSample(s metrics.Sample) {
	if o.collector != nil {
		o.collector.Record(s)
	}
}

func (o *Orchestrator) syncBreakerGauge(provider string) {
	if o.met == nil {
		return
	}
	var state int64
	switch o.breaker.StateLabel(provider) {
	case "open":
		state = 1
	case "half_open":
		state = 2
	}
	o.met.SetCircuitBreaker(provider, state)
}

func (o *Orchestrator) logRequest(e logger.CompletionLog) {
	if o.reqLogger == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	o.reqLogger.Log(e)
}

func clampLatency(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}

func promptChars(req *providers.Request) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Text())
	}
	return n
}

// shouldFallback decides whether a failed provider is worth rerouting around.
// Breaker rejections and exhausted retryable failures reroute; caller
// cancellation and non-retryable request errors do not.
func shouldFallback(err error) bool {
	var bo *BreakerOpenError
	if errors.As(err, &bo) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return reliability.IsRetryable(err)
}

func statusOf(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 504
	}
	return 502
}
