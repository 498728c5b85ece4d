// Package metrics exposes two views of orchestrator activity: a Prometheus
// registry for scraping, and a rolling-window Collector that aggregates
// recent samples into percentiles, time series, and alerts.
//
// All Prometheus metrics are scoped to a private registry (not the global
// default) so they don't interfere with host-level metrics when embedded in
// other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// orchestrator_inflight_requests
	inFlight prometheus.Gauge

	// orchestrator_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// orchestrator_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// orchestrator_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// orchestrator_request_duration_seconds{provider,strategy,cache}
	requestDuration *prometheus.HistogramVec

	// orchestrator_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// orchestrator_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// orchestrator_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// orchestrator_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// orchestrator_fallback_events_total{from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// orchestrator_fallback_exhausted_total{primary}
	fallbackExhausted *prometheus.CounterVec

	// orchestrator_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// orchestrator_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// orchestrator_cost_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// orchestrator_budget_usage_ratio{period}
	budgetUsage *prometheus.GaugeVec

	// orchestrator_jobs_total{status}
	jobsTotal *prometheus.CounterVec

	// orchestrator_queue_depth / orchestrator_queue_processing
	queueDepth      prometheus.Gauge
	queueProcessing prometheus.Gauge

	// orchestrator_dedup_coalesced_total
	dedupCoalesced prometheus.Counter

	// orchestrator_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// orchestrator_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Total number of completion requests by final status",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_request_duration_seconds",
				Help:    "End-to-end completion duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "strategy", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and fallbacks)",
			},
			[]string{"provider", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total semantic cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total semantic cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_circuit_breaker_rejections_total",
				Help: "Requests rejected by an open circuit breaker",
			},
			[]string{"provider"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_fallback_events_total",
				Help: "Fallback reroutes between providers",
			},
			[]string{"from", "to", "reason"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_fallback_exhausted_total",
				Help: "Requests that exhausted every fallback candidate",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tokens_total",
				Help: "Token usage totals from upstream usage fields",
			},
			[]string{"provider", "direction", "cache"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cost_usd_total",
				Help: "Accumulated spend in USD",
			},
			[]string{"provider", "model"},
		),

		budgetUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_budget_usage_ratio",
				Help: "Fraction of the period budget consumed (0..1+)",
			},
			[]string{"period"},
		),

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_jobs_total",
				Help: "Async jobs by terminal status",
			},
			[]string{"status"},
		),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Jobs currently waiting in the priority queue",
		}),

		queueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_processing",
			Help: "Jobs currently being processed",
		}),

		dedupCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dedup_coalesced_total",
			Help: "Requests that shared another identical in-flight call",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.fallbackEvents,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.costTotal,
		r.budgetUsage,
		r.jobsTotal,
		r.queueDepth,
		r.queueProcessing,
		r.dedupCoalesced,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCompletion records one finished completion request.
func (r *Registry) ObserveCompletion(provider, strategy string, cached bool, statusCode int, dur time.Duration) {
	cache := cacheLabel(cached)
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(provider, strategy, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordFallback(from, to, reason string) {
	r.fallbackEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int, cached bool) {
	cache := cacheLabel(cached)
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(outputTokens))
	}
}

func (r *Registry) AddCost(provider, model string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(usd)
	}
}

func (r *Registry) SetBudgetUsage(period string, ratio float64) {
	r.budgetUsage.WithLabelValues(period).Set(ratio)
}

func (r *Registry) RecordJob(status string) {
	r.jobsTotal.WithLabelValues(status).Inc()
}

func (r *Registry) SetQueueGauges(depth, processing int) {
	r.queueDepth.Set(float64(depth))
	r.queueProcessing.Set(float64(processing))
}

func (r *Registry) RecordDedupCoalesced() { r.dedupCoalesced.Inc() }

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func cacheLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}
