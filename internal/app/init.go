package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ayvex/llm-orchestrator/internal/cache"
	"github.com/ayvex/llm-orchestrator/internal/cost"
	"github.com/ayvex/llm-orchestrator/internal/embedding"
	"github.com/ayvex/llm-orchestrator/internal/gateway"
	"github.com/ayvex/llm-orchestrator/internal/logger"
	"github.com/ayvex/llm-orchestrator/internal/metrics"
	"github.com/ayvex/llm-orchestrator/internal/providers"
	"github.com/ayvex/llm-orchestrator/internal/queue"
	"github.com/ayvex/llm-orchestrator/internal/ratelimit"
	"github.com/ayvex/llm-orchestrator/internal/reliability"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no providers configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry, the semantic cache, the cost
// tracker and the rolling-window collector.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.NewRegistry()
	a.prom.SetBuildInfo(a.version)

	// ── Embedder ──────────────────────────────────────────────────────────────
	var embedder embedding.Embedder
	switch a.cfg.Cache.Embedder {
	case "openai":
		ep, ok := a.provs["openai"].(providers.EmbeddingProvider)
		if !ok {
			return fmt.Errorf("CACHE_EMBEDDER=openai requires the openai provider")
		}
		embedder = embedding.NewProviderEmbedder(ep, a.cfg.Cache.EmbeddingModel, 0)
	default:
		embedder = embedding.NewHashEmbedder(0)
	}

	// ── Cache backend ─────────────────────────────────────────────────────────
	cacheCfg := cache.Config{
		SimilarityThreshold: a.cfg.Cache.SimilarityThreshold,
		TTL:                 a.cfg.Cache.TTL,
		Capacity:            a.cfg.Cache.Capacity,
		Salt:                a.cfg.Cache.KeySalt,
	}
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = cache.NewRedisCacheFromClient(a.rdb, embedder, cacheCfg)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, embedder, cacheCfg)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// ── Cost tracker ──────────────────────────────────────────────────────────
	a.tracker = cost.NewTracker(cost.Budgets{
		DailyUSD:   a.cfg.Budgets.DailyUSD,
		WeeklyUSD:  a.cfg.Budgets.WeeklyUSD,
		MonthlyUSD: a.cfg.Budgets.MonthlyUSD,
	}, cost.AlertFunc(func(al cost.Alert) {
		a.log.Warn("budget_threshold_crossed",
			slog.String("period", al.Period),
			slog.Int("threshold_pct", al.Threshold),
			slog.Float64("current_usd", al.CurrentUSD),
			slog.Float64("budget_usd", al.BudgetUSD),
		)
	}))

	// ── Rolling-window collector ──────────────────────────────────────────────
	// Sources read through the App so the breaker source resolves once the
	// orchestrator exists.
	a.collector = metrics.NewCollector(a.prom, metrics.Sources{
		CacheHitRate: func() (float64, int64) {
			if a.cacheImpl == nil {
				return 0, 0
			}
			st := a.cacheImpl.Stats()
			return st.HitRate, st.Hits + st.Misses
		},
		BudgetUsage: func() float64 {
			return a.tracker.BudgetUsage()
		},
		OpenBreakers: func() []string {
			if a.orch == nil {
				return nil
			}
			return a.orch.OpenBreakers()
		},
	}, a.cfg.Metrics.Interval, a.cfg.Metrics.Retention)

	return nil
}

// initGateway wires the orchestrator, the async job queue and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.orch = gateway.New(a.provs, a.cacheImpl, a.tracker, gateway.Options{
		Logger: a.log,
		Breaker: reliability.BreakerConfig{
			FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
			RecoveryTime:     a.cfg.CircuitBreaker.RecoveryTime,
			HalfOpenRequests: a.cfg.CircuitBreaker.HalfOpenRequests,
		},
		Retry: reliability.RetryConfig{
			Attempts:  a.cfg.Retry.Attempts,
			BaseDelay: a.cfg.Retry.BaseDelay,
			MaxDelay:  a.cfg.Retry.MaxDelay,
		},
		DefaultStrategy: routingStrategy(a.cfg.Routing.Strategy),
		Metrics:         a.prom,
		Collector:       a.collector,
		RequestLogger:   a.reqLogger,
	})

	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}
	a.orch.StartHealthChecker(a.baseCtx, cacheReady)

	// ── Async job queue ───────────────────────────────────────────────────────
	handler := func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		jctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		return a.orch.Complete(jctx, req)
	}
	a.jobs = queue.NewManager(handler, queue.NewNotifier(a.log), a.cfg.Queue.Concurrency)
	a.jobs.SetObserver(func(s queue.Status) {
		a.prom.RecordJob(string(s))
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvOpts := gateway.ServerOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		CORSOrigins:    a.cfg.CORSOrigins,
		RequestTimeout: a.cfg.RequestTimeout,
	}
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		srvOpts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.log)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}
	a.srv = gateway.NewServer(a.orch, a.jobs, srvOpts)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
