// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initProviders — LLM provider clients
//  3. initServices  — cache, cost tracker, metrics
//  4. initGateway   — orchestrator, job queue, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ayvex/llm-orchestrator/internal/cache"
	"github.com/ayvex/llm-orchestrator/internal/config"
	"github.com/ayvex/llm-orchestrator/internal/cost"
	"github.com/ayvex/llm-orchestrator/internal/gateway"
	"github.com/ayvex/llm-orchestrator/internal/logger"
	"github.com/ayvex/llm-orchestrator/internal/metrics"
	"github.com/ayvex/llm-orchestrator/internal/providers"
	anthropicprov "github.com/ayvex/llm-orchestrator/internal/providers/anthropic"
	geminiprov "github.com/ayvex/llm-orchestrator/internal/providers/gemini"
	openaiprov "github.com/ayvex/llm-orchestrator/internal/providers/openai"
	openaicompatprov "github.com/ayvex/llm-orchestrator/internal/providers/openaicompat"
	"github.com/ayvex/llm-orchestrator/internal/queue"
)

const (
	queueGaugeInterval   = 5 * time.Second
	queueCleanupInterval = 10 * time.Minute
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *cache.MemoryCache
	cacheImpl cache.Cache

	prom      *metrics.Registry
	collector *metrics.Collector
	tracker   *cost.Tracker

	provs map[string]providers.Provider
	orch  *gateway.Orchestrator
	jobs  *queue.Manager
	srv   *gateway.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background loops and blocks until ctx is
// cancelled or an error occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting orchestrator",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("strategy", a.cfg.Routing.Strategy),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		a.tracker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.collector.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.jobs.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.queueMaintenance(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// queueMaintenance mirrors queue depth into the metrics registry and expires
// finished jobs past their retention.
func (a *App) queueMaintenance(ctx context.Context) {
	gauges := time.NewTicker(queueGaugeInterval)
	cleanup := time.NewTicker(queueCleanupInterval)
	defer gauges.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			st := a.jobs.Stats()
			a.prom.SetQueueGauges(st.QueueDepth, st.Processing)
		case <-cleanup.C:
			if n := a.jobs.Cleanup(a.cfg.Queue.JobRetention); n > 0 {
				a.log.Debug("jobs expired", slog.Int("count", n))
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates the provider map from configured credentials.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
	}
	if cfg.Local.BaseURL != "" {
		provs["local"] = openaicompatprov.New("local", cfg.Local.APIKey, cfg.Local.BaseURL)
	}

	return provs
}

// routingStrategy maps the config shorthand to the wire strategy names.
func routingStrategy(s string) string {
	switch s {
	case "cost":
		return providers.StrategyCost
	case "latency":
		return providers.StrategyLatency
	case "quality":
		return providers.StrategyQuality
	default:
		return providers.StrategyBalanced
	}
}
