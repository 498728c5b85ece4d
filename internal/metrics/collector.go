package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collector defaults.
const (
	DefaultInterval  = 10 * time.Second
	DefaultRetention = time.Hour

	alertDedupWindow = 5 * time.Minute
)

// Alert thresholds evaluated on every aggregation pass.
const (
	alertErrorRate    = 0.10
	alertP95Ms        = 15000
	alertBudgetRatio  = 0.90
	alertHitRateFloor = 0.20
	alertMinLookups   = 50
)

// Sample is one finished completion, recorded by the orchestrator.
type Sample struct {
	Timestamp time.Time
	Provider  string
	Model     string
	Strategy  string
	LatencyMs int64
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Cached    bool
	Success   bool
}

// ProviderStats summarizes one provider over the retention window.
type ProviderStats struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Healthy      bool    `json:"healthy"`
}

// Snapshot is the aggregated view over the retention window.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`

	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`

	CacheHitRate float64 `json:"cache_hit_rate"`
	BudgetUsage  float64 `json:"budget_usage"`
	TokensPerSec float64 `json:"tokens_per_sec"`
	CostUSD      float64 `json:"cost_usd"`

	Providers map[string]ProviderStats `json:"providers"`
	Alerts    []Alert                  `json:"alerts"`
}

// Point is one time-series observation.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Alert is an active or historical condition raised by the collector.
type Alert struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	FiredAt      time.Time `json:"fired_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// Sources supplies the external readings the collector folds into each
// snapshot. Nil fields are skipped.
type Sources struct {
	CacheHitRate func() (rate float64, lookups int64)
	BudgetUsage  func() float64
	OpenBreakers func() []string
}

// Subscriber receives every fresh snapshot. Callbacks run on the aggregation
// goroutine and must not block.
type Subscriber func(Snapshot)

// Collector keeps a rolling window of samples and periodically aggregates
// them. Safe for concurrent use.
type Collector struct {
	reg       *Registry
	sources   Sources
	interval  time.Duration
	retention time.Duration

	mu          sync.Mutex
	samples     []Sample
	series      map[string][]Point
	alerts      []Alert
	lastFired   map[string]time.Time // title -> FiredAt of last unacknowledged alert
	subscribers map[uint64]Subscriber
	nextSub     uint64
	snapshot    Snapshot
}

// NewCollector creates a Collector mirroring counters into reg (may be nil).
// Zero interval/retention take the defaults.
func NewCollector(reg *Registry, sources Sources, interval, retention time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Collector{
		reg:       reg,
		sources:   sources,
		interval:  interval,
		retention: retention,
		series:      make(map[string][]Point),
		lastFired:   make(map[string]time.Time),
		subscribers: make(map[uint64]Subscriber),
		snapshot:    Snapshot{Providers: map[string]ProviderStats{}},
	}
}

// Record appends one sample and mirrors it into the Prometheus registry.
func (c *Collector) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()

	if c.reg == nil {
		return
	}
	status := 200
	if !s.Success {
		status = 502
	}
	c.reg.ObserveCompletion(s.Provider, s.Strategy, s.Cached, status, time.Duration(s.LatencyMs)*time.Millisecond)
	c.reg.AddTokens(s.Provider, s.TokensIn, s.TokensOut, s.Cached)
	c.reg.AddCost(s.Provider, s.Model, s.CostUSD)
}

// Subscribe registers fn for every future snapshot and returns a function
// that removes the subscription.
func (c *Collector) Subscribe(fn Subscriber) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Run aggregates on a fixed tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Aggregate()
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns the most recent aggregate.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	snap := c.snapshot
	snap.Providers = make(map[string]ProviderStats, len(c.snapshot.Providers))
	for k, v := range c.snapshot.Providers {
		snap.Providers[k] = v
	}
	snap.Alerts = append([]Alert(nil), c.alerts...)
	return snap
}

// Series returns the retained points for one series name
// (requests, p95_latency_ms, cost_usd, cache_hit_rate, tokens_per_sec).
func (c *Collector) Series(name string) []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Point(nil), c.series[name]...)
}

// ActiveAlerts returns alerts that have not been acknowledged.
func (c *Collector) ActiveAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Alert
	for _, a := range c.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks an alert handled. The alert stays in history; it only
// leaves the active set and stops suppressing re-fires of the same title.
func (c *Collector) Acknowledge(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.alerts {
		if c.alerts[i].ID == id && !c.alerts[i].Acknowledged {
			c.alerts[i].Acknowledged = true
			delete(c.lastFired, c.alerts[i].Title)
			return true
		}
	}
	return false
}

// Aggregate recomputes the snapshot from retained samples, appends series
// points, evaluates alert rules, and notifies subscribers.
func (c *Collector) Aggregate() {
	now := time.Now()

	c.mu.Lock()

	c.pruneLocked(now)

	snap := Snapshot{
		GeneratedAt: now,
		Providers:   make(map[string]ProviderStats),
	}

	var latencies []float64
	var tokens int64
	perProvider := map[string]*ProviderStats{}
	perProviderLatency := map[string]int64{}

	var oldest time.Time
	for _, s := range c.samples {
		snap.Requests++
		if !s.Success {
			snap.Errors++
		}
		snap.CostUSD += s.CostUSD
		tokens += int64(s.TokensIn + s.TokensOut)
		latencies = append(latencies, float64(s.LatencyMs))

		ps := perProvider[s.Provider]
		if ps == nil {
			ps = &ProviderStats{}
			perProvider[s.Provider] = ps
		}
		ps.Requests++
		if !s.Success {
			ps.Errors++
		}
		perProviderLatency[s.Provider] += s.LatencyMs

		if oldest.IsZero() || s.Timestamp.Before(oldest) {
			oldest = s.Timestamp
		}
	}

	if snap.Requests > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.Requests)
	}
	snap.P50LatencyMs = percentile(latencies, 50)
	snap.P95LatencyMs = percentile(latencies, 95)
	snap.P99LatencyMs = percentile(latencies, 99)

	if !oldest.IsZero() {
		if span := now.Sub(oldest).Seconds(); span > 0 {
			snap.TokensPerSec = float64(tokens) / span
		}
	}

	for name, ps := range perProvider {
		ps.ErrorRate = float64(ps.Errors) / float64(ps.Requests)
		ps.AvgLatencyMs = float64(perProviderLatency[name]) / float64(ps.Requests)
		ps.Healthy = ps.ErrorRate < 0.5
		snap.Providers[name] = *ps
	}

	var lookups int64
	if c.sources.CacheHitRate != nil {
		snap.CacheHitRate, lookups = c.sources.CacheHitRate()
	}
	if c.sources.BudgetUsage != nil {
		snap.BudgetUsage = c.sources.BudgetUsage()
	}
	var openBreakers []string
	if c.sources.OpenBreakers != nil {
		openBreakers = c.sources.OpenBreakers()
	}

	c.appendPointLocked("requests", now, float64(snap.Requests))
	c.appendPointLocked("p95_latency_ms", now, snap.P95LatencyMs)
	c.appendPointLocked("cost_usd", now, snap.CostUSD)
	c.appendPointLocked("cache_hit_rate", now, snap.CacheHitRate)
	c.appendPointLocked("tokens_per_sec", now, snap.TokensPerSec)

	c.evaluateAlertsLocked(now, &snap, lookups, openBreakers)

	c.snapshot = snap
	out := c.snapshotLocked()
	subs := make([]Subscriber, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if c.reg != nil {
		c.reg.SetBudgetUsage("max", snap.BudgetUsage)
	}
	for _, fn := range subs {
		fn(out)
	}
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.retention)

	keep := c.samples[:0]
	for _, s := range c.samples {
		if s.Timestamp.After(cutoff) {
			keep = append(keep, s)
		}
	}
	c.samples = keep

	for name, pts := range c.series {
		i := 0
		for i < len(pts) && !pts[i].Time.After(cutoff) {
			i++
		}
		if i > 0 {
			c.series[name] = append(pts[:0:0], pts[i:]...)
		}
	}
}

func (c *Collector) appendPointLocked(name string, t time.Time, v float64) {
	c.series[name] = append(c.series[name], Point{Time: t, Value: v})
}

func (c *Collector) evaluateAlertsLocked(now time.Time, snap *Snapshot, lookups int64, openBreakers []string) {
	type rule struct {
		title    string
		severity string
		message  string
		firing   bool
	}

	rules := []rule{
		{
			title:    "high error rate",
			severity: "critical",
			message:  "error rate over the last window exceeds 10%",
			firing:   snap.Requests > 0 && snap.ErrorRate > alertErrorRate,
		},
		{
			title:    "p95 latency degraded",
			severity: "warning",
			message:  "p95 completion latency exceeds 15s",
			firing:   snap.P95LatencyMs > alertP95Ms,
		},
		{
			title:    "budget nearly exhausted",
			severity: "critical",
			message:  "a period budget is at 90% or more",
			firing:   snap.BudgetUsage >= alertBudgetRatio,
		},
		{
			title:    "cache hit rate low",
			severity: "warning",
			message:  "semantic cache hit rate below 20%",
			firing:   lookups >= alertMinLookups && snap.CacheHitRate < alertHitRateFloor,
		},
		{
			title:    "circuit breaker open",
			severity: "critical",
			message:  "at least one provider circuit breaker is open",
			firing:   len(openBreakers) > 0,
		},
	}

	for _, r := range rules {
		if !r.firing {
			continue
		}
		// Suppress while an unacknowledged alert with the same title is
		// younger than the dedup window.
		if last, ok := c.lastFired[r.title]; ok && now.Sub(last) < alertDedupWindow {
			continue
		}
		a := Alert{
			ID:       uuid.NewString(),
			Title:    r.title,
			Severity: r.severity,
			Message:  r.message,
			FiredAt:  now,
		}
		c.alerts = append(c.alerts, a)
		c.lastFired[r.title] = now
	}

	snap.Alerts = append([]Alert(nil), c.alerts...)
}

// percentile computes the nearest-rank percentile of values. Returns 0 for an
// empty slice.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
