package cost

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Budget thresholds, in percent, at which alerts fire.
var alertThresholds = []int{50, 75, 90, 100}

const (
	reconcileInterval = time.Minute
	ledgerRetention   = 35 * 24 * time.Hour
)

// Call is one priced ledger entry.
type Call struct {
	Timestamp time.Time       `json:"timestamp"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Usage     providers.Usage `json:"usage"`
	CostUSD   float64         `json:"cost_usd"`
	UserID    string          `json:"user_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Feature   string          `json:"feature,omitempty"`
}

// Budgets configures spend caps in USD. Zero means uncapped.
type Budgets struct {
	DailyUSD   float64
	WeeklyUSD  float64
	MonthlyUSD float64
}

// Alert describes one crossed budget threshold.
type Alert struct {
	Period     string    `json:"period"` // daily | weekly | monthly
	Threshold  int       `json:"threshold_pct"`
	CurrentUSD float64   `json:"current_usd"`
	BudgetUSD  float64   `json:"budget_usd"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertSink receives budget alerts. Implementations must not block.
type AlertSink interface {
	BudgetAlert(Alert)
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(Alert)

func (f AlertFunc) BudgetAlert(a Alert) { f(a) }

// PeriodStats is the spend picture for one budget period.
type PeriodStats struct {
	SpentUSD  float64 `json:"spent_usd"`
	BudgetUSD float64 `json:"budget_usd"`
	UsedPct   float64 `json:"used_pct"`
}

// Stats is the tracker's public aggregate.
type Stats struct {
	Daily   PeriodStats `json:"daily"`
	Weekly  PeriodStats `json:"weekly"`
	Monthly PeriodStats `json:"monthly"`
	Calls   int         `json:"calls"`
}

// Breakdown groups ledger spend over a time range.
type Breakdown struct {
	TotalUSD   float64            `json:"total_usd"`
	Calls      int                `json:"calls"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByModel    map[string]float64 `json:"by_model"`
	ByProject  map[string]float64 `json:"by_project"`
}

// Tracker keeps the spend ledger and rolling period totals.
//
// Track never fails and never blocks dispatch — even a call that pushes a
// total over budget is recorded. Enforcement happens only in CheckBudget,
// which the orchestrator consults before dispatch.
type Tracker struct {
	mu sync.Mutex

	budgets Budgets
	sink    AlertSink

	ledger []Call

	dailyTotal   float64
	weeklyTotal  float64
	monthlyTotal float64

	dayMarker   string // YYYY-MM-DD
	weekMarker  string // YYYY-Www (ISO week)
	monthMarker string // YYYY-MM

	// fired dedupes alerts: key "<marker>:<threshold>", pruned on period roll.
	fired map[string]struct{}
}

// NewTracker creates a Tracker. sink may be nil.
func NewTracker(budgets Budgets, sink AlertSink) *Tracker {
	now := time.Now()
	return &Tracker{
		budgets:     budgets,
		sink:        sink,
		dayMarker:   dayMarker(now),
		weekMarker:  weekMarker(now),
		monthMarker: monthMarker(now),
		fired:       make(map[string]struct{}),
	}
}

// Run drives the periodic reconcile tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.reconcileLocked(time.Now())
			t.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Track appends a ledger entry and adds its cost to all period totals.
func (t *Tracker) Track(call Call) {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.reconcileLocked(call.Timestamp)

	t.ledger = append(t.ledger, call)
	t.dailyTotal += call.CostUSD
	t.weeklyTotal += call.CostUSD
	t.monthlyTotal += call.CostUSD

	alerts := t.collectAlertsLocked(call.Timestamp)
	t.mu.Unlock()

	for _, a := range alerts {
		t.emit(a)
	}
}

// CheckBudget reports whether another request may be dispatched: false once
// any configured period budget is met or exceeded.
func (t *Tracker) CheckBudget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reconcileLocked(time.Now())

	if t.budgets.DailyUSD > 0 && t.dailyTotal >= t.budgets.DailyUSD {
		return false
	}
	if t.budgets.WeeklyUSD > 0 && t.weeklyTotal >= t.budgets.WeeklyUSD {
		return false
	}
	if t.budgets.MonthlyUSD > 0 && t.monthlyTotal >= t.budgets.MonthlyUSD {
		return false
	}
	return true
}

// GetStats returns current period totals against their budgets.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reconcileLocked(time.Now())

	return Stats{
		Daily:   periodStats(t.dailyTotal, t.budgets.DailyUSD),
		Weekly:  periodStats(t.weeklyTotal, t.budgets.WeeklyUSD),
		Monthly: periodStats(t.monthlyTotal, t.budgets.MonthlyUSD),
		Calls:   len(t.ledger),
	}
}

// GetBreakdown aggregates ledger entries with since <= Timestamp < until.
// A zero until means "now".
func (t *Tracker) GetBreakdown(since, until time.Time) Breakdown {
	if until.IsZero() {
		until = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := Breakdown{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByProject:  make(map[string]float64),
	}

	for _, c := range t.ledger {
		if c.Timestamp.Before(since) || !c.Timestamp.Before(until) {
			continue
		}
		b.TotalUSD += c.CostUSD
		b.Calls++
		b.ByProvider[c.Provider] += c.CostUSD
		b.ByModel[c.Provider+"/"+c.Model] += c.CostUSD
		if c.ProjectID != "" {
			b.ByProject[c.ProjectID] += c.CostUSD
		}
	}

	return b
}

// BudgetUsage returns the highest budget-utilization fraction across the
// configured periods, 0 when no budget is set. Metrics use it for the
// budget-used gauge.
func (t *Tracker) BudgetUsage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reconcileLocked(time.Now())

	max := 0.0
	if t.budgets.DailyUSD > 0 {
		if u := t.dailyTotal / t.budgets.DailyUSD; u > max {
			max = u
		}
	}
	if t.budgets.WeeklyUSD > 0 {
		if u := t.weeklyTotal / t.budgets.WeeklyUSD; u > max {
			max = u
		}
	}
	if t.budgets.MonthlyUSD > 0 {
		if u := t.monthlyTotal / t.budgets.MonthlyUSD; u > max {
			max = u
		}
	}
	return max
}

// reconcileLocked rolls any period whose marker no longer matches now:
// the total resets and that period's fired alert keys are pruned so the same
// thresholds can fire again. Caller holds t.mu.
func (t *Tracker) reconcileLocked(now time.Time) {
	if m := dayMarker(now); m != t.dayMarker {
		t.pruneFiredLocked(t.dayMarker)
		t.dayMarker = m
		t.dailyTotal = 0
	}
	if m := weekMarker(now); m != t.weekMarker {
		t.pruneFiredLocked(t.weekMarker)
		t.weekMarker = m
		t.weeklyTotal = 0
	}
	if m := monthMarker(now); m != t.monthMarker {
		t.pruneFiredLocked(t.monthMarker)
		t.monthMarker = m
		t.monthlyTotal = 0
	}

	t.pruneLedgerLocked(now)
}

func (t *Tracker) pruneFiredLocked(marker string) {
	prefix := marker + ":"
	for k := range t.fired {
		if strings.HasPrefix(k, prefix) {
			delete(t.fired, k)
		}
	}
}

func (t *Tracker) pruneLedgerLocked(now time.Time) {
	cutoff := now.Add(-ledgerRetention)
	i := 0
	for i < len(t.ledger) && t.ledger[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.ledger = append([]Call(nil), t.ledger[i:]...)
	}
}

// collectAlertsLocked finds newly crossed thresholds, marking them fired.
// Caller holds t.mu; emission happens outside the lock.
func (t *Tracker) collectAlertsLocked(now time.Time) []Alert {
	if t.sink == nil {
		return nil
	}

	var out []Alert
	check := func(period, marker string, total, budget float64) {
		if budget <= 0 {
			return
		}
		pct := total / budget * 100
		for _, th := range alertThresholds {
			if pct < float64(th) {
				continue
			}
			key := fmt.Sprintf("%s:%d", marker, th)
			if _, done := t.fired[key]; done {
				continue
			}
			t.fired[key] = struct{}{}
			out = append(out, Alert{
				Period:     period,
				Threshold:  th,
				CurrentUSD: total,
				BudgetUSD:  budget,
				Timestamp:  now,
			})
		}
	}

	check("daily", t.dayMarker, t.dailyTotal, t.budgets.DailyUSD)
	check("weekly", t.weekMarker, t.weeklyTotal, t.budgets.WeeklyUSD)
	check("monthly", t.monthMarker, t.monthlyTotal, t.budgets.MonthlyUSD)

	return out
}

func (t *Tracker) emit(a Alert) {
	slog.Warn("budget_threshold_crossed",
		slog.String("period", a.Period),
		slog.Int("threshold_pct", a.Threshold),
		slog.Float64("current_usd", a.CurrentUSD),
		slog.Float64("budget_usd", a.BudgetUSD),
	)
	t.sink.BudgetAlert(a)
}

func periodStats(total, budget float64) PeriodStats {
	ps := PeriodStats{SpentUSD: total, BudgetUSD: budget}
	if budget > 0 {
		ps.UsedPct = total / budget * 100
	}
	return ps
}

func dayMarker(t time.Time) string { return t.Format("2006-01-02") }

func weekMarker(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

func monthMarker(t time.Time) string { return t.Format("2006-01") }
