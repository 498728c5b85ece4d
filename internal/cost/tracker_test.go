package cost

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) BudgetAlert(a Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *recordingSink) get() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func trackedCall(costUSD float64) Call {
	return Call{
		Provider: "openai",
		Model:    "gpt-4o",
		Usage:    providers.Usage{InputTokens: 100, OutputTokens: 50},
		CostUSD:  costUSD,
	}
}

func TestTracker_TrackAddsToAllPeriods(t *testing.T) {
	tr := NewTracker(Budgets{}, nil)

	tr.Track(trackedCall(0.5))
	tr.Track(trackedCall(0.25))

	s := tr.GetStats()
	if s.Daily.SpentUSD != 0.75 || s.Weekly.SpentUSD != 0.75 || s.Monthly.SpentUSD != 0.75 {
		t.Fatalf("expected 0.75 in every period, got %+v", s)
	}
	if s.Calls != 2 {
		t.Fatalf("expected 2 calls, got %d", s.Calls)
	}
}

func TestTracker_CheckBudget_BlocksWhenExceeded(t *testing.T) {
	tr := NewTracker(Budgets{DailyUSD: 0.001}, nil)

	if !tr.CheckBudget() {
		t.Fatal("fresh tracker should pass the budget check")
	}

	tr.Track(trackedCall(0.1)) // tracking never fails, even over budget

	if tr.CheckBudget() {
		t.Fatal("expected budget check to fail once the daily cap is exceeded")
	}
}

func TestTracker_CheckBudget_ExactBoundaryBlocks(t *testing.T) {
	tr := NewTracker(Budgets{DailyUSD: 1.0}, nil)
	tr.Track(trackedCall(1.0))

	if tr.CheckBudget() {
		t.Fatal("a budget exactly met must block further dispatch")
	}
}

func TestTracker_PeriodRollover_ResetsTotalsAndAlerts(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(Budgets{DailyUSD: 1.0}, sink)

	tr.Track(trackedCall(0.8)) // crosses 50% and 75%
	if got := len(sink.get()); got != 2 {
		t.Fatalf("expected 2 alerts (50, 75), got %d", got)
	}

	// Fast-forward: pretend the last reconcile happened yesterday.
	tr.mu.Lock()
	tr.dayMarker = dayMarker(time.Now().AddDate(0, 0, -1))
	tr.mu.Unlock()

	tr.Track(trackedCall(0.8))

	s := tr.GetStats()
	if s.Daily.SpentUSD != 0.8 {
		t.Fatalf("expected daily total reset before new spend, got %f", s.Daily.SpentUSD)
	}
	// Same thresholds fire again in the new period.
	if got := len(sink.get()); got != 4 {
		t.Fatalf("expected alerts to re-fire after rollover, got %d", got)
	}
}

func TestTracker_AlertsFireOncePerPeriod(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(Budgets{DailyUSD: 1.0}, sink)

	tr.Track(trackedCall(0.6)) // 60% → 50 fires
	tr.Track(trackedCall(0.1)) // 70% → nothing new
	tr.Track(trackedCall(0.1)) // 80% → 75 fires

	alerts := sink.get()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %+v", len(alerts), alerts)
	}
	if alerts[0].Threshold != 50 || alerts[1].Threshold != 75 {
		t.Fatalf("unexpected thresholds: %+v", alerts)
	}
}

func TestTracker_AllThresholdsAtOnce(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(Budgets{DailyUSD: 1.0}, sink)

	tr.Track(trackedCall(1.5)) // blows through 50/75/90/100 in one go

	alerts := sink.get()
	if len(alerts) != 4 {
		t.Fatalf("expected 4 alerts, got %d", len(alerts))
	}
}

func TestTracker_GetBreakdown(t *testing.T) {
	tr := NewTracker(Budgets{}, nil)

	a := trackedCall(0.5)
	a.ProjectID = "proj-1"
	b := trackedCall(0.25)
	b.Provider = "anthropic"
	b.Model = "claude-haiku-4-5"
	b.ProjectID = "proj-2"

	tr.Track(a)
	tr.Track(b)

	// Zero until means "now".
	bd := tr.GetBreakdown(time.Now().Add(-time.Hour), time.Time{})
	if bd.Calls != 2 {
		t.Fatalf("expected 2 calls, got %d", bd.Calls)
	}
	if bd.ByProvider["openai"] != 0.5 || bd.ByProvider["anthropic"] != 0.25 {
		t.Fatalf("unexpected provider grouping: %+v", bd.ByProvider)
	}
	if bd.ByProject["proj-1"] != 0.5 {
		t.Fatalf("unexpected project grouping: %+v", bd.ByProject)
	}

	// A range in the future matches nothing.
	empty := tr.GetBreakdown(time.Now().Add(time.Hour), time.Time{})
	if empty.Calls != 0 {
		t.Fatalf("expected empty breakdown, got %d calls", empty.Calls)
	}

	// An upper bound before the tracked calls excludes them.
	capped := tr.GetBreakdown(time.Now().Add(-time.Hour), time.Now().Add(-30*time.Minute))
	if capped.Calls != 0 {
		t.Fatalf("expected capped breakdown to be empty, got %d calls", capped.Calls)
	}
}

func TestTracker_BudgetUsage(t *testing.T) {
	tr := NewTracker(Budgets{DailyUSD: 10, MonthlyUSD: 100}, nil)
	tr.Track(trackedCall(1.0))

	if u := tr.BudgetUsage(); u != 0.1 {
		t.Fatalf("expected 0.1 (daily dominates), got %f", u)
	}
}

func TestPrice_KnownModel(t *testing.T) {
	// gpt-4o-mini: 0.00015 in / 0.0006 out per 1k.
	cb := Price("openai", "gpt-4o-mini", providers.Usage{InputTokens: 1000, OutputTokens: 1000})
	if cb.InputUSD != 0.00015 || cb.OutputUSD != 0.0006 {
		t.Fatalf("unexpected breakdown: %+v", cb)
	}
	if math.Abs(cb.TotalUSD-0.00075) > 1e-12 {
		t.Fatalf("expected total 0.00075, got %f", cb.TotalUSD)
	}
}

func TestPrice_UnknownModelUsesDefault(t *testing.T) {
	cb := Price("mystery", "unheard-of-model", providers.Usage{InputTokens: 1000, OutputTokens: 1000})
	want := DefaultRates.InputPer1K + DefaultRates.OutputPer1K
	if cb.TotalUSD != want {
		t.Fatalf("expected default rates total %f, got %f", want, cb.TotalUSD)
	}
}

func TestRatesFor_WildcardLongestPrefixWins(t *testing.T) {
	r := RatesFor("openai", "gpt-4o-2024-11-20")
	if r.InputPer1K != 0.005 {
		t.Fatalf("expected gpt-4o* rates, got %+v", r)
	}

	r = RatesFor("openai", "gpt-4-turbo")
	if r.InputPer1K != 0.03 {
		t.Fatalf("expected gpt-4* rates, got %+v", r)
	}
}

func TestWeekMarker_ISOWeek(t *testing.T) {
	// 2026-01-01 falls in ISO week 2026-W01; 2027-01-01 falls in 2026-W53.
	d1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := weekMarker(d1); got != "2026-W01" {
		t.Fatalf("expected 2026-W01, got %s", got)
	}
	d2 := time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := weekMarker(d2); got != "2026-W53" {
		t.Fatalf("expected 2026-W53, got %s", got)
	}
}
