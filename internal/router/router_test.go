package router

import (
	"errors"
	"testing"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

var testCatalog = []providers.ModelInfo{
	{Provider: "openai", ID: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015,
		P50LatencyMs: 1200, QualityTier: 4, Capabilities: []string{"chat", "tools", "vision"}},
	{Provider: "openai", ID: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
		P50LatencyMs: 600, QualityTier: 2, Capabilities: []string{"chat", "tools"}},
	{Provider: "anthropic", ID: "claude-sonnet-4-5", InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		P50LatencyMs: 1400, QualityTier: 5, Capabilities: []string{"chat", "tools", "vision"}},
	{Provider: "gemini", ID: "gemini-2.5-flash", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
		P50LatencyMs: 500, QualityTier: 3, Capabilities: []string{"chat", "tools"}},
	{Provider: "local", ID: "llama-3.3-70b", InputCostPer1K: 0, OutputCostPer1K: 0,
		P50LatencyMs: 3000, QualityTier: 2, Capabilities: []string{"chat"}},
}

func baseRequest(strategy string) *providers.Request {
	return &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
		Routing:  providers.RoutingPrefs{Strategy: strategy},
	}
}

func TestRouter_CostOptimized_PicksCheapest(t *testing.T) {
	r := New(testCatalog, "")

	d, err := r.Route(baseRequest(providers.StrategyCost))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "local" || d.Model != "llama-3.3-70b" {
		t.Fatalf("expected local/llama-3.3-70b, got %s/%s", d.Provider, d.Model)
	}
	if d.Strategy != providers.StrategyCost {
		t.Errorf("expected strategy carried in decision, got %q", d.Strategy)
	}
}

func TestRouter_LatencyOptimized_PicksFastest(t *testing.T) {
	r := New(testCatalog, "")

	d, err := r.Route(baseRequest(providers.StrategyLatency))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "gemini" || d.Model != "gemini-2.5-flash" {
		t.Fatalf("expected gemini/gemini-2.5-flash, got %s/%s", d.Provider, d.Model)
	}
}

func TestRouter_QualityOptimized_PicksHighestTier(t *testing.T) {
	r := New(testCatalog, "")

	d, err := r.Route(baseRequest(providers.StrategyQuality))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "anthropic" || d.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected anthropic/claude-sonnet-4-5, got %s/%s", d.Provider, d.Model)
	}
}

func TestRouter_DefaultStrategyApplied(t *testing.T) {
	r := New(testCatalog, providers.StrategyLatency)

	d, err := r.Route(baseRequest(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Strategy != providers.StrategyLatency {
		t.Fatalf("expected default strategy, got %q", d.Strategy)
	}
}

func TestRouter_PreferredProvidersRestrict(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest(providers.StrategyCost)
	req.Routing.PreferredProviders = []string{"anthropic"}

	d, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "anthropic" {
		t.Fatalf("expected anthropic, got %s", d.Provider)
	}
}

func TestRouter_ExcludeProviders(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest(providers.StrategyCost)
	req.Routing.ExcludeProviders = []string{"local"}

	d, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider == "local" {
		t.Fatal("excluded provider was routed")
	}
}

func TestRouter_RequiredCapabilities(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest(providers.StrategyCost)
	req.Routing.RequiredCapabilities = []string{"vision"}

	d, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Model != "claude-sonnet-4-5" && d.Model != "gpt-4o" {
		t.Fatalf("expected a vision-capable model, got %s", d.Model)
	}
}

func TestRouter_ExplicitModelOverride(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest("")
	req.Provider = "openai"
	req.Model = "gpt-4o"

	d, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "openai" || d.Model != "gpt-4o" {
		t.Fatalf("expected explicit override honored, got %s/%s", d.Provider, d.Model)
	}
}

func TestRouter_NoCandidates(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest("")
	req.Routing.RequiredCapabilities = []string{"time_travel"}

	_, err := r.Route(req)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestRouter_AlternativesRecorded(t *testing.T) {
	r := New(testCatalog, "")

	d, err := r.Route(baseRequest(providers.StrategyCost))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Alternatives) != len(testCatalog)-1 {
		t.Fatalf("expected %d alternatives, got %d", len(testCatalog)-1, len(d.Alternatives))
	}
}

func TestRouter_Fallback_ExcludesFailedProvider(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest(providers.StrategyCost)
	first, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := r.Fallback(req, []string{first.Provider})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Provider == first.Provider {
		t.Fatalf("fallback revisited failed provider %s", first.Provider)
	}
}

func TestRouter_Fallback_NoneRemaining(t *testing.T) {
	r := New(testCatalog, "")

	req := baseRequest("")
	_, err := r.Fallback(req, []string{"openai", "anthropic", "gemini", "local"})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestRouter_Balanced_PrefersWellRoundedModel(t *testing.T) {
	r := New(testCatalog, "")

	d, err := r.Route(baseRequest(providers.StrategyBalanced))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// gemini-2.5-flash is near-cheapest, fastest, and mid-tier quality; it
	// should dominate the balanced score for this catalog.
	if d.Provider != "gemini" {
		t.Fatalf("expected gemini to win balanced routing, got %s/%s", d.Provider, d.Model)
	}
}
