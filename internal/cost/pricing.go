// Package cost prices completed calls, keeps rolling spend totals per day,
// ISO week and month, enforces budgets before dispatch, and raises threshold
// alerts as spend approaches a budget.
package cost

import (
	"strings"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Rates is the USD price per 1000 input/output tokens.
type Rates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultRates is the conservative fallback for models absent from both the
// catalog and the wildcard table. Deliberately on the expensive side so an
// unknown model drains the budget faster rather than slipping under it.
var DefaultRates = Rates{InputPer1K: 0.01, OutputPer1K: 0.03}

// wildcardRates prices model families not listed in the routing catalog
// (explicit model overrides can name anything a provider serves). Patterns
// end in '*' and match by longest prefix.
var wildcardRates = map[string]Rates{
	"gpt-4o*":          {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4*":           {InputPer1K: 0.03, OutputPer1K: 0.06},
	"o3*":              {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"claude-sonnet*":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku*":    {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-opus*":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini-2.5-pro*":  {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash*": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gemini*":          {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"llama*":           {InputPer1K: 0, OutputPer1K: 0},
}

// RatesFor resolves rates for (provider, model): catalog entry first, then
// the longest matching wildcard pattern, then DefaultRates.
func RatesFor(provider, model string) Rates {
	if m, ok := providers.CatalogLookup(provider, model); ok {
		return Rates{InputPer1K: m.InputCostPer1K, OutputPer1K: m.OutputCostPer1K}
	}

	modelLower := strings.ToLower(model)
	var (
		best    Rates
		bestLen = -1
	)
	for pattern, r := range wildcardRates {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			best = r
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}

	return DefaultRates
}

// Price computes the USD cost breakdown for a completed call.
func Price(provider, model string, usage providers.Usage) providers.CostBreakdown {
	r := RatesFor(provider, model)
	in := float64(usage.InputTokens) / 1000 * r.InputPer1K
	out := float64(usage.OutputTokens) / 1000 * r.OutputPer1K
	return providers.CostBreakdown{
		InputUSD:  in,
		OutputUSD: out,
		TotalUSD:  in + out,
	}
}

// Estimate is a pre-dispatch upper bound used for per-request cost ceilings:
// prompt length is approximated at 4 characters per token and the response at
// the full MaxTokens allowance.
func Estimate(provider, model string, promptChars, maxTokens int) float64 {
	r := RatesFor(provider, model)
	inTokens := float64(promptChars) / 4
	outTokens := float64(maxTokens)
	return inTokens/1000*r.InputPer1K + outTokens/1000*r.OutputPer1K
}
