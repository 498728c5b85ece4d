// Package router selects the (provider, model) pair that should serve a
// completion request based on the configured routing strategy, and produces
// ranked fallbacks when the chosen backend fails.
//
// The router is a pure function over the model catalog — it never inspects
// live circuit-breaker state. The orchestrator owns that concern and asks for
// a fallback only after the reliability layer gives up on a provider.
package router

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// ErrNoCandidates means filters eliminated every catalog entry.
var ErrNoCandidates = errors.New("router: no routable candidates")

// Balanced strategy weights.
const (
	weightCost    = 0.4
	weightLatency = 0.3
	weightQuality = 0.3
)

// Decision is the routing outcome. Alternatives lists the remaining
// candidates in score order, best first, as "provider/model".
type Decision struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Strategy     string   `json:"strategy"`
	Reason       string   `json:"reason"`
	Alternatives []string `json:"alternatives_considered,omitempty"`
}

// Router scores catalog entries per strategy.
type Router struct {
	catalog         []providers.ModelInfo
	defaultStrategy string
}

// New creates a Router over catalog. An empty catalog falls back to the
// built-in one; an empty defaultStrategy falls back to balanced.
func New(catalog []providers.ModelInfo, defaultStrategy string) *Router {
	if len(catalog) == 0 {
		catalog = providers.Catalog
	}
	if defaultStrategy == "" {
		defaultStrategy = providers.StrategyBalanced
	}
	return &Router{catalog: catalog, defaultStrategy: defaultStrategy}
}

// Route picks the top-scoring candidate for req.
func (r *Router) Route(req *providers.Request) (*Decision, error) {
	return r.route(req, nil)
}

// Fallback re-runs selection with excluded providers removed. excluded should
// carry every provider already tried so repeated fallbacks never revisit one.
// Returns ErrNoCandidates when nothing remains.
func (r *Router) Fallback(req *providers.Request, excluded []string) (*Decision, error) {
	return r.route(req, excluded)
}

type scored struct {
	info  providers.ModelInfo
	score float64
}

func (r *Router) route(req *providers.Request, excluded []string) (*Decision, error) {
	strategy := req.Routing.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	candidates := r.filter(req, excluded)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ranked := rank(candidates, strategy)

	best := ranked[0]
	alts := make([]string, 0, len(ranked)-1)
	for _, s := range ranked[1:] {
		alts = append(alts, s.info.Provider+"/"+s.info.ID)
	}

	return &Decision{
		Provider:     best.info.Provider,
		Model:        best.info.ID,
		Strategy:     strategy,
		Reason:       reason(strategy, best.info, len(candidates)),
		Alternatives: alts,
	}, nil
}

func (r *Router) filter(req *providers.Request, excluded []string) []providers.ModelInfo {
	prefs := req.Routing

	excludeSet := make(map[string]struct{}, len(prefs.ExcludeProviders)+len(excluded))
	for _, p := range prefs.ExcludeProviders {
		excludeSet[p] = struct{}{}
	}
	for _, p := range excluded {
		excludeSet[p] = struct{}{}
	}

	var preferSet map[string]struct{}
	if len(prefs.PreferredProviders) > 0 {
		preferSet = make(map[string]struct{}, len(prefs.PreferredProviders))
		for _, p := range prefs.PreferredProviders {
			preferSet[p] = struct{}{}
		}
	}

	var out []providers.ModelInfo
	for _, m := range r.catalog {
		if req.Provider != "" && m.Provider != req.Provider {
			continue
		}
		if req.Model != "" && m.ID != req.Model {
			continue
		}
		if preferSet != nil {
			if _, ok := preferSet[m.Provider]; !ok {
				continue
			}
		}
		if _, ok := excludeSet[m.Provider]; ok {
			continue
		}
		if !hasAll(m, prefs.RequiredCapabilities) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasAll(m providers.ModelInfo, caps []string) bool {
	for _, c := range caps {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// rank sorts candidates best-first for the strategy. Scores are only
// comparable within one call.
func rank(candidates []providers.ModelInfo, strategy string) []scored {
	out := make([]scored, len(candidates))

	switch strategy {
	case providers.StrategyCost:
		for i, m := range candidates {
			out[i] = scored{info: m, score: -blendedRate(m)}
		}
	case providers.StrategyLatency:
		for i, m := range candidates {
			out[i] = scored{info: m, score: -float64(m.P50LatencyMs)}
		}
	case providers.StrategyQuality:
		for i, m := range candidates {
			// Latency breaks quality-tier ties toward the snappier model.
			out[i] = scored{info: m, score: float64(m.QualityTier) - float64(m.P50LatencyMs)/1e6}
		}
	default: // balanced
		out = rankBalanced(candidates)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// rankBalanced normalizes cost, latency and quality across the candidate set
// to [0,1] and combines them with fixed weights.
func rankBalanced(candidates []providers.ModelInfo) []scored {
	minCost, maxCost := blendedRate(candidates[0]), blendedRate(candidates[0])
	minLat, maxLat := candidates[0].P50LatencyMs, candidates[0].P50LatencyMs
	minQ, maxQ := candidates[0].QualityTier, candidates[0].QualityTier

	for _, m := range candidates[1:] {
		c := blendedRate(m)
		if c < minCost {
			minCost = c
		}
		if c > maxCost {
			maxCost = c
		}
		if m.P50LatencyMs < minLat {
			minLat = m.P50LatencyMs
		}
		if m.P50LatencyMs > maxLat {
			maxLat = m.P50LatencyMs
		}
		if m.QualityTier < minQ {
			minQ = m.QualityTier
		}
		if m.QualityTier > maxQ {
			maxQ = m.QualityTier
		}
	}

	norm := func(v, lo, hi float64) float64 {
		if hi == lo {
			return 0.5
		}
		return (v - lo) / (hi - lo)
	}

	out := make([]scored, len(candidates))
	for i, m := range candidates {
		cheap := 1 - norm(blendedRate(m), minCost, maxCost)
		fast := 1 - norm(float64(m.P50LatencyMs), float64(minLat), float64(maxLat))
		good := norm(float64(m.QualityTier), float64(minQ), float64(maxQ))
		out[i] = scored{info: m, score: weightCost*cheap + weightLatency*fast + weightQuality*good}
	}
	return out
}

// blendedRate is the per-1k price used for cost comparisons: input and
// output rates averaged, since the output share is unknown at routing time.
func blendedRate(m providers.ModelInfo) float64 {
	return (m.InputCostPer1K + m.OutputCostPer1K) / 2
}

func reason(strategy string, m providers.ModelInfo, n int) string {
	switch strategy {
	case providers.StrategyCost:
		return fmt.Sprintf("lowest blended rate ($%.5f/1k) among %d candidates", blendedRate(m), n)
	case providers.StrategyLatency:
		return fmt.Sprintf("lowest P50 latency (%dms) among %d candidates", m.P50LatencyMs, n)
	case providers.StrategyQuality:
		return fmt.Sprintf("highest quality tier (%d) among %d candidates", m.QualityTier, n)
	default:
		return fmt.Sprintf("best balanced score among %d candidates", n)
	}
}
