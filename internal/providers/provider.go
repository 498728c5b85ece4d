// Package providers defines the unified request/response model shared by all
// LLM backend adapters (OpenAI, Anthropic, Gemini, and OpenAI-compatible local
// runtimes), the Provider interface they implement, and the model catalog the
// router scores candidates against.
//
// Each adapter lives in its own sub-package. Adapters that support vector
// embeddings additionally implement EmbeddingProvider.
package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Routing strategies accepted in RoutingPrefs.Strategy.
const (
	StrategyCost     = "cost_optimized"
	StrategyLatency  = "latency_optimized"
	StrategyQuality  = "quality_optimized"
	StrategyBalanced = "balanced"
)

type (
	// Message is a single turn in a conversation. Content carries plain text;
	// Blocks is the typed-block form used by tool-heavy conversations. When
	// Blocks is non-empty it takes precedence over Content.
	Message struct {
		Role    string         `json:"role"` // system | user | assistant | tool
		Content string         `json:"content"`
		Blocks  []ContentBlock `json:"blocks,omitempty"`
	}

	// ContentBlock is one typed segment of a message.
	ContentBlock struct {
		Type string `json:"type"` // text | tool_result
		Text string `json:"text"`
	}

	// RoutingPrefs carries per-request routing constraints and toggles.
	RoutingPrefs struct {
		Strategy             string   `json:"strategy,omitempty"`
		PreferredProviders   []string `json:"preferred_providers,omitempty"`
		ExcludeProviders     []string `json:"exclude_providers,omitempty"`
		RequiredCapabilities []string `json:"required_capabilities,omitempty"`
		DisableCache         bool     `json:"disable_cache,omitempty"`
		DisableFallback      bool     `json:"disable_fallback,omitempty"`
	}

	// Metadata identifies the caller and carries the per-request cost ceiling.
	Metadata struct {
		UserID     string  `json:"user_id,omitempty"`
		ProjectID  string  `json:"project_id,omitempty"`
		Feature    string  `json:"feature,omitempty"`
		MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
	}

	// Request is the normalized completion request. It is immutable once
	// handed to the reliability layer; the orchestrator may derive a
	// sanitized copy but never mutates the original in place.
	Request struct {
		ID          string       `json:"id"`
		Messages    []Message    `json:"messages"`
		Model       string       `json:"model,omitempty"`    // explicit override
		Provider    string       `json:"provider,omitempty"` // explicit override
		MaxTokens   int          `json:"max_tokens,omitempty"`
		Temperature float64      `json:"temperature,omitempty"`
		Routing     RoutingPrefs `json:"routing,omitempty"`
		Metadata    Metadata     `json:"metadata,omitempty"`
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Usage — token usage stats for one completed call.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// CostBreakdown prices one completed call in USD.
	CostBreakdown struct {
		InputUSD  float64 `json:"input_usd"`
		OutputUSD float64 `json:"output_usd"`
		TotalUSD  float64 `json:"total_usd"`
	}

	// ResponseMeta records how the request was actually served.
	ResponseMeta struct {
		Strategy    string `json:"strategy,omitempty"`
		RouteReason string `json:"route_reason,omitempty"`
		CacheStatus string `json:"cache_status"` // hit | miss | bypass
		Retries     int    `json:"retries"`
		TraceID     string `json:"trace_id,omitempty"`
	}

	// Response is the normalized completion response. Created once per
	// request; immutable after construction.
	Response struct {
		ID        string        `json:"id"`
		RequestID string        `json:"request_id"`
		Provider  string        `json:"provider"`
		Model     string        `json:"model"`
		Content   string        `json:"content"`
		ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
		Usage     Usage         `json:"usage"`
		LatencyMs int64         `json:"latency_ms"`
		CacheHit  bool          `json:"cache_hit"`
		Cost      CostBreakdown `json:"cost"`
		Meta      ResponseMeta  `json:"meta"`
	}

	// Completion is the raw result returned by a provider adapter before the
	// orchestrator prices it and assembles the full Response.
	Completion struct {
		ID        string
		Model     string
		Content   string
		ToolCalls []ToolCall
		Usage     Usage
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		Input []string
		Model string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Text returns the effective text of a message: the concatenation of its text
// blocks when present, the plain Content otherwise.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	out := ""
	for _, b := range m.Blocks {
		if b.Type == "text" || b.Type == "" {
			out += b.Text
		}
	}
	return out
}

// LastUserText returns the text of the last user-authored message — the
// salient query used for semantic cache lookups and dedup keys. Empty string
// when the request has no user message.
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// DedupKey derives the identifier under which identical concurrent work is
// coalesced: a SHA-256 over the model and the last user message.
func DedupKey(model string, req *Request) string {
	h := sha256.Sum256([]byte(model + "\x00" + req.LastUserText()))
	return hex.EncodeToString(h[:])
}

// Provider is the contract every backend adapter implements. Complete must
// honour ctx cancellation; model is the provider-native model identifier
// chosen by the router.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request, model string) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by adapters that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StatusCoder exposes the upstream HTTP status of a provider error. The
// reliability layer uses it to classify retryable failures.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the structured error shared by adapters that don't need their own
// error type (openaicompat and test doubles).
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// ModelInfo describes one routable (provider, model) pair. Costs are USD per
// 1000 tokens; P50LatencyMs is the advertised steady-state median;
// QualityTier ranks capability from 1 (small/fast) to 5 (frontier).
type ModelInfo struct {
	Provider        string
	ID              string
	InputCostPer1K  float64
	OutputCostPer1K float64
	P50LatencyMs    int
	QualityTier     int
	Capabilities    []string
}

// HasCapability reports whether the model advertises cap.
func (m ModelInfo) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Catalog is the default routable model set. The router filters and scores
// this list; the cost tracker prices against the same rates so routing and
// accounting never disagree.
var Catalog = []ModelInfo{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	{Provider: "openai", ID: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015,
		P50LatencyMs: 1200, QualityTier: 4, Capabilities: []string{"chat", "tools", "vision", "json"}},
	{Provider: "openai", ID: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
		P50LatencyMs: 600, QualityTier: 2, Capabilities: []string{"chat", "tools", "json"}},
	{Provider: "openai", ID: "o3-mini", InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044,
		P50LatencyMs: 2400, QualityTier: 4, Capabilities: []string{"chat", "tools", "reasoning"}},

	// ─── Anthropic ────────────────────────────────────────────────────────────
	{Provider: "anthropic", ID: "claude-sonnet-4-5", InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		P50LatencyMs: 1400, QualityTier: 5, Capabilities: []string{"chat", "tools", "vision", "long_context"}},
	{Provider: "anthropic", ID: "claude-haiku-4-5", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004,
		P50LatencyMs: 700, QualityTier: 3, Capabilities: []string{"chat", "tools"}},
	{Provider: "anthropic", ID: "claude-opus-4-5", InputCostPer1K: 0.015, OutputCostPer1K: 0.075,
		P50LatencyMs: 2600, QualityTier: 5, Capabilities: []string{"chat", "tools", "vision", "long_context", "reasoning"}},

	// ─── Google Gemini ────────────────────────────────────────────────────────
	{Provider: "gemini", ID: "gemini-2.5-flash", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
		P50LatencyMs: 500, QualityTier: 3, Capabilities: []string{"chat", "tools", "vision", "long_context"}},
	{Provider: "gemini", ID: "gemini-2.5-pro", InputCostPer1K: 0.00125, OutputCostPer1K: 0.01,
		P50LatencyMs: 1800, QualityTier: 4, Capabilities: []string{"chat", "tools", "vision", "long_context", "reasoning"}},

	// ─── Local (OpenAI-compatible runtime) ────────────────────────────────────
	{Provider: "local", ID: "llama-3.3-70b", InputCostPer1K: 0, OutputCostPer1K: 0,
		P50LatencyMs: 3000, QualityTier: 2, Capabilities: []string{"chat"}},
}

// CatalogLookup returns the catalog entry for (provider, model).
func CatalogLookup(provider, model string) (ModelInfo, bool) {
	for _, m := range Catalog {
		if m.Provider == provider && m.ID == model {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Default reliability constants. Configuration overrides these; zero config
// values fall back here.
const (
	BreakerFailureThreshold = 5
	BreakerRecoveryTime     = 30 * time.Second
	BreakerHalfOpenRequests = 2
	RetryAttempts           = 3
	RetryBaseDelay          = 200 * time.Millisecond
	RetryMaxDelay           = 10 * time.Second
	RetryMultiplier         = 2.0
	CallTimeout             = 30 * time.Second
)
