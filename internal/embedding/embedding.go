// Package embedding turns prompt text into vectors for the semantic cache.
//
// Two implementations are provided: HashEmbedder, a deterministic local
// embedder that needs no network and is the default, and ProviderEmbedder,
// which delegates to a backend that implements the embeddings API for true
// semantic similarity.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Embedder converts a text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// DefaultDimensions is the vector size used when none is configured.
const DefaultDimensions = 256

// HashEmbedder creates deterministic embeddings from a SHA-256 of the text.
// Identical texts always map to identical vectors, so with this embedder the
// cache behaves as an exact-match cache. It exists so the orchestrator works
// without an embeddings backend configured.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of dims elements.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))

	vec := make([]float32, e.dims)
	for i := 0; i < e.dims; i++ {
		start := (i * 4) % (len(hash) - 4)
		val := binary.BigEndian.Uint32(hash[start : start+4])
		vec[i] = float32(val) / float32(math.MaxUint32)
	}

	// Unit length, so cosine similarity reduces to a dot product.
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}

// ProviderEmbedder delegates to a provider adapter that supports embeddings
// (OpenAI text-embedding-3-small by default).
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
	dims     int
}

// NewProviderEmbedder wraps p. model may be empty; it defaults to
// text-embedding-3-small with 1536 dimensions.
func NewProviderEmbedder(p providers.EmbeddingProvider, model string, dims int) *ProviderEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &ProviderEmbedder{provider: p, model: model, dims: dims}
}

func (e *ProviderEmbedder) Dimensions() int { return e.dims }

func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.provider.Embed(ctx, &providers.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
