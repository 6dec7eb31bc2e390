// Package mock provides a deterministic embedder for tests and offline use.
// Vectors are hash-derived, so identical text always embeds identically, but
// there is no real semantic similarity between different texts.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	muninn "github.com/muninn-ai/muninn-go"
)

const dimensions = 384 // Match all-MiniLM-L6-v2 dimensions

// Embedder generates deterministic embeddings based on text hash.
type Embedder struct {
	fail error
}

var _ muninn.Embedder = (*Embedder)(nil)

// New creates a new mock embedder.
func New() *Embedder {
	return &Embedder{}
}

// NewFailing creates a mock embedder whose calls all fail with err wrapped
// in muninn.ErrModelUnavailable. Exercises degraded-write paths in tests.
func NewFailing(err error) *Embedder {
	return &Embedder{fail: err}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.fail != nil {
		return nil, fmt.Errorf("%w: %w", muninn.ErrModelUnavailable, m.fail)
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, dimensions)
	for i := 0; i < dimensions; i++ {
		// Simple LCG (Linear Congruential Generator)
		seed = seed*6364136223846793005 + 1442695040888963407
		// Convert to [-1, 1] range
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// EmbedBatch embeds texts in order. All-or-nothing.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, emb)
	}
	return embeddings, nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return dimensions
}

// Model identifies this embedder in statistics output.
func (m *Embedder) Model() string {
	return "mock"
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
