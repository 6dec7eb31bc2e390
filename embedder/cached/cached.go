// Package cached wraps any embedder with a ristretto in-memory cache.
// Repeated texts, common in event streams that describe the same situation
// over and over, skip model inference entirely.
package cached

import (
	"context"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto"

	muninn "github.com/muninn-ai/muninn-go"
)

const defaultMaxEntries = 4096

// Embedder is a read-through cache in front of another embedder. Safe for
// concurrent use when the inner embedder is.
type Embedder struct {
	inner muninn.Embedder
	cache *ristretto.Cache
}

var _ muninn.Embedder = (*Embedder)(nil)

// New wraps inner with a cache holding up to maxEntries embeddings.
// maxEntries <= 0 selects the default (4096).
func New(inner muninn.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or falls through to the inner
// embedder, caching the result.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if emb, ok := v.([]float32); ok {
			return cloneVec(emb), nil
		}
	}

	emb, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, cloneVec(emb), 1)
	// Flush the admission buffer so an immediate repeat of the same text
	// hits instead of re-running inference.
	e.cache.Wait()
	return emb, nil
}

// EmbedBatch serves hits from the cache and embeds only the misses through
// the inner embedder, in one batch. All-or-nothing like the inner call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	var missing []string
	var missingAt []int

	for i, text := range texts {
		if v, ok := e.cache.Get(text); ok {
			if emb, ok := v.([]float32); ok {
				embeddings[i] = cloneVec(emb)
				continue
			}
		}
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}

	if len(missing) > 0 {
		fresh, err := e.inner.EmbedBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(fresh) != len(missing) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missing))
		}
		for j, emb := range fresh {
			embeddings[missingAt[j]] = emb
			e.cache.Set(missing[j], cloneVec(emb), 1)
		}
		e.cache.Wait()
	}

	return embeddings, nil
}

// Dimensions reports the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Model reports the inner embedder's model name.
func (e *Embedder) Model() string {
	return e.inner.Model()
}

// Close releases the cache and closes the inner embedder when it supports
// closing.
func (e *Embedder) Close() error {
	e.cache.Close()
	if closer, ok := e.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
