// Package embeddings provides interfaces and implementations for embedding providers.
package embeddings

import (
	"context"
	"fmt"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// EmbedBatch generates embeddings for multiple texts, parallel to texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// Batcher splits requests into provider-sized batches. It satisfies the
// embedder interface used by the metrics calculator.
type Batcher struct {
	Provider Provider
}

// NewBatcher wraps p.
func NewBatcher(p Provider) *Batcher {
	return &Batcher{Provider: p}
}

// Embed returns one vector per text, in order.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := b.Provider.MaxBatchSize()
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := b.Provider.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("%s returned %d embeddings for %d texts", b.Provider.Name(), len(vectors), end-start)
		}
		out = append(out, vectors...)
	}
	return out, nil
}
