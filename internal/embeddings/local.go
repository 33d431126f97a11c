package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider generates deterministic embeddings without a model server.
//
// It hashes lowercase tokens into dimension buckets and L2-normalizes the
// result. The vectors carry only token-overlap signal, not semantics, but
// they are stable across runs, which makes the provider suitable for tests
// and offline operation where an embedding server is unavailable.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local hashing provider with the given dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	return &LocalProvider{dimension: dimension}
}

// Dimension returns the embedding dimension.
func (p *LocalProvider) Dimension() int {
	return p.dimension
}

// EmbedQuery generates a deterministic embedding for a single text.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vec := make([]float32, p.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%p.dimension]++
	}

	// L2-normalize so dot products are cosine similarities.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

// EmbedDocuments generates deterministic embeddings for multiple texts.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

var _ Provider = (*LocalProvider)(nil)
var _ Provider = (*Service)(nil)
