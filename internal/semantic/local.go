package semantic

import (
	"context"
	"fmt"
	"hash/fnv"
)

const defaultDimensions = 256

// HashEmbedder is a deterministic offline embedder. Each stemmed token and
// each adjacent token pair is hashed into a signed bucket; the result is
// L2-normalized so cosine similarity reduces to shared vocabulary.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder with dims buckets
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Model implements Embedder
func (h *HashEmbedder) Model() string {
	return fmt.Sprintf("local-hash-%d", h.dims)
}

// Embed implements Embedder
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	tokens := StemTokens(text)
	for i, t := range tokens {
		h.add(v, t, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+t, 0.5)
		}
	}
	return normalize(v)
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
