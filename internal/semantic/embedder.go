package semantic

import (
	"context"
	"fmt"
	"math"

	"github.com/brutev/fd-agent/internal/config"
)

// Provider names accepted by index.provider
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Embedder turns texts into vectors. Implementations must return one
// vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the vector space; vectors from different models
	// are never compared
	Model() string
}

// NewEmbedder builds the embedder named by cfg.Provider
func NewEmbedder(ctx context.Context, cfg config.IndexConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewHashEmbedder(cfg.Dimensions), nil
	case ProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case ProviderGemini:
		return NewGeminiEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
