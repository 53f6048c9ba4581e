package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
)

// OpenAIEmbedder calls the OpenAI embeddings API, throttled to the
// configured request rate
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dims      int
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewOpenAIEmbedder creates an embedder from index configuration
func NewOpenAIEmbedder(cfg config.IndexConfig) (*OpenAIEmbedder, error) {
	apiKey := cfg.OpenAIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder requires OPENAI_API_KEY")
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	e := &OpenAIEmbedder{
		client:    openai.NewClient(apiKey),
		model:     model,
		dims:      cfg.Dimensions,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		logger:    slog.Default().With("component", "openai_embedder", "model", model),
	}
	if e.batchSize <= 0 {
		e.batchSize = 64
	}
	return e, nil
}

// Model implements Embedder
func (e *OpenAIEmbedder) Model() string {
	if e.dims > 0 {
		return fmt.Sprintf("openai:%s:%d", e.model, e.dims)
	}
	return "openai:" + e.model
}

// Embed implements Embedder
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, span := range batches(len(texts), e.batchSize) {
		vectors, err := e.embedBatch(ctx, texts[span[0]:span[1]])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dims > 0 {
		req.Dimensions = e.dims
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.ExternalErrorf(err, "openai embeddings with %s", e.model)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("openai embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	e.logger.Debug("embedded batch",
		"texts", len(texts),
		"tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return vectors, nil
}

// batches splits n items into [start, end) ranges of at most size
func batches(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
