package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
)

// GeminiEmbedder wraps Google's Generative AI SDK embedding endpoint
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dims      int
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGeminiEmbedder creates an embedder from index configuration
func NewGeminiEmbedder(ctx context.Context, cfg config.IndexConfig) (*GeminiEmbedder, error) {
	apiKey := cfg.GeminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder requires GEMINI_API_KEY")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.ExternalError(err, "create gemini client")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	e := &GeminiEmbedder{
		client:    client,
		model:     model,
		dims:      cfg.Dimensions,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		logger:    slog.Default().With("component", "gemini_embedder", "model", model),
	}
	if e.batchSize <= 0 {
		e.batchSize = 64
	}
	return e, nil
}

// Model implements Embedder
func (e *GeminiEmbedder) Model() string {
	if e.dims > 0 {
		return fmt.Sprintf("gemini:%s:%d", e.model, e.dims)
	}
	return "gemini:" + e.model
}

// Embed implements Embedder
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
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

func (e *GeminiEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	embedConfig := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if e.dims > 0 {
		dims := int32(e.dims)
		embedConfig.OutputDimensionality = &dims
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, embedConfig)
	if err != nil {
		return nil, errors.ExternalErrorf(err, "gemini embeddings with %s", e.model)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	e.logger.Debug("embedded batch", "texts", len(texts))
	return vectors, nil
}
