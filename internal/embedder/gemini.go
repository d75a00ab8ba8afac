package embedder

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder implements Provider with the Google Gemini embedding API.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	APIKey string
	Model  string
	// Dimensions sets OutputDimensionality (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder constructs a GeminiEmbedder backed by the Gemini API.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiEmbedder{
		client:     client,
		model:      cfg.Model,
		dimensions: int32(cfg.Dimensions),
	}, nil
}

// Embed converts a batch of texts into embeddings parallel to texts.
// Every failure other than caller cancellation is reported as transient.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if e.dimensions > 0 {
		dims := e.dimensions
		cfg.OutputDimensionality = &dims
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gemini embedder: %w", ctx.Err())
		}
		return nil, Transient(fmt.Errorf("gemini embedder: %w", err))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("gemini embedder: empty embedding at position %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}
