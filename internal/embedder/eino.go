package embedder

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
)

// EinoEmbedder adapts any Eino embedding component to Provider, so the
// embedders published in eino-ext can be plugged into the client without
// a dedicated adapter each.
type EinoEmbedder struct {
	inner embedding.Embedder
	opts  []embedding.Option
}

// NewEinoEmbedder wraps inner. opts are passed to every EmbedStrings call.
func NewEinoEmbedder(inner embedding.Embedder, opts ...embedding.Option) *EinoEmbedder {
	return &EinoEmbedder{inner: inner, opts: opts}
}

// Embed calls EmbedStrings and narrows the float64 vectors to float32.
func (e *EinoEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.inner.EmbedStrings(ctx, texts, e.opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("eino embedder: %w", ctx.Err())
		}
		return nil, Transient(fmt.Errorf("eino embedder: %w", err))
	}

	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		f := make([]float32, len(v))
		for j, x := range v {
			f[j] = float32(x)
		}
		out[i] = f
	}
	return out, nil
}
