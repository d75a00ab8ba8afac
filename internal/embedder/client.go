package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/54b3r/docindex-go/internal/rag"
)

// DefaultDimensions is the vector dimension D used when none is configured.
const DefaultDimensions = 1024

// Provider converts a batch of texts into vectors parallel to the input.
// Implementations should wrap retryable failures with Transient.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ClientConfig tunes batching, retries and rate limiting for a Client.
type ClientConfig struct {
	// Dimensions is the exact vector length every result must have.
	Dimensions int

	// BatchSize caps the number of texts per provider call.
	BatchSize int

	// MaxRetries is the number of retries after the first attempt of a batch.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Concurrency caps the number of batches in flight.
	Concurrency int

	// RateLimit caps provider calls per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (c *ClientConfig) withDefaults() {
	if c.Dimensions <= 0 {
		c.Dimensions = DefaultDimensions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the embedding adapter used by the pipeline and query engine.
// It splits input into batches, retries transient provider failures with
// exponential backoff, and rejects vectors of the wrong dimension.
// It is safe for concurrent use.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	metrics  *clientMetrics
	log      *slog.Logger
}

// NewClient wraps provider. A zero MaxRetries disables retries; use
// DefaultClientConfig or ClientConfigFromEnv for the standard budget.
func NewClient(provider Provider, cfg ClientConfig) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedder: provider must not be nil")
	}
	cfg.withDefaults()

	c := &Client{
		provider: provider,
		cfg:      cfg,
		metrics:  newClientMetrics(cfg.Registerer),
		log:      cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return c, nil
}

// Dimensions returns D.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed returns one vector per text, in input order. Batches run
// concurrently; the first failing batch cancels the rest.
//
// Errors wrap rag.ErrProviderUnavailable when the provider keeps failing or
// returns a malformed response, and rag.ErrDimensionMismatch when any vector
// has the wrong length.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Ping checks provider reachability when the provider supports it.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.provider.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var (
		result   [][]float32
		attempts int
	)

	op := func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		vecs, err := c.provider.Embed(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("embedder: %w: %w", rag.ErrProviderUnavailable, err))
		}
		if err := c.check(batch, vecs); err != nil {
			return backoff.Permanent(err)
		}
		result = vecs
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.metrics.retries.Inc()
		c.log.Warn("embedder: transient provider failure, retrying",
			slog.Int("batch_size", len(batch)),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		c.metrics.requests.WithLabelValues("ok").Inc()
		return result, nil
	case errors.Is(err, rag.ErrDimensionMismatch), errors.Is(err, rag.ErrProviderUnavailable):
	case ctx.Err() != nil:
		c.metrics.requests.WithLabelValues("canceled").Inc()
		return nil, fmt.Errorf("embedder: %w", ctx.Err())
	default:
		err = fmt.Errorf("embedder: giving up after %d attempts: %w: %w", attempts, rag.ErrProviderUnavailable, err)
	}
	c.metrics.requests.WithLabelValues(rag.Kind(err)).Inc()
	return nil, err
}

// check validates the shape of a provider response. Vectors are never
// padded or truncated.
func (c *Client) check(batch []string, vecs [][]float32) error {
	if len(vecs) != len(batch) {
		return fmt.Errorf("embedder: expected %d embeddings, got %d: %w", len(batch), len(vecs), rag.ErrProviderUnavailable)
	}
	for i, v := range vecs {
		if len(v) != c.cfg.Dimensions {
			return fmt.Errorf("embedder: embedding %d has %d dimensions, want %d: %w", i, len(v), c.cfg.Dimensions, rag.ErrDimensionMismatch)
		}
	}
	return nil
}
