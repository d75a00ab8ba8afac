package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// PingFunc adapts a probe function to the Pinger interface. The metadata
// store, object store and embedding client are wired through it.
type PingFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name returns the dependency label.
func (p PingFunc) Name() string { return p.Label }

// Ping calls Fn.
func (p PingFunc) Ping(ctx context.Context) error {
	if err := p.Fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", p.Label, err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
