package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docindex-go/internal/chunker"
	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/docstore"
	"github.com/54b3r/docindex-go/internal/embedder"
	"github.com/54b3r/docindex-go/internal/extract"
	"github.com/54b3r/docindex-go/internal/index"
	"github.com/54b3r/docindex-go/internal/index/qdrantindex"
	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/objectstore"
	"github.com/54b3r/docindex-go/internal/query"
	"github.com/54b3r/docindex-go/internal/rag"
	"github.com/54b3r/docindex-go/internal/server"
)

// snapshotDisabled turns off IVF snapshot persistence when set as
// INDEX_SNAPSHOT_PATH.
const snapshotDisabled = "disabled"

// app holds every component a command may need, opened from the
// environment. Close releases them in dependency order.
type app struct {
	log *slog.Logger

	docs     *docstore.Store
	objects  rag.ObjectStore
	embedder *embedder.Client
	index    rag.VectorIndex
	pipeline *ingestion.Pipeline
	engine   *query.Engine

	// ivf is set when INDEX_BACKEND=ivf; snapshot is where it is persisted.
	ivf      *index.IVF
	snapshot string

	// qdrant is set when INDEX_BACKEND=qdrant.
	qdrant *qdrantindex.Store

	closers []func() error
}

// openStore opens only the metadata store, for commands that read document
// records without touching embeddings or the index.
func openStore(ctx context.Context) (*docstore.Store, error) {
	docs, err := docstore.Open(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return docs, nil
}

// openApp wires the full stack. reg receives every component's collectors;
// nil leaves them unregistered, which one-shot commands use.
func openApp(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.docs, err = openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.docs.Close)
	log.Info("metadata store opened", slog.String("dialect", a.docs.Dialect()))

	a.objects, err = openObjects(ctx)
	if err != nil {
		return nil, err
	}

	if err := embedder.ValidateConfig(log); err != nil {
		return nil, err
	}
	provider, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}
	a.embedder, err = embedder.NewClient(provider, embedder.ClientConfigFromEnv(log, reg))
	if err != nil {
		return nil, fmt.Errorf("initialise embedding client: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("provider", config.Env("EMBEDDING_PROVIDER", "ollama")),
		slog.Int("dimensions", a.embedder.Dimensions()),
	)

	if err := a.openIndex(ctx, reg); err != nil {
		return nil, err
	}

	split, err := chunker.New(chunker.ConfigFromEnv())
	if err != nil {
		return nil, err
	}

	a.pipeline, err = ingestion.NewPipeline(ingestion.Deps{
		Documents:  a.docs,
		Objects:    a.objects,
		Extractor:  extract.New(),
		Chunker:    split,
		Embedder:   a.embedder,
		Index:      a.index,
		Logger:     log,
		Registerer: reg,
	}, ingestion.ConfigFromEnv())
	if err != nil {
		return nil, err
	}

	if a.ivf != nil {
		if _, err := a.pipeline.Restore(ctx); err != nil {
			return nil, err
		}
	}

	a.engine, err = query.NewEngine(a.embedder, a.index, a.docs, query.ConfigFromEnv(log, reg))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// recoverInterrupted fails documents a previous process left in processing. Only
// long-running commands call it; a one-shot command may run beside a server
// whose ingestions are still live.
func (a *app) recoverInterrupted(ctx context.Context) error {
	n, err := a.pipeline.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Warn("recovered interrupted ingestions", slog.Int("documents", n))
	}
	return nil
}

func openObjects(ctx context.Context) (rag.ObjectStore, error) {
	store, err := objectstore.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object store (%s): %w", config.Env("OBJECT_STORE", "fs"), err)
	}
	return store, nil
}

// openIndex selects the vector backend from INDEX_BACKEND. The IVF index is
// loaded from its snapshot when one exists.
func (a *app) openIndex(ctx context.Context, reg prometheus.Registerer) error {
	dims := a.embedder.Dimensions()
	switch backend := config.Env("INDEX_BACKEND", "ivf"); backend {
	case "ivf":
		path, err := snapshotPath()
		if err != nil {
			return err
		}
		a.snapshot = path
		cfg := index.ConfigFromEnv(dims, reg)

		if path != "" {
			ix, err := index.LoadFile(path, cfg)
			switch {
			case err == nil:
				a.ivf = ix
				a.log.Info("index snapshot loaded", slog.String("path", path))
			case errors.Is(err, fs.ErrNotExist):
			default:
				return fmt.Errorf("load index snapshot %s: %w", path, err)
			}
		}
		if a.ivf == nil {
			ix, err := index.New(cfg)
			if err != nil {
				return err
			}
			a.ivf = ix
		}
		a.index = a.ivf

	case "qdrant":
		store, err := qdrantindex.New(ctx, qdrantindex.ConfigFromEnv(dims))
		if err != nil {
			return fmt.Errorf("connect to qdrant: %w", err)
		}
		a.qdrant = store
		a.index = store

	default:
		return fmt.Errorf("unknown INDEX_BACKEND %q (want ivf or qdrant): %w", backend, rag.ErrInvalidInput)
	}
	a.closers = append(a.closers, a.index.Close)
	return nil
}

// snapshotPath resolves INDEX_SNAPSHOT_PATH, defaulting to
// ~/.docindex/index.ivf. The empty string means persistence is off.
func snapshotPath() (string, error) {
	p := os.Getenv("INDEX_SNAPSHOT_PATH")
	switch p {
	case snapshotDisabled:
		return "", nil
	case "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		return filepath.Join(home, ".docindex", "index.ivf"), nil
	}
	return p, nil
}

// saveSnapshot persists the IVF index when snapshots are enabled.
func (a *app) saveSnapshot() error {
	if a.ivf == nil || a.snapshot == "" {
		return nil
	}
	if err := a.ivf.SaveFile(a.snapshot); err != nil {
		return err
	}
	a.log.Info("index snapshot saved", slog.String("path", a.snapshot))
	return nil
}

// pingers lists the readiness probes for the wired backends.
func (a *app) pingers() []server.Pinger {
	ps := []server.Pinger{
		server.PingFunc{Label: "metadata", Fn: a.docs.Ping},
		server.PingFunc{Label: "objects", Fn: a.objects.Ping},
		server.PingFunc{Label: "embedder", Fn: a.embedder.Ping},
	}
	if a.qdrant != nil {
		ps = append(ps, server.NewQdrantPinger(a.qdrant.Client()))
	}
	return ps
}

// Close stops the pipeline, saves the snapshot and closes the stores.
func (a *app) Close() error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
		errs = append(errs, a.saveSnapshot())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
