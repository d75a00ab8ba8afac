package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/logging"
	"github.com/54b3r/docindex-go/internal/server"
	"github.com/54b3r/docindex-go/internal/watcher"
)

// NewServeCmd constructs the `docindex serve` command, which starts the HTTP
// API, the ingestion workers and, for the IVF backend, the background
// rebuilder.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watchDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docindex HTTP API and ingestion workers",
		Long: `Start the docindex HTTP API.

Routes under /api/v1 upload, list, inspect, re-ingest and delete documents,
run similarity queries and inspect or rebuild the index. /api/health,
/api/ready and /metrics are always unauthenticated. Set DOCINDEX_API_KEY to
require a Bearer token on /api/v1.

With --watch (or WATCH_DIR) the server also ingests files dropped into a
directory.

Examples:
  docindex serve
  docindex serve --port 9090 --watch ./inbox
  INDEX_BACKEND=qdrant docindex serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Unset flags fall back to the environment loaded by the root command.
			if host == "" {
				host = config.Env("DOCINDEX_HOST", "127.0.0.1")
			}
			if port == 0 {
				port = config.EnvInt("DOCINDEX_PORT", 8080)
			}
			if watchDir == "" {
				watchDir = os.Getenv("WATCH_DIR")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := openApp(ctx, log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("serve: shutdown", slog.Any("error", err))
				}
			}()

			if err := a.recoverInterrupted(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if err := a.pipeline.Start(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			srv, err := server.New(server.Deps{
				Ingester:  a.pipeline,
				Documents: a.docs,
				Searcher:  a.engine,
				Index:     a.index,
			}, &server.Config{
				Host:           host,
				Port:           port,
				Logger:         log,
				Pingers:        a.pingers(),
				RateLimit:      config.EnvFloat("DOCINDEX_RATE_LIMIT", 0),
				RateBurst:      config.EnvInt("DOCINDEX_RATE_BURST", 0),
				APIKey:         os.Getenv("DOCINDEX_API_KEY"),
				MaxUploadBytes: ingestion.ConfigFromEnv().MaxUploadBytes,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })

			if a.ivf != nil {
				interval := config.EnvDuration("INDEX_REBUILD_INTERVAL", 5*time.Minute)
				g.Go(func() error {
					a.ivf.AutoRebuild(gctx, interval, log)
					return nil
				})
			}

			if watchDir != "" {
				w, err := watcher.New(a.pipeline, watcher.Config{
					Dir:          watchDir,
					Debounce:     config.EnvDuration("WATCH_DEBOUNCE", 0),
					ScanExisting: true,
					Logger:       log,
				})
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				g.Go(func() error { return w.Run(gctx) })
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (default: $DOCINDEX_HOST or 127.0.0.1)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (default: $DOCINDEX_PORT or 8080)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "Directory to watch for new documents (default: $WATCH_DIR)")

	return cmd
}
