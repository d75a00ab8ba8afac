package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/logging"
	"github.com/54b3r/docindex-go/internal/watcher"
)

// NewWatchCmd constructs the `docindex watch` command, which ingests files
// written into a directory until interrupted.
func NewWatchCmd() *cobra.Command {
	var dir string
	var scan bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest documents as they appear in a directory",
		Long: `Watch a directory and ingest every supported file (.pdf, .docx, .txt,
.md) that is created or modified in it. A modified file replaces the
document ingested from its previous version; a removed file deletes it.

Examples:
  docindex watch --dir ./inbox
  WATCH_DEBOUNCE=2s docindex watch --dir /srv/docs --scan=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = os.Getenv("WATCH_DIR")
			}
			if dir == "" {
				return fmt.Errorf("watch: --dir or WATCH_DIR is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := openApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("watch: shutdown", slog.Any("error", err))
				}
			}()
			if err := a.recoverInterrupted(ctx); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			if err := a.pipeline.Start(ctx); err != nil {
				return fmt.Errorf("watch: %w", err)
			}

			w, err := watcher.New(a.pipeline, watcher.Config{
				Dir:          dir,
				Debounce:     config.EnvDuration("WATCH_DEBOUNCE", 0),
				ScanExisting: scan,
				Logger:       log,
			})
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (Ctrl-C to stop)\n", dir)
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory to watch (default: $WATCH_DIR)")
	cmd.Flags().BoolVar(&scan, "scan", true, "Ingest files already present at startup")

	return cmd
}
