package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/rag"
)

// NewIndexCmd constructs the `docindex index` command group.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and maintain the vector index",
	}
	cmd.AddCommand(newIndexStatsCmd(), newIndexRebuildCmd(), newIndexSnapshotCmd())
	return cmd
}

// withIndex opens the app, runs fn, and closes the app afterwards.
func withIndex(cmd *cobra.Command, name string, fn func(a *app) error) error {
	log := slog.Default()
	a, err := openApp(cmd.Context(), log, nil)
	if err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("index: shutdown", slog.Any("error", err))
		}
	}()
	if err := fn(a); err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	return nil
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts and the inverted-list partition as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(cmd, "stats", func(a *app) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if a.ivf != nil {
					st, err := a.ivf.Stats(cmd.Context())
					if err != nil {
						return err
					}
					return enc.Encode(st)
				}
				n, err := a.index.Count(cmd.Context(), "")
				if err != nil {
					return err
				}
				return enc.Encode(map[string]any{
					"backend":    "qdrant",
					"dimensions": a.index.Dimension(),
					"entries":    n,
				})
			})
		},
	}
}

func newIndexRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Retrain the IVF centroids and reassign every vector",
		Long: `Retrain the IVF centroids with k-means over the stored vectors and
reassign every entry. The result is written to the snapshot file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(cmd, "rebuild", func(a *app) error {
				if a.ivf == nil {
					return fmt.Errorf("INDEX_BACKEND=qdrant manages its own index: %w", rag.ErrInvalidInput)
				}
				start := time.Now()
				if err := a.ivf.Rebuild(cmd.Context()); err != nil {
					return err
				}
				st, err := a.ivf.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d entries into %d lists (imbalance %.2f) in %s\n",
					st.Entries, st.ActiveLists, st.Imbalance, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func newIndexSnapshotCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write the IVF index to a snapshot file",
		Long: `Write the IVF index to a snapshot file, INDEX_SNAPSHOT_PATH unless --out
is given. When no snapshot exists yet the index is first restored from the
embeddings in the metadata store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(cmd, "snapshot", func(a *app) error {
				if a.ivf == nil {
					return fmt.Errorf("INDEX_BACKEND=qdrant has no snapshot: %w", rag.ErrInvalidInput)
				}
				path := out
				if path == "" {
					path = a.snapshot
				}
				if path == "" {
					return fmt.Errorf("snapshots are disabled; pass --out: %w", rag.ErrInvalidInput)
				}
				if err := a.ivf.SaveFile(path); err != nil {
					return err
				}
				n, _ := a.ivf.Count(cmd.Context(), "")
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", n, path)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Snapshot file (default: $INDEX_SNAPSHOT_PATH)")

	return cmd
}
