// Package commands defines all Cobra CLI commands for the docindex binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/audit"
	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docindex",
		Short: "docindex: document ingestion and semantic retrieval",
		Long: `docindex stores uploaded documents, extracts their text, splits it into
overlapping chunks, embeds every chunk and indexes the vectors so that
natural-language queries return the most similar passages.

Metadata lives in SQLite (default) or Postgres (DATABASE_URL), raw files on
the local filesystem or in MinIO/S3 (OBJECT_STORE), and vectors in the
in-process IVF index or Qdrant (INDEX_BACKEND).

Settings come from the environment, a .env file, and a YAML config file
(~/.docindex/config.yaml), in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.LoadDotEnv(""); err != nil {
				return err
			}
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}

			// Rebuild after loading so LOG_LEVEL/LOG_FORMAT from files apply.
			log := logging.New()
			slog.SetDefault(log)
			audit.LogCommandStart(cmd.Context(), log, cmd.CommandPath(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.docindex/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewQueryCmd(),
		NewStatusCmd(),
		NewListCmd(),
		NewDeleteCmd(),
		NewIndexCmd(),
		NewWatchCmd(),
		NewVersionCmd(),
	)

	return root
}
