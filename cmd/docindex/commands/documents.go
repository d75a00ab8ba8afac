package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/rag"
)

// NewStatusCmd constructs the `docindex status` command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show a document's processing status and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer docs.Close()

			doc, err := docs.GetDocument(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}

// NewListCmd constructs the `docindex list` command.
func NewListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		Long: `List stored documents, newest first.

Examples:
  docindex list
  docindex list --status failed --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := rag.ParseStatus(status)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if limit < 0 {
				return fmt.Errorf("list: --limit must not be negative")
			}

			docs, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			defer docs.Close()

			list, err := docs.ListDocuments(cmd.Context(), st, limit)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no documents")
				return nil
			}
			return writeDocumentTable(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, processing, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of documents (0 = all)")

	return cmd
}

// NewDeleteCmd constructs the `docindex delete` command, which removes a
// document together with its chunks, index entries and stored file.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document, its chunks, index entries and stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			a, err := openApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("delete: shutdown", slog.Any("error", err))
				}
			}()

			if err := a.pipeline.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
