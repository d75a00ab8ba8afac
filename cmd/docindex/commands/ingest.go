package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/rag"
)

// NewIngestCmd constructs the `docindex ingest` command, which stores each
// file and runs the ingestion pipeline on it synchronously.
func NewIngestCmd() *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest one or more documents and wait for them to complete",
		Long: `Store each file, extract its text, split it into chunks, embed the chunks
and add them to the vector index. Files are processed one after another and
the final status of each is printed.

Supported types: PDF (requires pdftotext on PATH), DOCX, plain text and
Markdown. The content type is inferred from the file extension.

Examples:
  docindex ingest handbook.pdf
  docindex ingest notes/*.md --meta team=platform --meta source=wiki`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			extra, err := parseMeta(meta)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			a, err := openApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("ingest: shutdown", slog.Any("error", err))
				}
			}()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				doc, err := ingestFile(ctx, a, path, extra)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s\tERROR\t%v\n", path, err)
					continue
				}
				if doc.Status == rag.StatusFailed {
					failed++
					fmt.Fprintf(out, "%s\t%s\tfailed\t%s\n", path, doc.ID, documentError(doc))
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%d chunks\n", path, doc.ID, doc.Status, doc.ChunkCount)
			}
			if failed > 0 {
				return fmt.Errorf("ingest: %d of %d file(s) failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata key=value stored on every document (repeatable)")

	return cmd
}

// ingestFile accepts path and ingests it. A document that was accepted but
// failed during processing is returned with a nil error and status failed.
func ingestFile(ctx context.Context, a *app, path string, meta map[string]string) (*rag.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m := map[string]string{"source_path": path}
	for k, v := range meta {
		m[k] = v
	}
	doc, err := a.pipeline.Accept(ctx, ingestion.Upload{
		Filename: filepath.Base(path),
		Data:     data,
		Metadata: m,
	})
	if err != nil {
		return nil, err
	}

	final, err := a.pipeline.Ingest(ctx, doc.ID)
	if err != nil && (final == nil || final.Status != rag.StatusFailed) {
		return nil, err
	}
	return final, nil
}
