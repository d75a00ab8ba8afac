package commands

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/54b3r/docindex-go/internal/rag"
)

// parseMeta turns repeated key=value flags into a metadata map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

// documentError returns the failure recorded on doc, if any.
func documentError(doc *rag.Document) string {
	if doc.ExtractionError != "" {
		return doc.ExtractionError
	}
	return doc.ProcessingError
}

// writeDocumentTable prints one row per document.
func writeDocumentTable(w io.Writer, docs []rag.Document) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tCHUNKS\tSIZE\tCREATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			d.ID, d.Filename, d.Status, d.ChunkCount, d.Size, d.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// writeDocument prints every field of doc as aligned key/value lines.
func writeDocument(w io.Writer, doc *rag.Document) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", doc.ID)
	fmt.Fprintf(tw, "filename:\t%s\n", doc.Filename)
	fmt.Fprintf(tw, "content type:\t%s\n", doc.ContentType)
	fmt.Fprintf(tw, "size:\t%d\n", doc.Size)
	fmt.Fprintf(tw, "status:\t%s\n", doc.Status)
	fmt.Fprintf(tw, "object key:\t%s\n", doc.ObjectKey)
	if doc.PageCount != nil {
		fmt.Fprintf(tw, "pages:\t%d\n", *doc.PageCount)
	}
	fmt.Fprintf(tw, "chunks:\t%d\n", doc.ChunkCount)
	if msg := documentError(doc); msg != "" {
		fmt.Fprintf(tw, "error:\t%s\n", msg)
	}
	for _, k := range slices.Sorted(maps.Keys(doc.Metadata)) {
		fmt.Fprintf(tw, "meta %s:\t%s\n", k, doc.Metadata[k])
	}
	fmt.Fprintf(tw, "created:\t%s\n", doc.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "updated:\t%s\n", doc.UpdatedAt.Format(time.RFC3339))
	if doc.CompletedAt != nil {
		fmt.Fprintf(tw, "completed:\t%s\n", doc.CompletedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
