package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/query"
)

// snippetRunes bounds the chunk text printed per result in text output.
const snippetRunes = 240

// NewQueryCmd constructs the `docindex query` command.
func NewQueryCmd() *cobra.Command {
	var k int
	var documentID string
	var nprobe int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Return the chunks most similar to a natural-language query",
		Long: `Embed the query text and return the k most similar chunks, best first.

Examples:
  docindex query "how do I rotate credentials"
  docindex query -k 10 --document 3f2a... "termination clause"
  docindex query --json "quarterly revenue" | jq '.[0]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			a, err := openApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("query: shutdown", slog.Any("error", err))
				}
			}()

			results, err := a.engine.Query(ctx, query.Request{
				Text:       strings.Join(args, " "),
				K:          k,
				DocumentID: documentID,
				NProbe:     nprobe,
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if results == nil {
					results = []query.Result{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%d. [%.4f] %s #%d (chars %d-%d)\n", i+1, r.Score, r.Filename, r.ChunkIndex, r.Start, r.End)
				fmt.Fprintf(out, "   %s\n\n", snippet(r.Content, snippetRunes))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of results (default: $QUERY_DEFAULT_K or 5)")
	cmd.Flags().StringVar(&documentID, "document", "", "Restrict results to one document id")
	cmd.Flags().IntVar(&nprobe, "nprobe", 0, "Inverted lists to scan (default: $INDEX_NPROBE)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

// snippet collapses whitespace in s and truncates it to n runes.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
