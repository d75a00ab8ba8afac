// Command docindex ingests documents (PDF, DOCX, text, Markdown) into a
// vector index and answers similarity queries over them, from the command
// line or through an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/docindex-go/cmd/docindex/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
