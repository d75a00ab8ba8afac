package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/docindex-go/internal/version"
)

// NewVersionCmd constructs the `docindex version` subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the docindex version, git commit, and build date",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
