package cli

import (
	"fmt"

	"github.com/gomlx/quant-rewrite/rewrite"
	"github.com/spf13/cobra"
)

// NewMatchesCommand creates the matches command, which lists the chains the rewrite would
// touch without changing anything.
func NewMatchesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "matches <graph>",
		Short: "List the chains matched by the scale propagation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatches(args[0], cmd)
		},
	}
}

func runMatches(input string, cmd *cobra.Command) error {
	_, g, err := loadGraph(input)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	matches := g.SearchPatterns(rewrite.DefaultPattern)
	fmt.Fprintf(w, "%d matches\n", len(matches))
	for _, match := range matches {
		fmt.Fprintf(w, "\t%s\n", match)
		if consumers := g.Consumers(match[0]); len(consumers) > 1 {
			fmt.Fprintf(w, "\t\twill be skipped: %q has %d consumers\n", match[0], len(consumers))
		}
	}
	return nil
}
