package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDumpCommand creates the dump command, which prints a graph in YAML, typically to inspect
// a binary GraphDef.
func NewDumpCommand() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "dump <graph>",
		Short: "Print the graph in YAML, or a summary of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args[0], summary, cmd)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print only the number of nodes per op type")
	return cmd
}

func runDump(input string, summary bool, cmd *cobra.Command) error {
	gd, g, err := loadGraph(input)
	if err != nil {
		return err
	}
	if summary {
		fmt.Fprint(cmd.OutOrStdout(), g)
		return nil
	}
	text, err := gd.ToYAML()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to convert graph to YAML", err)
	}
	_, err = cmd.OutOrStdout().Write(text)
	return err
}
