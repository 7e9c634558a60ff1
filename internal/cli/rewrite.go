package cli

import (
	"fmt"
	"os"

	"github.com/gomlx/quant-rewrite/rewrite"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// RewriteOptions holds the flags of the rewrite command.
type RewriteOptions struct {
	Output    string
	Direction string
	Format    string
}

// NewRewriteCommand creates the rewrite command.
func NewRewriteCommand() *cobra.Command {
	opts := &RewriteOptions{}
	cmd := &cobra.Command{
		Use:   "rewrite <graph>",
		Short: "Propagate the calibration ranges and write the rewritten graph",
		Long: `Propagate the calibration ranges of the graph and write the rewritten graph.

The report lists each matched chain and whether it was applied or skipped. If any chain
is malformed nothing is written, and the command exits with code 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewrite(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output graph file (required)")
	cmd.Flags().StringVar(&opts.Direction, "direction", "Up", "propagation direction (Up|Down)")
	cmd.Flags().StringVar(&opts.Format, "format", "", "output format (yaml|pb), by default taken from the output file extension")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runRewrite(opts *RewriteOptions, input string, cmd *cobra.Command) error {
	format, err := parseFormat(opts.Format, opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	gd, g, err := loadGraph(input)
	if err != nil {
		return err
	}

	report, err := rewrite.NewScalePropagation(opts.Direction).Run(g)
	if report != nil {
		fmt.Fprint(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "scale propagation failed, no output written", err)
	}

	gd.SetNodes(g.Serialize())
	contents, err := gd.Encode(format)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to serialize rewritten graph", err)
	}
	if err = os.WriteFile(opts.Output, contents, 0644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write rewritten graph",
			errors.Wrapf(err, "writing %s", opts.Output))
	}
	klog.V(1).Infof("wrote %d nodes to %s", len(gd.Nodes), opts.Output)
	return nil
}
