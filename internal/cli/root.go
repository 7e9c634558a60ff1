// Package cli implements the scaleprop command line: it reads a graph, runs or previews the
// scale propagation, and writes the result.
package cli

import (
	"flag"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// verboseLevel is the klog level of --verbose: it logs the outcome of each match.
const verboseLevel = 2

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool

	// Verbosity is the klog level. --verbose raises it to at least verboseLevel.
	Verbosity int
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scaleprop",
		Short: "Propagate calibration ranges in quantized TensorFlow graphs",
		Long: `Rewrites quantized TensorFlow graphs (binary GraphDef or YAML), moving the calibration
range of each requantization back to the quantization starting its chain:

  [QuantizeV2|Requantize] → QuantizedAvgPool → QuantizedConv2D* → Requantize`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(opts)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log the outcome of each match")
	cmd.PersistentFlags().IntVar(&opts.Verbosity, "verbosity", 0, "klog verbosity level")

	cmd.AddCommand(NewRewriteCommand())
	cmd.AddCommand(NewMatchesCommand())
	cmd.AddCommand(NewDumpCommand())
	return cmd
}

// configureLogging sets the klog verbosity from the flags.
func configureLogging(opts *RootOptions) error {
	level := opts.Verbosity
	if opts.Verbose {
		level = max(level, verboseLevel)
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	if err := klogFlags.Set("v", strconv.Itoa(level)); err != nil {
		return errors.Wrap(err, "failed to set logging verbosity")
	}
	return nil
}
