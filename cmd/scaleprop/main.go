// scaleprop propagates the calibration ranges of quantized TensorFlow graphs.
//
// Usage:
//
//	scaleprop rewrite model.pb -o model_rewritten.pb
//	scaleprop matches model.pb
//	scaleprop dump --summary model.pb
package main

import (
	"fmt"
	"os"

	"github.com/gomlx/quant-rewrite/internal/cli"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(cli.GetExitCode(err))
	}
}
