package cli

import (
	"fmt"

	"github.com/gomlx/quant-rewrite/tfgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution.
	ExitFailure      = 1 // The pass was aborted: a match was malformed.
	ExitCommandError = 2 // Command error: unreadable or invalid graph, bad flags.
)

// ExitError is an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error: ExitFailure if it's not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// parseFormat converts the --format flag: "yaml", "pb" or empty to use the file extension.
func parseFormat(format, filePath string) (tfgraph.Format, error) {
	switch format {
	case "":
		return tfgraph.FormatFromPath(filePath), nil
	case "yaml", "yml":
		return tfgraph.FormatYAML, nil
	case "pb", "binary":
		return tfgraph.FormatBinary, nil
	default:
		return 0, errors.Errorf("invalid format %q: must be one of yaml or pb", format)
	}
}

// loadGraph reads the graph file and indexes it.
func loadGraph(filePath string) (*tfgraph.GraphDef, *tfgraph.Graph, error) {
	gd, err := tfgraph.ReadFile(filePath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load graph", err)
	}
	g, err := gd.Graph()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid graph in %s", filePath), err)
	}
	klog.V(1).Infof("read %d nodes from %s", g.Len(), filePath)
	return gd, g, nil
}
