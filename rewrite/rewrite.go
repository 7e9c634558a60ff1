// Package rewrite implements graph rewrites of quantized TensorFlow graphs, on top of tfgraph.
//
// ScalePropagation moves the calibration range (min/max constants) of a requantization back to
// the quantization that starts the chain
//
//	[QuantizeV2|Requantize] → QuantizedAvgPool → QuantizedConv2D* → Requantize
//
// so the whole chain works within the same range.
package rewrite

import (
	"github.com/gomlx/quant-rewrite/tfgraph"
	"github.com/pkg/errors"
)

var (
	// ErrMalformedConstant is returned when a node expected to hold a calibration value doesn't
	// hold a single finite floating point value.
	ErrMalformedConstant = errors.New("malformed calibration constant")

	// ErrUnsupportedOp is returned when a matched node has an op with no known calibration inputs.
	ErrUnsupportedOp = errors.New("op with unknown calibration inputs")
)

// Direction of the propagation.
type Direction int

const (
	// Up propagates the calibration range from the end of the chain to its start.
	Up Direction = iota

	// Down is accepted for configuration compatibility, but it currently rewrites exactly like Up.
	Down
)

// ParseDirection converts "Up" or "Down" to a Direction. Any other value is taken as Up.
func ParseDirection(direction string) Direction {
	if direction == "Down" {
		return Down
	}
	return Up
}

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Down {
		return "Down"
	}
	return "Up"
}

// PropagateScales runs ScalePropagation in the given direction over the nodes of gd, and stores
// the rewritten nodes back in gd. If it fails, gd is left unchanged.
func PropagateScales(gd *tfgraph.GraphDef, direction string) (*Report, error) {
	g, err := gd.Graph()
	if err != nil {
		return nil, err
	}
	report, err := NewScalePropagation(direction).Run(g)
	if err != nil {
		return report, err
	}
	gd.SetNodes(g.Serialize())
	return report, nil
}
