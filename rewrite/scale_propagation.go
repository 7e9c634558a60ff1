package rewrite

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quant-rewrite/tfgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPattern is the chain rewritten by ScalePropagation: a quantization, an average pooling,
// a quantized convolution and the requantization of the convolution's output.
var DefaultPattern = tfgraph.Pattern{
	{"QuantizeV2", "Requantize", "RequantizePerChannel"},
	{"QuantizedAvgPool"},
	{
		"QuantizedConv2DWithBias", "QuantizedConv2DWithBiasAndRelu",
		"QuantizedConv2DPerChannel", "QuantizedConv2D",
		"QuantizedConv2DWithBiasSumAndRelu",
	},
	{"Requantize", "RequantizePerChannel"},
}

// Suffixes of the names of the constants created for the first node of a chain.
const (
	MinValueSuffix = "_cac_requantize_min_value"
	MaxValueSuffix = "_cac_requantize_max_value"
)

// calibrationSlots are the input indices holding the min and max of the calibration range.
type calibrationSlots struct {
	Min, Max int
}

// calibrationInputs maps the ops that take a calibration range to the slots holding it:
// QuantizeV2(input, min_range, max_range) and
// Requantize(input, input_min, input_max, requested_output_min, requested_output_max).
var calibrationInputs = map[string]calibrationSlots{
	"QuantizeV2":           {Min: 1, Max: 2},
	"Requantize":           {Min: 3, Max: 4},
	"RequantizePerChannel": {Min: 3, Max: 4},
}

// ScalePropagation propagates the calibration range of the last node of each matched chain to
// the first node of the chain, by replacing the first node's min/max constants.
type ScalePropagation struct {
	direction Direction
	pattern   tfgraph.Pattern
}

// NewScalePropagation creates the rewrite. direction is "Up" or "Down": any other value is
// taken as "Up".
func NewScalePropagation(direction string) *ScalePropagation {
	return &ScalePropagation{
		direction: ParseDirection(direction),
		pattern:   DefaultPattern,
	}
}

// WithPattern changes the chain pattern searched. The first and last stages must only accept ops
// with known calibration inputs.
func (sp *ScalePropagation) WithPattern(pattern tfgraph.Pattern) *ScalePropagation {
	sp.pattern = pattern
	return sp
}

// Direction of the propagation.
func (sp *ScalePropagation) Direction() Direction {
	return sp.direction
}

// Name of the rewrite.
func (sp *ScalePropagation) Name() string {
	return "ScalePropagation"
}

// Run rewrites all matches found in g.
//
// A match whose first node has more than one consumer is skipped: changing its calibration
// range would affect the other consumers. Any other problem (missing nodes, malformed
// constants) aborts the pass with an error, and g is left unchanged.
//
// The report lists the outcome of each match, up to the failed one if there was an error.
func (sp *ScalePropagation) Run(g *tfgraph.Graph) (*Report, error) {
	report := &Report{Direction: sp.direction}
	staged := g.Clone()
	matches := staged.SearchPatterns(sp.pattern)
	klog.V(2).Infof("%s(%s): %d matches", sp.Name(), sp.direction, len(matches))
	for ii, match := range matches {
		result := sp.applyMatch(staged, match)
		report.Results = append(report.Results, result)
		if result.Outcome == Failed {
			return report, errors.WithMessagef(result.Err, "%s aborted at match %d of %d (%s)",
				sp.Name(), ii+1, len(matches), match)
		}
	}
	g.Swap(staged)
	return report, nil
}

// applyMatch rewrites one match. Errors are thrown (panic) while rewriting, and reported as a
// Failed result.
func (sp *ScalePropagation) applyMatch(g *tfgraph.Graph, match tfgraph.Match) (result MatchResult) {
	result.Match = match
	err := exceptions.TryCatch[error](func() { sp.propagate(g, match, &result) })
	if err != nil {
		result.Outcome = Failed
		result.Err = err
	}
	return
}

// propagate implements applyMatch: it validates everything before changing the graph.
func (sp *ScalePropagation) propagate(g *tfgraph.Graph, match tfgraph.Match, result *MatchResult) {
	source := mustNode(g, match[0])
	if consumers := g.Consumers(source.Name); len(consumers) > 1 {
		result.Outcome = Skipped
		result.Reason = fmt.Sprintf("%q has %d consumers %q", source.Name, len(consumers), consumers)
		klog.V(1).Infof("%s: skipping %s: %s", sp.Name(), match, result.Reason)
		return
	}
	sink := mustNode(g, match[len(match)-1])
	sourceSlots := mustCalibrationSlots(source)
	sinkSlots := mustCalibrationSlots(sink)

	result.MinValue = calibrationValue(g, sink, sinkSlots.Min)
	result.MaxValue = calibrationValue(g, sink, sinkSlots.Max)
	oldMin := calibrationConst(g, source, sourceSlots.Min)
	oldMax := calibrationConst(g, source, sourceSlots.Max)
	if oldMin == oldMax {
		panic(errors.Wrapf(ErrMalformedConstant, "node %q reads min and max from the same node %q", source.Name, oldMin))
	}

	result.MinName = source.Name + MinValueSuffix
	result.MaxName = source.Name + MaxValueSuffix
	replaceConst(g, match, tfgraph.NewScalarConst(result.MinName, result.MinValue), oldMin)
	replaceConst(g, match, tfgraph.NewScalarConst(result.MaxName, result.MaxValue), oldMax)
	result.Outcome = Applied
	klog.V(1).Infof("%s: applied %s: min=%g, max=%g", sp.Name(), match, result.MinValue, result.MaxValue)
}

func mustNode(g *tfgraph.Graph, name string) *tfgraph.Node {
	node := g.Node(name)
	if node == nil {
		panic(errors.Wrapf(tfgraph.ErrReference, "node %q", name))
	}
	return node
}

func mustCalibrationSlots(node *tfgraph.Node) calibrationSlots {
	slots, found := calibrationInputs[node.Op]
	if !found {
		panic(errors.Wrapf(ErrUnsupportedOp, "node %q (%s)", node.Name, node.Op))
	}
	if slots.Max >= len(node.Input) || slots.Min >= len(node.Input) {
		panic(errors.Wrapf(tfgraph.ErrReference, "node %q (%s) has %d inputs, calibration range expected at inputs %d and %d",
			node.Name, node.Op, len(node.Input), slots.Min, slots.Max))
	}
	return slots
}

// calibrationConst returns the name of the Const node feeding the given input of node.
func calibrationConst(g *tfgraph.Graph, node *tfgraph.Node, slot int) string {
	name := tfgraph.NodeNameFromInput(node.Input[slot])
	constNode := mustNode(g, name)
	if !constNode.IsConst() {
		panic(errors.Wrapf(ErrMalformedConstant, "input #%d of %q is %q, a %s and not a Const",
			slot, node.Name, name, constNode.Op))
	}
	return name
}

// calibrationValue returns the scalar value of the Const node feeding the given input of node.
func calibrationValue(g *tfgraph.Graph, node *tfgraph.Node, slot int) float32 {
	constNode := mustNode(g, calibrationConst(g, node, slot))
	value, err := tfgraph.ScalarFloat(constNode)
	if err != nil {
		panic(errors.Wrapf(ErrMalformedConstant, "input #%d of %q: %v", slot, node.Name, err))
	}
	return value
}

// replaceConst repoints the matched nodes reading oldName to newConst. oldName is removed once
// nothing reads it: nodes outside the match keep their inputs.
func replaceConst(g *tfgraph.Graph, match tfgraph.Match, newConst *tfgraph.Node, oldName string) {
	var consumers []string
	for _, consumer := range g.Consumers(oldName) {
		if slices.Contains(match, consumer) {
			consumers = append(consumers, consumer)
		}
	}
	if err := g.ReplaceNode(newConst, consumers, oldName); err != nil {
		panic(errors.WithMessagef(err, "while replacing %q by %q", oldName, newConst.Name))
	}
	if newConst.Name == oldName {
		// Replaced in place: the pass was already run on this graph.
		return
	}
	if consumers := g.Consumers(oldName); len(consumers) > 0 {
		klog.V(2).Infof("keeping %q, still read by %q", oldName, consumers)
		return
	}
	if err := g.RemoveNode(oldName); err != nil {
		panic(errors.WithMessagef(err, "while removing %q", oldName))
	}
}
