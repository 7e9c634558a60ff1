// Package graphtest builds small quantized graphs for tests and benchmarks.
package graphtest

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quant-rewrite/tfgraph"
)

// Roles of the nodes created by QuantizedChain, appended to ChainConfig.Prefix to form the node names.
const (
	Quantize      = "q"
	QuantizeMin   = "q_min"
	QuantizeMax   = "q_max"
	Pool          = "pool"
	Filter        = "filter"
	FilterMin     = "filter_min"
	FilterMax     = "filter_max"
	Bias          = "bias"
	Conv          = "conv"
	Requantize    = "req"
	RequantizeMin = "req_min"
	RequantizeMax = "req_max"
	Dequantize    = "deq"
)

// ChainConfig configures QuantizedChain.
type ChainConfig struct {
	// Prefix of all node names.
	Prefix string

	// Input is the name of the node feeding the chain.
	Input string

	// QuantizeOp is the op of the first node: "QuantizeV2" (default) or "Requantize".
	QuantizeOp string

	// Min, Max of the first node's calibration range.
	Min, Max float32

	// RequantizeMin, RequantizeMax of the requantization ending the chain.
	RequantizeMin, RequantizeMax float32
}

// Name returns the name of the node with the given role.
func (cfg ChainConfig) Name(role string) string {
	return cfg.Prefix + role
}

// Placeholder returns a float32 input node.
func Placeholder(name string) *tfgraph.Node {
	return &tfgraph.Node{
		Name: name,
		Op:   "Placeholder",
		Attr: map[string]*tfgraph.AttrValue{"dtype": tfgraph.TypeAttr(tfgraph.DTFloat)},
	}
}

// Op returns a node with no attributes.
func Op(name, op string, inputs ...string) *tfgraph.Node {
	return &tfgraph.Node{Name: name, Op: op, Input: inputs}
}

// Const returns a Const node holding the given tensor.
func Const(name string, t *tensors.Tensor) *tfgraph.Node {
	attr := tfgraph.TensorAttr(t)
	return &tfgraph.Node{
		Name: name,
		Op:   "Const",
		Attr: map[string]*tfgraph.AttrValue{
			"dtype": tfgraph.TypeAttr(attr.TensorDType),
			"value": attr,
		},
	}
}

// QuantizedChain returns the nodes of the chain
//
//	Quantize → QuantizedAvgPool → QuantizedConv2DWithBias → Requantize → Dequantize
//
// with all the constants it reads. The Input node is not included.
func QuantizedChain(cfg ChainConfig) []*tfgraph.Node {
	n := cfg.Name
	quantizeOp := cfg.QuantizeOp
	if quantizeOp == "" {
		quantizeOp = "QuantizeV2"
	}
	quantize := Op(n(Quantize), quantizeOp, cfg.Input, n(QuantizeMin), n(QuantizeMax))
	if quantizeOp != "QuantizeV2" {
		quantize.Input = []string{cfg.Input, cfg.Input + ":1", cfg.Input + ":2", n(QuantizeMin), n(QuantizeMax)}
	}
	quantize.Attr = map[string]*tfgraph.AttrValue{"T": tfgraph.TypeAttr(tfgraph.DTQUint8)}

	return []*tfgraph.Node{
		tfgraph.NewScalarConst(n(QuantizeMin), cfg.Min),
		tfgraph.NewScalarConst(n(QuantizeMax), cfg.Max),
		quantize,
		Op(n(Pool), "QuantizedAvgPool", n(Quantize), n(Quantize)+":1", n(Quantize)+":2"),
		Const(n(Filter), tensors.FromFlatDataAndDimensions([]float32{1, -1, 0.5, 2}, 1, 1, 2, 2)),
		tfgraph.NewScalarConst(n(FilterMin), -2),
		tfgraph.NewScalarConst(n(FilterMax), 2),
		Const(n(Bias), tensors.FromFlatDataAndDimensions([]float32{0.25, -0.25}, 2)),
		Op(n(Conv), "QuantizedConv2DWithBias",
			n(Pool), n(Filter), n(Bias), n(Pool)+":1", n(Pool)+":2", n(FilterMin), n(FilterMax)),
		tfgraph.NewScalarConst(n(RequantizeMin), cfg.RequantizeMin),
		tfgraph.NewScalarConst(n(RequantizeMax), cfg.RequantizeMax),
		Op(n(Requantize), "Requantize",
			n(Conv), n(Conv)+":1", n(Conv)+":2", n(RequantizeMin), n(RequantizeMax)),
		Op(n(Dequantize), "Dequantize", n(Requantize), n(Requantize)+":1", n(Requantize)+":2"),
	}
}

// ChainGraph returns a graph with one input "x" feeding numChains independent chains, each
// with a different calibration range.
func ChainGraph(numChains int) ([]*tfgraph.Node, []ChainConfig) {
	nodes := []*tfgraph.Node{Placeholder("x")}
	configs := make([]ChainConfig, numChains)
	for ii := range configs {
		configs[ii] = ChainConfig{
			Prefix:        fmt.Sprintf("chain%d/", ii),
			Input:         "x",
			Min:           -1,
			Max:           1,
			RequantizeMin: -float32(ii + 1),
			RequantizeMax: float32(ii + 2),
		}
		nodes = append(nodes, QuantizedChain(configs[ii])...)
	}
	return nodes, configs
}
