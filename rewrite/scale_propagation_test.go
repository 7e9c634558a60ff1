package rewrite

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quant-rewrite/tfgraph"
	"github.com/gomlx/quant-rewrite/tfgraph/graphtest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireIndexed checks that g is a valid graph, and that its consumer lists match the ones of a
// freshly built graph.
func requireIndexed(t *testing.T, g *tfgraph.Graph) {
	t.Helper()
	fresh, err := tfgraph.Build(g.Serialize())
	require.NoError(t, err)
	for _, node := range g.Serialize() {
		got, want := g.Outputs(node.Name), fresh.Outputs(node.Name)
		slices.Sort(got)
		slices.Sort(want)
		require.Equalf(t, want, got, "outputs of %q", node.Name)
	}
}

func nodeNames(g *tfgraph.Graph) []string {
	var names []string
	for _, node := range g.Serialize() {
		names = append(names, node.Name)
	}
	return names
}

func mustScalar(t *testing.T, g *tfgraph.Graph, name string) float32 {
	t.Helper()
	node := g.Node(name)
	require.NotNilf(t, node, "node %q not found", name)
	return must.M1(tfgraph.ScalarFloat(node))
}

func TestScalePropagation(t *testing.T) {
	nodes, configs := graphtest.ChainGraph(3)
	g := must.M1(tfgraph.Build(nodes))
	numNodes := g.Len()

	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 3, report.Applied())
	assert.Equal(t, 0, report.Skipped())
	assert.Equal(t, numNodes, g.Len())
	requireIndexed(t, g)

	for ii, cfg := range configs {
		result := report.Results[ii]
		assert.Equal(t, Applied, result.Outcome)
		assert.Equal(t, tfgraph.Match{
			cfg.Name(graphtest.Quantize), cfg.Name(graphtest.Pool),
			cfg.Name(graphtest.Conv), cfg.Name(graphtest.Requantize),
		}, result.Match)

		q := cfg.Name(graphtest.Quantize)
		minName, maxName := q+MinValueSuffix, q+MaxValueSuffix
		assert.Equal(t, minName, result.MinName)
		assert.Equal(t, maxName, result.MaxName)
		assert.Equal(t, cfg.RequantizeMin, result.MinValue)
		assert.Equal(t, cfg.RequantizeMax, result.MaxValue)

		assert.Equal(t, []string{"x", minName, maxName}, g.Node(q).Input)
		assert.Equal(t, cfg.RequantizeMin, mustScalar(t, g, minName))
		assert.Equal(t, cfg.RequantizeMax, mustScalar(t, g, maxName))
		assert.Nil(t, g.Node(cfg.Name(graphtest.QuantizeMin)))
		assert.Nil(t, g.Node(cfg.Name(graphtest.QuantizeMax)))

		// The requantization is untouched.
		assert.Equal(t, cfg.RequantizeMin, mustScalar(t, g, cfg.Name(graphtest.RequantizeMin)))
		assert.Equal(t, cfg.RequantizeMax, mustScalar(t, g, cfg.Name(graphtest.RequantizeMax)))
	}

	// The new constants take the place of the old ones.
	names := nodeNames(g)
	assert.Equal(t, []string{"x", "chain0/q_cac_requantize_min_value", "chain0/q_cac_requantize_max_value", "chain0/q"}, names[:4])
}

// TestScalePropagationSharedConstants: the convolution reads the same calibration constants as
// the quantization, and is rewired to the new ones as well.
func TestScalePropagationSharedConstants(t *testing.T) {
	cfg := graphtest.ChainConfig{Input: "x", Min: -1, Max: 1, RequantizeMin: -6, RequantizeMax: 6}
	nodes := append([]*tfgraph.Node{graphtest.Placeholder("x")}, graphtest.QuantizedChain(cfg)...)
	conv := nodes[slices.IndexFunc(nodes, func(n *tfgraph.Node) bool { return n.Name == cfg.Name(graphtest.Conv) })]
	conv.Input[3] = cfg.Name(graphtest.QuantizeMin)
	conv.Input[4] = cfg.Name(graphtest.QuantizeMax)
	g := must.M1(tfgraph.Build(nodes))
	oldMinConsumers := g.Consumers(cfg.Name(graphtest.QuantizeMin))
	require.Len(t, oldMinConsumers, 2)

	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied())
	requireIndexed(t, g)

	minName := cfg.Name(graphtest.Quantize) + MinValueSuffix
	maxName := cfg.Name(graphtest.Quantize) + MaxValueSuffix
	assert.Equal(t, oldMinConsumers, g.Consumers(minName))
	assert.Equal(t, minName, g.Node(cfg.Name(graphtest.Conv)).Input[3])
	assert.Equal(t, maxName, g.Node(cfg.Name(graphtest.Conv)).Input[4])
	assert.Equal(t, float32(-6), mustScalar(t, g, minName))
	assert.Equal(t, float32(6), mustScalar(t, g, maxName))
	assert.Nil(t, g.Node(cfg.Name(graphtest.QuantizeMin)))
}

// sharedCalibrationGraph returns two chains whose quantizations read the same min/max
// constants, the ones of the first chain. With reversed, the second chain comes first.
func sharedCalibrationGraph(reversed bool) ([]*tfgraph.Node, []graphtest.ChainConfig) {
	nodes, configs := graphtest.ChainGraph(2)
	q1 := nodes[slices.IndexFunc(nodes, func(n *tfgraph.Node) bool { return n.Name == configs[1].Name(graphtest.Quantize) })]
	q1.Input[1] = configs[0].Name(graphtest.QuantizeMin)
	q1.Input[2] = configs[0].Name(graphtest.QuantizeMax)
	if reversed {
		chainLen := (len(nodes) - 1) / 2
		nodes = slices.Concat(nodes[:1], nodes[1+chainLen:], nodes[1:1+chainLen])
	}
	return nodes, configs
}

func TestScalePropagationSharedAcrossChains(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		t.Run(fmt.Sprintf("reversed=%v", reversed), func(t *testing.T) {
			nodes, configs := sharedCalibrationGraph(reversed)
			g := must.M1(tfgraph.Build(nodes))
			report, err := NewScalePropagation("Up").Run(g)
			require.NoError(t, err)
			require.Equal(t, 2, report.Applied())
			requireIndexed(t, g)

			for _, cfg := range configs {
				q := cfg.Name(graphtest.Quantize)
				minName, maxName := q+MinValueSuffix, q+MaxValueSuffix
				assert.Equal(t, []string{"x", minName, maxName}, g.Node(q).Input)
				assert.Equal(t, cfg.RequantizeMin, mustScalar(t, g, minName))
				assert.Equal(t, cfg.RequantizeMax, mustScalar(t, g, maxName))
				assert.Equal(t, []string{q}, g.Consumers(minName))
				assert.Equal(t, []string{q}, g.Consumers(maxName))
			}
			for _, result := range report.Results {
				cfg := configs[0]
				if result.Match[0] == configs[1].Name(graphtest.Quantize) {
					cfg = configs[1]
				}
				assert.Equal(t, cfg.RequantizeMin, result.MinValue)
				assert.Equal(t, cfg.RequantizeMax, result.MaxValue)
			}

			// The shared constants are removed once both chains are rewired.
			assert.Nil(t, g.Node(configs[0].Name(graphtest.QuantizeMin)))
			assert.Nil(t, g.Node(configs[0].Name(graphtest.QuantizeMax)))
		})
	}
}

func TestScalePropagationSharedOutsideMatch(t *testing.T) {
	cfg := graphtest.ChainConfig{Input: "x", Min: -1, Max: 1, RequantizeMin: -6, RequantizeMax: 6}
	qMin := cfg.Name(graphtest.QuantizeMin)
	nodes := append([]*tfgraph.Node{graphtest.Placeholder("x")}, graphtest.QuantizedChain(cfg)...)
	nodes = append(nodes, graphtest.Op("other", "Identity", qMin))
	g := must.M1(tfgraph.Build(nodes))

	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied())
	requireIndexed(t, g)

	// "other" keeps reading the old constant, which is kept.
	assert.Equal(t, []string{qMin}, g.Node("other").Input)
	assert.Equal(t, float32(-1), mustScalar(t, g, qMin))
	assert.Equal(t, []string{"other"}, g.Consumers(qMin))
	assert.Nil(t, g.Node(cfg.Name(graphtest.QuantizeMax)))
	q := cfg.Name(graphtest.Quantize)
	assert.Equal(t, []string{"x", q + MinValueSuffix, q + MaxValueSuffix}, g.Node(q).Input)
}

func TestScalePropagationFanOut(t *testing.T) {
	cfg := graphtest.ChainConfig{Input: "x", Min: -1, Max: 1, RequantizeMin: -2, RequantizeMax: 2}
	nodes := append([]*tfgraph.Node{graphtest.Placeholder("x")}, graphtest.QuantizedChain(cfg)...)
	q := cfg.Name(graphtest.Quantize)
	nodes = append(nodes, graphtest.Op("pool2", "QuantizedAvgPool", q, q+":1", q+":2"))
	gd := &tfgraph.GraphDef{}
	gd.SetNodes(nodes)
	before := must.M1(gd.Marshal())

	report, err := PropagateScales(gd, "Up")
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, before, must.M1(gd.Marshal()))
}

func TestScalePropagationSkipped(t *testing.T) {
	nodes, configs := graphtest.ChainGraph(2)
	q0 := configs[0].Name(graphtest.Quantize)
	nodes = append(nodes, graphtest.Op("side", "Identity", q0))
	g := must.M1(tfgraph.Build(nodes))

	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, Skipped, report.Results[0].Outcome)
	assert.Contains(t, report.Results[0].Reason, "2 consumers")
	assert.Equal(t, Applied, report.Results[1].Outcome)
	assert.Equal(t, 1, report.Skipped())
	requireIndexed(t, g)

	// The skipped chain keeps its constants.
	assert.NotNil(t, g.Node(configs[0].Name(graphtest.QuantizeMin)))
	assert.Nil(t, g.Node(q0+MinValueSuffix))
	assert.NotNil(t, g.Node(configs[1].Name(graphtest.Quantize)+MinValueSuffix))
}

func TestScalePropagationMalformed(t *testing.T) {
	nodes, configs := graphtest.ChainGraph(2)
	reqMin := configs[1].Name(graphtest.RequantizeMin)
	idx := slices.IndexFunc(nodes, func(n *tfgraph.Node) bool { return n.Name == reqMin })
	nodes[idx] = graphtest.Const(reqMin, tensors.FromFlatDataAndDimensions([]float32{-1, -2, -3}, 3))
	gd := &tfgraph.GraphDef{}
	gd.SetNodes(nodes)
	before := must.M1(gd.Marshal())

	report, err := PropagateScales(gd, "Up")
	require.ErrorIs(t, err, ErrMalformedConstant)
	require.NotNil(t, report)
	require.Len(t, report.Results, 2)
	assert.Equal(t, Applied, report.Results[0].Outcome)
	assert.Equal(t, Failed, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, ErrMalformedConstant)

	// The first match was rewritten before the failure, but no change is visible.
	assert.Equal(t, before, must.M1(gd.Marshal()))
	g := must.M1(gd.Graph())
	assert.NotNil(t, g.Node(configs[0].Name(graphtest.QuantizeMin)))
	assert.Nil(t, g.Node(configs[0].Name(graphtest.Quantize)+MinValueSuffix))
	requireIndexed(t, g)
}

func TestScalePropagationErrors(t *testing.T) {
	testCases := map[string]struct {
		modify func(nodes []*tfgraph.Node, cfg graphtest.ChainConfig) []*tfgraph.Node
		err    error
	}{
		"min_not_const": {
			modify: func(nodes []*tfgraph.Node, cfg graphtest.ChainConfig) []*tfgraph.Node {
				q := findNode(nodes, cfg.Name(graphtest.Quantize))
				q.Input[1] = "x"
				return nodes
			},
			err: ErrMalformedConstant,
		},
		"same_constant": {
			modify: func(nodes []*tfgraph.Node, cfg graphtest.ChainConfig) []*tfgraph.Node {
				q := findNode(nodes, cfg.Name(graphtest.Quantize))
				q.Input[2] = q.Input[1]
				return nodes
			},
			err: ErrMalformedConstant,
		},
		"integer_value": {
			modify: func(nodes []*tfgraph.Node, cfg graphtest.ChainConfig) []*tfgraph.Node {
				name := cfg.Name(graphtest.RequantizeMax)
				idx := slices.IndexFunc(nodes, func(n *tfgraph.Node) bool { return n.Name == name })
				nodes[idx] = graphtest.Const(name, tensors.FromFlatDataAndDimensions([]int32{3}))
				return nodes
			},
			err: ErrMalformedConstant,
		},
		"missing_inputs": {
			modify: func(nodes []*tfgraph.Node, cfg graphtest.ChainConfig) []*tfgraph.Node {
				req := findNode(nodes, cfg.Name(graphtest.Requantize))
				req.Input = req.Input[:3]
				return nodes
			},
			err: tfgraph.ErrReference,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := graphtest.ChainConfig{Input: "x", Min: -1, Max: 1, RequantizeMin: -2, RequantizeMax: 2}
			nodes := append([]*tfgraph.Node{graphtest.Placeholder("x")}, graphtest.QuantizedChain(cfg)...)
			nodes = tc.modify(nodes, cfg)
			g := must.M1(tfgraph.Build(nodes))
			before := nodeNames(g)
			report, err := NewScalePropagation("Up").Run(g)
			require.ErrorIs(t, err, tc.err)
			require.Len(t, report.Results, 1)
			assert.Equal(t, Failed, report.Results[0].Outcome)
			assert.Equal(t, before, nodeNames(g))
		})
	}

	// A pattern with a first stage with unknown calibration inputs.
	nodes, _ := graphtest.ChainGraph(1)
	g := must.M1(tfgraph.Build(nodes))
	pattern := tfgraph.Pattern{{"QuantizedAvgPool"}, {"QuantizedConv2DWithBias"}}
	_, err := NewScalePropagation("Up").WithPattern(pattern).Run(g)
	require.ErrorIs(t, err, ErrUnsupportedOp)
}

func findNode(nodes []*tfgraph.Node, name string) *tfgraph.Node {
	for _, node := range nodes {
		if node.Name == name {
			return node
		}
	}
	panic(fmt.Sprintf("node %q not found", name))
}

func TestScalePropagationDirection(t *testing.T) {
	assert.Equal(t, Up, ParseDirection("Up"))
	assert.Equal(t, Down, ParseDirection("Down"))
	assert.Equal(t, Up, ParseDirection("Sideways"))
	assert.Equal(t, Up, ParseDirection("down"))
	assert.Equal(t, Down, NewScalePropagation("Down").Direction())

	// All directions rewrite the same way.
	var encoded [][]byte
	for _, direction := range []string{"Up", "Down", "Sideways"} {
		nodes, _ := graphtest.ChainGraph(2)
		gd := &tfgraph.GraphDef{}
		gd.SetNodes(nodes)
		report, err := PropagateScales(gd, direction)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Applied())
		encoded = append(encoded, must.M1(gd.Marshal()))
	}
	assert.Equal(t, encoded[0], encoded[1])
	assert.Equal(t, encoded[0], encoded[2])
}

func TestScalePropagationRequantizeSource(t *testing.T) {
	cfg := graphtest.ChainConfig{
		Input:         "x",
		QuantizeOp:    "Requantize",
		Min:           -1,
		Max:           1,
		RequantizeMin: -8,
		RequantizeMax: 8,
	}
	nodes := append([]*tfgraph.Node{graphtest.Placeholder("x")}, graphtest.QuantizedChain(cfg)...)
	g := must.M1(tfgraph.Build(nodes))
	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied())
	q := cfg.Name(graphtest.Quantize)
	assert.Equal(t, []string{"x", "x:1", "x:2", q + MinValueSuffix, q + MaxValueSuffix}, g.Node(q).Input)
	assert.Equal(t, float32(-8), mustScalar(t, g, q+MinValueSuffix))
	requireIndexed(t, g)
}

func TestScalePropagationRerun(t *testing.T) {
	nodes, configs := graphtest.ChainGraph(2)
	g := must.M1(tfgraph.Build(nodes))
	_, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	names := nodeNames(g)

	// Running again replaces the constants in place.
	report, err := NewScalePropagation("Up").Run(g)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied())
	assert.Equal(t, names, nodeNames(g))
	requireIndexed(t, g)
	q := configs[1].Name(graphtest.Quantize)
	assert.Equal(t, configs[1].RequantizeMax, mustScalar(t, g, q+MaxValueSuffix))
}

func TestReportString(t *testing.T) {
	nodes, _ := graphtest.ChainGraph(1)
	nodes = append(nodes, graphtest.Op("side", "Identity", "chain0/q"))
	g := must.M1(tfgraph.Build(nodes))
	report := must.M1(NewScalePropagation("Down").Run(g))
	want := "scale propagation (Down): 1 matches, 0 applied, 1 skipped\n" +
		"\tskipped\tchain0/q → chain0/pool → chain0/conv → chain0/req\n" +
		"\t\t\"chain0/q\" has 2 consumers [\"chain0/pool\" \"side\"]\n"
	assert.Equal(t, want, report.String())

	nodes, _ = graphtest.ChainGraph(1)
	g = must.M1(tfgraph.Build(nodes))
	report = must.M1(NewScalePropagation("Up").Run(g))
	want = "scale propagation (Up): 1 matches, 1 applied, 0 skipped\n" +
		"\tapplied\tchain0/q → chain0/pool → chain0/conv → chain0/req\n" +
		"\t\tmin=-1 (chain0/q_cac_requantize_min_value)\n" +
		"\t\tmax=2 (chain0/q_cac_requantize_max_value)\n"
	assert.Equal(t, want, report.String())
}
