package tfgraph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// String implements fmt.Stringer, and pretty prints a summary of the graph.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph:\n")
	w("\t# nodes:\t%d\n", g.Len())
	opCounts := make(map[string]int)
	numConsts := 0
	for _, name := range g.order {
		node := g.entries[name].node
		opCounts[node.Op]++
		if node.IsConst() {
			numConsts++
		}
	}
	w("\t# constants:\t%d\n", numConsts)
	w("\tOp types:\t[")
	for ii, op := range slices.Sorted(maps.Keys(opCounts)) {
		if ii > 0 {
			w(", ")
		}
		w("%s×%d", op, opCounts[op])
	}
	w("]\n")
	return buf.String()
}

// String implements fmt.Stringer, and prints the node in a single line.
func (n *Node) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s = %s(%s)", n.Name, n.Op, strings.Join(n.Input, ", "))
	if n.IsConst() {
		if attr := n.Attr["value"]; attr != nil && attr.Tensor != nil {
			fmt.Fprintf(&buf, " value=%s", attr.Tensor.Shape())
			if value, err := ScalarFloat(n); err == nil {
				fmt.Fprintf(&buf, "{%g}", value)
			}
		}
	}
	return buf.String()
}

// String implements fmt.Stringer.
func (m Match) String() string {
	return strings.Join(m, " → ")
}
