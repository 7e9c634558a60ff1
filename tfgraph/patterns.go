package tfgraph

import "slices"

// Stage is the set of op types accepted at one position of a Pattern.
type Stage []string

// Has returns whether op is accepted by the stage.
func (s Stage) Has(op string) bool {
	return slices.Contains(s, op)
}

// Pattern is an ordered chain of stages: a match is a sequence of nodes, one per stage, each
// consuming the previous one through its primary input.
type Pattern []Stage

// Match holds the names of the matched nodes, one per stage of the Pattern.
type Match []string

// primaryInputs lists the ops whose main data-flow input is not the first one.
// Concat takes the axis first, QuantizedConcat also.
var primaryInputs = map[string]int{
	"Concat":          1,
	"QuantizedConcat": 1,
}

// PrimaryInput returns the index of the input that carries the main data-flow edge of op, as
// opposed to auxiliary inputs like calibration ranges or weights.
func PrimaryInput(op string) int {
	if idx, found := primaryInputs[op]; found {
		return idx
	}
	return 0
}

// SearchPatterns returns all the matches of pattern in the graph, in scan order.
//
// Every node accepted by the first stage is tried as an anchor. The chain is then extended one
// stage at a time, following the consumers whose primary input reads output 0 of the current
// node: it extends only if exactly one such consumer is accepted by the next stage. Anchors
// whose chain can't be completed yield no match.
//
// An empty pattern, or a pattern with an empty stage, matches nothing.
func (g *Graph) SearchPatterns(pattern Pattern) []Match {
	if len(pattern) == 0 || slices.ContainsFunc(pattern, func(s Stage) bool { return len(s) == 0 }) {
		return nil
	}
	var matches []Match
	for _, name := range g.order {
		if !pattern[0].Has(g.entries[name].node.Op) {
			continue
		}
		if match := g.extendChain(pattern, name); match != nil {
			matches = append(matches, match)
		}
	}
	return matches
}

// extendChain follows the pattern from anchor, returning nil if it can't be completed.
func (g *Graph) extendChain(pattern Pattern, anchor string) Match {
	match := make(Match, 1, len(pattern))
	match[0] = anchor
	current := anchor
	for _, stage := range pattern[1:] {
		next := g.primarySuccessor(current, stage)
		if next == "" {
			return nil
		}
		match = append(match, next)
		current = next
	}
	return match
}

// primarySuccessor returns the sole consumer of name accepted by stage and linked through its
// primary input, or "" if there are none or more than one.
func (g *Graph) primarySuccessor(name string, stage Stage) string {
	var successor string
	for _, consumer := range g.Consumers(name) {
		node := g.entries[consumer].node
		if !stage.Has(node.Op) {
			continue
		}
		idx := PrimaryInput(node.Op)
		if idx >= len(node.Input) {
			continue
		}
		inputName, port, control := ParseInput(node.Input[idx])
		if inputName != name || port != 0 || control {
			continue
		}
		if successor != "" {
			// Ambiguous.
			return ""
		}
		successor = consumer
	}
	return successor
}
