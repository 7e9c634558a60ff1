package tfgraph

import (
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrReference is returned when a node name referenced by an input, or given to a Graph
	// method, doesn't exist, or when removing a node that is still referenced.
	ErrReference = errors.New("invalid node reference")

	// ErrDuplicateName is returned when a node name would not be unique.
	ErrDuplicateName = errors.New("duplicate node name")
)

// entry is the index entry of one node.
type entry struct {
	node *Node

	// outputs lists the names of the nodes consuming this node, once per input that references
	// it: so a name can appear more than once.
	outputs []string
}

// Graph indexes the nodes of a computation graph by name, and keeps for each node the list of
// nodes consuming its outputs.
//
// All mutations go through Graph methods, which keep the consumer lists consistent. A Graph is
// not safe for concurrent use.
type Graph struct {
	entries map[string]*entry
	order   []string
}

// Build indexes the given nodes. The nodes are owned by the Graph from then on.
//
// It returns ErrDuplicateName if two nodes share a name, and ErrReference if an input refers to
// a node not in the list.
func Build(nodes []*Node) (*Graph, error) {
	g := &Graph{
		entries: make(map[string]*entry, len(nodes)),
		order:   make([]string, 0, len(nodes)),
	}
	for ii, node := range nodes {
		if node.Name == "" {
			return nil, errors.Errorf("node #%d (op %q) has no name", ii, node.Op)
		}
		if _, found := g.entries[node.Name]; found {
			return nil, errors.Wrapf(ErrDuplicateName, "node %q", node.Name)
		}
		g.entries[node.Name] = &entry{node: node}
		g.order = append(g.order, node.Name)
	}
	for _, name := range g.order {
		node := g.entries[name].node
		if err := g.checkInputs(node, ""); err != nil {
			return nil, err
		}
		g.link(node)
	}
	return g, nil
}

// checkInputs verifies that all inputs of node resolve. selfName, if not empty, is accepted as
// the name of a node about to be inserted.
func (g *Graph) checkInputs(node *Node, selfName string) error {
	for _, input := range node.Input {
		if input == "" {
			continue
		}
		name := NodeNameFromInput(input)
		if _, found := g.entries[name]; !found && name != selfName {
			return errors.Wrapf(ErrReference, "node %q input %q", node.Name, input)
		}
	}
	return nil
}

// link registers node as a consumer of each of its inputs. Inputs must have been checked.
func (g *Graph) link(node *Node) {
	for _, input := range node.Input {
		if input == "" {
			continue
		}
		e := g.entries[NodeNameFromInput(input)]
		e.outputs = append(e.outputs, node.Name)
	}
}

// unlink is the reverse of link: it removes one occurrence of node from its inputs' consumers.
func (g *Graph) unlink(node *Node) {
	for _, input := range node.Input {
		if input == "" {
			continue
		}
		e, found := g.entries[NodeNameFromInput(input)]
		if !found {
			continue
		}
		if idx := slices.Index(e.outputs, node.Name); idx >= 0 {
			e.outputs = slices.Delete(e.outputs, idx, idx+1)
		}
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Node returns the node with the given name, or nil if there is none.
func (g *Graph) Node(name string) *Node {
	if e, found := g.entries[name]; found {
		return e.node
	}
	return nil
}

// Outputs returns a copy of the consumers list of the named node: one element per input
// referencing it, so the same consumer may appear more than once.
func (g *Graph) Outputs(name string) []string {
	if e, found := g.entries[name]; found && len(e.outputs) > 0 {
		return slices.Clone(e.outputs)
	}
	return nil
}

// Consumers returns the distinct nodes consuming any output of the named node, in the order
// they were first registered.
func (g *Graph) Consumers(name string) []string {
	e, found := g.entries[name]
	if !found {
		return nil
	}
	consumers := make([]string, 0, len(e.outputs))
	for _, output := range e.outputs {
		if !slices.Contains(consumers, output) {
			consumers = append(consumers, output)
		}
	}
	return consumers
}

// ReplaceNode inserts newNode, and repoints to it every input of the given consumers that
// refers to oldName. Ports and control dependencies are preserved.
//
// The old node is not removed: after the rewiring it usually has no consumers left and can be
// dropped with RemoveNode. If newNode has the same name as the old node, the definition is
// replaced in place instead.
//
// Nothing is changed if it fails: ErrReference is returned if oldName, a consumer or an input of
// newNode doesn't exist, and ErrDuplicateName if newNode's name is already taken.
func (g *Graph) ReplaceNode(newNode *Node, consumers []string, oldName string) error {
	if _, found := g.entries[oldName]; !found {
		return errors.Wrapf(ErrReference, "replacing node %q", oldName)
	}
	for _, consumer := range consumers {
		if _, found := g.entries[consumer]; !found {
			return errors.Wrapf(ErrReference, "consumer %q of node %q", consumer, oldName)
		}
	}
	if newNode.Name != oldName {
		if _, found := g.entries[newNode.Name]; found {
			return errors.Wrapf(ErrDuplicateName, "replacing node %q by %q", oldName, newNode.Name)
		}
	}
	if err := g.checkInputs(newNode, newNode.Name); err != nil {
		return err
	}

	if newNode.Name == oldName {
		e := g.entries[oldName]
		g.unlink(e.node)
		e.node = newNode
		g.link(newNode)
		return nil
	}

	g.entries[newNode.Name] = &entry{node: newNode}
	idx := slices.Index(g.order, oldName)
	g.order = slices.Insert(g.order, idx+1, newNode.Name)
	g.link(newNode)

	for _, consumer := range consumers {
		node := g.entries[consumer].node
		rewired := slices.Clone(node.Input)
		changed := false
		for ii, input := range rewired {
			if input != "" && NodeNameFromInput(input) == oldName {
				rewired[ii] = replaceInputNode(input, newNode.Name)
				changed = true
			}
		}
		if !changed {
			// Repeated consumer, already rewired.
			continue
		}
		g.unlink(node)
		node.Input = rewired
		g.link(node)
	}
	return nil
}

// RemoveNode deletes the named node.
//
// It returns ErrReference if the node doesn't exist, or if other nodes still consume it: callers
// must rewire its consumers first.
func (g *Graph) RemoveNode(name string) error {
	e, found := g.entries[name]
	if !found {
		return errors.Wrapf(ErrReference, "removing node %q", name)
	}
	if len(e.outputs) > 0 {
		return errors.Wrapf(ErrReference, "removing node %q, still consumed by %q", name, g.Consumers(name))
	}
	g.unlink(e.node)
	delete(g.entries, name)
	g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == name })
	return nil
}

// Serialize returns the nodes of the graph in scan order: the order they were given to Build,
// with replacement nodes placed right after the node they replaced.
func (g *Graph) Serialize() []*Node {
	nodes := make([]*Node, len(g.order))
	for ii, name := range g.order {
		nodes[ii] = g.entries[name].node
	}
	return nodes
}

// Clone returns a deep copy of the graph: nodes can be mutated in the clone without affecting
// the original.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		entries: make(map[string]*entry, len(g.entries)),
		order:   slices.Clone(g.order),
	}
	for name, e := range g.entries {
		c.entries[name] = &entry{node: e.node.Clone(), outputs: slices.Clone(e.outputs)}
	}
	return c
}

// Swap exchanges the contents of the two graphs. It's used to commit a graph staged with Clone.
func (g *Graph) Swap(other *Graph) {
	*g, *other = *other, *g
}
