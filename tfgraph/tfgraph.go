// Package tfgraph provides the graph model used by the quantization rewrites: TensorFlow-like
// nodes indexed by name, with their consumers, and chain pattern search.
//
//   - Parse / ParseYAML: read a serialized GraphDef (binary protobuf or its YAML text form).
//   - ReadFile / WriteFile: the same, picking the format from the file extension.
//   - Build: indexes the nodes into a Graph, which can be searched (Graph.SearchPatterns) and
//     mutated (Graph.ReplaceNode, Graph.RemoveNode) keeping its consumers lists consistent.
//   - Graph.Serialize: returns the (rewritten) nodes, to be stored back with GraphDef.Marshal.
package tfgraph

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// GraphDef is a parsed TensorFlow GraphDef: its list of nodes.
type GraphDef struct {
	Nodes []*Node

	// extra holds the encoded fields other than the nodes (versions, function library), preserved as is.
	extra []byte
}

// Format of a serialized graph.
type Format int

const (
	// FormatBinary is the binary protobuf encoding of a GraphDef (".pb" files).
	FormatBinary Format = iota

	// FormatYAML is the YAML text form of the graph, see ParseYAML.
	FormatYAML
)

// FormatFromPath returns FormatYAML for ".yaml" and ".yml" files, and FormatBinary otherwise.
func FormatFromPath(filePath string) Format {
	switch filepath.Ext(filePath) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatBinary
	}
}

// Parse parses a binary GraphDef.
//
// Nodes that are not changed are re-encoded exactly as they were parsed by GraphDef.Marshal.
func Parse(contents []byte) (*GraphDef, error) {
	gd := &GraphDef{}
	err := forEachField(contents, func(num protowire.Number, typ protowire.Type, value, field []byte) error {
		if num != graphDefNode {
			gd.extra = append(gd.extra, field...)
			return nil
		}
		nodeBytes, err := bytesValue(num, typ, value)
		if err != nil {
			return err
		}
		node, err := decodeNode(nodeBytes)
		if err != nil {
			return err
		}
		gd.Nodes = append(gd.Nodes, node)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse GraphDef proto")
	}
	return gd, nil
}

// ReadFile reads and parses a graph file, in the format given by FormatFromPath.
func ReadFile(filePath string) (*GraphDef, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file in %s", filePath)
	}
	if FormatFromPath(filePath) == FormatYAML {
		return ParseYAML(contents)
	}
	return Parse(contents)
}

// Marshal encodes the graph as a binary GraphDef.
func (gd *GraphDef) Marshal() ([]byte, error) {
	var b []byte
	for _, node := range gd.Nodes {
		nodeBytes, err := encodeNode(node)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, graphDefNode, nodeBytes)
	}
	return append(b, gd.extra...), nil
}

// Encode serializes the graph in the given format.
func (gd *GraphDef) Encode(format Format) ([]byte, error) {
	if format == FormatYAML {
		return gd.ToYAML()
	}
	return gd.Marshal()
}

// WriteFile serializes the graph in the format given by FormatFromPath, and writes it to filePath.
func (gd *GraphDef) WriteFile(filePath string) error {
	contents, err := gd.Encode(FormatFromPath(filePath))
	if err != nil {
		return errors.WithMessagef(err, "while serializing graph for %s", filePath)
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write graph file %s", filePath)
	}
	return nil
}

// Graph indexes the nodes of the GraphDef. The nodes are shared: changes made through the Graph
// are stored back with SetNodes.
func (gd *GraphDef) Graph() (*Graph, error) {
	return Build(gd.Nodes)
}

// SetNodes replaces the nodes of the GraphDef, typically with Graph.Serialize.
func (gd *GraphDef) SetNodes(nodes []*Node) {
	gd.Nodes = slices.Clone(nodes)
}
