package tfgraph

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Node is one operator of a computation graph, with the same content as a TensorFlow NodeDef.
//
// Inputs are references to other nodes' outputs: "name" (port 0), "name:port", or "^name" for a
// control dependency.
type Node struct {
	Name   string
	Op     string
	Input  []string
	Device string
	Attr   map[string]*AttrValue

	// wire holds the encoding the node was parsed from, and snapshot the fields at that time.
	// The encoding is reused by Marshal as long as the node is unchanged.
	wire     []byte
	snapshot *nodeSnapshot
}

type nodeSnapshot struct {
	name, op, device string
	input            []string
	attr             map[string]*AttrValue
}

// AttrKind enumerates which field of an AttrValue is set.
type AttrKind int

const (
	// AttrKindOpaque is an attribute this package doesn't interpret (functions, placeholders, lists of
	// tensors). It is preserved in its wire format.
	AttrKindOpaque AttrKind = iota
	AttrKindString
	AttrKindInt
	AttrKindFloat
	AttrKindBool
	AttrKindType
	AttrKindShape
	AttrKindTensor
	AttrKindList
)

// TensorShape is the shape attribute of a node. A dimension of -1 is unknown.
type TensorShape struct {
	Dims        []int64
	UnknownRank bool
}

// AttrList holds a list attribute. Only one of the slices is normally set.
type AttrList struct {
	S     []string
	I     []int64
	F     []float32
	B     []bool
	Type  []DataType
	Shape []TensorShape
}

// AttrValue is the value of a node attribute. Kind tells which field holds the value.
type AttrValue struct {
	Kind  AttrKind
	S     string
	I     int64
	F     float32
	B     bool
	Type  DataType
	Shape *TensorShape
	List  *AttrList

	// Tensor is the decoded tensor value, and TensorDType its data type.
	// For data types GoMLX can't represent (e.g. quantized types) Tensor is nil, but the value is
	// still preserved in wire format.
	Tensor      *tensors.Tensor
	TensorDType DataType

	wire []byte
}

// TypeAttr returns a data type attribute, like the "dtype" or "T" attributes of most ops.
func TypeAttr(dtype DataType) *AttrValue {
	return &AttrValue{Kind: AttrKindType, Type: dtype}
}

// TensorAttr returns a tensor attribute, like the "value" of a Const node.
// It panics if the tensor data type has no TensorFlow equivalent.
func TensorAttr(t *tensors.Tensor) *AttrValue {
	dtype, err := DataTypeFromGoMLX(t.DType())
	if err != nil {
		panic(err)
	}
	return &AttrValue{Kind: AttrKindTensor, Tensor: t, TensorDType: dtype}
}

// NodeNameFromInput strips the control prefix and the port suffix from an input reference.
func NodeNameFromInput(input string) string {
	name, _, _ := ParseInput(input)
	return name
}

// ParseInput splits an input reference into the node name, the output port and whether it is a
// control dependency ("^name").
func ParseInput(input string) (name string, port int, control bool) {
	if strings.HasPrefix(input, "^") {
		return input[1:], -1, true
	}
	name = input
	if idx := strings.LastIndexByte(input, ':'); idx >= 0 {
		if p, err := strconv.Atoi(input[idx+1:]); err == nil {
			return input[:idx], p, false
		}
	}
	return name, 0, false
}

// replaceInputNode returns the input reference pointing to newName, keeping the port and the
// control prefix of input.
func replaceInputNode(input, newName string) string {
	name, _, control := ParseInput(input)
	if control {
		return "^" + newName
	}
	return newName + input[len(name):]
}

// Clone returns a copy of the node that can be mutated independently: Input and Attr are copied,
// the attribute values (and their tensors) are shared, since they are never mutated in place.
func (n *Node) Clone() *Node {
	c := *n
	c.Input = slices.Clone(n.Input)
	if n.Attr != nil {
		c.Attr = maps.Clone(n.Attr)
	}
	return &c
}

// IsConst returns whether the node is a constant.
func (n *Node) IsConst() bool {
	return n.Op == "Const"
}

// wireValid returns whether the node still matches the encoding it was parsed from.
func (n *Node) wireValid() bool {
	s := n.snapshot
	if n.wire == nil || s == nil {
		return false
	}
	if n.Name != s.name || n.Op != s.op || n.Device != s.device || !slices.Equal(n.Input, s.input) {
		return false
	}
	return maps.Equal(n.Attr, s.attr)
}

// takeSnapshot records the current fields as the ones matching n.wire.
func (n *Node) takeSnapshot() {
	n.snapshot = &nodeSnapshot{
		name:   n.Name,
		op:     n.Op,
		device: n.Device,
		input:  slices.Clone(n.Input),
		attr:   maps.Clone(n.Attr),
	}
}
