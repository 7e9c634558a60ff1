package tfgraph

import (
	"bytes"
	"encoding/base64"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlGraph is the YAML text form of a graph:
//
//	nodes:
//	  - name: q_min
//	    op: Const
//	    attr:
//	      dtype: {type: float32}
//	      value: {tensor: {dtype: float32, dims: [], floats: [-1]}}
//	  - name: q
//	    op: QuantizeV2
//	    input: [x, q_min, q_max]
//
// Attributes this package doesn't interpret are kept in their binary encoding, under "wire".
type yamlGraph struct {
	Nodes []yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	Name   string              `yaml:"name"`
	Op     string              `yaml:"op"`
	Input  []string            `yaml:"input,flow,omitempty"`
	Device string              `yaml:"device,omitempty"`
	Attr   map[string]yamlAttr `yaml:"attr,omitempty"`
}

type yamlAttr struct {
	S      *string     `yaml:"s,omitempty"`
	I      *int64      `yaml:"i,omitempty"`
	F      *float32    `yaml:"f,omitempty"`
	B      *bool       `yaml:"b,omitempty"`
	Type   string      `yaml:"type,omitempty"`
	Shape  *yamlShape  `yaml:"shape,omitempty,flow"`
	Tensor *yamlTensor `yaml:"tensor,omitempty,flow"`
	List   *yamlList   `yaml:"list,omitempty,flow"`
	Wire   string      `yaml:"wire,omitempty"` // Base64 of the AttrValue encoding.
}

type yamlShape struct {
	Dims        []int64 `yaml:"dims,flow"`
	UnknownRank bool    `yaml:"unknown_rank,omitempty"`
}

type yamlTensor struct {
	DType   string    `yaml:"dtype"`
	Dims    []int64   `yaml:"dims,flow"`
	Floats  []float32 `yaml:"floats,flow,omitempty"`
	Doubles []float64 `yaml:"doubles,flow,omitempty"`
	Ints    []int64   `yaml:"ints,flow,omitempty"`
	Bools   []bool    `yaml:"bools,flow,omitempty"`
}

type yamlList struct {
	S     []string    `yaml:"s,flow,omitempty"`
	I     []int64     `yaml:"i,flow,omitempty"`
	F     []float32   `yaml:"f,flow,omitempty"`
	B     []bool      `yaml:"b,flow,omitempty"`
	Type  []string    `yaml:"type,flow,omitempty"`
	Shape []yamlShape `yaml:"shape,flow,omitempty"`
}

// ParseYAML parses the YAML text form of a graph. Unknown fields are rejected.
func ParseYAML(contents []byte) (*GraphDef, error) {
	var doc yamlGraph
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML graph")
	}
	gd := &GraphDef{Nodes: make([]*Node, 0, len(doc.Nodes))}
	for ii, yNode := range doc.Nodes {
		node := &Node{
			Name:   yNode.Name,
			Op:     yNode.Op,
			Input:  yNode.Input,
			Device: yNode.Device,
		}
		if len(yNode.Attr) > 0 {
			node.Attr = make(map[string]*AttrValue, len(yNode.Attr))
		}
		for key, yAttr := range yNode.Attr {
			attr, err := yAttr.toAttrValue()
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d (%q), attribute %q", ii, yNode.Name, key)
			}
			node.Attr[key] = attr
		}
		gd.Nodes = append(gd.Nodes, node)
	}
	return gd, nil
}

// ToYAML returns the YAML text form of the graph.
func (gd *GraphDef) ToYAML() ([]byte, error) {
	doc := yamlGraph{Nodes: make([]yamlNode, 0, len(gd.Nodes))}
	for _, node := range gd.Nodes {
		yNode := yamlNode{
			Name:   node.Name,
			Op:     node.Op,
			Input:  node.Input,
			Device: node.Device,
		}
		if len(node.Attr) > 0 {
			yNode.Attr = make(map[string]yamlAttr, len(node.Attr))
		}
		for key, attr := range node.Attr {
			yAttr, err := attrToYAML(attr)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q, attribute %q", node.Name, key)
			}
			yNode.Attr[key] = yAttr
		}
		doc.Nodes = append(doc.Nodes, yNode)
	}
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to encode YAML graph")
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode YAML graph")
	}
	return buf.Bytes(), nil
}

func attrToYAML(attr *AttrValue) (yamlAttr, error) {
	var y yamlAttr
	switch attr.Kind {
	case AttrKindString:
		y.S = &attr.S
	case AttrKindInt:
		y.I = &attr.I
	case AttrKindFloat:
		y.F = &attr.F
	case AttrKindBool:
		y.B = &attr.B
	case AttrKindType:
		y.Type = attr.Type.String()
	case AttrKindShape:
		y.Shape = shapeToYAML(attr.Shape)
	case AttrKindList:
		l := attr.List
		y.List = &yamlList{S: l.S, I: l.I, F: l.F, B: l.B}
		for _, dt := range l.Type {
			y.List.Type = append(y.List.Type, dt.String())
		}
		for ii := range l.Shape {
			y.List.Shape = append(y.List.Shape, *shapeToYAML(&l.Shape[ii]))
		}
	case AttrKindTensor:
		if attr.Tensor == nil {
			// Not decoded: keep the encoding.
			y.Wire = base64.StdEncoding.EncodeToString(attr.wire)
			break
		}
		tv, err := valuesFromTensor(attr.Tensor)
		if err != nil {
			return y, err
		}
		y.Tensor = &yamlTensor{
			DType:   tv.dtype.String(),
			Dims:    tv.dims,
			Floats:  tv.floats,
			Doubles: tv.doubles,
			Ints:    tv.ints,
			Bools:   tv.bools,
		}
		if tv.int64s != nil {
			y.Tensor.Ints = tv.int64s
		}
	default:
		if attr.wire == nil {
			return y, errors.New("opaque attribute with no encoding")
		}
		y.Wire = base64.StdEncoding.EncodeToString(attr.wire)
	}
	return y, nil
}

func shapeToYAML(shape *TensorShape) *yamlShape {
	dims := shape.Dims
	if dims == nil {
		dims = []int64{}
	}
	return &yamlShape{Dims: dims, UnknownRank: shape.UnknownRank}
}

func (y *yamlAttr) toAttrValue() (*AttrValue, error) {
	set := 0
	for _, isSet := range []bool{y.S != nil, y.I != nil, y.F != nil, y.B != nil, y.Type != "",
		y.Shape != nil, y.Tensor != nil, y.List != nil, y.Wire != ""} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return nil, errors.Errorf("exactly one of s, i, f, b, type, shape, tensor, list or wire must be set, got %d", set)
	}
	switch {
	case y.S != nil:
		return &AttrValue{Kind: AttrKindString, S: *y.S}, nil
	case y.I != nil:
		return &AttrValue{Kind: AttrKindInt, I: *y.I}, nil
	case y.F != nil:
		return &AttrValue{Kind: AttrKindFloat, F: *y.F}, nil
	case y.B != nil:
		return &AttrValue{Kind: AttrKindBool, B: *y.B}, nil
	case y.Type != "":
		dt, err := ParseDataType(y.Type)
		if err != nil {
			return nil, err
		}
		return TypeAttr(dt), nil
	case y.Shape != nil:
		return &AttrValue{Kind: AttrKindShape, Shape: &TensorShape{Dims: y.Shape.Dims, UnknownRank: y.Shape.UnknownRank}}, nil
	case y.List != nil:
		list := &AttrList{S: y.List.S, I: y.List.I, F: y.List.F, B: y.List.B}
		for _, name := range y.List.Type {
			dt, err := ParseDataType(name)
			if err != nil {
				return nil, err
			}
			list.Type = append(list.Type, dt)
		}
		for _, s := range y.List.Shape {
			list.Shape = append(list.Shape, TensorShape{Dims: s.Dims, UnknownRank: s.UnknownRank})
		}
		return &AttrValue{Kind: AttrKindList, List: list}, nil
	case y.Tensor != nil:
		t, dtype, err := y.Tensor.toTensor()
		if err != nil {
			return nil, err
		}
		return &AttrValue{Kind: AttrKindTensor, Tensor: t, TensorDType: dtype}, nil
	default:
		wire, err := base64.StdEncoding.DecodeString(y.Wire)
		if err != nil {
			return nil, errors.Wrap(err, "invalid wire attribute")
		}
		return decodeAttrValue(wire)
	}
}

func (y *yamlTensor) toTensor() (*tensors.Tensor, DataType, error) {
	dtype, err := ParseDataType(y.DType)
	if err != nil {
		return nil, DTInvalid, err
	}
	tv := &tensorValues{dtype: dtype, dims: y.Dims}
	switch dtype {
	case DTFloat:
		tv.floats = y.Floats
	case DTDouble:
		tv.doubles = y.Doubles
	case DTInt64:
		tv.int64s = y.Ints
	case DTBool:
		tv.bools = y.Bools
	default:
		tv.ints = y.Ints
	}
	t, err := tv.toTensor()
	if err != nil {
		return nil, DTInvalid, err
	}
	if t == nil {
		return nil, DTInvalid, errors.Errorf("tensor of %s with dimensions %v can't be given in YAML, use the wire form", dtype, y.Dims)
	}
	return t, dtype, nil
}
