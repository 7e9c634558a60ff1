package tfgraph

import (
	"maps"
	"math"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the TensorFlow protos: GraphDef, NodeDef, AttrValue, TensorShapeProto and
// TensorProto, from tensorflow/core/framework/*.proto.
const (
	graphDefNode = 1

	nodeDefName   = 1
	nodeDefOp     = 2
	nodeDefInput  = 3
	nodeDefDevice = 4
	nodeDefAttr   = 5

	mapEntryKey   = 1
	mapEntryValue = 2

	attrValueList   = 1
	attrValueS      = 2
	attrValueI      = 3
	attrValueF      = 4
	attrValueB      = 5
	attrValueType   = 6
	attrValueShape  = 7
	attrValueTensor = 8

	listValueS      = 2
	listValueI      = 3
	listValueF      = 4
	listValueB      = 5
	listValueType   = 6
	listValueShape  = 7
	listValueTensor = 8
	listValueFunc   = 9

	shapeDim         = 2
	shapeUnknownRank = 3
	dimSize          = 1

	tensorDType     = 1
	tensorShape     = 2
	tensorContent   = 4
	tensorFloatVal  = 5
	tensorDoubleVal = 6
	tensorIntVal    = 7
	tensorInt64Val  = 10
	tensorBoolVal   = 11
)

// forEachField calls fn for each field of the encoded message b, with the still encoded value
// and the whole field (tag included).
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value, field []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[n:n+m], b[:n+m]); err != nil {
			return err
		}
		b = b[n+m:]
	}
	return nil
}

func bytesValue(num protowire.Number, typ protowire.Type, value []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, errors.Errorf("field %d: expected length-delimited value, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func varintValue(num protowire.Number, typ protowire.Type, value []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, errors.Errorf("field %d: expected varint value, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func consumeInt64(b []byte) (int64, int) {
	v, n := protowire.ConsumeVarint(b)
	return int64(v), n
}

func consumeBool(b []byte) (bool, int) {
	v, n := protowire.ConsumeVarint(b)
	return v != 0, n
}

func consumeFloat(b []byte) (float32, int) {
	v, n := protowire.ConsumeFixed32(b)
	return math.Float32frombits(v), n
}

func consumeDouble(b []byte) (float64, int) {
	v, n := protowire.ConsumeFixed64(b)
	return math.Float64frombits(v), n
}

// consumeRepeated appends the values of a repeated scalar field, packed or not.
func consumeRepeated[T any](dst []T, num protowire.Number, typ protowire.Type, value []byte,
	elementType protowire.Type, consume func([]byte) (T, int)) ([]T, error) {
	if typ == protowire.BytesType {
		packed, err := bytesValue(num, typ, value)
		if err != nil {
			return nil, err
		}
		for len(packed) > 0 {
			v, n := consume(packed)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dst = append(dst, v)
			packed = packed[n:]
		}
		return dst, nil
	}
	if typ != elementType {
		return nil, errors.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := consume(value)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return append(dst, v), nil
}

// decodeNode decodes a NodeDef. The encoding is kept in the node, to be reused if the node is
// not changed.
func decodeNode(b []byte) (*Node, error) {
	node := &Node{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		if num > nodeDefAttr {
			// Debug info and experimental fields: only preserved while the node is unchanged.
			return nil
		}
		v, err := bytesValue(num, typ, value)
		if err != nil {
			return err
		}
		switch num {
		case nodeDefName:
			node.Name = string(v)
		case nodeDefOp:
			node.Op = string(v)
		case nodeDefInput:
			node.Input = append(node.Input, string(v))
		case nodeDefDevice:
			node.Device = string(v)
		case nodeDefAttr:
			key, attr, err := decodeAttrEntry(v)
			if err != nil {
				return err
			}
			if node.Attr == nil {
				node.Attr = make(map[string]*AttrValue)
			}
			node.Attr[key] = attr
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while decoding node %q", node.Name)
	}
	node.wire = slices.Clone(b)
	node.takeSnapshot()
	return node, nil
}

func decodeAttrEntry(b []byte) (key string, attr *AttrValue, err error) {
	attr = &AttrValue{Kind: AttrKindOpaque, wire: []byte{}}
	err = forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		v, err := bytesValue(num, typ, value)
		if err != nil {
			return err
		}
		switch num {
		case mapEntryKey:
			key = string(v)
		case mapEntryValue:
			attr, err = decodeAttrValue(v)
			return err
		}
		return nil
	})
	if err != nil {
		err = errors.WithMessagef(err, "attribute %q", key)
	}
	return
}

func decodeAttrValue(b []byte) (*AttrValue, error) {
	attr := &AttrValue{Kind: AttrKindOpaque, wire: slices.Clone(b)}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		switch num {
		case attrValueS:
			v, err := bytesValue(num, typ, value)
			if err != nil {
				return err
			}
			attr.Kind, attr.S = AttrKindString, string(v)
		case attrValueI, attrValueB, attrValueType:
			v, err := varintValue(num, typ, value)
			if err != nil {
				return err
			}
			switch num {
			case attrValueI:
				attr.Kind, attr.I = AttrKindInt, int64(v)
			case attrValueB:
				attr.Kind, attr.B = AttrKindBool, v != 0
			default:
				attr.Kind, attr.Type = AttrKindType, DataType(int32(v))
			}
		case attrValueF:
			if typ != protowire.Fixed32Type {
				return errors.Errorf("field %d: expected fixed32 value, got wire type %d", num, typ)
			}
			v, _ := consumeFloat(value)
			attr.Kind, attr.F = AttrKindFloat, v
		case attrValueShape:
			v, err := bytesValue(num, typ, value)
			if err != nil {
				return err
			}
			attr.Shape, err = decodeShape(v)
			if err != nil {
				return err
			}
			attr.Kind = AttrKindShape
		case attrValueTensor:
			v, err := bytesValue(num, typ, value)
			if err != nil {
				return err
			}
			tv, err := decodeTensorValues(v)
			if err != nil {
				return err
			}
			attr.Tensor, err = tv.toTensor()
			if err != nil {
				return err
			}
			attr.Kind, attr.TensorDType = AttrKindTensor, tv.dtype
		case attrValueList:
			v, err := bytesValue(num, typ, value)
			if err != nil {
				return err
			}
			list, err := decodeList(v)
			if err != nil {
				return err
			}
			if list != nil {
				attr.Kind, attr.List = AttrKindList, list
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// decodeList decodes a ListValue. It returns nil if the list holds values not interpreted by
// this package (tensors or functions).
func decodeList(b []byte) (*AttrList, error) {
	list := &AttrList{}
	opaque := false
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		var err error
		switch num {
		case listValueS:
			var v []byte
			v, err = bytesValue(num, typ, value)
			list.S = append(list.S, string(v))
		case listValueI:
			list.I, err = consumeRepeated(list.I, num, typ, value, protowire.VarintType, consumeInt64)
		case listValueF:
			list.F, err = consumeRepeated(list.F, num, typ, value, protowire.Fixed32Type, consumeFloat)
		case listValueB:
			list.B, err = consumeRepeated(list.B, num, typ, value, protowire.VarintType, consumeBool)
		case listValueType:
			var dataTypes []int64
			dataTypes, err = consumeRepeated(dataTypes, num, typ, value, protowire.VarintType, consumeInt64)
			for _, dt := range dataTypes {
				list.Type = append(list.Type, DataType(int32(dt)))
			}
		case listValueShape:
			var v []byte
			v, err = bytesValue(num, typ, value)
			if err == nil {
				var shape *TensorShape
				shape, err = decodeShape(v)
				if shape != nil {
					list.Shape = append(list.Shape, *shape)
				}
			}
		case listValueTensor, listValueFunc:
			opaque = true
		}
		return err
	})
	if err != nil || opaque {
		return nil, err
	}
	return list, nil
}

func decodeShape(b []byte) (*TensorShape, error) {
	shape := &TensorShape{Dims: []int64{}}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		switch num {
		case shapeDim:
			dimBytes, err := bytesValue(num, typ, value)
			if err != nil {
				return err
			}
			var size int64
			err = forEachField(dimBytes, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
				if num != dimSize {
					return nil
				}
				v, err := varintValue(num, typ, value)
				size = int64(v)
				return err
			})
			if err != nil {
				return err
			}
			shape.Dims = append(shape.Dims, size)
		case shapeUnknownRank:
			v, err := varintValue(num, typ, value)
			if err != nil {
				return err
			}
			shape.UnknownRank = v != 0
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while decoding tensor shape")
	}
	return shape, nil
}

func decodeTensorValues(b []byte) (*tensorValues, error) {
	tv := &tensorValues{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value, _ []byte) error {
		var err error
		switch num {
		case tensorDType:
			var v uint64
			v, err = varintValue(num, typ, value)
			tv.dtype = DataType(int32(v))
		case tensorShape:
			var v []byte
			v, err = bytesValue(num, typ, value)
			if err == nil {
				var shape *TensorShape
				shape, err = decodeShape(v)
				if shape != nil {
					tv.dims = shape.Dims
				}
			}
		case tensorContent:
			tv.content, err = bytesValue(num, typ, value)
		case tensorFloatVal:
			tv.floats, err = consumeRepeated(tv.floats, num, typ, value, protowire.Fixed32Type, consumeFloat)
		case tensorDoubleVal:
			tv.doubles, err = consumeRepeated(tv.doubles, num, typ, value, protowire.Fixed64Type, consumeDouble)
		case tensorIntVal:
			tv.ints, err = consumeRepeated(tv.ints, num, typ, value, protowire.VarintType, consumeInt64)
		case tensorInt64Val:
			tv.int64s, err = consumeRepeated(tv.int64s, num, typ, value, protowire.VarintType, consumeInt64)
		case tensorBoolVal:
			tv.bools, err = consumeRepeated(tv.bools, num, typ, value, protowire.VarintType, consumeBool)
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while decoding tensor")
	}
	return tv, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendPacked appends a packed repeated field, if values is not empty.
func appendPacked[T any](b []byte, num protowire.Number, values []T, appendValue func([]byte, T) []byte) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = appendValue(packed, v)
	}
	return appendBytesField(b, num, packed)
}

func appendInt64(b []byte, v int64) []byte { return protowire.AppendVarint(b, uint64(v)) }
func appendBool(b []byte, v bool) []byte   { return protowire.AppendVarint(b, protowire.EncodeBool(v)) }
func appendFloat(b []byte, v float32) []byte {
	return protowire.AppendFixed32(b, math.Float32bits(v))
}
func appendDouble(b []byte, v float64) []byte {
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
func appendDataType(b []byte, v DataType) []byte { return protowire.AppendVarint(b, uint64(v)) }

// encodeNode returns the NodeDef encoding of node: the original encoding if the node was parsed
// and is unchanged, a fresh one otherwise. Attributes are encoded sorted by name.
func encodeNode(node *Node) ([]byte, error) {
	if node.wireValid() {
		return node.wire, nil
	}
	var b []byte
	b = appendStringField(b, nodeDefName, node.Name)
	b = appendStringField(b, nodeDefOp, node.Op)
	for _, input := range node.Input {
		b = appendStringField(b, nodeDefInput, input)
	}
	if node.Device != "" {
		b = appendStringField(b, nodeDefDevice, node.Device)
	}
	for _, key := range slices.Sorted(maps.Keys(node.Attr)) {
		attrBytes, err := encodeAttrValue(node.Attr[key])
		if err != nil {
			return nil, errors.WithMessagef(err, "while encoding attribute %q of node %q", key, node.Name)
		}
		var mapEntry []byte
		mapEntry = appendStringField(mapEntry, mapEntryKey, key)
		mapEntry = appendBytesField(mapEntry, mapEntryValue, attrBytes)
		b = appendBytesField(b, nodeDefAttr, mapEntry)
	}
	return b, nil
}

func encodeAttrValue(attr *AttrValue) ([]byte, error) {
	if attr.wire != nil {
		return attr.wire, nil
	}
	switch attr.Kind {
	case AttrKindString:
		return appendStringField(nil, attrValueS, attr.S), nil
	case AttrKindInt:
		return appendVarintField(nil, attrValueI, uint64(attr.I)), nil
	case AttrKindFloat:
		b := protowire.AppendTag(nil, attrValueF, protowire.Fixed32Type)
		return appendFloat(b, attr.F), nil
	case AttrKindBool:
		return appendVarintField(nil, attrValueB, protowire.EncodeBool(attr.B)), nil
	case AttrKindType:
		return appendVarintField(nil, attrValueType, uint64(attr.Type)), nil
	case AttrKindShape:
		if attr.Shape == nil {
			return nil, errors.New("shape attribute with no shape")
		}
		return appendBytesField(nil, attrValueShape, encodeShape(attr.Shape)), nil
	case AttrKindTensor:
		if attr.Tensor == nil {
			return nil, errors.Errorf("tensor attribute of %s with no value", attr.TensorDType)
		}
		tensorBytes, err := encodeTensor(attr)
		if err != nil {
			return nil, err
		}
		return appendBytesField(nil, attrValueTensor, tensorBytes), nil
	case AttrKindList:
		if attr.List == nil {
			return nil, errors.New("list attribute with no list")
		}
		return appendBytesField(nil, attrValueList, encodeList(attr.List)), nil
	default:
		return nil, errors.New("opaque attribute has no encoding")
	}
}

func encodeShape(shape *TensorShape) []byte {
	b := []byte{}
	for _, dim := range shape.Dims {
		b = appendBytesField(b, shapeDim, appendVarintField(nil, dimSize, uint64(dim)))
	}
	if shape.UnknownRank {
		b = appendVarintField(b, shapeUnknownRank, 1)
	}
	return b
}

func encodeTensor(attr *AttrValue) ([]byte, error) {
	tv, err := valuesFromTensor(attr.Tensor)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendVarintField(b, tensorDType, uint64(tv.dtype))
	b = appendBytesField(b, tensorShape, encodeShape(&TensorShape{Dims: tv.dims}))
	b = appendPacked(b, tensorFloatVal, tv.floats, appendFloat)
	b = appendPacked(b, tensorDoubleVal, tv.doubles, appendDouble)
	b = appendPacked(b, tensorIntVal, tv.ints, appendInt64)
	b = appendPacked(b, tensorInt64Val, tv.int64s, appendInt64)
	b = appendPacked(b, tensorBoolVal, tv.bools, appendBool)
	return b, nil
}

func encodeList(list *AttrList) []byte {
	b := []byte{}
	for _, s := range list.S {
		b = appendStringField(b, listValueS, s)
	}
	b = appendPacked(b, listValueI, list.I, appendInt64)
	b = appendPacked(b, listValueF, list.F, appendFloat)
	b = appendPacked(b, listValueB, list.B, appendBool)
	b = appendPacked(b, listValueType, list.Type, appendDataType)
	for ii := range list.Shape {
		b = appendBytesField(b, listValueShape, encodeShape(&list.Shape[ii]))
	}
	return b
}
