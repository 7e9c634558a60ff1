package tfgraph

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quant-rewrite/internal/togomlx"
	"github.com/pkg/errors"
)

// tensorElement are the Go types of the tensor values this package decodes.
type tensorElement interface {
	float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | bool
}

// tensorValues is the content of a TensorProto before it is converted to a GoMLX tensor.
// Only one of the value fields is normally set.
type tensorValues struct {
	dtype   DataType
	dims    []int64
	content []byte
	floats  []float32
	doubles []float64
	ints    []int64 // int_val, used by int32 and the smaller integer types.
	int64s  []int64
	bools   []bool
}

// ConstValue returns the tensor held by the "value" attribute of a Const node.
func ConstValue(node *Node) (*tensors.Tensor, error) {
	if !node.IsConst() {
		return nil, errors.Errorf("node %q is a %q, not a Const", node.Name, node.Op)
	}
	attr := node.Attr["value"]
	if attr == nil || attr.Kind != AttrKindTensor {
		return nil, errors.Errorf("Const node %q has no tensor value", node.Name)
	}
	if attr.Tensor == nil {
		return nil, errors.Errorf("Const node %q holds a %s tensor, which can't be decoded", node.Name, attr.TensorDType)
	}
	return attr.Tensor, nil
}

// ScalarFloat returns the single floating point value held by a Const node.
//
// The tensor can have any rank, but it must hold exactly one float32 or float64 finite value.
func ScalarFloat(node *Node) (float32, error) {
	t, err := ConstValue(node)
	if err != nil {
		return 0, err
	}
	shape := t.Shape()
	if shape.Size() != 1 {
		return 0, errors.Errorf("Const node %q shaped %s holds %d values, expected a single one", node.Name, shape, shape.Size())
	}
	var value float32
	switch shape.DType {
	case dtypes.Float32:
		value = tensors.MustCopyFlatData[float32](t)[0]
	case dtypes.Float64:
		value = float32(tensors.MustCopyFlatData[float64](t)[0])
	default:
		return 0, errors.Errorf("Const node %q holds a %s value, expected a floating point one", node.Name, shape.DType)
	}
	if math32.IsNaN(value) || math32.IsInf(value, 0) {
		return 0, errors.Errorf("Const node %q holds a non-finite value %g", node.Name, value)
	}
	return value, nil
}

// NewScalarConst returns a Const node holding a float32 scalar (rank-0) value.
func NewScalarConst(name string, value float32) *Node {
	return &Node{
		Name: name,
		Op:   "Const",
		Attr: map[string]*AttrValue{
			"dtype": TypeAttr(DTFloat),
			"value": TensorAttr(tensors.FromFlatDataAndDimensions([]float32{value})),
		},
	}
}

// MaxDecodedTensorSize is the largest number of elements of a tensor converted to a GoMLX tensor.
// Larger tensors are only kept in their wire format, like the data types GoMLX can't represent.
const MaxDecodedTensorSize = 1 << 20

// toTensor converts the decoded values to a GoMLX tensor.
// It returns nil with no error for data types that aren't decoded, and for tensors larger than
// MaxDecodedTensorSize.
func (tv *tensorValues) toTensor() (*tensors.Tensor, error) {
	dtype, err := tv.dtype.DType()
	if err != nil {
		return nil, nil
	}
	if !decodableSize(tv.dims) {
		return nil, nil
	}
	shape, err := togomlx.Shape(dtype, tv.dims)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor of %s", tv.dtype)
	}
	dims, size := shape.Dimensions, shape.Size()
	switch tv.dtype {
	case DTFloat:
		return buildTensor(tv, tv.floats, dims, size, 4, func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		})
	case DTDouble:
		return buildTensor(tv, tv.doubles, dims, size, 8, func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		})
	case DTInt32:
		return buildTensor(tv, narrowInts[int32](tv.ints), dims, size, 4, func(b []byte) int32 {
			return int32(binary.LittleEndian.Uint32(b))
		})
	case DTInt16:
		return buildTensor(tv, narrowInts[int16](tv.ints), dims, size, 2, func(b []byte) int16 {
			return int16(binary.LittleEndian.Uint16(b))
		})
	case DTUint16:
		return buildTensor(tv, narrowInts[uint16](tv.ints), dims, size, 2, func(b []byte) uint16 {
			return binary.LittleEndian.Uint16(b)
		})
	case DTInt8:
		return buildTensor(tv, narrowInts[int8](tv.ints), dims, size, 1, func(b []byte) int8 { return int8(b[0]) })
	case DTUint8:
		return buildTensor(tv, narrowInts[uint8](tv.ints), dims, size, 1, func(b []byte) uint8 { return b[0] })
	case DTInt64:
		return buildTensor(tv, tv.int64s, dims, size, 8, func(b []byte) int64 {
			return int64(binary.LittleEndian.Uint64(b))
		})
	case DTBool:
		return buildTensor(tv, tv.bools, dims, size, 1, func(b []byte) bool { return b[0] != 0 })
	default:
		return nil, nil
	}
}

// decodableSize returns whether dims hold at most MaxDecodedTensorSize elements.
// Negative dimensions are reported later, by togomlx.Shape.
func decodableSize(dims []int64) bool {
	size := int64(1)
	for _, dim := range dims {
		if dim < 0 {
			continue
		}
		if dim > MaxDecodedTensorSize {
			return false
		}
		size *= dim
		if size > MaxDecodedTensorSize {
			return false
		}
	}
	return true
}

// buildTensor creates the tensor either from the raw content, or from the typed values.
// Typed values shorter than the tensor size are padded by repeating the last value.
func buildTensor[T tensorElement](tv *tensorValues, values []T, dims []int, size, elementSize int, decode func([]byte) T) (*tensors.Tensor, error) {
	var data []T
	if len(tv.content) > 0 {
		if len(tv.content) != size*elementSize {
			return nil, errors.Errorf("tensor of %s with dimensions %v needs %d bytes, but %d bytes of content were given",
				tv.dtype, tv.dims, size*elementSize, len(tv.content))
		}
		data = make([]T, size)
		for ii := range data {
			data[ii] = decode(tv.content[ii*elementSize:])
		}
	} else {
		var err error
		data, err = fillValues(values, size)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor of %s with dimensions %v", tv.dtype, tv.dims)
		}
	}
	return tensors.FromFlatDataAndDimensions(data, dims...), nil
}

// fillValues expands values to size elements, repeating the last one. No values means zeros.
func fillValues[T any](values []T, size int) ([]T, error) {
	if len(values) > size {
		return nil, errors.Errorf("%d values given for a tensor of size %d", len(values), size)
	}
	if len(values) == size {
		return values, nil
	}
	data := make([]T, size)
	copy(data, values)
	if len(values) > 0 {
		last := values[len(values)-1]
		for ii := len(values); ii < size; ii++ {
			data[ii] = last
		}
	}
	return data, nil
}

func narrowInts[T int8 | int16 | int32 | uint8 | uint16](values []int64) []T {
	if values == nil {
		return nil
	}
	out := make([]T, len(values))
	for ii, v := range values {
		out[ii] = T(v)
	}
	return out
}

func widenInts[T int8 | int16 | int32 | uint8 | uint16](values []T) []int64 {
	out := make([]int64, len(values))
	for ii, v := range values {
		out[ii] = int64(v)
	}
	return out
}

// valuesFromTensor is the inverse of toTensor: it extracts the typed values of t.
func valuesFromTensor(t *tensors.Tensor) (*tensorValues, error) {
	shape := t.Shape()
	dtype, err := DataTypeFromGoMLX(shape.DType)
	if err != nil {
		return nil, err
	}
	tv := &tensorValues{dtype: dtype, dims: togomlx.Dims(shape)}
	switch shape.DType {
	case dtypes.Float32:
		tv.floats = tensors.MustCopyFlatData[float32](t)
	case dtypes.Float64:
		tv.doubles = tensors.MustCopyFlatData[float64](t)
	case dtypes.Int32:
		tv.ints = widenInts(tensors.MustCopyFlatData[int32](t))
	case dtypes.Int16:
		tv.ints = widenInts(tensors.MustCopyFlatData[int16](t))
	case dtypes.Uint16:
		tv.ints = widenInts(tensors.MustCopyFlatData[uint16](t))
	case dtypes.Int8:
		tv.ints = widenInts(tensors.MustCopyFlatData[int8](t))
	case dtypes.Uint8:
		tv.ints = widenInts(tensors.MustCopyFlatData[uint8](t))
	case dtypes.Int64:
		tv.int64s = tensors.MustCopyFlatData[int64](t)
	case dtypes.Bool:
		tv.bools = tensors.MustCopyFlatData[bool](t)
	default:
		return nil, errors.Errorf("tensor shaped %s can't be encoded", shape)
	}
	return tv, nil
}
