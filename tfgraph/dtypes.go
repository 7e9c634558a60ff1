package tfgraph

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DataType is the TensorFlow data type enum, as stored in "dtype"/"T" attributes and tensors.
type DataType int32

const (
	DTInvalid    DataType = 0
	DTFloat      DataType = 1
	DTDouble     DataType = 2
	DTInt32      DataType = 3
	DTUint8      DataType = 4
	DTInt16      DataType = 5
	DTInt8       DataType = 6
	DTString     DataType = 7
	DTComplex64  DataType = 8
	DTInt64      DataType = 9
	DTBool       DataType = 10
	DTQInt8      DataType = 11
	DTQUint8     DataType = 12
	DTQInt32     DataType = 13
	DTBFloat16   DataType = 14
	DTQInt16     DataType = 15
	DTQUint16    DataType = 16
	DTUint16     DataType = 17
	DTComplex128 DataType = 18
	DTHalf       DataType = 19
	DTResource   DataType = 20
	DTVariant    DataType = 21
	DTUint32     DataType = 22
	DTUint64     DataType = 23
)

var dataTypeNames = map[DataType]string{
	DTInvalid:    "invalid",
	DTFloat:      "float32",
	DTDouble:     "float64",
	DTInt32:      "int32",
	DTUint8:      "uint8",
	DTInt16:      "int16",
	DTInt8:       "int8",
	DTString:     "string",
	DTComplex64:  "complex64",
	DTInt64:      "int64",
	DTBool:       "bool",
	DTQInt8:      "qint8",
	DTQUint8:     "quint8",
	DTQInt32:     "qint32",
	DTBFloat16:   "bfloat16",
	DTQInt16:     "qint16",
	DTQUint16:    "quint16",
	DTUint16:     "uint16",
	DTComplex128: "complex128",
	DTHalf:       "half",
	DTResource:   "resource",
	DTVariant:    "variant",
	DTUint32:     "uint32",
	DTUint64:     "uint64",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(name string) (DataType, error) {
	for dt, dtName := range dataTypeNames {
		if dtName == name {
			return dt, nil
		}
	}
	return DTInvalid, errors.Errorf("unknown data type %q", name)
}

// DType converts a TensorFlow data type to a GoMLX data type.
// Quantized, string and resource types have no GoMLX equivalent and return an error.
func (dt DataType) DType() (dtypes.DType, error) {
	switch dt {
	case DTFloat:
		return dtypes.Float32, nil
	case DTDouble:
		return dtypes.Float64, nil
	case DTHalf:
		return dtypes.Float16, nil
	case DTBFloat16:
		return dtypes.BFloat16, nil
	case DTInt32:
		return dtypes.Int32, nil
	case DTInt64:
		return dtypes.Int64, nil
	case DTInt16:
		return dtypes.Int16, nil
	case DTInt8:
		return dtypes.Int8, nil
	case DTUint8:
		return dtypes.Uint8, nil
	case DTUint16:
		return dtypes.Uint16, nil
	case DTUint32:
		return dtypes.Uint32, nil
	case DTUint64:
		return dtypes.Uint64, nil
	case DTBool:
		return dtypes.Bool, nil
	case DTComplex64:
		return dtypes.Complex64, nil
	case DTComplex128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported TensorFlow data type %s", dt)
	}
}

// DataTypeFromGoMLX converts a GoMLX data type to the TensorFlow one.
func DataTypeFromGoMLX(dtype dtypes.DType) (DataType, error) {
	for dt := range dataTypeNames {
		if converted, err := dt.DType(); err == nil && converted == dtype {
			return dt, nil
		}
	}
	return DTInvalid, errors.Errorf("GoMLX data type %s has no TensorFlow equivalent", dtype)
}
