// Package togomlx converts TensorFlow tensor descriptions to GoMLX.
package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Shape converts a data type and the dimensions of a TensorFlow TensorShapeProto to a GoMLX
// shapes.Shape. Unknown (negative) dimensions are not accepted.
func Shape(dtype dtypes.DType, dims []int64) (shape shapes.Shape, err error) {
	shape.DType = dtype
	shape.Dimensions = make([]int, len(dims))
	for axis, dim := range dims {
		if dim < 0 {
			err = errors.Errorf("unknown or invalid dimension %d for axis %d in %v", dim, axis, dims)
			return
		}
		shape.Dimensions[axis] = int(dim)
	}
	return
}

// Dims is the inverse of Shape: it returns the TensorFlow dimensions of shape.
func Dims(shape shapes.Shape) []int64 {
	dims := make([]int64, len(shape.Dimensions))
	for axis, dim := range shape.Dimensions {
		dims[axis] = int64(dim)
	}
	return dims
}
