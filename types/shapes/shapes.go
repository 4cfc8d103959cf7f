// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the static description (DType and dimensions)
// of the arrays moved by communication primitives.
//
// A Shape is fully determined at graph building time: abstract evaluation of
// every communication primitive manipulates only Shapes, never data.
//
// Go float16 support uses github.com/x448/float16, and the DType enumeration
// comes from github.com/gomlx/gopjrt/dtypes.
//
// Differently from dense computation frameworks, communication buffers may
// legitimately be empty (a zero-length send is valid and must round-trip), so
// axes with dimension 0 are allowed. Negative dimensions are not.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of either a concrete buffer or the expected
// value of a node in a communication graph.
//
// Use Make to create a new Shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is negative -- zero is allowed, see package doc.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar (rank-0) Shape for the given Go type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape.
// The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is rank-0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the last axis. It panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of elements of DType needed for this shape.
// It's the product of all dimensions, so a scalar has Size 1 and any shape
// with a zero-dimension axis has Size 0.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a buffer of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares dimensions only, dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDim0 returns a copy of the shape with axis 0 replaced by dim.
// It panics on scalars.
func (s Shape) WithDim0(dim int) Shape {
	if s.IsScalar() {
		exceptions.Panicf("Shape.WithDim0 called on scalar shape %s", s)
	}
	s2 := s.Clone()
	s2.Dimensions[0] = dim
	return s2
}

// String implements fmt.Stringer, pretty-printing the shape as "(dtype)[dims]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)%v", s.DType, s.Dimensions)
	return b.String()
}

// HasShape is anything that can report its own Shape: concrete buffers,
// graph nodes and Shape itself.
type HasShape interface {
	Shape() Shape
}
