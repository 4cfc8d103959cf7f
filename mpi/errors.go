// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/gompi/backends"
)

// The package panics with errors (wrapped with stack traces) instead of
// returning them, following the builder style of the graph package: use
// exceptions.TryCatch to convert back to a returned error. Each failure mode
// has its own error type, surfaced at the phase where it occurs:
//
//   - *ShapeError at graph building time;
//   - *UnsupportedBackendError at lowering (Compile) time;
//   - *NotDifferentiableError when a derivative is requested;
//   - *comms.NativeCallError at execution time, returned by the node closure.

// ShapeError reports an operand whose shape, dtype or rank parameter is
// incompatible with the operation. It is raised while the graph is built,
// before any native call or data movement.
type ShapeError struct {
	Op  backends.OpType
	Msg string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func shapeErrorf(op backends.OpType, format string, args ...any) {
	panic(errors.WithStack(&ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}))
}

// UnsupportedBackendError reports a primitive with no lowering rule for the
// requested backend kind. It is raised when the graph is compiled.
type UnsupportedBackendError struct {
	Op   backends.OpType
	Kind backends.Kind
}

// Error implements the error interface.
func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("%s has no lowering rule for backend kind %s", e.Op, e.Kind)
}

// NotDifferentiableError reports a derivative request for a primitive (or a
// primitive configuration, like a non-Sum AllReduce) without a registered
// differentiation rule.
type NotDifferentiableError struct {
	Op     backends.OpType
	Reason string
}

// Error implements the error interface.
func (e *NotDifferentiableError) Error() string {
	return fmt.Sprintf("%s is not differentiable: %s", e.Op, e.Reason)
}

func notDifferentiablef(op backends.OpType, format string, args ...any) {
	panic(errors.WithStack(&NotDifferentiableError{Op: op, Reason: fmt.Sprintf(format, args...)}))
}
