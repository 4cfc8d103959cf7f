// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gompi/types/shapes"
)

// Abstract evaluation: the shape rule of each primitive. These run while the
// graph is built, on shapes only. Every structural mistake they can catch
// (mismatched dtypes, indivisible dimensions, out-of-range ranks, reductions
// undefined for a dtype) panics with a *ShapeError here, before anything is
// compiled or any native call is issued.

var evalFns = map[backends.OpType]AbstractEvalFn{
	backends.OpTypeSend:      evalSend,
	backends.OpTypeRecv:      evalRecv,
	backends.OpTypeSendRecv:  evalSendRecv,
	backends.OpTypeBcast:     evalElementwise,
	backends.OpTypeScatter:   evalScatter,
	backends.OpTypeGather:    evalGather,
	backends.OpTypeAllGather: evalGather,
	backends.OpTypeAllToAll:  evalAllToAll,
	backends.OpTypeReduce:    evalReduction,
	backends.OpTypeAllReduce: evalReduction,
	backends.OpTypeScan:      evalReduction,
}

// commSize resolves the communicator and returns its size. An unresolvable
// handle is a programming error and panics immediately, at building time.
func commSize(p *OpParams) int {
	native, err := comms.Resolve(p.Comm)
	if err != nil {
		panic(err)
	}
	return native.Size()
}

func checkRank(p *OpParams, what string, rank, size int) {
	if rank < 0 || rank >= size {
		shapeErrorf(p.Type, "%s rank %d out of range for communicator of size %d", what, rank, size)
	}
}

func checkTag(p *OpParams) {
	if p.Tag < 0 {
		shapeErrorf(p.Type, "tag %d is negative; negative tags are reserved", p.Tag)
	}
}

func checkOperand(p *OpParams, operand shapes.Shape) {
	if !operand.Ok() {
		shapeErrorf(p.Type, "operation requires a data operand")
	}
}

// checkReducible accepts the dtype/operator combinations the native reduction
// contract defines. Booleans only reduce under Max (logical or) and Min
// (logical and).
func checkReducible(p *OpParams, dtype dtypes.DType) {
	switch dtype {
	case dtypes.Float64, dtypes.Float32, dtypes.Float16,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
	case dtypes.Bool:
		if p.Reduce != comms.ReduceOpMax && p.Reduce != comms.ReduceOpMin {
			shapeErrorf(p.Type, "reduction operator %s is not defined for booleans", p.Reduce)
		}
	default:
		shapeErrorf(p.Type, "dtype %s is not reducible", dtype)
	}
	if !p.Reduce.IsAReduceOp() || p.Reduce == comms.ReduceOpUndefined {
		shapeErrorf(p.Type, "undefined reduction operator %d", p.Reduce)
	}
}

func evalSend(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	checkTag(p)
	checkRank(p, "destination", p.Dest, commSize(p))
	// Send moves data out; its node value is only the dependency token.
	return tokenShape
}

func evalRecv(p *OpParams, operand shapes.Shape) shapes.Shape {
	if !p.RecvShape.Ok() {
		shapeErrorf(p.Type, "receive shape must be declared at building time")
	}
	checkTag(p)
	checkRank(p, "source", p.Source, commSize(p))
	return p.RecvShape.Clone()
}

func evalSendRecv(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	if !p.RecvShape.Ok() {
		shapeErrorf(p.Type, "receive shape must be declared at building time")
	}
	if operand.DType != p.RecvShape.DType {
		shapeErrorf(p.Type, "send dtype %s differs from receive dtype %s; both directions must agree",
			operand.DType, p.RecvShape.DType)
	}
	checkTag(p)
	size := commSize(p)
	checkRank(p, "destination", p.Dest, size)
	checkRank(p, "source", p.Source, size)
	return p.RecvShape.Clone()
}

// evalElementwise covers operations whose output matches the operand exactly
// (Bcast): every rank contributes and receives the same shape.
func evalElementwise(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	if p.Type.HasRoot() {
		checkRank(p, "root", p.Root, commSize(p))
	}
	return operand.Clone()
}

func evalScatter(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	size := commSize(p)
	checkRank(p, "root", p.Root, size)
	if operand.IsScalar() {
		shapeErrorf(p.Type, "cannot scatter a scalar; leading dimension is split across ranks")
	}
	if operand.Dim(0)%size != 0 {
		shapeErrorf(p.Type, "leading dimension %d is not divisible by communicator size %d", operand.Dim(0), size)
	}
	return operand.WithDim0(operand.Dim(0) / size)
}

// evalGather covers Gather and AllGather: contributions are concatenated
// along the leading dimension in rank order; a scalar contribution becomes a
// vector of one element per rank.
func evalGather(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	size := commSize(p)
	if p.Type.HasRoot() {
		checkRank(p, "root", p.Root, size)
	}
	if operand.IsScalar() {
		return shapes.Make(operand.DType, size)
	}
	return operand.WithDim0(operand.Dim(0) * size)
}

func evalAllToAll(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	size := commSize(p)
	if operand.IsScalar() {
		shapeErrorf(p.Type, "cannot exchange a scalar; leading dimension is split into one block per rank")
	}
	if operand.Dim(0)%size != 0 {
		shapeErrorf(p.Type, "leading dimension %d is not divisible by communicator size %d", operand.Dim(0), size)
	}
	return operand.Clone()
}

// evalReduction covers Reduce, AllReduce and Scan: element-wise combination
// preserves the operand shape.
func evalReduction(p *OpParams, operand shapes.Shape) shapes.Shape {
	checkOperand(p, operand)
	checkReducible(p, operand.DType)
	if p.Type.HasRoot() {
		checkRank(p, "root", p.Root, commSize(p))
	}
	return operand.Clone()
}
