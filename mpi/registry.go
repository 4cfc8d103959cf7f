// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/types/shapes"
)

// OpParams are the static (graph-building time) parameters of one
// communication node. They are stored as the node payload so the
// differentiation rules can recover them from the primal graph.
type OpParams struct {
	Type backends.OpType

	Dest   int // Send, SendRecv.
	Source int // Recv, SendRecv.
	Root   int // Bcast, Scatter, Gather, Reduce.
	Tag    int // Point-to-point matching, ignored by collectives.

	Reduce comms.ReduceOp // Reduce, AllReduce, Scan.
	Comm   comms.Communicator

	// RecvShape is the declared shape of the incoming data of Recv and
	// SendRecv: the only case where the output shape cannot be inferred from
	// the operands.
	RecvShape shapes.Shape
}

// AbstractEvalFn computes the output shape of a primitive from its static
// parameters and the shape of its data operand (invalid shape when the
// primitive takes none). It must not move data, and it must panic with a
// *ShapeError on invalid combinations.
type AbstractEvalFn func(p *OpParams, operand shapes.Shape) shapes.Shape

// LoweringFn produces the executable closure of a primitive for one backend
// kind, given the data operand and output shapes frozen at building time.
type LoweringFn func(p *OpParams, operand, output shapes.Shape) graph.ExecFn

// JVPFn maps the tangent of the data operand through the primitive,
// producing the tangent of the output (nil if the primitive has no data
// output) and extending the tangent token chain.
type JVPFn func(p *OpParams, node, tangent *graph.Node, token Token) (*graph.Node, Token)

// VJPFn emits the adjoint communication of a primitive: given the cotangent
// of the node's output, it produces the cotangent of the data operand (nil if
// the primitive has none) and extends the adjoint token chain.
type VJPFn func(p *OpParams, node, cotangent *graph.Node, token Token) (*graph.Node, Token)

// Primitive is the registry entry of one communication operation: its shape
// rule, its per-backend lowering rules and (optionally) its differentiation
// rules. The operation set is closed; entries are registered at package
// initialization and never change.
type Primitive struct {
	Type      backends.OpType
	Eval      AbstractEvalFn
	Lowerings map[backends.Kind]LoweringFn

	// JVP and VJP are nil for primitives without a differentiation rule;
	// requesting a derivative then panics with *NotDifferentiableError.
	JVP JVPFn
	VJP VJPFn
}

var registry = map[backends.OpType]*Primitive{}

func register(p *Primitive) {
	if _, found := registry[p.Type]; found {
		exceptions.Panicf("mpi: primitive %s registered twice", p.Type)
	}
	registry[p.Type] = p
}

// Lookup returns the registered primitive for an operation type. It panics on
// an unregistered type: the operation set is fixed at initialization.
func Lookup(op backends.OpType) *Primitive {
	p, found := registry[op]
	if !found {
		exceptions.Panicf("mpi: no primitive registered for %s", op)
	}
	return p
}

// lowerFn adapts a primitive's lowering table to the graph.LowerFn contract,
// capturing the frozen operand/output shapes. A kind without a rule panics
// with *UnsupportedBackendError, surfacing at Compile time.
func (p *Primitive) lowerFn(params *OpParams, operand, output shapes.Shape) graph.LowerFn {
	return func(kind backends.Kind) graph.ExecFn {
		lowering, found := p.Lowerings[kind]
		if !found {
			panic(errors.WithStack(&UnsupportedBackendError{Op: p.Type, Kind: kind}))
		}
		return lowering(params, operand, output)
	}
}

func init() {
	for _, op := range []backends.OpType{
		backends.OpTypeSend,
		backends.OpTypeRecv,
		backends.OpTypeSendRecv,
		backends.OpTypeBcast,
		backends.OpTypeScatter,
		backends.OpTypeGather,
		backends.OpTypeAllGather,
		backends.OpTypeAllToAll,
		backends.OpTypeReduce,
		backends.OpTypeAllReduce,
		backends.OpTypeScan,
	} {
		register(&Primitive{
			Type:      op,
			Eval:      evalFns[op],
			Lowerings: standardLowerings(),
			JVP:       jvpFns[op],
			VJP:       vjpFns[op],
		})
	}
}
