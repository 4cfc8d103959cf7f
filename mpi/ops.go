// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package mpi exposes message-passing operations as graph primitives: pure
// nodes a traced computation can contain, which at execution time call into a
// blocking native communication library (see package comms) through the
// bridge package.
//
// The compiler assumes every node is pure, orders nodes by data dependencies
// alone, and eliminates nodes whose results are unused. Communication calls
// are neither pure nor reorderable: a Send and a Recv that cross between
// ranks must execute in a compatible order on both sides or the program
// deadlocks. Every operation therefore consumes and produces a Token, an
// artificial dependency that pins call order and keeps calls alive:
//
//	token := mpi.Send(x, 1, 0, comm, mpi.Token{})
//	y, token := mpi.Recv(g, shape, 1, 0, comm, token)   // ordered after Send
//
// Dropping the token between two calls leaves the compiler free to swap
// them, and its scheduler will. Operations whose data result AND token are
// both discarded are eliminated outright.
//
// All operations validate shapes and rank parameters while the graph is
// built (panicking with *ShapeError) and move no data until the compiled
// graph runs. Collective operations must be created by every rank of the
// communicator, with compatible operands, in the same relative token order.
package mpi

import (
	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/types/shapes"
)

// apply validates, creates and returns the graph node of one communication
// operation. data is nil for operations without a data operand; the token
// input is always last.
func apply(g *graph.Graph, p *OpParams, data *graph.Node, token Token) *graph.Node {
	prim := Lookup(p.Type)
	operand := shapes.Invalid()
	var inputs []*graph.Node
	if data != nil {
		operand = data.Shape()
		inputs = append(inputs, data)
	}
	inputs = append(inputs, token.materialize(g))
	output := prim.Eval(p, operand)
	return g.NewNode(p.Type.String(), output, inputs, p, prim.lowerFn(p, operand, output))
}

// Send transmits x to rank dest. It blocks at execution time until the
// destination posts the matching Recv (same source, same tag). The returned
// Token is the only result: thread it into the next operation, or the call
// is dead code.
func Send(x *graph.Node, dest, tag int, comm comms.Communicator, token Token) Token {
	p := &OpParams{Type: backends.OpTypeSend, Dest: dest, Tag: tag, Comm: comm}
	return Token{node: apply(x.Graph(), p, x, token)}
}

// Recv receives data of the declared shape from rank source. The shape must
// be known at building time; a mismatched incoming message surfaces as a
// *comms.NativeCallError at execution time.
func Recv(g *graph.Graph, shape shapes.Shape, source, tag int, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeRecv, Source: source, Tag: tag, Comm: comm, RecvShape: shape}
	node := apply(g, p, nil, token)
	return node, tokenAfter(node)
}

// SendRecv sends x to dest while receiving recvShape from source, in one
// blocking call. Unlike a Send followed by a Recv it cannot deadlock against
// its mirror image on another rank: symmetric neighbor exchanges should use
// it instead of a manually ordered pair.
func SendRecv(x *graph.Node, dest int, recvShape shapes.Shape, source, tag int,
	comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeSendRecv, Dest: dest, Source: source, Tag: tag,
		Comm: comm, RecvShape: recvShape}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// Bcast broadcasts root's x to every rank. Every rank passes an operand of
// the same shape; only root's values are used.
func Bcast(x *graph.Node, root int, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeBcast, Root: root, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// Scatter splits root's x along its leading dimension into one equal block
// per rank, delivering block i to rank i. The leading dimension must be
// divisible by the communicator size.
func Scatter(x *graph.Node, root int, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeScatter, Root: root, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// Gather concatenates every rank's x along the leading dimension, in rank
// order, on root. Non-root ranks receive a buffer of the gathered shape with
// unspecified contents; scalars gather into a vector of one element per rank.
func Gather(x *graph.Node, root int, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeGather, Root: root, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// AllGather is Gather delivered to every rank.
func AllGather(x *graph.Node, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeAllGather, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// AllToAll splits x along its leading dimension into one block per rank,
// sends block i to rank i, and assembles the blocks received from each rank
// j at position j. The leading dimension must be divisible by the
// communicator size.
func AllToAll(x *graph.Node, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeAllToAll, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// Reduce element-wise combines every rank's x under op, delivering the
// result to root. Combination order is fixed by rank, so floating-point
// results are deterministic across runs.
func Reduce(x *graph.Node, op comms.ReduceOp, root int, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeReduce, Reduce: op, Root: root, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// AllReduce is Reduce delivered to every rank.
func AllReduce(x *graph.Node, op comms.ReduceOp, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeAllReduce, Reduce: op, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}

// Scan computes the inclusive prefix reduction under op: rank r receives the
// combination of the operands of ranks 0 through r.
func Scan(x *graph.Node, op comms.ReduceOp, comm comms.Communicator, token Token) (*graph.Node, Token) {
	p := &OpParams{Type: backends.OpTypeScan, Reduce: op, Comm: comm}
	node := apply(x.Graph(), p, x, token)
	return node, tokenAfter(node)
}
