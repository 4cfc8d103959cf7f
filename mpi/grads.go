// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/types/shapes"
)

// Differentiation rules. The adjoint of a communication is itself a
// communication: sending x forward means receiving the cotangent back, and
// an AllReduce-Sum is its own adjoint. Only Send, Recv and AllReduce (with
// the Sum operator) carry rules; every other primitive raises
// *NotDifferentiableError when a derivative through it is requested.
//
// Adjoint communications are ordered by their own token chain, emitted in
// the exact reverse of the primal order: every rank derives the same adjoint
// program, so the pairing and collective participation of the primal program
// is preserved.

var jvpFns = map[backends.OpType]JVPFn{
	backends.OpTypeSend:      jvpSend,
	backends.OpTypeRecv:      jvpRecv,
	backends.OpTypeAllReduce: jvpAllReduce,
}

var vjpFns = map[backends.OpType]VJPFn{
	backends.OpTypeSend:      vjpSend,
	backends.OpTypeRecv:      vjpRecv,
	backends.OpTypeAllReduce: vjpAllReduce,
}

// Tangents propagate through the same communication pattern as the primal
// values: the derivative of a Send is a Send of the derivative.

func jvpSend(p *OpParams, node, tangent *graph.Node, token Token) (*graph.Node, Token) {
	return nil, Send(tangent, p.Dest, p.Tag, p.Comm, token)
}

func jvpRecv(p *OpParams, node, tangent *graph.Node, token Token) (*graph.Node, Token) {
	return Recv(node.Graph(), p.RecvShape, p.Source, p.Tag, p.Comm, token)
}

func jvpAllReduce(p *OpParams, node, tangent *graph.Node, token Token) (*graph.Node, Token) {
	if p.Reduce != comms.ReduceOpSum {
		notDifferentiablef(p.Type, "only the Sum operator has a differentiation rule, got %s", p.Reduce)
	}
	return AllReduce(tangent, comms.ReduceOpSum, p.Comm, token)
}

// JVP applies the forward-mode rule of a communication node to the tangent
// of its data operand (nil for Recv, which has none), extending the tangent
// token chain. It panics with *NotDifferentiableError if the node's
// primitive has no rule.
func JVP(node, tangent *graph.Node, token Token) (*graph.Node, Token) {
	p := opParamsOf(node)
	prim := Lookup(p.Type)
	if prim.JVP == nil {
		notDifferentiablef(p.Type, "no forward-mode rule is registered")
	}
	return prim.JVP(p, node, tangent, token)
}

// The reverse-mode rules: cotangents flow against the arrows, so the roles
// of the two endpoints swap.

func vjpSend(p *OpParams, node, cotangent *graph.Node, token Token) (*graph.Node, Token) {
	// The cotangent of the sent data comes back from the destination, which
	// runs the adjoint of its matching Recv.
	return Recv(node.Graph(), node.Inputs()[0].Shape(), p.Dest, p.Tag, p.Comm, token)
}

func vjpRecv(p *OpParams, node, cotangent *graph.Node, token Token) (*graph.Node, Token) {
	return nil, Send(cotangent, p.Source, p.Tag, p.Comm, token)
}

func vjpAllReduce(p *OpParams, node, cotangent *graph.Node, token Token) (*graph.Node, Token) {
	if p.Reduce != comms.ReduceOpSum {
		notDifferentiablef(p.Type, "only the Sum operator has a differentiation rule, got %s", p.Reduce)
	}
	return AllReduce(cotangent, comms.ReduceOpSum, p.Comm, token)
}

// Gradient builds the reverse-mode derivative of output with respect to the
// given inputs, seeding the output cotangent with ones. It returns one
// gradient node per input (a zero constant where the output does not depend
// on the input) plus the adjoint token chain, threaded through the emitted
// adjoint communications in reverse primal order.
//
// Every rank of the communicators involved must request the gradient of the
// mirrored output, or the adjoint communications will not pair up. Pass the
// primal program's token: the adjoint program then chains after the primal
// one on every rank, and the primal communications stay reachable from the
// returned gradient nodes.
func Gradient(output *graph.Node, token Token, inputs ...*graph.Node) ([]*graph.Node, Token) {
	g := output.Graph()
	adjointToken := token
	if adjointToken.IsNone() {
		adjointToken = NewToken(g)
	}

	// Only nodes the output actually depends on participate; the snapshot
	// keeps the adjoint nodes emitted below out of the walk.
	primal := g.Nodes()
	reachable := make(map[graph.NodeId]bool)
	var mark func(n *graph.Node)
	mark = func(n *graph.Node) {
		if reachable[n.Id()] {
			return
		}
		reachable[n.Id()] = true
		for _, input := range n.Inputs() {
			mark(input)
		}
	}
	mark(output)

	cotangents := map[graph.NodeId]*graph.Node{
		output.Id(): g.Constant(onesBuffer(output.Shape())),
	}
	accumulate := func(n *graph.Node, ct *graph.Node) {
		if prev := cotangents[n.Id()]; prev != nil {
			ct = addNodes(prev, ct)
		}
		cotangents[n.Id()] = ct
	}

	for i := len(primal) - 1; i >= 0; i-- {
		node := primal[i]
		if !reachable[node.Id()] {
			continue
		}
		p, isComm := node.Payload().(*OpParams)
		if !isComm {
			continue
		}
		prim := Lookup(p.Type)
		if prim.VJP == nil {
			notDifferentiablef(p.Type, "no reverse-mode rule is registered")
		}
		ct := cotangents[node.Id()]
		if ct == nil && p.Type != backends.OpTypeSend {
			// The data output is unused, but the adjoint communication must
			// still run so it pairs up with the other ranks'.
			ct = g.Constant(backends.NewHost(node.Shape()))
		}
		inputCt, nextToken := prim.VJP(p, node, ct, adjointToken)
		adjointToken = nextToken
		if inputCt != nil {
			accumulate(node.Inputs()[0], inputCt)
		}
	}

	grads := make([]*graph.Node, len(inputs))
	for i, input := range inputs {
		if ct := cotangents[input.Id()]; ct != nil {
			grads[i] = ct
		} else {
			grads[i] = g.Constant(backends.NewHost(input.Shape()))
		}
	}
	return grads, adjointToken
}

func opParamsOf(node *graph.Node) *OpParams {
	p, ok := node.Payload().(*OpParams)
	if !ok {
		exceptions.Panicf("mpi: node %s is not a communication operation", node)
	}
	return p
}

// onesBuffer builds a host buffer of the given shape filled with ones, the
// seed cotangent of a gradient.
func onesBuffer(shape shapes.Shape) *backends.Buffer {
	b := backends.NewHost(shape)
	switch shape.DType {
	case dtypes.Float64:
		fill(backends.Flat[float64](b), 1)
	case dtypes.Float32:
		fill(backends.Flat[float32](b), 1)
	case dtypes.Float16:
		data := b.Bytes()
		for i := 0; i < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], 0x3C00) // float16(1.0)
		}
	case dtypes.Int8:
		fill(backends.Flat[int8](b), 1)
	case dtypes.Int16:
		fill(backends.Flat[int16](b), 1)
	case dtypes.Int32:
		fill(backends.Flat[int32](b), 1)
	case dtypes.Int64:
		fill(backends.Flat[int64](b), 1)
	case dtypes.Uint8:
		fill(backends.Flat[uint8](b), 1)
	case dtypes.Uint16:
		fill(backends.Flat[uint16](b), 1)
	case dtypes.Uint32:
		fill(backends.Flat[uint32](b), 1)
	case dtypes.Uint64:
		fill(backends.Flat[uint64](b), 1)
	default:
		exceptions.Panicf("mpi.Gradient: cannot seed cotangent for dtype %s", shape.DType)
	}
	return b
}

func fill[T dtypes.Supported](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

// addNodes emits an element-wise addition node accumulating two cotangent
// contributions to the same value.
func addNodes(a, b *graph.Node) *graph.Node {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("mpi.Gradient: cannot accumulate cotangents of shapes %s and %s", a.Shape(), b.Shape())
	}
	g := a.Graph()
	return g.NewNode("AddCotangents", a.Shape(), []*graph.Node{a, b}, nil, addLower)
}

func addLower(kind backends.Kind) graph.ExecFn {
	return func(ctx *graph.ExecContext, inputs []*backends.Buffer) (*backends.Buffer, error) {
		toHost := func(b *backends.Buffer) *backends.Buffer {
			if !b.OnDevice() {
				return b
			}
			host := ctx.Alloc.AllocHost(b.Shape())
			ctx.Alloc.CopyToHost(host, b)
			return host
		}
		x, y := toHost(inputs[0]), toHost(inputs[1])
		out := ctx.Alloc.AllocHost(x.Shape())
		copy(out.Bytes(), x.Bytes())
		sumInto(out, y)
		if ctx.Kind == backends.KindDevice {
			dev := ctx.Alloc.AllocDevice(out.Shape())
			ctx.Alloc.CopyToDevice(dev, out)
			return dev, nil
		}
		return out, nil
	}
}

func sumInto(acc, in *backends.Buffer) {
	switch acc.DType() {
	case dtypes.Float64:
		floats.Add(backends.Flat[float64](acc), backends.Flat[float64](in))
	case dtypes.Float32:
		addSlice(backends.Flat[float32](acc), backends.Flat[float32](in))
	case dtypes.Int32:
		addSlice(backends.Flat[int32](acc), backends.Flat[int32](in))
	case dtypes.Int64:
		addSlice(backends.Flat[int64](acc), backends.Flat[int64](in))
	default:
		exceptions.Panicf("mpi.Gradient: cannot accumulate cotangents of dtype %s", acc.DType())
	}
}

func addSlice[T float32 | int32 | int64](acc, in []T) {
	for i, v := range in {
		acc[i] += v
	}
}
