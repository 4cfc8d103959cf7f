// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/types/shapes"
)

// Token is an artificial data dependency threaded through communication
// calls. The compiler only respects dataflow edges, so two calls with no edge
// between them may run in either order, or not at all if their results are
// unused. Passing the token returned by one call into the next creates the
// edge that pins their relative order and keeps them alive.
//
// A token carries no information. Its node has a placeholder scalar shape
// during graph building and is erased at lowering: it costs nothing at
// execution time.
//
// The zero Token is valid and means "start a fresh chain": an operation given
// it is ordered against nothing that came before. Discarding a returned token
// severs the chain the same way, and the compiler is then free to reorder or
// eliminate the call; see the package example for the resulting hazard.
type Token struct {
	node *graph.Node
}

var tokenShape = shapes.Make(dtypes.Uint8)

// NewToken starts a fresh dependency chain on the graph. Equivalent to
// passing the zero Token to the first operation of the chain, but lets one
// chain be split explicitly across several first operations.
func NewToken(g *graph.Graph) Token {
	return Token{node: g.NewNode("Token", tokenShape, nil, nil, tokenLower)}
}

// IsNone reports whether this is the zero Token (no chain yet).
func (t Token) IsNone() bool { return t.node == nil }

// Node returns the graph node carrying the dependency, or nil for the zero
// Token. Exposed so callers can force a non-communication node to wait on the
// chain by taking it as an input.
func (t Token) Node() *graph.Node { return t.node }

// Join merges dependency chains: the returned token orders anything that
// consumes it after every operation reachable from any of the given tokens.
// Zero tokens are ignored; Join of none (or only zero tokens) panics, as
// there is no graph to create the merged token on.
func Join(tokens ...Token) Token {
	var inputs []*graph.Node
	for _, t := range tokens {
		if !t.IsNone() {
			inputs = append(inputs, t.node)
		}
	}
	if len(inputs) == 0 {
		exceptions.Panicf("mpi.Join requires at least one non-zero Token")
	}
	if len(inputs) == 1 {
		return Token{node: inputs[0]}
	}
	g := inputs[0].Graph()
	return Token{node: g.NewNode("TokenJoin", tokenShape, inputs, nil, tokenLower)}
}

// materialize returns the token's node, creating a fresh chain start on g for
// the zero Token.
func (t Token) materialize(g *graph.Graph) *graph.Node {
	if t.node != nil {
		return t.node
	}
	return NewToken(g).node
}

// tokenAfter wraps a node into a Token, ordering later chain members after
// it.
func tokenAfter(n *graph.Node) Token {
	return Token{node: n.Graph().NewNode("Token", tokenShape, []*graph.Node{n}, nil, tokenLower)}
}

// tokenLower erases token nodes: their execution is a 1-byte placeholder
// allocation on any backend kind.
func tokenLower(kind backends.Kind) graph.ExecFn {
	return func(ctx *graph.ExecContext, _ []*backends.Buffer) (*backends.Buffer, error) {
		return ctx.Alloc.AllocHost(tokenShape), nil
	}
}
