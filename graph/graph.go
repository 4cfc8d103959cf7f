// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is a minimal tracing dataflow graph used to host the
// communication primitives: it stands in for the upstream just-ahead-of-time
// compiler at its interface, and deliberately reproduces the two behaviors
// the Token mechanism exists to survive:
//
//   - Dead-code elimination: nodes unreachable from the compiled outputs are
//     dropped, including communication calls whose results (token included)
//     nobody consumes.
//   - Data-dependency-only ordering: the scheduler is free to run any two
//     nodes without a dependency edge in either order, and in fact prefers
//     the REVERSE of program order among ready nodes, so reordering hazards
//     show up deterministically instead of silently.
//
// Program order is therefore meaningless to the compiler; only the edges
// count. That is exactly the contract communication primitives must live
// with, and why they thread a Token through every call.
//
// Errors during graph building panic with a stack trace, see package
// github.com/gomlx/exceptions.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/types/shapes"
)

// NodeId is a unique node id within a Graph, assigned in creation order.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// ExecContext is handed to every compiled node closure at execution time.
type ExecContext struct {
	// Kind of the backend executing the program.
	Kind backends.Kind

	// Alloc is the allocator for outputs and staging buffers.
	Alloc backends.Allocator
}

// ExecFn is the compiled form of one node: it consumes the input buffers and
// produces the node's output buffer. Buffers are borrowed, never retained.
type ExecFn func(ctx *ExecContext, inputs []*backends.Buffer) (*backends.Buffer, error)

// LowerFn translates one node into its executable form for a backend kind.
// It runs at compile time, once per node. It must panic (with
// an error carrying a stack trace) if the node has no rule for the kind.
type LowerFn func(kind backends.Kind) ExecFn

// Node is one operation in a Graph. Its shape is fully determined at graph
// building time: creating a node never moves data.
type Node struct {
	graph   *Graph
	id      NodeId
	opName  string
	shape   shapes.Shape
	inputs  []*Node
	payload any

	lower       LowerFn
	constant    *backends.Buffer
	paramHandle int
}

// Graph of operations under construction. Create with New, populate with
// Parameter/Constant/NewNode, and freeze with Compile.
type Graph struct {
	name  string
	kind  backends.Kind
	alloc backends.Allocator

	nodes    []*Node
	params   []*Node
	compiled bool
}

// New creates an empty Graph that will be lowered to the given backend kind.
func New(name string, kind backends.Kind) *Graph {
	if !kind.IsAKind() || kind == backends.KindInvalid {
		exceptions.Panicf("graph.New(%q): invalid backend kind %d", name, kind)
	}
	return &Graph{name: name, kind: kind, alloc: backends.NewSliceAllocator()}
}

// WithAllocator replaces the graph's allocator. Must be called before Compile.
func (g *Graph) WithAllocator(alloc backends.Allocator) *Graph {
	g.alloc = alloc
	return g
}

// Name of the computation this Graph defines.
func (g *Graph) Name() string { return g.name }

// BackendKind this graph lowers to.
func (g *Graph) BackendKind() backends.Kind { return g.kind }

// Allocator used by this graph's executions.
func (g *Graph) Allocator() backends.Allocator { return g.alloc }

// AssertBuilding panics if the graph was already compiled.
func (g *Graph) AssertBuilding() {
	if g.compiled {
		exceptions.Panicf("graph %q is already compiled, no more nodes can be added", g.name)
	}
}

func (g *Graph) register(node *Node) *Node {
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return node
}

// Parameter registers an input of the computation. Inputs are fed
// positionally to Executable.Run, in creation order.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	g.AssertBuilding()
	node := g.register(&Node{
		graph:       g,
		opName:      fmt.Sprintf("Parameter(%q)", name),
		shape:       shape,
		paramHandle: len(g.params),
	})
	g.params = append(g.params, node)
	return node
}

// Constant embeds a host buffer in the graph. The buffer is borrowed for the
// lifetime of the graph.
func (g *Graph) Constant(value *backends.Buffer) *Node {
	g.AssertBuilding()
	if value.OnDevice() {
		exceptions.Panicf("graph %q: constants must be host buffers", g.name)
	}
	return g.register(&Node{
		graph:       g,
		opName:      fmt.Sprintf("Constant(%s)", value.Shape()),
		shape:       value.Shape(),
		constant:    value,
		paramHandle: -1,
	})
}

// NewNode adds an operation node. The shape must already be inferred (by the
// caller's abstract evaluation); lower is invoked once per node at Compile
// time. The payload is opaque to the graph and retrievable with Payload --
// primitives use it to keep their static parameters for differentiation.
func (g *Graph) NewNode(opName string, shape shapes.Shape, inputs []*Node, payload any, lower LowerFn) *Node {
	g.AssertBuilding()
	for i, input := range inputs {
		if input == nil || input.graph != g {
			exceptions.Panicf("graph %q: input %d of %s is nil or belongs to another graph", g.name, i, opName)
		}
	}
	return g.register(&Node{
		graph:       g,
		opName:      opName,
		shape:       shape,
		inputs:      slices.Clone(inputs),
		payload:     payload,
		lower:       lower,
		paramHandle: -1,
	})
}

// Nodes returns all nodes created so far, in creation (id) order. The slice
// is a copy; the nodes are not.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// Graph that holds this Node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of this node within its Graph, in creation order.
func (n *Node) Id() NodeId { return n.id }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// OpName describes the operation, for introspection and error messages.
func (n *Node) OpName() string { return n.opName }

// Inputs are the nodes this node depends on.
func (n *Node) Inputs() []*Node { return n.inputs }

// Payload returns the opaque payload given to NewNode, or nil.
func (n *Node) Payload() any { return n.payload }

// IsParameter reports whether the node is a graph input.
func (n *Node) IsParameter() bool { return n.paramHandle >= 0 }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("#%d %s -> %s", n.id, n.opName, n.shape)
}

// Executable is a compiled Graph: a schedule of node closures.
type Executable struct {
	graph    *Graph
	schedule []*Node
	execFns  map[NodeId]ExecFn
	outputs  []*Node
}

// Compile freezes the graph and returns an Executable computing the given
// outputs. Scheduling is derived from data dependencies alone: nodes not
// reachable from the outputs are eliminated, and independent nodes are
// ordered by descending creation order (see package documentation).
//
// Lowering happens here: a node whose LowerFn has no rule for the graph's
// backend kind makes Compile panic.
func (g *Graph) Compile(outputs ...*Node) *Executable {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("graph %q: Compile requires at least one output", g.name)
	}
	for i, out := range outputs {
		if out == nil || out.graph != g {
			exceptions.Panicf("graph %q: output %d is nil or belongs to another graph", g.name, i)
		}
	}
	g.compiled = true

	// Dead-code elimination: keep only nodes reachable from the outputs.
	reachable := make(map[NodeId]bool)
	var mark func(n *Node)
	mark = func(n *Node) {
		if reachable[n.id] {
			return
		}
		reachable[n.id] = true
		for _, input := range n.inputs {
			mark(input)
		}
	}
	for _, out := range outputs {
		mark(out)
	}

	// Ready-list scheduling, preferring the most recently created ready node.
	pendingInputs := make(map[NodeId]int)
	dependents := make(map[NodeId][]*Node)
	var ready []*Node
	for _, node := range g.nodes {
		if !reachable[node.id] {
			continue
		}
		pendingInputs[node.id] = len(node.inputs)
		for _, input := range node.inputs {
			dependents[input.id] = append(dependents[input.id], node)
		}
		if len(node.inputs) == 0 {
			ready = append(ready, node)
		}
	}
	schedule := make([]*Node, 0, len(pendingInputs))
	for len(ready) > 0 {
		best := 0
		for i, node := range ready {
			if node.id > ready[best].id {
				best = i
			}
		}
		node := ready[best]
		ready = slices.Delete(ready, best, best+1)
		schedule = append(schedule, node)
		for _, dep := range dependents[node.id] {
			pendingInputs[dep.id]--
			if pendingInputs[dep.id] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(schedule) != len(pendingInputs) {
		exceptions.Panicf("graph %q has a dependency cycle", g.name)
	}

	execFns := make(map[NodeId]ExecFn, len(schedule))
	for _, node := range schedule {
		if node.lower != nil {
			execFns[node.id] = node.lower(g.kind)
		}
	}
	return &Executable{graph: g, schedule: schedule, execFns: execFns, outputs: outputs}
}

// ScheduledOps returns the op names in execution order, for introspection and
// tests -- eliminated nodes don't appear.
func (e *Executable) ScheduledOps() []string {
	names := make([]string, len(e.schedule))
	for i, node := range e.schedule {
		names[i] = node.opName
	}
	return names
}

// Run executes the compiled program with the given parameter values, fed
// positionally, and returns one host buffer per compiled output.
//
// On a device-kind backend, host parameter buffers are uploaded to device
// memory before execution and outputs are downloaded back, mirroring how a
// graph runtime transfers data to and from accelerators.
func (e *Executable) Run(params ...*backends.Buffer) []*backends.Buffer {
	g := e.graph
	if len(params) != len(g.params) {
		exceptions.Panicf("graph %q takes %d parameters, %d given to Run", g.name, len(g.params), len(params))
	}
	ctx := &ExecContext{Kind: g.kind, Alloc: g.alloc}
	values := make(map[NodeId]*backends.Buffer, len(e.schedule))

	for _, node := range e.schedule {
		switch {
		case node.IsParameter():
			param := params[node.paramHandle]
			if !param.Shape().Equal(node.shape) {
				exceptions.Panicf("graph %q: parameter %d has shape %s, expected %s",
					g.name, node.paramHandle, param.Shape(), node.shape)
			}
			values[node.id] = e.upload(ctx, param)
		case node.constant != nil:
			values[node.id] = e.upload(ctx, node.constant)
		default:
			inputs := make([]*backends.Buffer, len(node.inputs))
			for i, input := range node.inputs {
				inputs[i] = values[input.id]
			}
			out, err := e.execFns[node.id](ctx, inputs)
			if err != nil {
				panic(errors.WithMessagef(err, "graph %q: executing node %s", g.name, node))
			}
			values[node.id] = out
		}
	}

	results := make([]*backends.Buffer, len(e.outputs))
	for i, out := range e.outputs {
		results[i] = e.download(ctx, values[out.id])
	}
	return results
}

func (e *Executable) upload(ctx *ExecContext, b *backends.Buffer) *backends.Buffer {
	if ctx.Kind != backends.KindDevice || b.OnDevice() {
		return b
	}
	dev := ctx.Alloc.AllocDevice(b.Shape())
	ctx.Alloc.CopyToDevice(dev, b)
	return dev
}

func (e *Executable) download(ctx *ExecContext, b *backends.Buffer) *backends.Buffer {
	if !b.OnDevice() {
		return b
	}
	host := ctx.Alloc.AllocHost(b.Shape())
	ctx.Alloc.CopyToHost(host, b)
	return host
}

// String converts the Graph to a multi-line listing of its nodes.
func (g *Graph) String() string {
	parts := []string{fmt.Sprintf("Graph %q: %d nodes, %d parameters", g.name, len(g.nodes), len(g.params))}
	for _, node := range g.nodes {
		parts = append(parts, node.String())
	}
	return strings.Join(parts, "\n")
}
