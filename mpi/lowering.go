// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"unsafe"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/mpi/bridge"
	"github.com/gomlx/gompi/types/shapes"
)

// Lowering rules. All primitives share the same two rules because the native
// call is uniform: what varies per backend kind is only the calling
// convention used to hand the parameters to the bridge.
//
//   - Host: every parameter travels as one entry of a pointer array, with
//     operand base addresses passed directly (zero copy).
//   - Device: static parameters and opaque device-buffer handles are packed
//     into a single byte block (see bridge.CallRecord); the bridge stages
//     operands through host memory only when the native library cannot
//     access device addresses.

func standardLowerings() map[backends.Kind]LoweringFn {
	return map[backends.Kind]LoweringFn{
		backends.KindHost:   hostLowering,
		backends.KindDevice: deviceLowering,
	}
}

// callShape captures what both conventions need from the frozen shapes:
// the element dtype and the per-direction element counts. Send has no data
// output (its value is the token), Recv has no data input.
type callShape struct {
	dataIn, dataOut  bool
	countIn, dtype64 int64
	countOut         int64
}

func newCallShape(p *OpParams, operand, output shapes.Shape) callShape {
	cs := callShape{
		dataIn:  p.Type != backends.OpTypeRecv,
		dataOut: p.Type != backends.OpTypeSend,
	}
	if cs.dataIn {
		cs.countIn = int64(operand.Size())
		cs.dtype64 = int64(operand.DType)
	}
	if cs.dataOut {
		cs.countOut = int64(output.Size())
		cs.dtype64 = int64(output.DType)
	}
	return cs
}

func hostLowering(p *OpParams, operand, output shapes.Shape) graph.ExecFn {
	cs := newCallShape(p, operand, output)
	return func(ctx *graph.ExecContext, inputs []*backends.Buffer) (*backends.Buffer, error) {
		statics := [...]int64{
			bridge.ArgOp:       int64(p.Type),
			bridge.ArgDType:    cs.dtype64,
			bridge.ArgCountIn:  cs.countIn,
			bridge.ArgCountOut: cs.countOut,
			bridge.ArgDest:     int64(p.Dest),
			bridge.ArgSource:   int64(p.Source),
			bridge.ArgRoot:     int64(p.Root),
			bridge.ArgTag:      int64(p.Tag),
			bridge.ArgReduce:   int64(p.Reduce),
		}
		comm := uint64(p.Comm)

		args := make([]unsafe.Pointer, bridge.NumHostArgs)
		for i := range statics {
			args[i] = unsafe.Pointer(&statics[i])
		}
		args[bridge.ArgComm] = unsafe.Pointer(&comm)

		out := ctx.Alloc.AllocHost(output)
		if cs.dataIn {
			args[bridge.ArgInPtr] = inputs[0].Ptr()
		}
		if cs.dataOut {
			args[bridge.ArgOutPtr] = out.Ptr()
		}
		if err := bridge.CallHost(args); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func deviceLowering(p *OpParams, operand, output shapes.Shape) graph.ExecFn {
	cs := newCallShape(p, operand, output)
	return func(ctx *graph.ExecContext, inputs []*backends.Buffer) (*backends.Buffer, error) {
		rec := &bridge.CallRecord{
			Op:       p.Type,
			DType:    output.DType,
			CountIn:  int(cs.countIn),
			CountOut: int(cs.countOut),
			Dest:     p.Dest,
			Source:   p.Source,
			Root:     p.Root,
			Tag:      p.Tag,
			Reduce:   p.Reduce,
			Comm:     p.Comm,
		}
		if cs.dataIn {
			rec.DType = operand.DType
			rec.InHandle = backends.RegisterBuffer(inputs[0])
		}
		var out *backends.Buffer
		if cs.dataOut {
			out = ctx.Alloc.AllocDevice(output)
			rec.OutHandle = out.Handle()
		} else {
			// Send produces only the dependency token, which lives on host.
			out = ctx.Alloc.AllocHost(output)
		}
		if err := bridge.CallPacked(ctx.Alloc, rec.Encode()); err != nil {
			return nil, err
		}
		return out, nil
	}
}
