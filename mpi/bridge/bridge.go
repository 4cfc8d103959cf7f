// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package bridge connects compiled communication nodes to the native
// message-passing library. It is the only place where the two calling
// conventions of the backends meet the blocking comms.Native entry points:
//
//   - Host backend: the lowering rule passes an array of raw pointers, one
//     per parameter, pointing straight at the operands (pointer-array
//     convention). CallHost reinterprets them in place, no copies.
//   - Device backend: the lowering rule passes one packed byte block holding
//     all static parameters plus opaque device-buffer handles (packed-record
//     convention, see CallRecord). CallPacked deserializes it.
//
// Both paths meet in dispatch, which issues exactly one blocking native call
// per graph operation. When the native library cannot touch device memory
// (comms.Native.CanAccessDevice is false), the bridge stages operands through
// temporary host buffers around the call; the extra copies are invisible to
// callers except in timing.
package bridge

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
)

// CallFrame is one decoded native call, independent of which calling
// convention delivered it. Exactly one of {In, InPtr} is meaningful per
// convention, same for {Out, OutPtr}: the device path carries buffers (so the
// bridge can stage them), the host path carries raw addresses.
type CallFrame struct {
	Op       backends.OpType
	DType    dtypes.DType
	CountIn  int // Elements sent (or contributed) by this rank.
	CountOut int // Elements received by this rank.
	Dest     int
	Source   int
	Root     int
	Tag      int
	Reduce   comms.ReduceOp
	Comm     comms.Communicator

	In, Out       *backends.Buffer // Device path.
	InPtr, OutPtr unsafe.Pointer   // Host path.
}

// Pointer-array argument layout of the host calling convention. The lowering
// rule and CallHost must agree on these positions: ArgOp through ArgReduce
// point at int64 values, ArgComm at a uint64, and ArgInPtr/ArgOutPtr are the
// operand base addresses themselves.
const (
	ArgOp = iota
	ArgDType
	ArgCountIn
	ArgCountOut
	ArgDest
	ArgSource
	ArgRoot
	ArgTag
	ArgReduce
	ArgComm
	ArgInPtr
	ArgOutPtr
	NumHostArgs
)

// CallHost performs one native call described by a pointer-array argument
// list. Static arguments are reinterpreted in place, no copies; ArgInPtr and
// ArgOutPtr are nil when the operation has no data input or output.
func CallHost(args []unsafe.Pointer) error {
	if len(args) != NumHostArgs {
		return errors.Errorf("bridge: host call has %d arguments, convention requires %d", len(args), NumHostArgs)
	}
	asInt := func(i int) int { return int(*(*int64)(args[i])) }
	frame := &CallFrame{
		Op:       backends.OpType(asInt(ArgOp)),
		DType:    dtypes.DType(asInt(ArgDType)),
		CountIn:  asInt(ArgCountIn),
		CountOut: asInt(ArgCountOut),
		Dest:     asInt(ArgDest),
		Source:   asInt(ArgSource),
		Root:     asInt(ArgRoot),
		Tag:      asInt(ArgTag),
		Reduce:   comms.ReduceOp(asInt(ArgReduce)),
		Comm:     comms.Communicator(*(*uint64)(args[ArgComm])),
		InPtr:    args[ArgInPtr],
		OutPtr:   args[ArgOutPtr],
	}
	return Call(nil, frame)
}

// CallPacked performs one native call described by a packed parameter block.
// The allocator is needed to stage device buffers through host memory when
// the native library cannot access device addresses.
func CallPacked(alloc backends.Allocator, block []byte) error {
	rec := DecodeRecord(block)
	frame := &CallFrame{
		Op:       rec.Op,
		DType:    rec.DType,
		CountIn:  rec.CountIn,
		CountOut: rec.CountOut,
		Dest:     rec.Dest,
		Source:   rec.Source,
		Root:     rec.Root,
		Tag:      rec.Tag,
		Reduce:   rec.Reduce,
		Comm:     rec.Comm,
	}
	if rec.InHandle != 0 {
		frame.In = backends.BufferByHandle(rec.InHandle)
	}
	if rec.OutHandle != 0 {
		frame.Out = backends.BufferByHandle(rec.OutHandle)
	}
	return Call(alloc, frame)
}

// Call resolves the communicator and issues the single blocking native call a
// frame describes. alloc may be nil if the frame carries no device buffers.
func Call(alloc backends.Allocator, frame *CallFrame) error {
	native, err := comms.Resolve(frame.Comm)
	if err != nil {
		return err
	}

	inPtr, outPtr := frame.InPtr, frame.OutPtr
	needStage := func(b *backends.Buffer) bool {
		return b.OnDevice() && !native.CanAccessDevice()
	}
	var stagedOut *backends.Buffer
	if frame.In != nil {
		if needStage(frame.In) {
			stagedIn := alloc.AllocHost(frame.In.Shape())
			alloc.CopyToHost(stagedIn, frame.In)
			inPtr = stagedIn.Ptr()
		} else {
			inPtr = frame.In.Ptr()
		}
	}
	if frame.Out != nil {
		if needStage(frame.Out) {
			stagedOut = alloc.AllocHost(frame.Out.Shape())
			outPtr = stagedOut.Ptr()
		} else {
			outPtr = frame.Out.Ptr()
		}
	}

	start := now()
	err = dispatch(native, frame, inPtr, outPtr)
	observe(frame, start)
	if err != nil {
		return err
	}

	if stagedOut != nil {
		alloc.CopyToDevice(frame.Out, stagedOut)
	}
	return nil
}

// dispatch maps one frame onto the corresponding comms.Native entry point.
func dispatch(native comms.Native, frame *CallFrame, inPtr, outPtr unsafe.Pointer) error {
	dtype := frame.DType
	switch frame.Op {
	case backends.OpTypeSend:
		return native.Send(inPtr, frame.CountIn, dtype, frame.Dest, frame.Tag)
	case backends.OpTypeRecv:
		return native.Recv(outPtr, frame.CountOut, dtype, frame.Source, frame.Tag)
	case backends.OpTypeSendRecv:
		return native.Sendrecv(inPtr, frame.CountIn, frame.Dest,
			outPtr, frame.CountOut, frame.Source, dtype, frame.Tag)
	case backends.OpTypeBcast:
		// The native entry point broadcasts in place; the graph is functional,
		// so this rank's contribution is first copied into the output operand.
		copyOperand(outPtr, inPtr, frame.CountIn, dtype)
		return native.Bcast(outPtr, frame.CountIn, dtype, frame.Root)
	case backends.OpTypeScatter:
		return native.Scatter(inPtr, outPtr, frame.CountOut, dtype, frame.Root)
	case backends.OpTypeGather:
		return native.Gather(inPtr, frame.CountIn, outPtr, dtype, frame.Root)
	case backends.OpTypeAllGather:
		return native.Allgather(inPtr, frame.CountIn, outPtr, dtype)
	case backends.OpTypeAllToAll:
		return native.Alltoall(inPtr, outPtr, frame.CountIn/native.Size(), dtype)
	case backends.OpTypeReduce:
		return native.Reduce(inPtr, outPtr, frame.CountIn, dtype, frame.Reduce, frame.Root)
	case backends.OpTypeAllReduce:
		return native.Allreduce(inPtr, outPtr, frame.CountIn, dtype, frame.Reduce)
	case backends.OpTypeScan:
		return native.Scan(inPtr, outPtr, frame.CountIn, dtype, frame.Reduce)
	}
	return errors.Errorf("bridge: no native dispatch for operation %s", frame.Op)
}

func copyOperand(dst, src unsafe.Pointer, count int, dtype dtypes.DType) {
	if count == 0 || dst == src {
		return
	}
	n := count * int(dtype.Memory())
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
