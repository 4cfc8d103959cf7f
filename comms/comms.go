// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package comms defines the downstream contract with the native
// message-passing library: the blocking point-to-point and collective entry
// points, the opaque Communicator handle, and the reduction operators.
//
// The native library owns all process-wide communication state (ranks,
// groups, transports). This package never caches or duplicates that state: a
// Communicator is an opaque handle resolved through a process-global table
// the native library populates, mirroring how MPI communicators are global
// handles into library-owned state.
//
// All calls are synchronous and blocking. A Recv with no matching Send blocks
// indefinitely: deadlock from mismatched pairing or inconsistent collective
// participation is a caller responsibility and is deliberately not detected
// here (no timeouts, no retries).
package comms

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Communicator is an opaque handle to a native-library communication group:
// the set of participating processes and their ranks.
//
// It is minted by the native library (see Register) and passed through this
// subsystem unchanged. All processes participating in one operation instance
// must pass the same communicator.
type Communicator uint64

// ReduceOp selects the reduction operator of Reduce, AllReduce and Scan.
type ReduceOp int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOp = iota

	// ReduceOpSum reduces by summing all elements.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin
)

//go:generate go tool enumer -type ReduceOp -trimprefix=ReduceOp -output=gen_reduceop_enumer.go comms.go

// Native is the set of blocking entry points the native message-passing
// library must expose. Buffers are raw base addresses plus element counts:
// the wire format, collective algorithms and transport are entirely the
// native library's.
//
// One Native value represents one endpoint (one rank) on one communicator.
// On a real MPI binding every endpoint in the process resolves to the same
// cgo-backed implementation; the in-process implementation (package
// inprocess) hands each rank goroutine its own endpoint.
type Native interface {
	// Rank of this endpoint within the communicator.
	Rank() int

	// Size is the number of participating processes in the communicator.
	Size() int

	// Send count elements of dtype starting at ptr to rank dest.
	Send(ptr unsafe.Pointer, count int, dtype dtypes.DType, dest, tag int) error

	// Recv count elements of dtype into ptr from rank source.
	Recv(ptr unsafe.Pointer, count int, dtype dtypes.DType, source, tag int) error

	// Sendrecv combines one send and one receive in a single blocking call.
	Sendrecv(sendPtr unsafe.Pointer, sendCount int, dest int,
		recvPtr unsafe.Pointer, recvCount int, source int,
		dtype dtypes.DType, tag int) error

	// Bcast broadcasts count elements from root's ptr into every rank's ptr.
	Bcast(ptr unsafe.Pointer, count int, dtype dtypes.DType, root int) error

	// Scatter splits root's sendPtr into equal parts of recvCount elements,
	// delivering the i-th part to rank i.
	Scatter(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, recvCount int, dtype dtypes.DType, root int) error

	// Gather collects sendCount elements from every rank into root's recvPtr,
	// in rank order. Non-root recvPtr is ignored.
	Gather(sendPtr unsafe.Pointer, sendCount int, recvPtr unsafe.Pointer, dtype dtypes.DType, root int) error

	// Allgather is Gather delivered to every rank.
	Allgather(sendPtr unsafe.Pointer, sendCount int, recvPtr unsafe.Pointer, dtype dtypes.DType) error

	// Alltoall sends the i-th block of blockCount elements to rank i and
	// stores the block received from rank j at position j.
	Alltoall(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, blockCount int, dtype dtypes.DType) error

	// Reduce element-wise reduces count elements across ranks into root's
	// recvPtr. Non-root recvPtr is ignored.
	Reduce(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op ReduceOp, root int) error

	// Allreduce is Reduce delivered to every rank.
	Allreduce(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op ReduceOp) error

	// Scan computes the inclusive prefix reduction: rank r receives the
	// reduction of ranks 0..r.
	Scan(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op ReduceOp) error

	// CanAccessDevice reports whether the library can act directly on device
	// memory addresses. When false, the bridge stages buffers through host
	// memory around each call.
	CanAccessDevice() bool
}

// NativeCallError reports a non-success status from the native library. It is
// propagated to the caller unchanged: no recovery, no retry.
type NativeCallError struct {
	Op   string // Which entry point failed, e.g. "Recv".
	Code int    // Native status code.
	Msg  string
}

// Error implements the error interface.
func (e *NativeCallError) Error() string {
	return fmt.Sprintf("native %s call failed with code %d: %s", e.Op, e.Code, e.Msg)
}

// Errorf creates a *NativeCallError with a stack trace attached.
func Errorf(op string, code int, format string, args ...any) error {
	return errors.WithStack(&NativeCallError{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)})
}

// Process-global communicator table. The native library registers endpoints
// here and this subsystem treats the handles as read-only, externally
// synchronized values.
var (
	commTable  sync.Map // Communicator -> Native
	nextHandle atomic.Uint64
)

// Register mints a new Communicator handle bound to the given endpoint.
func Register(endpoint Native) Communicator {
	c := Communicator(nextHandle.Add(1))
	commTable.Store(c, endpoint)
	return c
}

// Resolve returns the endpoint bound to a communicator handle.
func Resolve(c Communicator) (Native, error) {
	v, ok := commTable.Load(c)
	if !ok {
		return nil, errors.Errorf("unknown communicator handle %d: not registered by any native library", c)
	}
	return v.(Native), nil
}

// Unregister drops a communicator handle. Called by the native library when
// the group is freed; this subsystem never calls it.
func Unregister(c Communicator) {
	commTable.Delete(c)
}
