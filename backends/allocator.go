// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gompi/types/shapes"
)

// Allocator is the upstream (graph runtime) contract for buffer allocation
// and host<->device staging copies.
//
// The bridge uses it in exactly two situations: allocating output buffers
// during lowering, and staging inputs/outputs through host memory when the
// native library cannot act on device addresses directly.
type Allocator interface {
	// AllocHost returns a zero-initialized host buffer.
	AllocHost(shape shapes.Shape) *Buffer

	// AllocDevice returns a zero-initialized device buffer, registered in the
	// device-buffer handle table.
	AllocDevice(shape shapes.Shape) *Buffer

	// CopyToHost copies a device buffer into a host buffer of the same shape.
	CopyToHost(dst, src *Buffer)

	// CopyToDevice copies a host buffer into a device buffer of the same shape.
	CopyToDevice(dst, src *Buffer)
}

// SliceAllocator is the default Allocator. It simulates device memory with
// separately tracked host allocations, which is enough for the host backend
// and for exercising the staging paths of the accelerator backend.
//
// It counts staging copies so tests can assert the zero-copy happy path.
type SliceAllocator struct {
	deviceToHost atomic.Int64
	hostToDevice atomic.Int64
}

var _ Allocator = (*SliceAllocator)(nil)

// NewSliceAllocator returns a fresh SliceAllocator with zeroed copy counters.
func NewSliceAllocator() *SliceAllocator { return &SliceAllocator{} }

// AllocHost implements Allocator.
func (a *SliceAllocator) AllocHost(shape shapes.Shape) *Buffer {
	return NewHost(shape)
}

// AllocDevice implements Allocator.
func (a *SliceAllocator) AllocDevice(shape shapes.Shape) *Buffer {
	b := &Buffer{shape: shape, onDevice: true, flat: make([]byte, shape.Memory())}
	RegisterBuffer(b)
	return b
}

// CopyToHost implements Allocator.
func (a *SliceAllocator) CopyToHost(dst, src *Buffer) {
	checkStagingPair(src, dst, true)
	copy(dst.flat, src.flat)
	a.deviceToHost.Add(1)
}

// CopyToDevice implements Allocator.
func (a *SliceAllocator) CopyToDevice(dst, src *Buffer) {
	checkStagingPair(dst, src, false)
	copy(dst.flat, src.flat)
	a.hostToDevice.Add(1)
}

// DeviceToHostCopies returns how many D2H staging copies happened.
func (a *SliceAllocator) DeviceToHostCopies() int64 { return a.deviceToHost.Load() }

// HostToDeviceCopies returns how many H2D staging copies happened.
func (a *SliceAllocator) HostToDeviceCopies() int64 { return a.hostToDevice.Load() }

func checkStagingPair(device, host *Buffer, toHost bool) {
	direction := "CopyToDevice"
	if toHost {
		direction = "CopyToHost"
	}
	if !device.onDevice || host.onDevice {
		exceptions.Panicf("SliceAllocator.%s: expects one device and one host buffer", direction)
	}
	if !device.shape.Equal(host.shape) {
		exceptions.Panicf("SliceAllocator.%s: mismatched shapes %s vs %s", direction, device.shape, host.shape)
	}
}
