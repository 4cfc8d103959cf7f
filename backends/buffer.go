// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gompi/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer describes one graph-runtime buffer: its shape, its memory location
// (host or device) and its base address.
//
// The graph runtime owns the buffer; the native call bridge only borrows it
// for the duration of one native call. The base address is guaranteed valid
// for that duration, so the bridge does no bounds checking of its own.
type Buffer struct {
	shape    shapes.Shape
	onDevice bool
	flat     []byte
	handle   uint64 // Nonzero only for device buffers, see RegisterBuffer.
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// OnDevice reports whether the buffer lives in device memory.
func (b *Buffer) OnDevice() bool { return b.onDevice }

// Handle returns the opaque device-buffer handle, or 0 for host buffers.
func (b *Buffer) Handle() uint64 { return b.handle }

// Ptr returns the base address of the buffer data, or nil for a zero-length
// buffer. For device buffers this is the device address: callers must only
// dereference it if the native library can access device memory.
func (b *Buffer) Ptr() unsafe.Pointer {
	if len(b.flat) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.flat[0])
}

// Bytes returns the raw bytes of a host buffer.
// It panics for device buffers: stage through an Allocator instead.
func (b *Buffer) Bytes() []byte {
	if b.onDevice {
		exceptions.Panicf("Buffer.Bytes called on device buffer (shape=%s): stage it to host first", b.shape)
	}
	return b.flat
}

// NewHost allocates a zero-initialized host buffer of the given shape.
func NewHost(shape shapes.Shape) *Buffer {
	return &Buffer{shape: shape, flat: make([]byte, shape.Memory())}
}

// FromFlat creates a host buffer that is a zero-copy view over the given flat
// slice, with the given dimensions. The dtype is taken from the Go type.
// It panics if the dimensions don't match the slice length.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Buffer {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("backends.FromFlat: shape %s requires %d elements, flat slice has %d",
			shape, shape.Size(), len(flat))
	}
	var data []byte
	if len(flat) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(dtype.Memory()))
	}
	return &Buffer{shape: shape, flat: data}
}

// FromScalar creates a host buffer holding one scalar value.
func FromScalar[T dtypes.Supported](value T) *Buffer {
	return FromFlat([]T{value})
}

// Flat returns a zero-copy typed view over a host buffer's data.
// It panics if T doesn't match the buffer dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	dtype := dtypes.FromGenericsType[T]()
	if b.DType() != dtype {
		exceptions.Panicf("backends.Flat[%s] called on buffer of dtype %s", dtype, b.DType())
	}
	data := b.Bytes()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), b.shape.Size())
}

// Device buffer handle table: accelerator lowerings cannot embed Go pointers
// in the packed parameter record, so device buffers are referred to by opaque
// uint64 handles minted here.
var (
	bufferHandles sync.Map // uint64 -> *Buffer
	nextBufHandle atomic.Uint64
)

// RegisterBuffer assigns an opaque handle to a device buffer.
// Host buffers don't need handles: their base pointers travel directly in the
// pointer-array convention.
func RegisterBuffer(b *Buffer) uint64 {
	if b.handle != 0 {
		return b.handle
	}
	b.handle = nextBufHandle.Add(1)
	bufferHandles.Store(b.handle, b)
	return b.handle
}

// BufferByHandle resolves a device-buffer handle minted by RegisterBuffer.
// It panics on an unknown handle: that is a layout contract violation between
// the lowering rule and the bridge, not a recoverable input error.
func BufferByHandle(handle uint64) *Buffer {
	v, ok := bufferHandles.Load(handle)
	if !ok {
		exceptions.Panicf("backends.BufferByHandle: unknown device buffer handle %d", handle)
	}
	return v.(*Buffer)
}

// DropBuffer removes a handle from the table. The graph runtime calls it when
// it releases the buffer.
func DropBuffer(b *Buffer) {
	if b.handle != 0 {
		bufferHandles.Delete(b.handle)
		b.handle = 0
	}
}
