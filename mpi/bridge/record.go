// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
)

// The packed parameter record is the calling convention of the accelerator
// backend: its call interface cannot carry an arbitrary-length pointer array,
// so the lowering rule serializes every static parameter into one contiguous
// block and the bridge deserializes it before dispatching.
//
// Field order and sizes are a byte-for-byte contract between Encode (run by
// the lowering rule) and DecodeRecord (run by the bridge). The layout is
// internal to this package and versioned: it is a data-layout invariant, not
// a wire protocol, and a version mismatch is a bug, never an input error.
//
// Layout, little-endian:
//
//	offset  size  field
//	     0     4  magic "MPIR"
//	     4     4  version
//	     8     4  op (backends.OpType)
//	    12     4  dtype (dtypes.DType)
//	    16     8  countIn (elements)
//	    24     8  countOut (elements)
//	    32     4  dest rank
//	    36     4  source rank
//	    40     4  root rank
//	    44     4  tag
//	    48     4  reduce (comms.ReduceOp)
//	    52     4  padding (zero)
//	    56     8  communicator handle
//	    64     8  input device-buffer handle (0 = no input buffer)
//	    72     8  output device-buffer handle (0 = no output buffer)
const (
	recordMagic   uint32 = 0x4D504952 // "MPIR"
	recordVersion uint32 = 1
	recordSize           = 80
)

// CallRecord is the deserialized form of the packed parameter block.
type CallRecord struct {
	Op       backends.OpType
	DType    dtypes.DType
	CountIn  int
	CountOut int
	Dest     int
	Source   int
	Root     int
	Tag      int
	Reduce   comms.ReduceOp
	Comm     comms.Communicator

	// Device buffers are referred to by the opaque handles of
	// backends.RegisterBuffer: Go pointers cannot travel inside a byte block.
	InHandle  uint64
	OutHandle uint64
}

// Encode serializes the record into a fresh packed parameter block.
func (r *CallRecord) Encode() []byte {
	block := make([]byte, recordSize)
	le := binary.LittleEndian
	le.PutUint32(block[0:], recordMagic)
	le.PutUint32(block[4:], recordVersion)
	le.PutUint32(block[8:], uint32(r.Op))
	le.PutUint32(block[12:], uint32(r.DType))
	le.PutUint64(block[16:], uint64(r.CountIn))
	le.PutUint64(block[24:], uint64(r.CountOut))
	le.PutUint32(block[32:], uint32(int32(r.Dest)))
	le.PutUint32(block[36:], uint32(int32(r.Source)))
	le.PutUint32(block[40:], uint32(int32(r.Root)))
	le.PutUint32(block[44:], uint32(int32(r.Tag)))
	le.PutUint32(block[48:], uint32(int32(r.Reduce)))
	le.PutUint64(block[56:], uint64(r.Comm))
	le.PutUint64(block[64:], r.InHandle)
	le.PutUint64(block[72:], r.OutHandle)
	return block
}

// DecodeRecord deserializes a packed parameter block. It panics on a
// malformed block: the encoder and decoder ship in the same binary, so a
// mismatch is a broken layout contract, not recoverable input.
func DecodeRecord(block []byte) *CallRecord {
	if len(block) != recordSize {
		exceptions.Panicf("bridge: packed parameter block has %d bytes, layout requires %d", len(block), recordSize)
	}
	le := binary.LittleEndian
	if magic := le.Uint32(block[0:]); magic != recordMagic {
		exceptions.Panicf("bridge: packed parameter block has bad magic %#x", magic)
	}
	if version := le.Uint32(block[4:]); version != recordVersion {
		exceptions.Panicf("bridge: packed parameter block version %d, this build understands %d", version, recordVersion)
	}
	return &CallRecord{
		Op:        backends.OpType(le.Uint32(block[8:])),
		DType:     dtypes.DType(le.Uint32(block[12:])),
		CountIn:   int(le.Uint64(block[16:])),
		CountOut:  int(le.Uint64(block[24:])),
		Dest:      int(int32(le.Uint32(block[32:]))),
		Source:    int(int32(le.Uint32(block[36:]))),
		Root:      int(int32(le.Uint32(block[40:]))),
		Tag:       int(int32(le.Uint32(block[44:]))),
		Reduce:    comms.ReduceOp(int32(le.Uint32(block[48:]))),
		Comm:      comms.Communicator(le.Uint64(block[56:])),
		InHandle:  le.Uint64(block[64:]),
		OutHandle: le.Uint64(block[72:]),
	}
}
