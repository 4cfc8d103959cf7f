// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package backends models the execution backends of the graph runtime that
// communication primitives are lowered to.
//
// Two lowering conventions exist and they differ in how arguments reach the
// native call bridge:
//
//   - Host: the general-purpose CPU backend. Arguments arrive as an array of
//     opaque pointers, one per logical argument, which the bridge
//     reinterprets in place (zero copies).
//   - Device: the accelerator backend. Arguments arrive packed in a single
//     contiguous byte block, because the accelerator call convention does not
//     support arbitrary-length pointer arrays.
//
// The package also defines Buffer, the descriptor of a graph-runtime buffer
// (base address + shape + memory location), and Allocator, the upstream
// contract used for output allocation and host<->device staging copies.
//
// To simplify error handling, functions panic with a stack trace in case of
// errors. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Kind identifies the lowering convention of an execution backend.
type Kind int

const (
	// KindInvalid is the zero value, not a usable backend.
	KindInvalid Kind = iota

	// KindHost is the general-purpose CPU backend: pointer-array calling
	// convention, buffers in host memory.
	KindHost

	// KindDevice is the accelerator backend: packed-record calling
	// convention, buffers in device memory.
	KindDevice
)

//go:generate go tool enumer -type Kind -trimprefix=Kind -output=gen_kind_enumer.go backends.go

// DeviceNum represents which device holds a buffer or should execute a
// computation. It is up to the backend to interpret it.
type DeviceNum int

// GOMPI_BACKEND is the environment variable selecting the default backend
// kind: "host" or "device" (case-insensitive). Empty selects KindHost.
const GOMPI_BACKEND = "GOMPI_BACKEND"

// DefaultConfig overrides the environment when non-empty.
// See KindFromEnv.
var DefaultConfig string

// KindFromEnv returns the default backend kind: DefaultConfig if set,
// otherwise the GOMPI_BACKEND environment variable, otherwise KindHost.
// It panics on an unknown name.
func KindFromEnv() Kind {
	config := DefaultConfig
	if config == "" {
		config = os.Getenv(GOMPI_BACKEND)
	}
	switch strings.ToLower(config) {
	case "", "host", "cpu":
		return KindHost
	case "device", "accelerator":
		return KindDevice
	}
	exceptions.Panicf("unknown backend kind %q given in $%s (or backends.DefaultConfig)", config, GOMPI_BACKEND)
	return KindInvalid
}
