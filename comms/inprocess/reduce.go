// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"unsafe"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gopjrt/dtypes"
)

// reduceInto combines one contribution into the accumulator, element-wise:
// acc[i] = acc[i] op in[i]. Both slices hold raw bytes of the given dtype.
func reduceInto(op comms.ReduceOp, dtype dtypes.DType, acc, in []byte) error {
	if len(acc) != len(in) {
		return comms.Errorf("Reduce", 15 /* MPI_ERR_TRUNCATE */, "mismatched contribution sizes: %d vs %d bytes", len(acc), len(in))
	}
	if len(acc) == 0 {
		return nil
	}
	switch dtype {
	case dtypes.Float64:
		a, b := typed[float64](acc), typed[float64](in)
		if op == comms.ReduceOpSum {
			floats.Add(a, b)
			return nil
		}
		return reduceSlice(op, a, b)
	case dtypes.Float32:
		return reduceSlice(op, typed[float32](acc), typed[float32](in))
	case dtypes.Float16:
		return reduceFloat16(op, typed[uint16](acc), typed[uint16](in))
	case dtypes.Int8:
		return reduceSlice(op, typed[int8](acc), typed[int8](in))
	case dtypes.Int16:
		return reduceSlice(op, typed[int16](acc), typed[int16](in))
	case dtypes.Int32:
		return reduceSlice(op, typed[int32](acc), typed[int32](in))
	case dtypes.Int64:
		return reduceSlice(op, typed[int64](acc), typed[int64](in))
	case dtypes.Uint8:
		return reduceSlice(op, typed[uint8](acc), typed[uint8](in))
	case dtypes.Uint16:
		return reduceSlice(op, typed[uint16](acc), typed[uint16](in))
	case dtypes.Uint32:
		return reduceSlice(op, typed[uint32](acc), typed[uint32](in))
	case dtypes.Uint64:
		return reduceSlice(op, typed[uint64](acc), typed[uint64](in))
	case dtypes.Bool:
		return reduceBool(op, acc, in)
	}
	return comms.Errorf("Reduce", 10 /* MPI_ERR_TYPE */, "dtype %s is not reducible", dtype)
}

// typed views raw bytes as a slice of T, zero copy.
func typed[T any](data []byte) []T {
	var t T
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(t)))
}

func reduceSlice[T constraints.Integer | constraints.Float](op comms.ReduceOp, acc, in []T) error {
	switch op {
	case comms.ReduceOpSum:
		for i, v := range in {
			acc[i] += v
		}
	case comms.ReduceOpProduct:
		for i, v := range in {
			acc[i] *= v
		}
	case comms.ReduceOpMax:
		for i, v := range in {
			if v > acc[i] {
				acc[i] = v
			}
		}
	case comms.ReduceOpMin:
		for i, v := range in {
			if v < acc[i] {
				acc[i] = v
			}
		}
	default:
		return comms.Errorf("Reduce", 9 /* MPI_ERR_OP */, "unsupported reduction operator %s", op)
	}
	return nil
}

// reduceFloat16 combines float16 values through float32 arithmetic, the same
// widen-combine-narrow discipline accelerators use for half precision.
func reduceFloat16(op comms.ReduceOp, acc, in []uint16) error {
	for i, bits := range in {
		a := float16.Frombits(acc[i]).Float32()
		b := float16.Frombits(bits).Float32()
		var r float32
		switch op {
		case comms.ReduceOpSum:
			r = a + b
		case comms.ReduceOpProduct:
			r = a * b
		case comms.ReduceOpMax:
			r = max(a, b)
		case comms.ReduceOpMin:
			r = min(a, b)
		default:
			return comms.Errorf("Reduce", 9 /* MPI_ERR_OP */, "unsupported reduction operator %s", op)
		}
		acc[i] = float16.Fromfloat32(r).Bits()
	}
	return nil
}

// reduceBool supports only Max (logical or) and Min (logical and):
// Sum and Product are rejected for booleans at abstract evaluation already,
// and re-rejected here in case a caller reaches the native layer directly.
func reduceBool(op comms.ReduceOp, acc, in []byte) error {
	switch op {
	case comms.ReduceOpMax:
		for i, v := range in {
			if v != 0 {
				acc[i] = 1
			}
		}
	case comms.ReduceOpMin:
		for i, v := range in {
			if v == 0 {
				acc[i] = 0
			}
		}
	default:
		return comms.Errorf("Reduce", 9 /* MPI_ERR_OP */, "reduction operator %s is not defined for booleans", op)
	}
	return nil
}
