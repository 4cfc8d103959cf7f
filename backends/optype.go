// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package backends

// OpType is an enum of the communication operations supported as graph
// primitives. The set is fixed: adding an operation means registering a new
// primitive descriptor plus per-backend lowering rules, never changing the
// ordering or bridging mechanisms.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota

	// Point-to-point operations.

	OpTypeSend
	OpTypeRecv
	OpTypeSendRecv

	// Collective operations.

	OpTypeBcast
	OpTypeScatter
	OpTypeGather
	OpTypeAllGather
	OpTypeAllToAll
	OpTypeReduce
	OpTypeAllReduce
	OpTypeScan
)

// IsPointToPoint reports whether the operation involves exactly two ranks.
func (op OpType) IsPointToPoint() bool {
	return op == OpTypeSend || op == OpTypeRecv || op == OpTypeSendRecv
}

// IsReduction reports whether the operation applies a reduction operator.
func (op OpType) IsReduction() bool {
	return op == OpTypeReduce || op == OpTypeAllReduce || op == OpTypeScan
}

// HasRoot reports whether the operation takes a root rank parameter.
func (op OpType) HasRoot() bool {
	return op == OpTypeBcast || op == OpTypeScatter || op == OpTypeGather || op == OpTypeReduce
}
