package mpi

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/types/shapes"
)

func TestLoweringRejectsUnknownBackendKind(t *testing.T) {
	p := &OpParams{Type: backends.OpTypeSend, Dest: 0}
	lower := Lookup(backends.OpTypeSend).lowerFn(p, shapes.Make(dtypes.Float32, 4), tokenShape)

	err := exceptions.TryCatch[error](func() { lower(backends.Kind(99)) })
	require.Error(t, err)
	var unsupported *UnsupportedBackendError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, backends.OpTypeSend, unsupported.Op)
}

func TestEveryPrimitiveLowersOnBothKinds(t *testing.T) {
	for _, op := range backends.OpTypeValues() {
		if op == backends.OpTypeInvalid {
			continue
		}
		prim := Lookup(op)
		assert.Contains(t, prim.Lowerings, backends.KindHost, "%s", op)
		assert.Contains(t, prim.Lowerings, backends.KindDevice, "%s", op)
	}
}

func TestCallShapeDirections(t *testing.T) {
	operand := shapes.Make(dtypes.Float64, 8)

	cs := newCallShape(&OpParams{Type: backends.OpTypeSend}, operand, tokenShape)
	assert.True(t, cs.dataIn)
	assert.False(t, cs.dataOut, "Send produces only the token")
	assert.EqualValues(t, 8, cs.countIn)
	assert.EqualValues(t, 0, cs.countOut)

	cs = newCallShape(&OpParams{Type: backends.OpTypeRecv}, shapes.Invalid(), operand)
	assert.False(t, cs.dataIn, "Recv consumes only the token")
	assert.True(t, cs.dataOut)
	assert.EqualValues(t, 0, cs.countIn)
	assert.EqualValues(t, 8, cs.countOut)
	assert.EqualValues(t, dtypes.Float64, cs.dtype64)
}
