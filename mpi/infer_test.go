package mpi_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gompi/comms/inprocess"
	"github.com/gomlx/gompi/graph"
	"github.com/gomlx/gompi/mpi"
	"github.com/gomlx/gompi/mpi/bridge"
	"github.com/gomlx/gompi/types/shapes"
)

// requireShapeError asserts that fn panics with a *ShapeError.
func requireShapeError(t *testing.T, fn func()) *mpi.ShapeError {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	var shapeErr *mpi.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	return shapeErr
}

func TestBuildTimeValidation(t *testing.T) {
	w := inprocess.New(4)
	defer w.Close()
	comm := w.Endpoint(0).Comm()

	g := graph.New("validation", backends.KindHost)
	vec := g.Parameter("vec", shapes.Make(dtypes.Float32, 6))
	scalar := g.Parameter("scalar", shapes.Make(dtypes.Float32))
	boolVec := g.Parameter("flags", shapes.Make(dtypes.Bool, 4))

	t.Run("DestOutOfRange", func(t *testing.T) {
		requireShapeError(t, func() { mpi.Send(vec, 4, 0, comm, mpi.Token{}) })
		requireShapeError(t, func() { mpi.Send(vec, -1, 0, comm, mpi.Token{}) })
	})
	t.Run("NegativeTag", func(t *testing.T) {
		requireShapeError(t, func() { mpi.Send(vec, 1, -3, comm, mpi.Token{}) })
	})
	t.Run("RootOutOfRange", func(t *testing.T) {
		requireShapeError(t, func() { mpi.Bcast(vec, 17, comm, mpi.Token{}) })
	})
	t.Run("SendRecvDTypeMismatch", func(t *testing.T) {
		requireShapeError(t, func() {
			mpi.SendRecv(vec, 1, shapes.Make(dtypes.Float64, 6), 1, 0, comm, mpi.Token{})
		})
	})
	t.Run("RecvWithoutShape", func(t *testing.T) {
		requireShapeError(t, func() { mpi.Recv(g, shapes.Invalid(), 1, 0, comm, mpi.Token{}) })
	})
	t.Run("ScatterScalar", func(t *testing.T) {
		requireShapeError(t, func() { mpi.Scatter(scalar, 0, comm, mpi.Token{}) })
	})
	t.Run("ScatterIndivisible", func(t *testing.T) {
		// 6 elements over 4 ranks.
		requireShapeError(t, func() { mpi.Scatter(vec, 0, comm, mpi.Token{}) })
	})
	t.Run("AllToAllIndivisible", func(t *testing.T) {
		requireShapeError(t, func() { mpi.AllToAll(vec, comm, mpi.Token{}) })
	})
	t.Run("BoolSumRejected", func(t *testing.T) {
		requireShapeError(t, func() { mpi.AllReduce(boolVec, comms.ReduceOpSum, comm, mpi.Token{}) })
	})
	t.Run("UndefinedReduceOp", func(t *testing.T) {
		requireShapeError(t, func() { mpi.AllReduce(vec, comms.ReduceOpUndefined, comm, mpi.Token{}) })
	})
	t.Run("UnknownCommunicator", func(t *testing.T) {
		err := exceptions.TryCatch[error](func() {
			mpi.Send(vec, 1, 0, comms.Communicator(123456789), mpi.Token{})
		})
		require.Error(t, err)
	})
}

func TestInferredShapes(t *testing.T) {
	const size = 4
	w := inprocess.New(size)
	defer w.Close()
	comm := w.Endpoint(0).Comm()

	g := graph.New("infer", backends.KindHost)
	matrix := g.Parameter("matrix", shapes.Make(dtypes.Float32, 8, 3))
	scalar := g.Parameter("scalar", shapes.Make(dtypes.Int64))
	token := mpi.Token{}

	part, token := mpi.Scatter(matrix, 0, comm, token)
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), part.Shape())

	whole, token := mpi.Gather(part, 0, comm, token)
	assert.Equal(t, shapes.Make(dtypes.Float32, 8, 3), whole.Shape())

	gathered, token := mpi.AllGather(scalar, comm, token)
	assert.Equal(t, shapes.Make(dtypes.Int64, size), gathered.Shape(),
		"scalars gather into one element per rank")

	exchanged, token := mpi.AllToAll(matrix, comm, token)
	assert.Equal(t, matrix.Shape(), exchanged.Shape())

	reduced, token := mpi.AllReduce(matrix, comms.ReduceOpMax, comm, token)
	assert.Equal(t, matrix.Shape(), reduced.Shape())

	received, _ := mpi.Recv(g, shapes.Make(dtypes.Float16, 5), 1, 3, comm, token)
	assert.Equal(t, shapes.Make(dtypes.Float16, 5), received.Shape())
}

func TestBuildingMovesNoData(t *testing.T) {
	w := inprocess.New(2)
	defer w.Close()
	comm := w.Endpoint(0).Comm()

	var calls int
	bridge.SetInstrumentation(func(bridge.CallInfo) { calls++ })
	defer bridge.SetInstrumentation(nil)

	// Build (but never compile or run) a graph with every operation kind:
	// abstract evaluation alone must not reach the native library.
	g := graph.New("trace-only", backends.KindHost)
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	token := mpi.Send(x, 1, 0, comm, mpi.Token{})
	_, token = mpi.Recv(g, x.Shape(), 1, 0, comm, token)
	_, token = mpi.SendRecv(x, 1, x.Shape(), 1, 0, comm, token)
	_, token = mpi.Bcast(x, 0, comm, token)
	_, token = mpi.Scatter(x, 0, comm, token)
	_, token = mpi.Gather(x, 0, comm, token)
	_, token = mpi.AllGather(x, comm, token)
	_, token = mpi.AllToAll(x, comm, token)
	_, token = mpi.Reduce(x, comms.ReduceOpSum, 0, comm, token)
	_, token = mpi.AllReduce(x, comms.ReduceOpSum, comm, token)
	_, _ = mpi.Scan(x, comms.ReduceOpSum, comm, token)

	assert.Zero(t, calls)
}
