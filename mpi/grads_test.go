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
	"github.com/gomlx/gompi/types/shapes"
)

// The adjoint of a Send is a Recv of the cotangent from the destination, and
// vice versa: every rank must build the gradient of its side of the exchange
// for the adjoint communications to pair up.
func TestGradientSendRecvPair(t *testing.T) {
	w := inprocess.New(2)
	defer w.Close()
	w.Run(func(rank int, ep *inprocess.Endpoint) {
		comm := ep.Comm()
		switch rank {
		case 0:
			g := graph.New("grad-sender", backends.KindHost)
			x := g.Parameter("x", shapes.Make(dtypes.Float64, 3))
			token := mpi.Send(x, 1, 0, comm, mpi.Token{})
			// Passing the primal token chains the adjoint program after the
			// primal one, and keeps the primal Send reachable from the grads.
			grads, _ := mpi.Gradient(token.Node(), token, x)
			results := g.Compile(grads[0]).Run(backends.FromFlat([]float64{5, 5, 5}, 3))
			assert.Equal(t, []float64{1, 1, 1}, backends.Flat[float64](results[0]),
				"the destination's seed cotangent flows back to the sent operand")
		case 1:
			g := graph.New("grad-receiver", backends.KindHost)
			y, token := mpi.Recv(g, shapes.Make(dtypes.Float64, 3), 0, 0, comm, mpi.Token{})
			_, adjointToken := mpi.Gradient(y, token)
			// The adjoint Send only survives through its token.
			g.Compile(y, adjointToken.Node()).Run()
		}
	})
}

// AllReduce-Sum is its own adjoint: the gradient of the reduced value is the
// cotangent reduced the same way, so seeding with ones yields the world size.
func TestGradientAllReduceSum(t *testing.T) {
	const size = 4
	w := inprocess.New(size)
	defer w.Close()
	w.Run(func(rank int, ep *inprocess.Endpoint) {
		g := graph.New("grad-allreduce", backends.KindHost)
		x := g.Parameter("x", shapes.Make(dtypes.Float64, 2))
		y, token := mpi.AllReduce(x, comms.ReduceOpSum, ep.Comm(), mpi.Token{})
		grads, _ := mpi.Gradient(y, token, x)
		results := g.Compile(y, grads[0]).Run(backends.FromFlat([]float64{float64(rank), 1}, 2))

		assert.Equal(t, []float64{6, 4}, backends.Flat[float64](results[0]))
		assert.Equal(t, []float64{4, 4}, backends.Flat[float64](results[1]))
	})
}

// Forward mode: tangents travel through the same communication pattern as
// the primal values.
func TestJVPSendRecv(t *testing.T) {
	w := inprocess.New(2)
	defer w.Close()
	w.Run(func(rank int, ep *inprocess.Endpoint) {
		comm := ep.Comm()
		switch rank {
		case 0:
			g := graph.New("jvp-sender", backends.KindHost)
			x := g.Parameter("x", shapes.Make(dtypes.Float32, 2))
			dx := g.Constant(backends.FromFlat([]float32{10, 20}, 2))
			token := mpi.Send(x, 1, 0, comm, mpi.Token{})
			_, tangentToken := mpi.JVP(token.Node(), dx, token)
			g.Compile(tangentToken.Node()).Run(backends.FromFlat([]float32{1, 2}, 2))
		case 1:
			g := graph.New("jvp-receiver", backends.KindHost)
			y, token := mpi.Recv(g, shapes.Make(dtypes.Float32, 2), 0, 0, comm, mpi.Token{})
			dy, _ := mpi.JVP(y, nil, token)
			results := g.Compile(y, dy).Run()
			assert.Equal(t, []float32{1, 2}, backends.Flat[float32](results[0]))
			assert.Equal(t, []float32{10, 20}, backends.Flat[float32](results[1]))
		}
	})
}

func TestGradientNotDifferentiable(t *testing.T) {
	w := inprocess.New(1)
	defer w.Close()
	comm := w.Endpoint(0).Comm()

	requireNotDifferentiable := func(t *testing.T, fn func()) {
		t.Helper()
		err := exceptions.TryCatch[error](fn)
		require.Error(t, err)
		var notDiff *mpi.NotDifferentiableError
		require.ErrorAs(t, err, &notDiff)
	}

	t.Run("Bcast", func(t *testing.T) {
		g := graph.New("grad-bcast", backends.KindHost)
		x := g.Parameter("x", shapes.Make(dtypes.Float32, 2))
		y, _ := mpi.Bcast(x, 0, comm, mpi.Token{})
		requireNotDifferentiable(t, func() { mpi.Gradient(y, mpi.Token{}, x) })
	})

	t.Run("AllReduceMax", func(t *testing.T) {
		g := graph.New("grad-allreduce-max", backends.KindHost)
		x := g.Parameter("x", shapes.Make(dtypes.Float32, 2))
		y, _ := mpi.AllReduce(x, comms.ReduceOpMax, comm, mpi.Token{})
		requireNotDifferentiable(t, func() { mpi.Gradient(y, mpi.Token{}, x) })
	})
}

// A Gradient emitted on every rank threads one adjoint token chain in
// reverse primal order, so two stacked exchanges unwind without deadlock.
func TestGradientAdjointOrdering(t *testing.T) {
	w := inprocess.New(2)
	defer w.Close()
	w.Run(func(rank int, ep *inprocess.Endpoint) {
		comm := ep.Comm()
		peer := 1 - rank
		g := graph.New("grad-two-hops", backends.KindHost)
		x := g.Parameter("x", shapes.Make(dtypes.Float64, 1))

		// Primal: send mine with tag 0, receive theirs with tag 0, then the
		// same again with tag 1. Reverse mode emits the four adjoints in
		// reverse, which is the only order that pairs up across ranks.
		token := mpi.Send(x, peer, 0, comm, mpi.Token{})
		y1, token := mpi.Recv(g, x.Shape(), peer, 0, comm, token)
		token = mpi.Send(y1, peer, 1, comm, token)
		y2, token := mpi.Recv(g, x.Shape(), peer, 1, comm, token)

		grads, _ := mpi.Gradient(y2, token, x)
		results := g.Compile(y2, grads[0]).Run(backends.FromFlat([]float64{float64(rank + 1)}, 1))

		// y2 is this rank's own value after two round trips.
		assert.Equal(t, []float64{float64(rank + 1)}, backends.Flat[float64](results[0]))
		// dy2/dx == 1: the seed survives the two adjoint round trips.
		assert.Equal(t, []float64{1}, backends.Flat[float64](results[1]))
	})
}
