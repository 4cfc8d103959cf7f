package inprocess

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gopjrt/dtypes"
)

func ptrOf[T any](s []T) unsafe.Pointer {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

func TestSendRecvRoundTrip(t *testing.T) {
	w := New(2)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		switch rank {
		case 0:
			data := []float64{1.0, 2.0, 3.0, 4.0}
			require.NoError(t, ep.Send(ptrOf(data), 4, dtypes.Float64, 1, 7))
		case 1:
			got := make([]float64, 4)
			require.NoError(t, ep.Recv(ptrOf(got), 4, dtypes.Float64, 0, 7))
			assert.Equal(t, []float64{1.0, 2.0, 3.0, 4.0}, got)
		}
	})
}

func TestSendRecvAllDTypes(t *testing.T) {
	w := New(2)
	defer w.Close()

	roundTrip := func(t *testing.T, dtype dtypes.DType, payload []byte) {
		w.Run(func(rank int, ep *Endpoint) {
			count := len(payload) / int(dtype.Memory())
			switch rank {
			case 0:
				require.NoError(t, ep.Send(ptrOf(payload), count, dtype, 1, 0))
			case 1:
				got := make([]byte, len(payload))
				require.NoError(t, ep.Recv(ptrOf(got), count, dtype, 0, 0))
				assert.Equal(t, payload, got, "dtype %s must round-trip bit-exact", dtype)
			}
		})
	}

	for _, dtype := range []dtypes.DType{
		dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.Float32, dtypes.Float64,
	} {
		payload := make([]byte, 8*int(dtype.Memory()))
		for i := range payload {
			payload[i] = byte(i*37 + 11)
		}
		t.Run(dtype.String(), func(t *testing.T) { roundTrip(t, dtype, payload) })
	}

	t.Run("ZeroLength", func(t *testing.T) { roundTrip(t, dtypes.Float32, nil) })
}

func TestTagMatchingOutOfOrder(t *testing.T) {
	w := New(2)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		switch rank {
		case 0:
			first := []int32{1}
			second := []int32{2}
			require.NoError(t, ep.Send(ptrOf(first), 1, dtypes.Int32, 1, 10))
			require.NoError(t, ep.Send(ptrOf(second), 1, dtypes.Int32, 1, 20))
		case 1:
			// Receive in reverse tag order: matching must skip the queued
			// tag-10 message and deliver tag 20 first.
			got := make([]int32, 1)
			require.NoError(t, ep.Recv(ptrOf(got), 1, dtypes.Int32, 0, 20))
			assert.Equal(t, int32(2), got[0])
			require.NoError(t, ep.Recv(ptrOf(got), 1, dtypes.Int32, 0, 10))
			assert.Equal(t, int32(1), got[0])
		}
	})
}

func TestSendrecvSymmetricExchange(t *testing.T) {
	w := New(2)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		peer := 1 - rank
		send := []int64{int64(rank) * 100}
		got := make([]int64, 1)
		require.NoError(t, ep.Sendrecv(ptrOf(send), 1, peer, ptrOf(got), 1, peer, dtypes.Int64, 3))
		assert.Equal(t, int64(peer)*100, got[0])
	})
}

func TestBcast(t *testing.T) {
	w := New(4)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		data := make([]float32, 3)
		if rank == 2 {
			copy(data, []float32{7, 8, 9})
		}
		require.NoError(t, ep.Bcast(ptrOf(data), 3, dtypes.Float32, 2))
		assert.Equal(t, []float32{7, 8, 9}, data)
	})
}

func TestScatterGather(t *testing.T) {
	w := New(4)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		var full []int32
		if rank == 0 {
			full = []int32{0, 1, 2, 3, 4, 5, 6, 7}
		}
		part := make([]int32, 2)
		require.NoError(t, ep.Scatter(ptrOf(full), ptrOf(part), 2, dtypes.Int32, 0))
		assert.Equal(t, []int32{int32(2 * rank), int32(2*rank + 1)}, part)

		gathered := make([]int32, 8)
		require.NoError(t, ep.Gather(ptrOf(part), 2, ptrOf(gathered), dtypes.Int32, 0))
		if rank == 0 {
			assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, gathered)
		}
	})
}

func TestAllgather(t *testing.T) {
	w := New(3)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		mine := []uint8{byte(rank)}
		all := make([]uint8, 3)
		require.NoError(t, ep.Allgather(ptrOf(mine), 1, ptrOf(all), dtypes.Uint8))
		assert.Equal(t, []uint8{0, 1, 2}, all)
	})
}

func TestAlltoall(t *testing.T) {
	w := New(3)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		// Rank r sends value 10*r+dest to each dest.
		send := make([]int32, 3)
		for dest := range send {
			send[dest] = int32(10*rank + dest)
		}
		got := make([]int32, 3)
		require.NoError(t, ep.Alltoall(ptrOf(send), ptrOf(got), 1, dtypes.Int32))
		for from := range got {
			assert.Equal(t, int32(10*from+rank), got[from])
		}
	})
}

func TestAllreduceSumOfRanks(t *testing.T) {
	w := New(4)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		mine := []float64{float64(rank)}
		got := make([]float64, 1)
		require.NoError(t, ep.Allreduce(ptrOf(mine), ptrOf(got), 1, dtypes.Float64, comms.ReduceOpSum))
		assert.Equal(t, 6.0, got[0], "sum of ranks 0..3 must be 6 on every rank")
	})
}

func TestReduceOperators(t *testing.T) {
	w := New(3)
	defer w.Close()

	cases := []struct {
		op   comms.ReduceOp
		want int64 // Over contributions 2, 3, 4.
	}{
		{comms.ReduceOpSum, 9},
		{comms.ReduceOpProduct, 24},
		{comms.ReduceOpMax, 4},
		{comms.ReduceOpMin, 2},
	}
	for _, test := range cases {
		t.Run(test.op.String(), func(t *testing.T) {
			w.Run(func(rank int, ep *Endpoint) {
				mine := []int64{int64(rank) + 2}
				got := make([]int64, 1)
				require.NoError(t, ep.Reduce(ptrOf(mine), ptrOf(got), 1, dtypes.Int64, test.op, 1))
				if rank == 1 {
					assert.Equal(t, test.want, got[0])
				}
			})
		})
	}
}

func TestReduceFloat16(t *testing.T) {
	w := New(2)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		mine := []uint16{float16.Fromfloat32(float32(rank) + 1).Bits()}
		got := make([]uint16, 1)
		require.NoError(t, ep.Allreduce(ptrOf(mine), ptrOf(got), 1, dtypes.Float16, comms.ReduceOpSum))
		assert.Equal(t, float32(3), float16.Frombits(got[0]).Float32())
	})
}

func TestReduceBool(t *testing.T) {
	w := New(2)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		mine := []byte{byte(rank)} // false on rank 0, true on rank 1.
		anyTrue := make([]byte, 1)
		require.NoError(t, ep.Allreduce(ptrOf(mine), ptrOf(anyTrue), 1, dtypes.Bool, comms.ReduceOpMax))
		assert.Equal(t, byte(1), anyTrue[0])

		err := ep.Allreduce(ptrOf(mine), ptrOf(anyTrue), 1, dtypes.Bool, comms.ReduceOpSum)
		var nativeErr *comms.NativeCallError
		require.ErrorAs(t, err, &nativeErr)
	})
}

func TestScan(t *testing.T) {
	w := New(4)
	defer w.Close()
	w.Run(func(rank int, ep *Endpoint) {
		mine := []int32{int32(rank) + 1}
		got := make([]int32, 1)
		require.NoError(t, ep.Scan(ptrOf(mine), ptrOf(got), 1, dtypes.Int32, comms.ReduceOpSum))
		// Inclusive prefix of 1,2,3,4.
		want := []int32{1, 3, 6, 10}[rank]
		assert.Equal(t, want, got[0])
	})
}

func TestRankAndTagErrors(t *testing.T) {
	w := New(2)
	defer w.Close()
	ep := w.Endpoint(0)
	data := []int32{1}

	var nativeErr *comms.NativeCallError
	require.ErrorAs(t, ep.Send(ptrOf(data), 1, dtypes.Int32, 5, 0), &nativeErr)
	assert.Equal(t, "Send", nativeErr.Op)
	require.ErrorAs(t, ep.Send(ptrOf(data), 1, dtypes.Int32, 1, -3), &nativeErr)
	require.ErrorAs(t, ep.Recv(ptrOf(data), 1, dtypes.Int32, -1, 0), &nativeErr)
}

func TestCommunicatorResolution(t *testing.T) {
	w := New(2)
	ep := w.Endpoint(1)
	resolved, err := comms.Resolve(ep.Comm())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.(*Endpoint).Rank())

	w.Close()
	_, err = comms.Resolve(ep.Comm())
	require.Error(t, err, "handles are dropped when the world closes")
}

func TestConcurrentWorldsAreIndependent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := New(3)
			defer w.Close()
			w.Run(func(rank int, ep *Endpoint) {
				mine := []int64{int64(rank)}
				got := make([]int64, 1)
				require.NoError(t, ep.Allreduce(ptrOf(mine), ptrOf(got), 1, dtypes.Int64, comms.ReduceOpSum))
				assert.Equal(t, int64(3), got[0])
			})
		}()
	}
	wg.Wait()
}
