// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

// Package inprocess provides a pure-Go, in-process implementation of the
// comms.Native contract: every rank is a goroutine and the transport is
// buffered Go channels.
//
// It serves the same role the pure-Go backend serves for dense computation:
// a dependency-free way to run and test the full communication stack on a
// single host. Message delivery is eager (sends complete once the message is
// enqueued, like small-message MPI), point-to-point messages match on
// (source, tag), and collectives are relayed through a hub rank. None of this
// is observable to callers: only the blocking semantics and the results are.
//
// Deadlock is intentionally not detected: a Recv with no matching Send blocks
// its goroutine forever, exactly like the real library would.
package inprocess

import (
	"unsafe"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/gomlx/gompi/comms"
	"github.com/gomlx/gopjrt/dtypes"
)

// mailboxCapacity bounds how many undelivered messages one sender may have in
// flight to one receiver before Send blocks. Large enough that the eager
// protocol never self-deadlocks in the collective relays.
const mailboxCapacity = 1024

// internalTagBase marks tags reserved for collective relays. User tags must
// be non-negative, so the two ranges never collide.
const internalTagBase = -1000

type message struct {
	tag  int
	data []byte
}

// World is one in-process communication group: a fixed number of ranks wired
// by per-pair mailboxes.
type World struct {
	id            uuid.UUID
	size          int
	deviceCapable bool

	// mailboxes[from][to] carries messages from rank "from" to rank "to".
	mailboxes [][]chan message

	endpoints []*Endpoint
}

// New creates a World with the given number of ranks.
func New(size int) *World {
	if size <= 0 {
		klog.Fatalf("inprocess.New: world size must be positive, got %d", size)
	}
	w := &World{
		id:        uuid.New(),
		size:      size,
		mailboxes: make([][]chan message, size),
	}
	for from := range w.mailboxes {
		w.mailboxes[from] = make([]chan message, size)
		for to := range w.mailboxes[from] {
			w.mailboxes[from][to] = make(chan message, mailboxCapacity)
		}
	}
	w.endpoints = make([]*Endpoint, size)
	for rank := range w.endpoints {
		ep := &Endpoint{world: w, rank: rank, pending: make([][]message, size)}
		ep.comm = comms.Register(ep)
		w.endpoints[rank] = ep
	}
	klog.V(1).Infof("inprocess world %s created with %d ranks", w.id, size)
	return w
}

// WithDeviceSupport marks the world as able to act directly on device memory
// addresses, enabling the zero-copy device path in the bridge. Default is
// false, which forces host staging.
func (w *World) WithDeviceSupport(capable bool) *World {
	w.deviceCapable = capable
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// ID returns the world's unique id, used for log correlation.
func (w *World) ID() uuid.UUID { return w.id }

// Endpoint returns the native-library endpoint of the given rank.
// Each endpoint must only be used from its own rank goroutine.
func (w *World) Endpoint(rank int) *Endpoint { return w.endpoints[rank] }

// Run executes fn concurrently on every rank and waits for all of them.
func (w *World) Run(fn func(rank int, ep *Endpoint)) {
	done := make(chan int, w.size)
	for rank := 0; rank < w.size; rank++ {
		go func(rank int) {
			defer func() { done <- rank }()
			fn(rank, w.endpoints[rank])
		}(rank)
	}
	for i := 0; i < w.size; i++ {
		<-done
	}
}

// Close unregisters all communicator handles of the world.
func (w *World) Close() {
	for _, ep := range w.endpoints {
		comms.Unregister(ep.comm)
	}
	klog.V(1).Infof("inprocess world %s closed", w.id)
}

// Endpoint is one rank's view of the World. It implements comms.Native.
type Endpoint struct {
	world *World
	rank  int
	comm  comms.Communicator

	// pending[source] holds messages received but not yet matched by tag.
	// Only the owning rank goroutine touches it.
	pending [][]message
}

var _ comms.Native = (*Endpoint)(nil)

// Comm returns the communicator handle registered for this endpoint.
func (ep *Endpoint) Comm() comms.Communicator { return ep.comm }

// Rank implements comms.Native.
func (ep *Endpoint) Rank() int { return ep.rank }

// Size implements comms.Native.
func (ep *Endpoint) Size() int { return ep.world.size }

// CanAccessDevice implements comms.Native.
func (ep *Endpoint) CanAccessDevice() bool { return ep.world.deviceCapable }

// bytesAt views count elements of dtype at ptr as a byte slice, zero copy.
func bytesAt(ptr unsafe.Pointer, count int, dtype dtypes.DType) []byte {
	if count == 0 || ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), count*int(dtype.Memory()))
}

func (ep *Endpoint) checkPeer(op string, peer int) error {
	if peer < 0 || peer >= ep.world.size {
		return comms.Errorf(op, 6 /* MPI_ERR_RANK */, "rank %d out of range for communicator of size %d", peer, ep.world.size)
	}
	return nil
}

func checkTag(op string, tag int) error {
	if tag < 0 {
		return comms.Errorf(op, 4 /* MPI_ERR_TAG */, "negative tag %d is reserved", tag)
	}
	return nil
}

// post enqueues a copy of data for the destination rank. The copy is the
// transport's, so the caller may reuse its buffer immediately after.
func (ep *Endpoint) post(dest, tag int, data []byte) {
	msg := message{tag: tag}
	if len(data) > 0 {
		msg.data = make([]byte, len(data))
		copy(msg.data, data)
	}
	ep.world.mailboxes[ep.rank][dest] <- msg
}

// await blocks until a message with the given tag arrives from source,
// queueing messages with other tags for later matching.
func (ep *Endpoint) await(source, tag int) message {
	queue := ep.pending[source]
	for i, msg := range queue {
		if msg.tag == tag {
			ep.pending[source] = append(queue[:i], queue[i+1:]...)
			return msg
		}
	}
	box := ep.world.mailboxes[source][ep.rank]
	for {
		msg := <-box
		if msg.tag == tag {
			return msg
		}
		ep.pending[source] = append(ep.pending[source], msg)
	}
}

// Send implements comms.Native.
func (ep *Endpoint) Send(ptr unsafe.Pointer, count int, dtype dtypes.DType, dest, tag int) error {
	if err := ep.checkPeer("Send", dest); err != nil {
		return err
	}
	if err := checkTag("Send", tag); err != nil {
		return err
	}
	ep.post(dest, tag, bytesAt(ptr, count, dtype))
	return nil
}

// Recv implements comms.Native.
func (ep *Endpoint) Recv(ptr unsafe.Pointer, count int, dtype dtypes.DType, source, tag int) error {
	if err := ep.checkPeer("Recv", source); err != nil {
		return err
	}
	if err := checkTag("Recv", tag); err != nil {
		return err
	}
	msg := ep.await(source, tag)
	dst := bytesAt(ptr, count, dtype)
	if len(msg.data) != len(dst) {
		return comms.Errorf("Recv", 15 /* MPI_ERR_TRUNCATE */, "message from rank %d has %d bytes, receive buffer has %d",
			source, len(msg.data), len(dst))
	}
	copy(dst, msg.data)
	return nil
}

// Sendrecv implements comms.Native. The send half is eager, so posting it
// before blocking on the receive half cannot deadlock against a symmetric
// Sendrecv on the peer.
func (ep *Endpoint) Sendrecv(sendPtr unsafe.Pointer, sendCount int, dest int,
	recvPtr unsafe.Pointer, recvCount int, source int,
	dtype dtypes.DType, tag int) error {
	if err := ep.Send(sendPtr, sendCount, dtype, dest, tag); err != nil {
		return err
	}
	return ep.Recv(recvPtr, recvCount, dtype, source, tag)
}

// Bcast implements comms.Native.
func (ep *Endpoint) Bcast(ptr unsafe.Pointer, count int, dtype dtypes.DType, root int) error {
	if err := ep.checkPeer("Bcast", root); err != nil {
		return err
	}
	data := bytesAt(ptr, count, dtype)
	if ep.rank == root {
		for dest := 0; dest < ep.world.size; dest++ {
			if dest != root {
				ep.post(dest, internalTagBase, data)
			}
		}
		return nil
	}
	msg := ep.await(root, internalTagBase)
	copy(data, msg.data)
	return nil
}

// Scatter implements comms.Native.
func (ep *Endpoint) Scatter(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, recvCount int, dtype dtypes.DType, root int) error {
	if err := ep.checkPeer("Scatter", root); err != nil {
		return err
	}
	dst := bytesAt(recvPtr, recvCount, dtype)
	if ep.rank == root {
		src := bytesAt(sendPtr, recvCount*ep.world.size, dtype)
		block := recvCount * int(dtype.Memory())
		for dest := 0; dest < ep.world.size; dest++ {
			part := src[dest*block : (dest+1)*block]
			if dest == root {
				copy(dst, part)
			} else {
				ep.post(dest, internalTagBase-1, part)
			}
		}
		return nil
	}
	msg := ep.await(root, internalTagBase-1)
	copy(dst, msg.data)
	return nil
}

// Gather implements comms.Native.
func (ep *Endpoint) Gather(sendPtr unsafe.Pointer, sendCount int, recvPtr unsafe.Pointer, dtype dtypes.DType, root int) error {
	if err := ep.checkPeer("Gather", root); err != nil {
		return err
	}
	src := bytesAt(sendPtr, sendCount, dtype)
	if ep.rank != root {
		ep.post(root, internalTagBase-2, src)
		return nil
	}
	dst := bytesAt(recvPtr, sendCount*ep.world.size, dtype)
	block := sendCount * int(dtype.Memory())
	for from := 0; from < ep.world.size; from++ {
		part := dst[from*block : (from+1)*block]
		if from == root {
			copy(part, src)
		} else {
			msg := ep.await(from, internalTagBase-2)
			copy(part, msg.data)
		}
	}
	return nil
}

// Allgather implements comms.Native.
func (ep *Endpoint) Allgather(sendPtr unsafe.Pointer, sendCount int, recvPtr unsafe.Pointer, dtype dtypes.DType) error {
	src := bytesAt(sendPtr, sendCount, dtype)
	dst := bytesAt(recvPtr, sendCount*ep.world.size, dtype)
	block := sendCount * int(dtype.Memory())
	for dest := 0; dest < ep.world.size; dest++ {
		if dest != ep.rank {
			ep.post(dest, internalTagBase-3, src)
		}
	}
	for from := 0; from < ep.world.size; from++ {
		part := dst[from*block : (from+1)*block]
		if from == ep.rank {
			copy(part, src)
		} else {
			msg := ep.await(from, internalTagBase-3)
			copy(part, msg.data)
		}
	}
	return nil
}

// Alltoall implements comms.Native.
func (ep *Endpoint) Alltoall(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, blockCount int, dtype dtypes.DType) error {
	src := bytesAt(sendPtr, blockCount*ep.world.size, dtype)
	dst := bytesAt(recvPtr, blockCount*ep.world.size, dtype)
	block := blockCount * int(dtype.Memory())
	for dest := 0; dest < ep.world.size; dest++ {
		part := src[dest*block : (dest+1)*block]
		if dest == ep.rank {
			copy(dst[dest*block:(dest+1)*block], part)
		} else {
			ep.post(dest, internalTagBase-4, part)
		}
	}
	for from := 0; from < ep.world.size; from++ {
		if from == ep.rank {
			continue
		}
		msg := ep.await(from, internalTagBase-4)
		copy(dst[from*block:(from+1)*block], msg.data)
	}
	return nil
}

// Reduce implements comms.Native. Contributions are combined in rank order at
// the root, so floating-point results are deterministic across runs.
func (ep *Endpoint) Reduce(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op comms.ReduceOp, root int) error {
	if err := ep.checkPeer("Reduce", root); err != nil {
		return err
	}
	src := bytesAt(sendPtr, count, dtype)
	if ep.rank != root {
		ep.post(root, internalTagBase-5, src)
		return nil
	}
	acc := make([]byte, len(src))
	first := true
	for from := 0; from < ep.world.size; from++ {
		var contribution []byte
		if from == root {
			contribution = src
		} else {
			msg := ep.await(from, internalTagBase-5)
			contribution = msg.data
		}
		if first {
			copy(acc, contribution)
			first = false
			continue
		}
		if err := reduceInto(op, dtype, acc, contribution); err != nil {
			return err
		}
	}
	copy(bytesAt(recvPtr, count, dtype), acc)
	return nil
}

// Allreduce implements comms.Native: a rank-0-rooted Reduce followed by a
// broadcast of the result. The relay is internal, not an exposed algorithm.
func (ep *Endpoint) Allreduce(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op comms.ReduceOp) error {
	if err := ep.Reduce(sendPtr, recvPtr, count, dtype, op, 0); err != nil {
		return err
	}
	return ep.Bcast(recvPtr, count, dtype, 0)
}

// Scan implements comms.Native: rank 0 computes all inclusive prefixes in
// rank order and delivers prefix r to rank r.
func (ep *Endpoint) Scan(sendPtr unsafe.Pointer, recvPtr unsafe.Pointer, count int, dtype dtypes.DType, op comms.ReduceOp) error {
	src := bytesAt(sendPtr, count, dtype)
	dst := bytesAt(recvPtr, count, dtype)
	if ep.rank != 0 {
		ep.post(0, internalTagBase-6, src)
		msg := ep.await(0, internalTagBase-7)
		copy(dst, msg.data)
		return nil
	}
	prefix := make([]byte, len(src))
	copy(prefix, src)
	copy(dst, prefix)
	for from := 1; from < ep.world.size; from++ {
		msg := ep.await(from, internalTagBase-6)
		if err := reduceInto(op, dtype, prefix, msg.data); err != nil {
			return err
		}
		ep.post(from, internalTagBase-7, prefix)
	}
	return nil
}
