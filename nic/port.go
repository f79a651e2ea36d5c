// Package nic provides the NIC port boundary the protocol engines poll.
//
// A Port owns one RX queue, one TX queue and a pool of fixed-size frame
// buffers. Engines allocate TX frames from the pool, hand them to TxBurst,
// and return RX frames via Release once parsed. All operations are
// non-blocking; zero returns signal backpressure or exhaustion and the
// caller retries on its next tick.
//
// Two implementations exist: the AF_XDP kernel-bypass port (linux) and an
// in-memory channel port pair used by tests and loopback experiments.
package nic

import (
	"errors"

	"github.com/taooceros/dpdk-fifo/wire"
)

var (
	ErrPoolTooSmall  = errors.New("nic: NumFrames must be >= TxSize + RxSize")
	ErrFrameTooSmall = errors.New("nic: FrameSize too small for a full frame")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultQueueSize = 2048
	DefaultBatchSize = 64
)

// Frame is a borrowed frame buffer. Buf aliases the port's buffer memory;
// Addr identifies the buffer within its pool.
type Frame struct {
	Buf  []byte
	Addr uint64
}

// Port is a polled NIC queue pair plus its frame pool.
//
// RxBurst and Release form the receive side and must be driven by a single
// goroutine. Alloc, Free and TxBurst may be called from both the TX poller
// and the RX poller (which transmits ACKs); implementations serialize them
// internally.
type Port interface {
	// MAC returns the port's hardware address, used as the source of every
	// outbound frame.
	MAC() wire.MAC

	// Alloc takes a writable frame buffer from the pool. ok is false when
	// the pool is exhausted; the caller retries on a later tick.
	Alloc() (f Frame, ok bool)

	// Free returns a frame obtained from Alloc that was never accepted by
	// TxBurst.
	Free(f Frame)

	// TxBurst submits frames[i].Buf[:lens[i]] for transmission and returns
	// how many frames were accepted. Accepted frames are owned by the port;
	// the rest remain the caller's (retry or Free). Zero means the TX queue
	// is full.
	TxBurst(frames []Frame, lens []uint32) int

	// RxBurst fills into with up to len(into) received frames and returns
	// the count. Each returned frame must be handed back via Release.
	RxBurst(into []Frame) int

	// Release returns a received frame to the port for reuse.
	Release(f Frame)

	Close() error
}
