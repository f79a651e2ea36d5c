// Package sig implements the reliable signaling protocol: channelized,
// in-order, stop-and-wait delivery of small records over a raw Ethernet
// link.
//
// Each 16-bit channel is an independent ordered sub-stream with its own
// sequence space and at most one unacknowledged frame in flight. Lost DATA
// frames are recovered by timeout-driven retransmission. A lost ACK is not
// recovered: the receiver's expect_seq has already advanced, so the
// retransmitted duplicate is recognized and dropped without re-delivery or
// re-ACK, and the sender's channel stays blocked on that frame.
package sig

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/wire"
)

const (
	// MaxPayload is kept small: SIG carries signaling records, not bulk.
	MaxPayload = wire.MaxPayloadSIG

	// NumChannels is the full 16-bit channel space. State is an array
	// indexed by channel id, trading memory for O(1) lookup.
	NumChannels = 1 << 16
)

var ErrNoPort = errors.New("sig: config needs a NIC port")

// Send is an outbound record submitted by a producer. The producer owns it
// until enqueued; the engine takes ownership on dequeue.
type Send struct {
	Channel uint16
	Opcode  uint16
	Len     int
	Data    [MaxPayload]byte
}

// NewSend builds a DATA record for channel carrying b.
func NewSend(channel uint16, b []byte) (*Send, error) {
	if len(b) > MaxPayload {
		return nil, wire.ErrFrameTooLarge
	}
	s := &Send{Channel: channel, Opcode: wire.OpcodeSIGData, Len: len(b)}
	copy(s.Data[:], b)
	return s, nil
}

// Bytes returns the record's payload view.
func (s *Send) Bytes() []byte { return s.Data[:s.Len] }

// Recv is an inbound record delivered to a consumer, which owns it once
// dequeued from the inbound ring.
type Recv struct {
	Channel uint16
	Seq     uint32
	Opcode  uint16
	Len     int
	Data    [MaxPayload]byte
}

// Bytes returns the record's payload view.
func (r *Recv) Bytes() []byte { return r.Data[:r.Len] }

// Config configures a SIG endpoint.
type Config struct {
	// Port is the NIC port the endpoint owns.
	Port nic.Port
	// DefaultPeer is the destination before any peer has been learned,
	// typically the broadcast address for discovery.
	DefaultPeer wire.MAC
	// RingSize is the capacity of the inbound and outbound rings. Must be a
	// power of two.
	RingSize uint32
	// RetransmitTimeout is the stop-and-wait retry interval. Zero selects
	// one tenth of a second.
	RetransmitTimeout time.Duration
	// RxBurst bounds frames drained from the NIC per tick.
	RxBurst uint32
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Port == nil {
		return ErrNoPort
	}
	if c.RingSize == 0 {
		c.RingSize = 4096
	}
	if c.RetransmitTimeout == 0 {
		c.RetransmitTimeout = time.Second / 10
	}
	if c.RxBurst == 0 {
		c.RxBurst = 128
	}
	return nil
}

// Counters are the endpoint's steady-state counters. Per-frame faults are
// absorbed by the engine and show up only here.
type Counters struct {
	TxData        atomic.Uint64
	TxRetransmits atomic.Uint64
	TxAcks        atomic.Uint64
	RxData        atomic.Uint64
	RxAcks        atomic.Uint64
	RxOutOfOrder  atomic.Uint64
	RxMalformed   atomic.Uint64
}
