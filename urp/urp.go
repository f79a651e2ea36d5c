// Package urp implements the unreliable datagram protocol: best-effort,
// high-throughput transfer of fixed-capacity payloads over a raw Ethernet
// link.
//
// There are no acknowledgements, no retransmissions and no reordering.
// Sequence numbers identify frames for observability only. Under overload
// the engine drops at the inbound ring boundary instead of pushing back;
// best-effort delivery must not stall the NIC.
package urp

import (
	"errors"
	"sync/atomic"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/wire"
)

// MaxPayload is the payload capacity of a URP datagram.
const MaxPayload = wire.MaxPayloadURP

var (
	ErrNoPort       = errors.New("urp: config needs a NIC port")
	ErrUnitTooSmall = errors.New("urp: UnitSize below minimum frame length")
)

// Payload is a fixed-capacity datagram. Producers own it until enqueued
// outbound; consumers own it once dequeued inbound.
type Payload struct {
	Len  int
	Data [MaxPayload]byte
}

// NewPayload builds a payload carrying b.
func NewPayload(b []byte) (*Payload, error) {
	if len(b) > MaxPayload {
		return nil, wire.ErrFrameTooLarge
	}
	p := &Payload{Len: len(b)}
	copy(p.Data[:], b)
	return p, nil
}

// Bytes returns the payload view.
func (p *Payload) Bytes() []byte { return p.Data[:p.Len] }

// Config configures a URP endpoint.
type Config struct {
	// Port is the NIC port the endpoint owns.
	Port nic.Port
	// DefaultPeer is the destination before any peer has been learned.
	DefaultPeer wire.MAC
	// RingSize is the capacity of the inbound and outbound rings. Must be a
	// power of two.
	RingSize uint32
	// TxBurst and RxBurst bound frames moved per tick.
	TxBurst uint32
	RxBurst uint32
	// UnitSize is the target on-wire frame size for throughput experiments.
	// Producers size their payloads from it; the engine itself transmits
	// whatever it dequeues.
	UnitSize uint32
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Port == nil {
		return ErrNoPort
	}
	if c.RingSize == 0 {
		c.RingSize = 4096
	}
	if c.TxBurst == 0 {
		c.TxBurst = 128
	}
	if c.RxBurst == 0 {
		c.RxBurst = 128
	}
	if c.UnitSize == 0 {
		c.UnitSize = wire.MinFrameLenURP + 64
	}
	if c.UnitSize < wire.MinFrameLenURP {
		return ErrUnitTooSmall
	}
	return nil
}

// UnitPayloadLen returns the payload length that yields UnitSize bytes on
// the wire, capped at MaxPayload.
func (c *Config) UnitPayloadLen() int {
	n := int(c.UnitSize) - wire.MinFrameLenURP
	if n > MaxPayload {
		n = MaxPayload
	}
	return n
}

// Counters are the endpoint's steady-state counters.
type Counters struct {
	TxFrames    atomic.Uint64
	TxBytes     atomic.Uint64
	TxDropped   atomic.Uint64 // payloads lost to pool exhaustion
	RxFrames    atomic.Uint64
	RxBytes     atomic.Uint64
	RxDropped   atomic.Uint64 // frames lost at the inbound ring boundary
	RxMalformed atomic.Uint64
}
