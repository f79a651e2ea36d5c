package urp

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/ring"
	"github.com/taooceros/dpdk-fifo/wire"
)

// Endpoint is a URP protocol endpoint bound to one NIC port.
//
// The TX and RX activities share only the learned peer and the counters, so
// they may run colocated via Progress or split across RunRX and RunTX.
type Endpoint struct {
	conf Config
	port nic.Port
	src  wire.MAC

	in  *ring.Ring[*Payload]
	out *ring.Ring[*Payload]

	peer atomic.Uint64 // learned peer MAC, packed; 0 = not learned

	// TX activity state.
	txSeq      uint32
	txPayloads []*Payload
	txFrames   []nic.Frame
	txLens     []uint32

	// RX activity state.
	rxFrames  []nic.Frame
	rxDeliver []*Payload

	stopped  atomic.Bool
	counters Counters
}

// New creates a URP endpoint on the configured port.
func New(conf Config) (*Endpoint, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	in, err := ring.New[*Payload](conf.RingSize)
	if err != nil {
		return nil, fmt.Errorf("creating inbound ring: %w", err)
	}
	out, err := ring.New[*Payload](conf.RingSize)
	if err != nil {
		return nil, fmt.Errorf("creating outbound ring: %w", err)
	}

	return &Endpoint{
		conf:       conf,
		port:       conf.Port,
		src:        conf.Port.MAC(),
		in:         in,
		out:        out,
		txPayloads: make([]*Payload, conf.TxBurst),
		txFrames:   make([]nic.Frame, conf.TxBurst),
		txLens:     make([]uint32, conf.TxBurst),
		rxFrames:   make([]nic.Frame, conf.RxBurst),
		rxDeliver:  make([]*Payload, conf.RxBurst),
	}, nil
}

// InboundRing is the engine→app ring of received payloads.
func (e *Endpoint) InboundRing() *ring.Ring[*Payload] { return e.in }

// OutboundRing is the app→engine ring of submissions.
func (e *Endpoint) OutboundRing() *ring.Ring[*Payload] { return e.out }

// Counters exposes the endpoint's steady-state counters.
func (e *Endpoint) Counters() *Counters { return &e.counters }

// Config returns the endpoint's resolved configuration.
func (e *Endpoint) Config() Config { return e.conf }

// Submit validates p and enqueues it outbound without blocking.
func (e *Endpoint) Submit(p *Payload) error {
	if p.Len > MaxPayload {
		return wire.ErrFrameTooLarge
	}
	return e.out.TryEnqueue(p)
}

// Progress performs one engine tick: an RX pass, then a TX pass.
func (e *Endpoint) Progress() {
	e.rxTick()
	e.txTick()
}

// Run busy-polls Progress until ctx is done or Stop is called.
func (e *Endpoint) Run(ctx context.Context) {
	for ctx.Err() == nil && !e.stopped.Load() {
		e.rxTick()
		e.txTick()
	}
}

// RunRX busy-polls the receive activity only.
func (e *Endpoint) RunRX(ctx context.Context) {
	for ctx.Err() == nil && !e.stopped.Load() {
		e.rxTick()
	}
}

// RunTX busy-polls the transmit activity only.
func (e *Endpoint) RunTX(ctx context.Context) {
	for ctx.Err() == nil && !e.stopped.Load() {
		e.txTick()
	}
}

// Stop requests a best-effort halt of the pollers.
func (e *Endpoint) Stop() { e.stopped.Store(true) }

const peerLearned = uint64(1) << 48

func (e *Endpoint) learnPeer(m wire.MAC) {
	u := uint64(m[0])<<40 | uint64(m[1])<<32 | uint64(m[2])<<24 |
		uint64(m[3])<<16 | uint64(m[4])<<8 | uint64(m[5])
	e.peer.Store(u | peerLearned)
}

func (e *Endpoint) peerMAC() wire.MAC {
	u := e.peer.Load()
	if u == 0 {
		return e.conf.DefaultPeer
	}
	return wire.MAC{
		byte(u >> 40), byte(u >> 32), byte(u >> 24),
		byte(u >> 16), byte(u >> 8), byte(u),
	}
}

/*---- TX activity ----*/

func (e *Endpoint) txTick() {
	n := e.out.DequeueBurst(e.txPayloads)
	if n == 0 {
		return
	}
	dst := e.peerMAC()

	built := 0
	for i := 0; i < n; i++ {
		p := e.txPayloads[i]
		f, ok := e.port.Alloc()
		if !ok {
			// Best-effort: a datagram that cannot get a frame buffer is
			// dropped, not deferred.
			e.counters.TxDropped.Add(uint64(n - i))
			break
		}
		m, err := wire.EncodeURP(f.Buf, dst, e.src, e.txSeq, p.Bytes())
		if err != nil {
			e.port.Free(f)
			e.counters.TxDropped.Add(1)
			continue
		}
		e.txSeq++
		e.txFrames[built] = f
		e.txLens[built] = uint32(m)
		built++
		e.counters.TxBytes.Add(uint64(m))
	}

	// Submit the whole burst, retrying the unaccepted tail until the NIC
	// takes everything.
	sent := 0
	for sent < built {
		sent += e.port.TxBurst(e.txFrames[sent:built], e.txLens[sent:built])
	}
	e.counters.TxFrames.Add(uint64(built))
}

/*---- RX activity ----*/

func (e *Endpoint) rxTick() {
	n := e.port.RxBurst(e.rxFrames)
	if n == 0 {
		return
	}

	deliver := 0
	for i := 0; i < n; i++ {
		f := e.rxFrames[i]
		rcv, err := wire.DecodeURP(f.Buf)
		if err != nil {
			e.counters.RxMalformed.Add(1)
			e.port.Release(f)
			continue
		}
		if rcv.Opcode != wire.OpcodeURPData {
			e.counters.RxMalformed.Add(1)
			e.port.Release(f)
			continue
		}

		e.learnPeer(rcv.Src)

		p := &Payload{Len: len(rcv.Payload)}
		copy(p.Data[:], rcv.Payload)
		e.rxDeliver[deliver] = p
		deliver++

		e.counters.RxFrames.Add(1)
		e.counters.RxBytes.Add(uint64(len(rcv.Payload)))
		e.port.Release(f)
	}

	// Drop-on-full at the ring boundary: spinning here would stall the NIC
	// under sustained overload.
	accepted := e.in.EnqueueBurst(e.rxDeliver[:deliver])
	if accepted < deliver {
		e.counters.RxDropped.Add(uint64(deliver - accepted))
	}
}
