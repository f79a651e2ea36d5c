package sig

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/ring"
	"github.com/taooceros/dpdk-fifo/wire"
)

// pendingTx is a channel's outstanding transmission. TX is the sole writer
// of seq, lastTx and rec, and publishes them with a store of active=true;
// RX acquire-loads active, reads seq under that guarantee, and is the only
// writer of active=false. No lock is needed under this discipline.
type pendingTx struct {
	active atomic.Bool
	seq    uint32
	lastTx int64
	rec    Send
}

// Endpoint is a SIG protocol endpoint bound to one NIC port.
//
// Progress drives one RX pass followed by one TX pass and may be called
// from a host loop. Alternatively RunRX and RunTX busy-poll on two
// dedicated goroutines; all remaining state is partitioned between the two
// activities, with pendingTx shared under the publication discipline above.
type Endpoint struct {
	conf Config
	port nic.Port
	src  wire.MAC

	in  *ring.Ring[*Recv]
	out *ring.Ring[*Send]

	// peer is the learned destination MAC packed into a uint64 with
	// peerLearned set; zero means unlearned.
	peer atomic.Uint64

	pend []pendingTx

	// TX activity state.
	nextSeq  []uint32
	activeCh []uint16
	stalled  *Send
	txFrame  [1]nic.Frame
	txLen    [1]uint32

	// RX activity state.
	expectSeq []uint32
	rxBuf     []nic.Frame

	timeout  int64 // retransmit timeout in nanoseconds
	epoch    time.Time
	stopped  atomic.Bool
	counters Counters
}

// New creates a SIG endpoint on the configured port. The endpoint makes no
// progress until Progress or the pollers are driven.
func New(conf Config) (*Endpoint, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	in, err := ring.New[*Recv](conf.RingSize)
	if err != nil {
		return nil, fmt.Errorf("creating inbound ring: %w", err)
	}
	out, err := ring.New[*Send](conf.RingSize)
	if err != nil {
		return nil, fmt.Errorf("creating outbound ring: %w", err)
	}

	return &Endpoint{
		conf:      conf,
		port:      conf.Port,
		src:       conf.Port.MAC(),
		in:        in,
		out:       out,
		pend:      make([]pendingTx, NumChannels),
		nextSeq:   make([]uint32, NumChannels),
		expectSeq: make([]uint32, NumChannels),
		rxBuf:     make([]nic.Frame, conf.RxBurst),
		timeout:   conf.RetransmitTimeout.Nanoseconds(),
		epoch:     time.Now(),
	}, nil
}

// InboundRing is the engine→app ring of delivered records. The consumer
// takes ownership of each dequeued Recv.
func (e *Endpoint) InboundRing() *ring.Ring[*Recv] { return e.in }

// OutboundRing is the app→engine ring of submissions.
func (e *Endpoint) OutboundRing() *ring.Ring[*Send] { return e.out }

// Counters exposes the endpoint's steady-state counters.
func (e *Endpoint) Counters() *Counters { return &e.counters }

// Submit validates s and enqueues it on the outbound ring. Fails with
// wire.ErrFrameTooLarge for oversized payloads and ring.ErrRingFull when the
// ring has no room; neither blocks.
func (e *Endpoint) Submit(s *Send) error {
	if s.Len > MaxPayload {
		return wire.ErrFrameTooLarge
	}
	return e.out.TryEnqueue(s)
}

// Progress performs one engine tick: an RX pass, then a TX pass. RX runs
// first so fresh ACKs retire pending transmissions before new TX attempts.
func (e *Endpoint) Progress() {
	e.rxTick()
	e.txTick()
}

// Run busy-polls Progress until ctx is done or Stop is called. It never
// sleeps; pin the calling goroutine to a CPU for predictable latency.
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

// Stop requests a best-effort halt of the pollers. In-flight frames are
// abandoned.
func (e *Endpoint) Stop() { e.stopped.Store(true) }

func (e *Endpoint) now() int64 { return int64(time.Since(e.epoch)) }

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
	now := e.now()
	e.retransmit(now)

	rec := e.stalled
	if rec == nil {
		var err error
		if rec, err = e.out.TryDequeue(); err != nil {
			return
		}
	}

	p := &e.pend[rec.Channel]
	if p.active.Load() {
		// Stop-and-wait: the channel's outstanding frame must clear before
		// this record may go out.
		e.stalled = rec
		return
	}

	seq := e.nextSeq[rec.Channel]
	if !e.sendData(rec, seq) {
		// NIC backpressure or pool exhaustion; the record is resubmitted on
		// the next tick with the same seq.
		e.stalled = rec
		return
	}

	p.seq = seq
	p.lastTx = now
	p.rec = *rec
	p.active.Store(true)

	e.activeCh = append(e.activeCh, rec.Channel)
	e.nextSeq[rec.Channel] = seq + 1
	e.stalled = nil
	e.counters.TxData.Add(1)
}

// retransmit rescans channels with outstanding frames, pruning those
// retired by ACKs and resending those whose timer elapsed. Retransmissions
// keep their original seq.
func (e *Endpoint) retransmit(now int64) {
	kept := e.activeCh[:0]
	for _, ch := range e.activeCh {
		p := &e.pend[ch]
		if !p.active.Load() {
			continue
		}
		kept = append(kept, ch)
		if now-p.lastTx < e.timeout {
			continue
		}
		if e.sendData(&p.rec, p.seq) {
			p.lastTx = now
			e.counters.TxRetransmits.Add(1)
		}
	}
	e.activeCh = kept
}

// sendData builds and submits one DATA frame. False means the frame was not
// sent (pool exhausted or TX queue full) and no state was advanced.
func (e *Endpoint) sendData(rec *Send, seq uint32) bool {
	f, ok := e.port.Alloc()
	if !ok {
		return false
	}
	n, err := wire.EncodeSIG(f.Buf, e.peerMAC(), e.src, rec.Channel, seq, rec.Opcode, rec.Data[:rec.Len])
	if err != nil {
		e.port.Free(f)
		return false
	}
	e.txFrame[0] = f
	e.txLen[0] = uint32(n)
	if e.port.TxBurst(e.txFrame[:], e.txLen[:]) == 0 {
		e.port.Free(f)
		return false
	}
	return true
}

/*---- RX activity ----*/

func (e *Endpoint) rxTick() {
	n := e.port.RxBurst(e.rxBuf)
	for i := 0; i < n; i++ {
		f := e.rxBuf[i]
		rcv, err := wire.DecodeSIG(f.Buf)
		if err != nil {
			e.counters.RxMalformed.Add(1)
			e.port.Release(f)
			continue
		}

		// Last-writer-wins peer learning: every valid frame refreshes the
		// destination for subsequent transmissions.
		e.learnPeer(rcv.Src)

		if rcv.Opcode == wire.OpcodeSIGAck {
			e.handleAck(rcv.Channel, rcv.Seq)
		} else {
			e.handleData(&rcv)
		}
		e.port.Release(f)
	}
}

func (e *Endpoint) handleAck(ch uint16, seq uint32) {
	e.counters.RxAcks.Add(1)
	p := &e.pend[ch]
	if p.active.Load() && p.seq == seq {
		p.active.Store(false)
	}
}

func (e *Endpoint) handleData(rcv *wire.SIGFrame) {
	e.counters.RxData.Add(1)
	ch := rcv.Channel
	if rcv.Seq != e.expectSeq[ch] {
		// Gap or duplicate: dropped without ACK. The sender's retransmit
		// timer carries recovery for gaps; duplicates sit at expect_seq-1
		// and were already delivered.
		e.counters.RxOutOfOrder.Add(1)
		return
	}
	e.expectSeq[ch] = rcv.Seq + 1

	msg := &Recv{Channel: ch, Seq: rcv.Seq, Opcode: rcv.Opcode, Len: len(rcv.Payload)}
	copy(msg.Data[:], rcv.Payload)
	for e.in.TryEnqueue(msg) != nil {
		// Dropping would break reliability; hold until the consumer drains.
		if e.stopped.Load() {
			return
		}
	}

	e.sendAck(ch, rcv.Seq)
}

// sendAck emits an ACK for a record just accepted into the inbound ring. A
// lost or unsendable ACK is never re-sent: the peer's retransmission of that
// seq arrives as a duplicate and is dropped without an ACK, so the peer's
// channel stays in WAIT_ACK.
func (e *Endpoint) sendAck(ch uint16, seq uint32) {
	f, ok := e.port.Alloc()
	if !ok {
		return
	}
	n, err := wire.EncodeSIG(f.Buf, e.peerMAC(), e.src, ch, seq, wire.OpcodeSIGAck, nil)
	if err != nil {
		e.port.Free(f)
		return
	}
	frame := [1]nic.Frame{f}
	length := [1]uint32{uint32(n)}
	if e.port.TxBurst(frame[:], length[:]) == 0 {
		e.port.Free(f)
		return
	}
	e.counters.TxAcks.Add(1)
}
