package nic

import (
	"fmt"
	"sync"

	"github.com/taooceros/dpdk-fifo/wire"
)

// ChanConfig controls an in-memory port pair.
type ChanConfig struct {
	// FrameSize is the size of each pool buffer.
	FrameSize uint32
	// NumFrames is the pool size per port.
	NumFrames uint32
	// QueueDepth bounds the number of frames in flight toward each peer.
	QueueDepth uint32
	// MACA and MACB are the hardware addresses of the two ports.
	MACA, MACB wire.MAC
	// Drop, when non-nil, is consulted for every transmitted frame; a true
	// return loses the frame on the "wire". Called with the encoded frame
	// bytes of the sending side.
	Drop func(frame []byte) bool
}

func (c *ChanConfig) validateAndSetDefaults() error {
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueSize
	}
	if c.FrameSize < wire.MaxFrameLenURP {
		return ErrFrameTooSmall
	}
	if c.MACA.IsZero() {
		c.MACA = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if c.MACB.IsZero() {
		c.MACB = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	}
	return nil
}

// ChanPort is an in-memory Port. Two ChanPorts form a link: frames accepted
// by one side's TxBurst appear on the peer's RxBurst, subject to the drop
// hook and the bounded in-flight queue.
type ChanPort struct {
	mac  wire.MAC
	conf ChanConfig

	// wire toward this port. The sender copies frame bytes out of its pool
	// before the channel send, so no buffer crosses port boundaries.
	rxq chan []byte

	peer *ChanPort

	mu         sync.Mutex
	umem       []byte
	freeFrames []uint64
}

// NewChanPair creates two ports wired back to back.
func NewChanPair(conf ChanConfig) (*ChanPort, *ChanPort, error) {
	if err := conf.validateAndSetDefaults(); err != nil {
		return nil, nil, fmt.Errorf("chan pair config: %w", err)
	}

	a := newChanPort(conf, conf.MACA)
	b := newChanPort(conf, conf.MACB)
	a.peer, b.peer = b, a
	return a, b, nil
}

func newChanPort(conf ChanConfig, mac wire.MAC) *ChanPort {
	p := &ChanPort{
		mac:        mac,
		conf:       conf,
		rxq:        make(chan []byte, conf.QueueDepth),
		umem:       make([]byte, uint64(conf.NumFrames)*uint64(conf.FrameSize)),
		freeFrames: make([]uint64, conf.NumFrames),
	}
	for i := uint32(0); i < conf.NumFrames; i++ {
		p.freeFrames[i] = uint64(i) * uint64(conf.FrameSize)
	}
	return p
}

func (p *ChanPort) MAC() wire.MAC { return p.mac }

func (p *ChanPort) Alloc() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.freeFrames)
	if n == 0 {
		return Frame{}, false
	}
	addr := p.freeFrames[n-1]
	p.freeFrames = p.freeFrames[:n-1]
	return Frame{
		Buf:  p.umem[addr : addr+uint64(p.conf.FrameSize)],
		Addr: addr,
	}, true
}

func (p *ChanPort) Free(f Frame) {
	p.mu.Lock()
	p.freeFrames = append(p.freeFrames, f.Addr)
	p.mu.Unlock()
}

func (p *ChanPort) Release(f Frame) { p.Free(f) }

func (p *ChanPort) TxBurst(frames []Frame, lens []uint32) int {
	for i := range frames {
		data := frames[i].Buf[:lens[i]]
		if p.conf.Drop != nil && p.conf.Drop(data) {
			// Lost on the wire; the frame still counts as transmitted.
			p.Free(frames[i])
			continue
		}
		out := make([]byte, len(data))
		copy(out, data)
		select {
		case p.peer.rxq <- out:
			p.Free(frames[i])
		default:
			// Link queue full: NIC backpressure from frame i on.
			return i
		}
	}
	return len(frames)
}

func (p *ChanPort) RxBurst(into []Frame) int {
	n := 0
	for n < len(into) {
		select {
		case data := <-p.rxq:
			f, ok := p.Alloc()
			if !ok {
				// No RX descriptors left; the NIC drops the frame.
				return n
			}
			m := copy(f.Buf, data)
			into[n] = Frame{Buf: f.Buf[:m], Addr: f.Addr}
			n++
		default:
			return n
		}
	}
	return n
}

func (p *ChanPort) Close() error { return nil }
