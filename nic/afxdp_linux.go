//go:build linux

package nic

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/taooceros/dpdk-fifo/wire"
)

// XDPConfig configures an AF_XDP port bound to one iface:queue.
type XDPConfig struct {
	// Interface is the network interface name.
	Interface string
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize is the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// PreferZerocopy requests driver-mode XDP and a zero-copy binding,
	// falling back to copy mode when unsupported.
	PreferZerocopy bool
}

func (c *XDPConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultQueueSize
	}
	if c.FrameSize < wire.MaxFrameLenURP {
		return ErrFrameTooSmall
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrPoolTooSmall
	}
	return nil
}

/*---- Kernel structs (linux/if_xdp.h) ----*/

type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

type xdpRingOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type xdpMmapOffsets struct {
	Rx xdpRingOffset
	Tx xdpRingOffset
	Fr xdpRingOffset
	Cr xdpRingOffset
}

type xdpUmemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

// descQueue is a userspace view of a kernel descriptor ring (RX or TX).
// Cached producer/consumer indices reduce atomic traffic on the shared
// counters.
type descQueue struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdpDesc
}

// addrQueue is a userspace view of a UMEM address ring (FQ or CQ).
type addrQueue struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

var (
	errRegionEmpty = errors.New("nic: mapped ring region is empty")
)

func newDescQueue(region []byte, off xdpRingOffset, size uint32, isTx bool) (*descQueue, error) {
	if len(region) == 0 {
		return nil, errRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	q := &descQueue{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		descs: unsafe.Slice((*xdpDesc)(unsafe.Add(base, off.Desc)), size),
	}
	if isTx {
		q.cachedCons = size
	}
	return q, nil
}

func newAddrQueue(region []byte, off xdpRingOffset, size uint32) (*addrQueue, error) {
	if len(region) == 0 {
		return nil, errRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	return &addrQueue{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// available returns the number of RX descriptors ready to consume.
func (q *descQueue) available() uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserve grants up to want TX descriptor slots, returning the granted count
// and the first slot index.
func (q *descQueue) reserve(want uint32, idx *uint32) uint32 {
	free := q.cachedCons - q.cachedProd
	if free < want {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	if want > free {
		want = free
	}
	if want == 0 {
		return 0
	}
	*idx = q.cachedProd
	q.cachedProd += want
	return want
}

// commit publishes reserved TX descriptors to the kernel.
func (q *descQueue) commit() {
	atomic.StoreUint32(q.prod, q.cachedProd)
}

// drain copies up to nb completed UMEM addresses into dst and advances the
// consumer index.
func (q *addrQueue) drain(dst []uint64, nb uint32) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	if entries > nb {
		entries = nb
	}
	for i := uint32(0); i < entries; i++ {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

/*---- Raw syscall helpers ----*/

func rawBind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRing maps one of the socket's RX/TX/FQ/CQ ring regions.
func mmapRing(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd),
		offset,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

// mmapUmem maps the anonymous page-backed UMEM region.
func mmapUmem(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

var zeroBuf []byte

// kickTx notifies the kernel that TX descriptors are ready. AF_XDP treats a
// zero-length sendto as the doorbell when XDP_USE_NEED_WAKEUP is set.
func kickTx(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Non-fatal backpressure.
		return nil
	}
	return err
}

// XDPPort is an AF_XDP Port bound to a single iface:queue.
//
// The TX side (Alloc, Free, TxBurst, completion reclaim) is guarded by a
// mutex because the RX poller transmits ACK frames concurrently with the TX
// poller. The RX side (RxBurst, Release) must stay on one goroutine.
type XDPPort struct {
	conf       XDPConfig
	mac        wire.MAC
	isZerocopy bool

	fd   int
	objs *xdpObjects

	umem []byte
	rx   *descQueue
	fq   *addrQueue

	txMu       sync.Mutex
	tx         *descQueue
	cq         *addrQueue
	freeFrames []uint64
	freeCount  uint32
	compBuf    []uint64

	rxRegion []byte
	txRegion []byte
	fqRegion []byte
	cqRegion []byte
}

// OpenXDP creates an AF_XDP port: it allocates UMEM, maps the four rings,
// binds to iface:queue, attaches the redirect program and registers the
// socket in its map.
func OpenXDP(conf XDPConfig) (*XDPPort, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	var mac wire.MAC
	copy(mac[:], iface.HardwareAddr)

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	umemLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	umem, err := mmapUmem(umemLen)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := xdpUmemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, opt := range []struct {
		name int
		val  uint32
	}{
		{unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{unix.XDP_TX_RING, conf.TxSize},
		{unix.XDP_RX_RING, conf.RxSize},
	} {
		v := opt.val
		if err := setsockopt(
			fd, unix.SOL_XDP, opt.name,
			unsafe.Pointer(&v), unsafe.Sizeof(v),
		); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt ring size (%d): %w", opt.name, err)
		}
	}

	var offs xdpMmapOffsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	rxRegionLen := uintptr(offs.Rx.Desc) + uintptr(conf.RxSize)*unsafe.Sizeof(xdpDesc{})
	rxRegion, err := mmapRing(fd, rxRegionLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	txRegionLen := uintptr(offs.Tx.Desc) + uintptr(conf.TxSize)*unsafe.Sizeof(xdpDesc{})
	txRegion, err := mmapRing(fd, txRegionLen, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap TX ring: %w", err)
	}
	fqRegionLen := uintptr(offs.Fr.Desc) + uintptr(conf.RxSize)*unsafe.Sizeof(uint64(0))
	fqRegion, err := mmapRing(fd, fqRegionLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap FQ ring: %w", err)
	}
	cqRegionLen := uintptr(offs.Cr.Desc) + uintptr(conf.CqSize)*unsafe.Sizeof(uint64(0))
	cqRegion, err := mmapRing(fd, cqRegionLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap CQ ring: %w", err)
	}

	rxQ, err := newDescQueue(rxRegion, offs.Rx, conf.RxSize, false)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("making RX queue: %w", err)
	}
	txQ, err := newDescQueue(txRegion, offs.Tx, conf.TxSize, true)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("making TX queue: %w", err)
	}
	fqQ, err := newAddrQueue(fqRegion, offs.Fr, conf.RxSize)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("making FQ queue: %w", err)
	}
	cqQ, err := newAddrQueue(cqRegion, offs.Cr, conf.CqSize)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("making CQ queue: %w", err)
	}

	{ // Seed the fill queue with the first RxSize UMEM frames.
		prod := atomic.LoadUint32(fqQ.prod)
		for i := uint32(0); i < fqQ.size; i++ {
			fqQ.addrs[(prod+i)&fqQ.mask] = uint64(i) * uint64(conf.FrameSize)
		}
		atomic.StoreUint32(fqQ.prod, prod+fqQ.size)
		fqQ.cachedProd = atomic.LoadUint32(fqQ.prod)
		fqQ.cachedCons = atomic.LoadUint32(fqQ.cons)
	}

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(iface.Index),
		QueueID: conf.QueueID,
	}
	zerocopy := conf.PreferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding socket: %w", err)
	}

	objs, err := attachRedirect(iface.Index, conf.QueueID+1, conf.PreferZerocopy)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := objs.register(fd, conf.QueueID); err != nil {
		objs.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("registering socket in xsks map: %w", err)
	}

	// The remaining UMEM frames (those not seeded into the FQ) form the TX
	// pool.
	freeFrames := make([]uint64, 0, conf.NumFrames)
	for i := conf.RxSize; i < conf.NumFrames; i++ {
		freeFrames = append(freeFrames, uint64(i)*uint64(conf.FrameSize))
	}
	freeFrames = freeFrames[:cap(freeFrames)]
	freeCount := conf.NumFrames - conf.RxSize

	return &XDPPort{
		conf:       conf,
		mac:        mac,
		isZerocopy: zerocopy,
		fd:         fd,
		objs:       objs,
		umem:       umem,
		rx:         rxQ,
		fq:         fqQ,
		tx:         txQ,
		cq:         cqQ,
		freeFrames: freeFrames,
		freeCount:  freeCount,
		compBuf:    make([]uint64, DefaultBatchSize),
		rxRegion:   rxRegion,
		txRegion:   txRegion,
		fqRegion:   fqRegion,
		cqRegion:   cqRegion,
	}, nil
}

func (p *XDPPort) MAC() wire.MAC { return p.mac }

// IsZerocopy reports whether the bind ended up in zero-copy mode. May be
// false even when PreferZerocopy was set; copy mode is the automatic
// fallback.
func (p *XDPPort) IsZerocopy() bool { return p.isZerocopy }

// reclaimLocked pulls completed TX frames from the CQ back onto the free
// stack. Caller holds txMu.
func (p *XDPPort) reclaimLocked() uint32 {
	n := p.cq.drain(p.compBuf, uint32(len(p.compBuf)))
	for i := uint32(0); i < n; i++ {
		p.freeFrames[p.freeCount] = p.compBuf[i]
		p.freeCount++
	}
	return n
}

func (p *XDPPort) Alloc() (Frame, bool) {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	if p.freeCount == 0 {
		p.reclaimLocked()
		if p.freeCount == 0 {
			return Frame{}, false
		}
	}
	p.freeCount--
	addr := p.freeFrames[p.freeCount]
	return Frame{
		Buf:  p.umem[addr : addr+uint64(p.conf.FrameSize)],
		Addr: addr,
	}, true
}

func (p *XDPPort) Free(f Frame) {
	p.txMu.Lock()
	p.freeFrames[p.freeCount] = f.Addr
	p.freeCount++
	p.txMu.Unlock()
}

func (p *XDPPort) TxBurst(frames []Frame, lens []uint32) int {
	if len(frames) == 0 {
		return 0
	}
	p.txMu.Lock()
	defer p.txMu.Unlock()

	var idx uint32
	granted := p.tx.reserve(uint32(len(frames)), &idx)
	if granted == 0 {
		// Reclaim completions and ring the doorbell so the NIC drains the
		// TX ring; the caller retries on its next tick.
		p.reclaimLocked()
		_ = kickTx(p.fd)
		return 0
	}

	for i := uint32(0); i < granted; i++ {
		d := &p.tx.descs[(idx+i)&p.tx.mask]
		d.Addr = frames[i].Addr
		d.Len = lens[i]
		d.Opts = 0
	}
	p.tx.commit()
	_ = kickTx(p.fd)
	p.reclaimLocked()
	return int(granted)
}

func (p *XDPPort) RxBurst(into []Frame) int {
	avail := p.rx.available()
	if avail == 0 {
		return 0
	}
	if avail > uint32(len(into)) {
		avail = uint32(len(into))
	}

	for i := uint32(0); i < avail; i++ {
		d := p.rx.descs[p.rx.cachedCons&p.rx.mask]
		into[i] = Frame{
			Buf:  p.umem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		}
		p.rx.cachedCons++
	}
	atomic.StoreUint32(p.rx.cons, p.rx.cachedCons)
	return int(avail)
}

func (p *XDPPort) Release(f Frame) {
	// One buffer back to the fill queue per received frame keeps FQ
	// occupancy bounded without extra accounting.
	prod := atomic.LoadUint32(p.fq.prod)
	p.fq.addrs[prod&p.fq.mask] = f.Addr
	atomic.StoreUint32(p.fq.prod, prod+1)
}

// Wait blocks until the socket becomes readable or timeoutMS elapses. Used
// by hosts that prefer sleeping over spinning when idle; the engines
// themselves busy-poll.
func (p *XDPPort) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(p.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (p *XDPPort) Close() error {
	var errs []error

	if p.fd != 0 {
		if err := unix.Close(p.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		p.fd = 0
	}
	if p.objs != nil {
		if err := p.objs.Close(); err != nil {
			errs = append(errs, err)
		}
		p.objs = nil
	}
	for _, region := range []*[]byte{&p.rxRegion, &p.txRegion, &p.fqRegion, &p.cqRegion, &p.umem} {
		if *region != nil {
			if err := unix.Munmap(*region); err != nil {
				errs = append(errs, err)
			}
			*region = nil
		}
	}
	return errors.Join(errs...)
}
