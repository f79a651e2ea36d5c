//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/sig"
	"github.com/taooceros/dpdk-fifo/wire"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// startEndpoint launches the split RX and TX pollers on locked threads.
func startEndpoint(ctx context.Context, ep *sig.Endpoint) {
	go func() {
		runtime.LockOSThread()
		ep.RunRX(ctx)
	}()
	go func() {
		runtime.LockOSThread()
		ep.RunTX(ctx)
	}()
}

// serve echoes every inbound record back on its channel.
func serve(ctx context.Context, ep *sig.Endpoint) {
	in := ep.InboundRing()
	var served uint64
	for ctx.Err() == nil {
		r, err := in.TryDequeue()
		if err != nil {
			continue
		}
		s, err := sig.NewSend(r.Channel, r.Bytes())
		must(err)
		for ep.Submit(s) != nil {
			// Outbound ring full; the engine is draining it.
		}
		served++
		if served%100_000 == 0 {
			fmt.Fprintf(os.Stderr, "served %s records\n", humanize.Comma(int64(served)))
		}
	}
}

// runClient submits count records on channel ch and reads the echoes,
// reporting round-trip latency from the embedded send timestamp.
func runClient(ctx context.Context, ep *sig.Endpoint, ch uint16, count uint64) {
	in := ep.InboundRing()
	buf := make([]byte, 16)

	var inFlight, sent, echoed, rttSumNS uint64
	reportAt := uint64(10_000)
	started := time.Now()

	for echoed < count && ctx.Err() == nil {
		if sent < count && inFlight < 64 {
			binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
			s, err := sig.NewSend(ch, buf)
			must(err)
			if ep.Submit(s) == nil {
				sent++
				inFlight++
			}
		}

		r, err := in.TryDequeue()
		if err != nil {
			continue
		}
		inFlight--
		echoed++
		if r.Len >= 8 {
			sentNS := binary.BigEndian.Uint64(r.Bytes())
			rttSumNS += uint64(time.Now().UnixNano()) - sentNS
		}
		if echoed == reportAt {
			fmt.Fprintf(os.Stderr, "echoed=%s avg_rtt=%s\n",
				humanize.Comma(int64(echoed)),
				time.Duration(rttSumNS/echoed),
			)
			reportAt *= 2
		}
	}

	elapsed := time.Since(started)
	c := ep.Counters()
	fmt.Fprintf(os.Stderr,
		"done: echoed=%s retransmits=%s duration=%s rate=%s msg/s avg_rtt=%s\n",
		humanize.Comma(int64(echoed)),
		humanize.Comma(int64(c.TxRetransmits.Load())),
		elapsed,
		humanize.Comma(int64(float64(echoed)/elapsed.Seconds())),
		time.Duration(rttSumNS/max(echoed, 1)),
	)
}

// runLoopback wires a client and a server over an in-memory port pair, a
// hardware-free smoke run of the full reliability path.
func runLoopback(ch uint16, count uint64) {
	pa, pb, err := nic.NewChanPair(nic.ChanConfig{})
	must(err)

	client, err := sig.New(sig.Config{Port: pa, DefaultPeer: pb.MAC()})
	must(err)
	server, err := sig.New(sig.Config{Port: pb, DefaultPeer: pa.MAC()})
	must(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startEndpoint(ctx, client)
	startEndpoint(ctx, server)
	go serve(ctx, server)

	runClient(ctx, client, ch, count)
}

func main() {
	fIface := flag.String("i", "", "Interface")
	fQueue := flag.Uint("q", 0, "Queue ID")
	fPeerMAC := flag.String("d", "ff:ff:ff:ff:ff:ff", "Peer MAC (broadcast discovers)")
	fMode := flag.String("mode", "client", "client or server")
	fChannel := flag.Uint("ch", 1, "Channel ID")
	fCount := flag.Uint64("n", 100_000, "Records to exchange (client)")
	fTimeout := flag.Duration("timeout", 0, "Retransmit timeout (0 = 100ms)")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy")
	fLoopback := flag.Bool("loopback", false, "In-memory client+server, no NIC")
	flag.Parse()

	if *fLoopback {
		runLoopback(uint16(*fChannel), *fCount)
		return
	}

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}
	peer, err := wire.ParseMAC(*fPeerMAC)
	must(err)

	port, err := nic.OpenXDP(nic.XDPConfig{
		Interface:      *fIface,
		QueueID:        uint32(*fQueue),
		PreferZerocopy: *fZeroCopy,
	})
	must(err)
	defer port.Close()

	ep, err := sig.New(sig.Config{
		Port:              port,
		DefaultPeer:       peer,
		RetransmitTimeout: *fTimeout,
	})
	must(err)

	fmt.Fprintf(os.Stderr, "SIG %s: iface=%s queue=%d peer=%s zerocopy=%t\n",
		*fMode, *fIface, *fQueue, peer, port.IsZerocopy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startEndpoint(ctx, ep)

	switch *fMode {
	case "server":
		serve(ctx, ep)
	case "client":
		runClient(ctx, ep, uint16(*fChannel), *fCount)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *fMode)
		os.Exit(1)
	}
}
