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
	"github.com/taooceros/dpdk-fifo/ratelimit"
	"github.com/taooceros/dpdk-fifo/urp"
	"github.com/taooceros/dpdk-fifo/wire"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	fIface := flag.String("i", "", "Interface")
	fQueue := flag.Uint("q", 0, "Queue ID")
	fDestMAC := flag.String("d", "ff:ff:ff:ff:ff:ff", "Destination MAC")
	fCount := flag.Uint64("n", 1_000_000, "Datagrams to send")
	fUnit := flag.Uint("l", 256, "On-wire frame size")
	fPPS := flag.Uint64("pps", 0, "Rate limit in frames per second (0 = unlimited)")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy "+
		"(automatically falls back to copy mode if not supported)")
	flag.Parse()

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}
	dst, err := wire.ParseMAC(*fDestMAC)
	must(err)

	port, err := nic.OpenXDP(nic.XDPConfig{
		Interface:      *fIface,
		QueueID:        uint32(*fQueue),
		PreferZerocopy: *fZeroCopy,
	})
	must(err)
	defer port.Close()

	ep, err := urp.New(urp.Config{
		Port:        port,
		DefaultPeer: dst,
		UnitSize:    uint32(*fUnit),
	})
	must(err)

	fmt.Fprintf(os.Stderr,
		"URP TX: iface=%s queue=%d dst=%s count=%d unit=%d zerocopy=%t\n",
		*fIface, *fQueue, dst, *fCount, *fUnit, port.IsZerocopy(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		runtime.LockOSThread()
		ep.Run(ctx)
	}()

	limiter := ratelimit.New(*fPPS)
	epConf := ep.Config()
	payloadLen := epConf.UnitPayloadLen()
	buf := make([]byte, payloadLen)

	start := time.Now()

	for sent := uint64(0); sent < *fCount; {
		if payloadLen >= 8 {
			// Send timestamp in the leading bytes for receiver-side latency
			// estimates.
			binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
		}
		p, err := urp.NewPayload(buf)
		must(err)
		for ep.Submit(p) != nil {
			// Outbound ring full; the engine is draining it.
		}
		sent++
		limiter.Pace(1)
	}

	// Wait for the engine to flush the outbound ring.
	for ep.OutboundRing().Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	ep.Stop()

	elapsed := time.Since(start)
	c := ep.Counters()
	sent := c.TxFrames.Load()
	pps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s dropped=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(c.TxDropped.Load())),
		humanize.Bytes(c.TxBytes.Load()),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}
