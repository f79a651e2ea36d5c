//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/urp"
	"github.com/taooceros/dpdk-fifo/wire"
)

func main() {
	fIface := flag.String("i", "", "Interface")
	fQueue := flag.Uint("q", 0, "Queue ID")
	fEcho := flag.Bool("echo", false, "Resubmit every received payload to the sender")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy")
	flag.Parse()

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}

	port, err := nic.OpenXDP(nic.XDPConfig{
		Interface:      *fIface,
		QueueID:        uint32(*fQueue),
		PreferZerocopy: *fZeroCopy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening port: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	ep, err := urp.New(urp.Config{
		Port:        port,
		DefaultPeer: wire.Broadcast,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating endpoint: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "URP RX: iface=%s queue=%d echo=%t zerocopy=%t\n",
		*fIface, *fQueue, *fEcho, port.IsZerocopy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		runtime.LockOSThread()
		ep.Run(ctx)
	}()

	// Consumer: drain eagerly, optionally echo back.
	go func() {
		runtime.LockOSThread()
		in := ep.InboundRing()
		for ctx.Err() == nil {
			p, err := in.TryDequeue()
			if err != nil {
				continue
			}
			if *fEcho {
				for ep.Submit(p) != nil {
					// Outbound ring full; the engine is draining it.
				}
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var (
		lastFrames uint64
		lastBytes  uint64
		maxPPS     float64
		maxMbps    float64
	)
	lastTime := time.Now()
	c := ep.Counters()

	for range ticker.C {
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		frames := c.RxFrames.Load()
		bytes := c.RxBytes.Load()

		pps := float64(frames-lastFrames) / elapsed
		mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6

		maxPPS = max(maxPPS, pps)
		maxMbps = max(maxMbps, mbps)

		fmt.Printf(
			"total=%d dropped=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			frames,
			c.RxDropped.Load(),
			pps,
			mbps,
			maxPPS,
			maxMbps,
		)

		lastFrames = frames
		lastBytes = bytes
		lastTime = now
	}
}
