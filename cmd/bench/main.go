//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/taooceros/dpdk-fifo/nic"
	"github.com/taooceros/dpdk-fifo/nicstat"
	"github.com/taooceros/dpdk-fifo/ratelimit"
	"github.com/taooceros/dpdk-fifo/urp"
	"github.com/taooceros/dpdk-fifo/wire"
)

type Config struct {
	Egress struct {
		Interface string `yaml:"interface"`
		Zerocopy  bool   `yaml:"zerocopy"`
		Queue     uint   `yaml:"queue"`
		PeerMAC   string `yaml:"peer-mac"`
		TxBurst   uint32 `yaml:"tx-burst"`
	} `yaml:"egress"`

	Ingress struct {
		Interface string `yaml:"interface"`
		Zerocopy  bool   `yaml:"zerocopy"`
		Queue     uint   `yaml:"queue"`
		RxBurst   uint32 `yaml:"rx-burst"`
	} `yaml:"ingress"`

	RingSize uint32 `yaml:"ring-size"`
	UnitSize uint32 `yaml:"unit-size"`
	Count    uint64 `yaml:"count"`
	PPS      uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fIfaceE := flag.String("ie", "", "egress interface")
	fIfaceI := flag.String("ii", "", "ingress interface")
	fPreferZC := flag.Bool("z", false, "zerocopy")
	fPeerMAC := flag.String("d", "", "peer mac")
	fCount := flag.Uint64("n", 0, "datagram count")
	fUnitSize := flag.Uint("l", 0, "on-wire frame size")
	fQueue := flag.Uint("q", 0, "egress queue id")
	fTxBurst := flag.Uint("tx", 0, "TX burst size")
	fRxBurst := flag.Uint("rx", 0, "RX burst size")
	fPPS := flag.Uint64("pps", 0, "rate limit in frames per second")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fIfaceE != "" {
		conf.Egress.Interface = *fIfaceE
	}
	if *fIfaceI != "" {
		conf.Ingress.Interface = *fIfaceI
	}
	if *fPreferZC {
		conf.Egress.Zerocopy, conf.Ingress.Zerocopy = true, true
	}
	if *fPeerMAC != "" {
		conf.Egress.PeerMAC = *fPeerMAC
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fUnitSize != 0 {
		conf.UnitSize = uint32(*fUnitSize)
	}
	if *fQueue != 0 {
		conf.Egress.Queue = *fQueue
	}
	if *fTxBurst != 0 {
		conf.Egress.TxBurst = uint32(*fTxBurst)
	}
	if *fRxBurst != 0 {
		conf.Ingress.RxBurst = uint32(*fRxBurst)
	}
	if *fPPS != 0 {
		conf.PPS = *fPPS
	}

	// Validate

	if conf.Egress.Interface == "" {
		return nil, errors.New("egress.interface must be set (or use -ie)")
	}
	if conf.Ingress.Interface == "" {
		return nil, errors.New("ingress.interface must be set (or use -ii)")
	}
	if conf.Egress.PeerMAC == "" {
		return nil, errors.New("egress.peer-mac must be set")
	}
	if _, err := wire.ParseMAC(conf.Egress.PeerMAC); err != nil {
		return nil, err
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.UnitSize != 0 && conf.UnitSize < wire.MinFrameLenURP {
		return nil, errors.New("unit-size below minimum frame length")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func runReceiver(ctx context.Context, ep *urp.Endpoint, received *sync.WaitGroup) {
	received.Add(2)
	go func() {
		defer received.Done()
		runtime.LockOSThread()
		ep.Run(ctx)
	}()
	go func() {
		defer received.Done()
		runtime.LockOSThread()
		in := ep.InboundRing()
		for ctx.Err() == nil {
			// Drain eagerly; counters carry the numbers.
			_, _ = in.TryDequeue()
		}
	}()
}

func runSender(ctx context.Context, ep *urp.Endpoint, conf *Config) time.Duration {
	go func() {
		runtime.LockOSThread()
		ep.Run(ctx)
	}()

	limiter := ratelimit.New(conf.PPS)
	epConf := ep.Config()
	payloadLen := epConf.UnitPayloadLen()
	buf := make([]byte, payloadLen)

	start := time.Now()

	for sent := uint64(0); sent < conf.Count; {
		if payloadLen >= 8 {
			binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
		}
		p, err := urp.NewPayload(buf)
		fatalIf(err, "building payload")
		for ep.Submit(p) != nil {
		}
		sent++
		limiter.Pace(1)
	}
	for ep.OutboundRing().Len() > 0 {
		time.Sleep(time.Millisecond)
	}

	return time.Since(start)
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	peer, err := wire.ParseMAC(conf.Egress.PeerMAC)
	fatalIf(err, "parsing peer MAC")

	portE, err := nic.OpenXDP(nic.XDPConfig{
		Interface:      conf.Egress.Interface,
		QueueID:        uint32(conf.Egress.Queue),
		PreferZerocopy: conf.Egress.Zerocopy,
	})
	fatalIf(err, "opening egress port")
	defer portE.Close()

	portI, err := nic.OpenXDP(nic.XDPConfig{
		Interface:      conf.Ingress.Interface,
		QueueID:        uint32(conf.Ingress.Queue),
		PreferZerocopy: conf.Ingress.Zerocopy,
	})
	fatalIf(err, "opening ingress port")
	defer portI.Close()

	epE, err := urp.New(urp.Config{
		Port:        portE,
		DefaultPeer: peer,
		RingSize:    conf.RingSize,
		TxBurst:     conf.Egress.TxBurst,
		UnitSize:    conf.UnitSize,
	})
	fatalIf(err, "creating egress endpoint")

	epI, err := urp.New(urp.Config{
		Port:        portI,
		DefaultPeer: wire.Broadcast,
		RingSize:    conf.RingSize,
		RxBurst:     conf.Ingress.RxBurst,
	})
	fatalIf(err, "creating ingress endpoint")

	ifaces := []string{conf.Egress.Interface, conf.Ingress.Interface}
	statCounters := []nicstat.Counter{
		nicstat.TxPackets, nicstat.TxBytes, nicstat.RxPackets, nicstat.RxBytes,
	}
	statsBefore, statErr := nicstat.Snapshot(ifaces, statCounters...)
	if statErr != nil {
		fmt.Fprintf(os.Stderr, "kernel counters unavailable: %v\n", statErr)
	}

	// Periodic progress line.
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTx, lastRx uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			tx := epE.Counters().TxFrames.Load()
			rx := epI.Counters().RxFrames.Load()

			fmt.Printf("TX=%d RX=%d TX-PPS=%.0f RX-PPS=%.0f\n",
				tx, rx,
				float64(tx-lastTx)/dt,
				float64(rx-lastRx)/dt,
			)
			lastTx, lastRx = tx, rx
		}
	}()

	ctxRecv, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()
	var recvDone sync.WaitGroup
	runReceiver(ctxRecv, epI, &recvDone)

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for the receiver...\n", d)
		time.Sleep(d)
	}

	ctxSend, cancelSend := context.WithCancel(context.Background())
	elapsed := runSender(ctxSend, epE, conf)
	cancelSend()

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for in-flight frames...\n", d)
		time.Sleep(d)
	}
	cancelRecv()
	recvDone.Wait()

	txFrames := epE.Counters().TxFrames.Load()
	txBytes := epE.Counters().TxBytes.Load()
	rxFrames := epI.Counters().RxFrames.Load()
	rxBytes := epI.Counters().RxBytes.Load()
	rxRingDrops := epI.Counters().RxDropped.Load()

	drops := txFrames - rxFrames
	seconds := elapsed.Seconds()

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", seconds)
	p.Printf(" TX:                %d frames\n", txFrames)
	p.Printf(" RX:                %d frames\n", rxFrames)
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(txFrames)/seconds))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxFrames)/seconds))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/seconds)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/seconds)
	p.Printf(" Ring drops:        %d\n", rxRingDrops)
	p.Printf(" Lost:              %d (%.4f%%)\n",
		drops, float64(drops)/float64(txFrames)*100)

	if statErr == nil {
		statsAfter, err := nicstat.Snapshot(ifaces, statCounters...)
		if err == nil {
			fmt.Println("\nKERNEL COUNTER DELTAS")
			nicstat.Print(os.Stdout, statsAfter.Since(statsBefore))
		}
	}
}
