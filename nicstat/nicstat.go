// Package nicstat reads kernel interface counters for benchmark reports.
package nicstat

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	}
	return ""
}

// IfaceStats holds one interface's counter values.
type IfaceStats map[Counter]uint64

// Stats holds counters for several interfaces.
type Stats map[string]IfaceStats

// Snapshot reads the requested counters of all interfaces from
// /sys/class/net/<iface>/statistics.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old per interface and counter.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	found := make(IfaceStats, len(counters))
	for _, ctr := range counters {
		path := "/sys/class/net/" + name + "/statistics/" + ctr.String()
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		found[ctr] = v
	}
	return found, nil
}

// Print writes a per-interface summary with humanized byte counts.
func Print(w io.Writer, s Stats) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]
		fmt.Fprintf(w, "%s:\n", iface)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			stats[TxPackets],
			humanize.Bytes(stats[TxBytes]), humanize.Comma(int64(stats[TxBytes])),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets],
			humanize.Bytes(stats[RxBytes]), humanize.Comma(int64(stats[RxBytes])),
		)
	}
}
