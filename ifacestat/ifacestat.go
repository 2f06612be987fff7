// Package ifacestat snapshots NIC packet and byte counters through the
// ethtool statistics ioctl and reports their deltas.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

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

// names returns the ethtool statistic names of c in order of preference.
// Physical port counters include frames the driver dropped before XDP.
func (c Counter) names() []string {
	n := c.String()
	return []string{n + "_phy", "port." + n, n}
}

// All counters.
var All = []Counter{TxPackets, TxBytes, RxPackets, RxBytes}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Reader returns the ethtool statistics of an interface.
// *ethtool.Ethtool implements it.
type Reader interface {
	Stats(intf string) (map[string]uint64, error)
}

// Snapshot reads counters of all ifaces.
// Counters a driver doesn't report are zero.
func Snapshot(r Reader, ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		raw, err := r.Stats(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			vals[c] = 0
			for _, name := range c.names() {
				if v, ok := raw[name]; ok {
					vals[c] = v
					break
				}
			}
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
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

// Print writes the counters of every interface, sorted by name.
// aliases label interfaces, e.g. with their role in a benchmark.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]
		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s:\n", iface)
		}
		if err != nil {
			return err
		}
		for _, l := range []struct {
			name           string
			packets, bytes uint64
		}{
			{"TX", stats[TxPackets], stats[TxBytes]},
			{"RX", stats[RxPackets], stats[RxBytes]},
		} {
			if _, err := fmt.Fprintf(w, "  %s   %-12s  ≈ %-8s (%s B)\n",
				l.name, humanize.Comma(int64(l.packets)),
				humanize.Bytes(l.bytes), humanize.Comma(int64(l.bytes)),
			); err != nil {
				return err
			}
		}
	}
	return nil
}
