//go:build linux

package afxdp

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Statistics are the kernel's counters of one socket.
type Statistics struct {
	// ReceiveDropped counts packets dropped for reasons other than
	// invalid descriptors.
	ReceiveDropped uint64
	// ReceiveInvalidDescriptors counts fill ring entries the kernel
	// rejected.
	ReceiveInvalidDescriptors uint64
	// TransmitInvalidDescriptors counts TX ring entries the kernel
	// rejected.
	TransmitInvalidDescriptors uint64
	// ReceiveRingFull counts packets dropped because the RX ring was full.
	ReceiveRingFull uint64
	// FillRingEmptyDescriptors counts packets dropped because the fill
	// ring was empty.
	FillRingEmptyDescriptors uint64
	// TransmitRingEmptyDescriptors counts wake-ups that found the TX ring
	// empty.
	TransmitRingEmptyDescriptors uint64
}

// socketMetrics are the go-metrics counters of one socket, registered as
// afxdp.<interface>.<queue>.<name>.
type socketMetrics struct {
	registry metrics.Registry
	names    []string

	received    metrics.Counter
	transmitted metrics.Counter
	completed   metrics.Counter
	wakeUps     metrics.Counter
	invalid     metrics.Counter
}

func newSocketMetrics(r metrics.Registry, ifname string, q QueueIdentifier) *socketMetrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	m := &socketMetrics{registry: r}
	counter := func(name string) metrics.Counter {
		full := fmt.Sprintf("afxdp.%s.%d.%s", ifname, q, name)
		m.names = append(m.names, full)
		return metrics.GetOrRegisterCounter(full, r)
	}
	m.received = counter("received")
	m.transmitted = counter("transmitted")
	m.completed = counter("completed")
	m.wakeUps = counter("wakeups")
	m.invalid = counter("invalid")
	return m
}

func (m *socketMetrics) unregister() {
	for _, n := range m.names {
		m.registry.Unregister(n)
	}
}

// Statistics queries the kernel's counters of the socket.
func (s *socket) Statistics() (Statistics, error) {
	st, err := statistics(s.fd)
	if err != nil {
		return Statistics{}, fmt.Errorf("getsockopt XDP_STATISTICS: %w", err)
	}
	return Statistics{
		ReceiveDropped:               st.Rx_dropped,
		ReceiveInvalidDescriptors:    st.Rx_invalid_descs,
		TransmitInvalidDescriptors:   st.Tx_invalid_descs,
		ReceiveRingFull:              st.Rx_ring_full,
		FillRingEmptyDescriptors:     st.Rx_fill_ring_empty_descs,
		TransmitRingEmptyDescriptors: st.Tx_ring_empty_descs,
	}, nil
}

// FramesReceived is the number of frames handed to receive processors.
func (s *socket) FramesReceived() int64 { return s.metrics.received.Count() }

// FramesTransmitted is the number of frames submitted to the TX ring.
func (s *socket) FramesTransmitted() int64 { return s.metrics.transmitted.Count() }

// FramesCompleted is the number of transmitted frames the kernel is done
// with.
func (s *socket) FramesCompleted() int64 { return s.metrics.completed.Count() }

// WakeUps is the number of wake-up syscalls issued.
func (s *socket) WakeUps() int64 { return s.metrics.wakeUps.Count() }

// InvalidDescriptors is the number of RX descriptors skipped because they
// point outside of user memory.
func (s *socket) InvalidDescriptors() int64 { return s.metrics.invalid.Count() }
