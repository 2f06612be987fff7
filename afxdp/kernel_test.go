//go:build linux

package afxdp

import (
	"testing"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Ring regions are laid out like the kernel does, with producer, consumer
// and flags on separate cache lines.
var testRingOffset = unix.XDPRingOffset{Producer: 0, Consumer: 64, Flags: 128, Desc: 192}

// heapRegion returns zeroed 8-byte aligned memory for a ring of depth
// entries.
func heapRegion(depth uint32, entrySize uintptr) []byte {
	n := testRingOffset.Desc + uint64(depth)*uint64(entrySize)
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}

// newTestSocket builds a socket over heap memory. Its fd is -1, so wake-up
// syscalls fail with EBADF.
func newTestSocket(t *testing.T, um UserMemorySettings, ss SocketSettings) *socket {
	t.Helper()
	require.NoError(t, um.ValidateAndSetDefaults())
	require.NoError(t, ss.ValidateAndSetDefaults())

	region := make([]byte, uint64(um.NumberOfFrames)*uint64(um.ChunkSize))
	u := newUserMemoryOver(-1, region, &um)

	addrSize := unsafe.Sizeof(uint64(0))
	descSize := unsafe.Sizeof(unix.XDPDesc{})
	fill, err := newUMemQueue(heapRegion(uint32(um.FillRingQueueDepth), addrSize),
		testRingOffset, uint32(um.FillRingQueueDepth), true)
	require.NoError(t, err)
	completion, err := newUMemQueue(heapRegion(uint32(um.CompletionRingQueueDepth), addrSize),
		testRingOffset, uint32(um.CompletionRingQueueDepth), false)
	require.NoError(t, err)
	u.rings = &umemRings{fill: fill, completion: completion}

	s := &socket{
		fd:          -1,
		ifname:      "test0",
		queue:       ss.QueueIdentifier,
		capability:  ss.Capability,
		umem:        u,
		rings:       u.rings,
		needWakeUp:  !ss.DisableNeedWakeUp,
		wakeUp:      ss.WakeUpStrategy,
		pollTimeout: ss.PollTimeout,
		reclaimBuf:  make([]uint64, um.CompletionRingQueueDepth),
		metrics:     newSocketMetrics(metrics.NewRegistry(), "test0", ss.QueueIdentifier),
	}
	if ss.Capability.receives() {
		s.rx, err = newDescQueue(heapRegion(uint32(ss.ReceiveRingQueueDepth), descSize),
			testRingOffset, uint32(ss.ReceiveRingQueueDepth), false)
		require.NoError(t, err)
		require.NoError(t, s.populateFill(um.FillRingQueueDepth))
	}
	if ss.Capability.transmits() {
		s.tx, err = newDescQueue(heapRegion(uint32(ss.TransmitRingQueueDepth), descSize),
			testRingOffset, uint32(ss.TransmitRingQueueDepth), true)
		require.NoError(t, err)
	}
	return s
}

// fakeKernel plays the kernel's side of the rings of a test socket.
type fakeKernel struct {
	t *testing.T
	s *socket
}

// fillQueued is the number of fill ring entries lent to the kernel and not
// yet consumed.
func (k fakeKernel) fillQueued() uint32 {
	f := k.s.rings.fill
	return f.producer.Load() - f.consumer.Load()
}

// consumeFill takes up to n addresses from the fill ring.
func (k fakeKernel) consumeFill(n uint32) []uint64 {
	f := k.s.rings.fill
	cons := f.consumer.Load()
	n = min(n, f.producer.Load()-cons)
	out := make([]uint64, n)
	for i := range out {
		out[i] = f.addrs[(cons+uint32(i))&f.mask]
	}
	f.consumer.Store(cons + n)
	return out
}

// receive writes packets into chunks taken from the fill ring and puts
// their descriptors on the RX ring.
func (k fakeKernel) receive(packets ...[]byte) {
	k.t.Helper()
	addrs := k.consumeFill(uint32(len(packets)))
	require.Len(k.t, addrs, len(packets), "fill ring ran dry")

	u := k.s.umem
	headroom := XDPPacketHeadroom + uint64(u.frameHeadroom)
	rx := k.s.rx
	prod := rx.producer.Load()
	for i, addr := range addrs {
		var d unix.XDPDesc
		if u.alignment == ChunkAlignmentUnaligned {
			orig := addr & unalignedBufAddrMask
			copy(u.region[orig+headroom:], packets[i])
			d.Addr = orig | headroom<<unalignedBufOffsetShift
		} else {
			start := StartOfPacketForFillQueueIfAligned(addr, u.frameHeadroom)
			copy(u.region[start:], packets[i])
			d.Addr = start
		}
		d.Len = uint32(len(packets[i]))
		rx.descs[(prod+uint32(i))&rx.mask] = d
	}
	rx.producer.Store(prod + uint32(len(addrs)))
}

// receiveDescriptor puts d on the RX ring as is.
func (k fakeKernel) receiveDescriptor(d unix.XDPDesc) {
	rx := k.s.rx
	prod := rx.producer.Load()
	rx.descs[prod&rx.mask] = d
	rx.producer.Store(prod + 1)
}

// consumeTransmit takes all descriptors off the TX ring.
func (k fakeKernel) consumeTransmit() []unix.XDPDesc {
	tx := k.s.tx
	cons, prod := tx.consumer.Load(), tx.producer.Load()
	out := make([]unix.XDPDesc, 0, prod-cons)
	for i := cons; i != prod; i++ {
		out = append(out, tx.descs[i&tx.mask])
	}
	tx.consumer.Store(prod)
	return out
}

// complete puts addrs on the completion ring.
func (k fakeKernel) complete(addrs ...uint64) {
	c := k.s.rings.completion
	prod := c.producer.Load()
	for i, a := range addrs {
		c.addrs[(prod+uint32(i))&c.mask] = a
	}
	c.producer.Store(prod + uint32(len(addrs)))
}

func (k fakeKernel) setNeedWakeUp(r *ring, on bool) {
	if on {
		r.flags.Store(unix.XDP_RING_NEED_WAKEUP)
	} else {
		r.flags.Store(0)
	}
}
