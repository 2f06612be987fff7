//go:build linux

package afxdp

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func udpFrame(t *testing.T, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(payload),
	))
	return buf.Bytes()
}

// collector records the payloads of received UDP frames.
type collector struct {
	begun    int
	indexes  []int
	payloads []string
	headroom []int
}

func (c *collector) Begin(count int) {
	c.begun = count
	c.indexes, c.payloads, c.headroom = nil, nil, nil
}

func (c *collector) ProcessReceivedFrame(index int, f Frame) {
	c.indexes = append(c.indexes, index)
	c.headroom = append(c.headroom, len(f.OurFrameHeadroom()))
	p := gopacket.NewPacket(bytes.Clone(f.EthernetPacket()), layers.LayerTypeEthernet, gopacket.Default)
	if app := p.ApplicationLayer(); app != nil {
		c.payloads = append(c.payloads, string(app.Payload()))
	} else {
		c.payloads = append(c.payloads, "")
	}
}

func (c *collector) End() int             { return len(c.payloads) }
func (c *collector) NothingReceived() int { return -1 }

func smallUserMemory() UserMemorySettings {
	return UserMemorySettings{
		NumberOfFrames:           64,
		FillRingQueueDepth:       16,
		CompletionRingQueueDepth: 16,
	}
}

func receiveOnly() SocketSettings {
	return SocketSettings{Capability: ReceiveOnly, ReceiveRingQueueDepth: 16}
}

func TestReceiveAndDrop(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), receiveOnly())
	k := fakeKernel{t: t, s: s}

	require.Equal(t, uint32(16), k.fillQueued())
	require.Len(t, s.fillFrames, 16)
	for i, a := range s.fillFrames {
		require.Equal(t, uint64(i)*2048, a, "fill ring holds frames 0..depth in order")
	}
	require.Equal(t, 48, s.umem.FreeFrames())

	k.receive(udpFrame(t, "a"), udpFrame(t, "bb"), udpFrame(t, "ccc"))

	var c collector
	n, err := ReceiveAndDrop[int](s, 64, &c)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c.begun)
	assert.Equal(t, []int{0, 1, 2}, c.indexes)
	assert.Equal(t, []string{"a", "bb", "ccc"}, c.payloads)
	assert.Equal(t, int64(3), s.FramesReceived())

	// Received chunks go straight back to the kernel.
	assert.Equal(t, uint32(16), k.fillQueued())
	assert.ElementsMatch(t, s.fillFrames, k.consumeFill(16))
	assert.Equal(t, 48, s.umem.FreeFrames())

	n, err = ReceiveAndDrop[int](s, 64, &c)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
}

func TestReceiveAndDropMaxFrames(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), receiveOnly())
	k := fakeKernel{t: t, s: s}
	for i := range 5 {
		k.receive(udpFrame(t, fmt.Sprint(i)))
	}

	var c collector
	var got []string
	for _, want := range []int{2, 2, 1, -1} {
		n, err := ReceiveAndDrop[int](s, 2, &c)
		require.NoError(t, err)
		require.Equal(t, want, n)
		if n > 0 {
			got = append(got, c.payloads...)
		}
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, got)
	assert.Equal(t, uint32(16), k.fillQueued())
}

func TestReceiveAndDropUnaligned(t *testing.T) {
	um := smallUserMemory()
	um.ChunkAlignment = ChunkAlignmentUnaligned
	um.FrameHeadroom = 32
	s := newTestSocket(t, um, receiveOnly())
	k := fakeKernel{t: t, s: s}

	k.receive(udpFrame(t, "unaligned"))
	var c collector
	n, err := ReceiveAndDrop[int](s, 64, &c)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{"unaligned"}, c.payloads)
	assert.Equal(t, []int{32}, c.headroom)

	for _, a := range k.consumeFill(16) {
		assert.Zero(t, a>>unalignedBufOffsetShift, "fill addresses carry no offset")
		assert.Zero(t, a%2048)
	}
}

func TestReceiveAndDropNothingReceived(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), receiveOnly())
	k := fakeKernel{t: t, s: s}

	var c collector
	n, err := ReceiveAndDrop[int](s, 64, &c)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.Zero(t, s.WakeUps())

	// The wake-up syscall fails on the test socket's fd.
	k.setNeedWakeUp(&s.rings.fill.ring, true)
	n, err = ReceiveAndDrop[int](s, 64, &c)
	require.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), s.WakeUps())
}

func TestReceiveAndDropInvalidDescriptor(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), receiveOnly())
	k := fakeKernel{t: t, s: s}

	// The chunk behind a descriptor pointing past the region can't be
	// identified and stays with the kernel.
	k.consumeFill(1)
	k.receiveDescriptor(unix.XDPDesc{Addr: uint64(len(s.umem.region)), Len: 64})
	k.receive(udpFrame(t, "a"), udpFrame(t, "b"), udpFrame(t, "c"))
	require.Equal(t, uint32(12), k.fillQueued())

	var c collector
	n, err := ReceiveAndDrop[int](s, 64, &c)
	require.ErrorIs(t, err, ErrDescriptorOutOfBounds)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c.begun)
	assert.Equal(t, []int{0, 1, 2}, c.indexes)
	assert.Equal(t, []string{"a", "b", "c"}, c.payloads)
	assert.Equal(t, int64(3), s.FramesReceived())
	assert.Equal(t, int64(1), s.InvalidDescriptors())
	assert.Equal(t, uint32(15), k.fillQueued(), "valid frames are refilled")
	assert.Equal(t, 48, s.umem.FreeFrames())

	n, err = ReceiveAndDrop[int](s, 64, &c)
	require.NoError(t, err)
	assert.Equal(t, -1, n, "bad entries are released")
}

func TestReceiveAndDropInvalidLengthRefillsChunk(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), receiveOnly())
	k := fakeKernel{t: t, s: s}

	addr := k.consumeFill(1)[0]
	k.receiveDescriptor(unix.XDPDesc{
		Addr: StartOfPacketForFillQueueIfAligned(addr, s.umem.frameHeadroom),
		Len:  uint32(len(s.umem.region)),
	})
	k.receive(udpFrame(t, "after"))

	var c collector
	n, err := ReceiveAndDrop[int](s, 64, &c)
	require.ErrorIs(t, err, ErrDescriptorOutOfBounds)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.begun)
	assert.Equal(t, []string{"after"}, c.payloads)
	assert.Equal(t, uint32(16), k.fillQueued(), "the bad descriptor's chunk is lent again")
	assert.Contains(t, k.consumeFill(16), addr)
}

func TestReceiveAndDropNotReceiveCapable(t *testing.T) {
	s := newTestSocket(t, smallUserMemory(), SocketSettings{Capability: TransmitOnly})
	_, err := ReceiveAndDrop[int](s, 64, &collector{})
	require.ErrorIs(t, err, ErrNotReceiveCapable)

	s = newTestSocket(t, smallUserMemory(), receiveOnly())
	s.closed.Store(true)
	_, err = ReceiveAndDrop[int](s, 64, &collector{})
	require.ErrorIs(t, err, ErrSocketClosed)
}
