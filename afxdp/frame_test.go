//go:build linux

package afxdp

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceivedAlignedDecode(t *testing.T) {
	l := FromReceivedFrameDescriptorIfAligned(0x1234, 60, 0, 0x1000)
	assert.Equal(t, uint64(0x1000), l.OrigAddr)
	assert.Equal(t, uint64(0x234), l.Offset)
	assert.Equal(t, uint64(0x1234), l.StartOfPacket)
	assert.Equal(t, uint64(60), l.LengthOfPacket)
	assert.Equal(t, uint64(XDPPacketHeadroom), l.XDPHeadroomLength)
	assert.Equal(t, l.StartOfOurFrameHeadroom, l.EndOfXDPHeadroom)
	assert.Equal(t, uint64(0x1234-XDPPacketHeadroom), l.StartOfXDPHeadroom)
}

func TestReceivedAlignedDecodeWithHeadroom(t *testing.T) {
	const headroom = 64
	start := StartOfPacketForFillQueueIfAligned(0x3000, headroom)
	l := FromReceivedFrameDescriptorIfAligned(start, 100, headroom, ChunkSize4096)

	assert.Equal(t, uint64(0x3000), l.OrigAddr)
	assert.Equal(t, uint64(XDPPacketHeadroom+headroom), l.Offset)
	assert.Equal(t, start-headroom, l.StartOfOurFrameHeadroom)
	assert.Equal(t, uint64(headroom), l.LengthOfOurFrameHeadroom)
	assert.Equal(t, uint64(0x3000), l.StartOfXDPHeadroom)
	assert.Equal(t, uint64(0x3000), l.FillFrameDescriptorBitfieldIfAligned())
	assert.Equal(t, uint64(4096-XDPPacketHeadroom-headroom-100), l.MinimumTailroomLength(ChunkSize4096))
}

func TestReceivedAlignedDecodeInvariant(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, chunk := range []ChunkSize{ChunkSize2048, ChunkSize4096} {
		for range 10_000 {
			bits := r.Uint64() >> 16
			l := FromReceivedFrameDescriptorIfAligned(bits, 0, 0, chunk)
			require.Zero(t, l.OrigAddr%uint64(chunk))
			require.LessOrEqual(t, l.OrigAddr, l.StartOfPacket)
			require.Less(t, l.StartOfPacket, l.OrigAddr+uint64(chunk))
		}
	}
}

func TestReceivedUnalignedDecode(t *testing.T) {
	bits := uint64(0x1_0000_0123) | uint64(320)<<48
	l := FromReceivedFrameDescriptorIfUnaligned(bits, 42, 64)

	assert.Equal(t, uint64(0x1_0000_0123), l.OrigAddr)
	assert.Equal(t, uint64(320), l.Offset)
	assert.Equal(t, uint64(0x1_0000_0123+320), l.StartOfPacket)
	assert.Equal(t, l.StartOfPacket-64, l.StartOfOurFrameHeadroom)
	assert.Equal(t, l.StartOfOurFrameHeadroom-XDPPacketHeadroom, l.StartOfXDPHeadroom)

	fill, err := l.FillFrameDescriptorBitfieldIfUnaligned()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1_0000_0123), fill)
}

func TestTransmittedLayout(t *testing.T) {
	l := ForTransmittedFrameDescriptor(0x800, 32, 128)
	assert.Equal(t, uint64(0x800), l.OrigAddr)
	assert.Equal(t, uint64(0x820), l.StartOfPacket)
	assert.Equal(t, uint64(32), l.Offset)
	assert.Equal(t, uint64(0x800), l.StartOfOurFrameHeadroom)
	assert.Zero(t, l.XDPHeadroomLength)
	assert.Equal(t, l.StartOfOurFrameHeadroom, l.StartOfXDPHeadroom)
	assert.Equal(t, uint64(0x820), l.TransmitFrameDescriptorBitfieldIfAligned())

	bits, err := l.TransmitFrameDescriptorBitfieldIfUnaligned()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x800)|uint64(32)<<48, bits)
}

func TestTransmitCompletionRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for _, chunk := range []ChunkSize{ChunkSize2048, ChunkSize4096} {
		for _, headroom := range []FrameHeadroom{0, 1, 64, 256, FrameHeadroom(chunk) - 64} {
			for range 1_000 {
				orig := uint64(r.Uint32N(1<<20)) * uint64(chunk)
				length := uint64(r.Uint32N(uint32(chunk) - uint32(headroom)))
				tx := ForTransmittedFrameDescriptor(orig, headroom, length)

				aligned := FromCompletedFrameDescriptorIfAligned(
					tx.TransmitFrameDescriptorBitfieldIfAligned(), headroom, chunk,
				)
				require.Equal(t, tx.OrigAddr, aligned.OrigAddr)
				require.Equal(t, tx.StartOfPacket, aligned.StartOfPacket)

				bits, err := tx.TransmitFrameDescriptorBitfieldIfUnaligned()
				require.NoError(t, err)
				unaligned := FromCompletedFrameDescriptorIfUnaligned(bits, headroom)
				require.Equal(t, tx.OrigAddr, unaligned.OrigAddr)
				require.Equal(t, tx.StartOfPacket, unaligned.StartOfPacket)
			}
		}
	}
}

func TestUnalignedEncodingRejectsOverflow(t *testing.T) {
	l := ForTransmittedFrameDescriptor(0x1000, 1<<16, 0)
	_, err := l.TransmitFrameDescriptorBitfieldIfUnaligned()
	require.ErrorIs(t, err, ErrUnalignedOffsetTooLarge)

	l = ForTransmittedFrameDescriptor(0x1000, 1<<16-1, 0)
	bits, err := l.TransmitFrameDescriptorBitfieldIfUnaligned()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<16-1), bits>>48)

	_, err = FrameLayout{OrigAddr: 1 << 48}.FillFrameDescriptorBitfieldIfUnaligned()
	require.ErrorIs(t, err, ErrUnalignedAddressTooLarge)
}

func TestFillBitfieldDispatch(t *testing.T) {
	l := FromReceivedFrameDescriptorIfAligned(0x2100, 60, 0, ChunkSize2048)

	bits, err := l.FillFrameDescriptorBitfield(ChunkAlignmentAligned)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), bits)

	u := FromReceivedFrameDescriptorIfUnaligned(0x2000|uint64(256)<<48, 60, 0)
	bits, err = u.FillFrameDescriptorBitfield(ChunkAlignmentUnaligned)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), bits)
}

func TestMinimumTailroomLength(t *testing.T) {
	l := ForTransmittedFrameDescriptor(0, 0, 2048)
	assert.Zero(t, l.MinimumTailroomLength(ChunkSize2048))

	l = ForTransmittedFrameDescriptor(2048, 0, 2000)
	assert.Equal(t, uint64(48), l.MinimumTailroomLength(ChunkSize2048))
}
