//go:build linux

package afxdp

import "fmt"

// XDPPacketHeadroom is the headroom the kernel reserves at the start of every
// received frame (XDP_PACKET_HEADROOM).
const XDPPacketHeadroom = 256

// Unaligned chunk mode packs the offset of the packet start into the upper
// 16 bits of a descriptor address.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/if_xdp.h#L89
const (
	unalignedBufOffsetShift = 48
	unalignedBufAddrMask    = (uint64(1) << unalignedBufOffsetShift) - 1
	maxUnalignedOffset      = uint64(1) << 16
)

// FrameLayout describes where the regions of one frame are located inside
// the user memory region. All values are relative to the start of UMEM.
//
// A chunk is laid out as:
//
//	orig_addr
//	| XDP headroom | our frame headroom | ethernet packet | tailroom |
//	               ^                    ^
//	               end of XDP headroom  start of packet
//
// The XDP headroom only exists for received frames; frames we produce for
// transmission start our frame headroom directly at orig_addr.
type FrameLayout struct {
	OrigAddr uint64
	Offset   uint64

	StartOfPacket  uint64
	LengthOfPacket uint64

	StartOfOurFrameHeadroom  uint64
	LengthOfOurFrameHeadroom uint64

	StartOfXDPHeadroom uint64
	EndOfXDPHeadroom   uint64
	XDPHeadroomLength  uint64
}

func newFrameLayout(
	origAddr, startOfPacket, lengthOfPacket uint64,
	frameHeadroom FrameHeadroom,
	xdpHeadroomLength uint64,
) FrameLayout {
	startOfOurFrameHeadroom := startOfPacket - uint64(frameHeadroom)
	return FrameLayout{
		OrigAddr:                 origAddr,
		Offset:                   startOfPacket - origAddr,
		StartOfPacket:            startOfPacket,
		LengthOfPacket:           lengthOfPacket,
		StartOfOurFrameHeadroom:  startOfOurFrameHeadroom,
		LengthOfOurFrameHeadroom: uint64(frameHeadroom),
		StartOfXDPHeadroom:       startOfOurFrameHeadroom - xdpHeadroomLength,
		EndOfXDPHeadroom:         startOfOurFrameHeadroom,
		XDPHeadroomLength:        xdpHeadroomLength,
	}
}

// ForTransmittedFrameDescriptor lays out a frame the application produces for
// transmission. The kernel headroom has length zero here since the
// application decides where headers are placed.
func ForTransmittedFrameDescriptor(
	origAddr uint64, frameHeadroom FrameHeadroom, lengthOfPacket uint64,
) FrameLayout {
	return newFrameLayout(
		origAddr, origAddr+uint64(frameHeadroom), lengthOfPacket, frameHeadroom, 0,
	)
}

// FromReceivedFrameDescriptorIfAligned decodes an RX descriptor address
// written by the kernel in aligned chunk mode.
func FromReceivedFrameDescriptorIfAligned(
	bits, lengthOfPacket uint64, frameHeadroom FrameHeadroom, chunkSize ChunkSize,
) FrameLayout {
	origAddr := bits &^ (uint64(chunkSize) - 1)
	return newFrameLayout(origAddr, bits, lengthOfPacket, frameHeadroom, XDPPacketHeadroom)
}

// FromReceivedFrameDescriptorIfUnaligned decodes an RX descriptor address
// written by the kernel in unaligned chunk mode.
func FromReceivedFrameDescriptorIfUnaligned(
	bits, lengthOfPacket uint64, frameHeadroom FrameHeadroom,
) FrameLayout {
	origAddr, offset := bits&unalignedBufAddrMask, bits>>unalignedBufOffsetShift
	return newFrameLayout(
		origAddr, origAddr+offset, lengthOfPacket, frameHeadroom, XDPPacketHeadroom,
	)
}

// FromCompletedFrameDescriptorIfAligned decodes a completion ring entry in
// aligned chunk mode. Completions carry no length.
func FromCompletedFrameDescriptorIfAligned(
	bits uint64, frameHeadroom FrameHeadroom, chunkSize ChunkSize,
) FrameLayout {
	origAddr := bits &^ (uint64(chunkSize) - 1)
	return newFrameLayout(origAddr, bits, 0, frameHeadroom, 0)
}

// FromCompletedFrameDescriptorIfUnaligned decodes a completion ring entry in
// unaligned chunk mode.
func FromCompletedFrameDescriptorIfUnaligned(
	bits uint64, frameHeadroom FrameHeadroom,
) FrameLayout {
	origAddr, offset := bits&unalignedBufAddrMask, bits>>unalignedBufOffsetShift
	return newFrameLayout(origAddr, origAddr+offset, 0, frameHeadroom, 0)
}

// StartOfPacketForFillQueueIfAligned is where the kernel will place a
// packet received into the chunk at origAddr in aligned mode.
func StartOfPacketForFillQueueIfAligned(
	origAddr uint64, frameHeadroom FrameHeadroom,
) uint64 {
	return origAddr + XDPPacketHeadroom + uint64(frameHeadroom)
}

// EndOfPacket is the first byte after the packet.
func (l FrameLayout) EndOfPacket() uint64 { return l.StartOfPacket + l.LengthOfPacket }

// MinimumTailroomLength returns the number of bytes left in the chunk after
// the packet, or 0 if the packet already overruns it.
func (l FrameLayout) MinimumTailroomLength(chunkSize ChunkSize) uint64 {
	end := l.OrigAddr + uint64(chunkSize)
	if l.EndOfPacket() >= end {
		return 0
	}
	return end - l.EndOfPacket()
}

// FillFrameDescriptorBitfieldIfAligned returns the address to put on the
// fill ring to hand this frame's chunk back to the kernel.
func (l FrameLayout) FillFrameDescriptorBitfieldIfAligned() uint64 { return l.OrigAddr }

// FillFrameDescriptorBitfieldIfUnaligned returns the fill ring address in
// unaligned mode. The kernel adds its own headroom, so no offset is encoded.
func (l FrameLayout) FillFrameDescriptorBitfieldIfUnaligned() (uint64, error) {
	return encodeUnaligned(l.OrigAddr, 0)
}

// TransmitFrameDescriptorBitfieldIfAligned returns the TX descriptor address
// in aligned mode.
func (l FrameLayout) TransmitFrameDescriptorBitfieldIfAligned() uint64 {
	return l.StartOfPacket
}

// TransmitFrameDescriptorBitfieldIfUnaligned returns the TX descriptor
// address in unaligned mode with the packet offset in the upper bits.
func (l FrameLayout) TransmitFrameDescriptorBitfieldIfUnaligned() (uint64, error) {
	return encodeUnaligned(l.OrigAddr, l.Offset)
}

// FillFrameDescriptorBitfield encodes the fill ring address for alignment a.
func (l FrameLayout) FillFrameDescriptorBitfield(a ChunkAlignment) (uint64, error) {
	if a == ChunkAlignmentUnaligned {
		return l.FillFrameDescriptorBitfieldIfUnaligned()
	}
	return l.FillFrameDescriptorBitfieldIfAligned(), nil
}

// TransmitFrameDescriptorBitfield encodes the TX descriptor address for
// alignment a.
func (l FrameLayout) TransmitFrameDescriptorBitfield(a ChunkAlignment) (uint64, error) {
	if a == ChunkAlignmentUnaligned {
		return l.TransmitFrameDescriptorBitfieldIfUnaligned()
	}
	return l.TransmitFrameDescriptorBitfieldIfAligned(), nil
}

func encodeUnaligned(origAddr, offset uint64) (uint64, error) {
	if offset >= maxUnalignedOffset {
		return 0, fmt.Errorf("%w: %d", ErrUnalignedOffsetTooLarge, offset)
	}
	if origAddr > unalignedBufAddrMask {
		return 0, fmt.Errorf("%w: %#x", ErrUnalignedAddressTooLarge, origAddr)
	}
	return origAddr | offset<<unalignedBufOffsetShift, nil
}

// receivedFrameLayout decodes an RX descriptor for alignment a.
func receivedFrameLayout(
	a ChunkAlignment, bits, length uint64, h FrameHeadroom, c ChunkSize,
) FrameLayout {
	if a == ChunkAlignmentUnaligned {
		return FromReceivedFrameDescriptorIfUnaligned(bits, length, h)
	}
	return FromReceivedFrameDescriptorIfAligned(bits, length, h, c)
}

// completedFrameLayout decodes a completion ring entry for alignment a.
func completedFrameLayout(
	a ChunkAlignment, bits uint64, h FrameHeadroom, c ChunkSize,
) FrameLayout {
	if a == ChunkAlignmentUnaligned {
		return FromCompletedFrameDescriptorIfUnaligned(bits, h)
	}
	return FromCompletedFrameDescriptorIfAligned(bits, h, c)
}
