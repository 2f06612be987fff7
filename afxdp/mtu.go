//go:build linux

package afxdp

import "fmt"

const (
	ethernetHeaderLength     = 14
	frameCheckSequenceLength = 4

	// MinimumEthernetFrameSizeIncludingFCS is the smallest valid ethernet
	// frame, 60 bytes plus the 4 byte frame check sequence.
	MinimumEthernetFrameSizeIncludingFCS = 64
)

// CalculateMaximumTransmissionUnitIncludingFrameCheckSequence returns the
// largest ethernet frame, including its FCS, that fits into a chunk after
// the kernel's XDP headroom and the frame headroom.
func CalculateMaximumTransmissionUnitIncludingFrameCheckSequence(
	chunkSize ChunkSize, frameHeadroom FrameHeadroom,
) (uint32, error) {
	available := int64(chunkSize) - int64(frameHeadroom) - XDPPacketHeadroom
	if available < MinimumEthernetFrameSizeIncludingFCS {
		return 0, fmt.Errorf(
			"%w: chunk size %d - frame headroom %d - XDP headroom %d = %d < %d",
			ErrNoSpaceForMinimumEthernetFrame,
			chunkSize, frameHeadroom, XDPPacketHeadroom, available,
			MinimumEthernetFrameSizeIncludingFCS,
		)
	}
	return uint32(available), nil
}

// InterfaceMaximumTransmissionUnit converts a frame size including the
// ethernet header and FCS into the MTU configured on a device.
func InterfaceMaximumTransmissionUnit(frameIncludingFCS uint32) uint32 {
	return frameIncludingFCS - ethernetHeaderLength - frameCheckSequenceLength
}

// FrameSizeIncludingFrameCheckSequence is the inverse of
// InterfaceMaximumTransmissionUnit.
func FrameSizeIncludingFrameCheckSequence(interfaceMTU uint32) uint32 {
	return interfaceMTU + ethernetHeaderLength + frameCheckSequenceLength
}
