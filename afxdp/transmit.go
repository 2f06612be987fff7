//go:build linux

package afxdp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TransmitFrame is a chunk leased from user memory for transmission. It
// goes back to the free frames once the kernel completes it, or through
// ReleaseTransmitFrame if it's never transmitted.
type TransmitFrame struct {
	layout FrameLayout
	region []byte
	end    uint64
}

// Buffer returns the writable area of the frame, from the start of the
// packet to the end of the chunk.
func (f *TransmitFrame) Buffer() []byte {
	return f.region[f.layout.StartOfPacket:f.end:f.end]
}

// SetLength sets the number of bytes of Buffer to transmit.
func (f *TransmitFrame) SetLength(n int) error {
	if n < 0 || f.layout.StartOfPacket+uint64(n) > f.end {
		return fmt.Errorf("%w: %d bytes, room for %d", ErrFrameTooLarge, n, f.end-f.layout.StartOfPacket)
	}
	f.layout.LengthOfPacket = uint64(n)
	return nil
}

// EthernetPacket returns the first SetLength bytes of Buffer.
func (f *TransmitFrame) EthernetPacket() []byte {
	return f.region[f.layout.StartOfPacket:f.layout.EndOfPacket():f.layout.EndOfPacket()]
}

// OurFrameHeadroom returns the application headroom in front of the packet.
func (f *TransmitFrame) OurFrameHeadroom() []byte {
	return f.region[f.layout.StartOfOurFrameHeadroom:f.layout.StartOfPacket:f.layout.StartOfPacket]
}

// Layout returns where the frame is located in user memory.
func (f *TransmitFrame) Layout() FrameLayout { return f.layout }

// NextTransmitFrame leases a free chunk, reclaiming completed frames first
// if none is free. It fails with ErrNoFreeFrames if all chunks are in use.
func (s *socket) NextTransmitFrame() (TransmitFrame, error) {
	if s.closed.Load() {
		return TransmitFrame{}, ErrSocketClosed
	}
	if s.tx == nil {
		return TransmitFrame{}, ErrNotTransmitCapable
	}
	addr, ok := s.umem.pool.takeOne()
	if !ok {
		s.reclaim(uint32(len(s.reclaimBuf)))
		if addr, ok = s.umem.pool.takeOne(); !ok {
			return TransmitFrame{}, ErrNoFreeFrames
		}
	}
	return TransmitFrame{
		layout: ForTransmittedFrameDescriptor(addr, s.umem.frameHeadroom, 0),
		region: s.umem.region,
		end:    addr + uint64(s.umem.chunkSize),
	}, nil
}

// ReleaseTransmitFrame returns a frame that won't be transmitted to the
// free frames.
func (s *socket) ReleaseTransmitFrame(f TransmitFrame) {
	s.umem.pool.put(f.layout.OrigAddr)
}

// Transmit puts as many frames on the TX ring as there is room for and
// kicks the kernel if it needs a wake-up. It returns the number of frames
// submitted, which are the first n of frames; the rest still belong to the
// caller.
func (s *socket) Transmit(frames []TransmitFrame) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if s.tx == nil {
		return 0, ErrNotTransmitCapable
	}
	s.txLock.Lock()
	defer s.txLock.Unlock()

	n := min(uint32(len(frames)), s.tx.free(uint32(len(frames))))
	if n == 0 {
		return 0, s.kickTransmit()
	}
	idx, _ := s.tx.reserve(n)
	for i := range n {
		l := frames[i].layout
		bits, err := l.TransmitFrameDescriptorBitfield(s.umem.alignment)
		if err != nil {
			s.tx.cancel(n - i)
			s.tx.submit(i)
			s.metrics.transmitted.Inc(int64(i))
			return int(i), err
		}
		*s.tx.desc(idx + i) = unix.XDPDesc{Addr: bits, Len: uint32(l.LengthOfPacket)}
	}
	s.tx.submit(n)
	s.metrics.transmitted.Inc(int64(n))
	return int(n), s.kickTransmit()
}

// kickTransmit tells the kernel there are descriptors on the TX ring.
// Without need-wakeup the kernel only processes the ring on sendto.
func (s *socket) kickTransmit() error {
	if s.needWakeUp && !s.tx.needsWakeUp() {
		return nil
	}
	s.metrics.wakeUps.Inc(1)
	return wakeUpTransmit(s.fd)
}

// ReclaimCompleted moves up to max frames the kernel is done transmitting
// back to the free frames and returns how many it moved.
func (s *socket) ReclaimCompleted(max uint32) (uint32, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if s.tx == nil {
		return 0, ErrNotTransmitCapable
	}
	return s.reclaim(max), nil
}

func (s *socket) reclaim(max uint32) uint32 {
	c := s.rings.completion
	c.mu.Lock()
	defer c.mu.Unlock()

	n, idx := c.peek(min(max, uint32(len(s.reclaimBuf))))
	if n == 0 {
		return 0
	}
	for i := range n {
		s.reclaimBuf[i] = completedFrameLayout(
			s.umem.alignment, *c.addr(idx + i), s.umem.frameHeadroom, s.umem.chunkSize,
		).OrigAddr
	}
	c.release(n)
	s.umem.pool.put(s.reclaimBuf[:n]...)
	s.metrics.completed.Inc(int64(n))
	return n
}
