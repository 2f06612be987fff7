//go:build linux

package afxdp

import (
	"fmt"
	"runtime"
)

// ReceivedFrameProcessor handles the frames of one ReceiveAndDrop call and
// accumulates a result of type R.
//
// Frames passed to ProcessReceivedFrame alias user memory and are handed
// back to the kernel when ReceiveAndDrop returns; they must not be retained.
type ReceivedFrameProcessor[R any] interface {
	// Begin is called with the number of frames about to be processed.
	// Frames with invalid descriptors are not counted.
	Begin(count int)
	// ProcessReceivedFrame is called once per frame with index 0..count-1.
	ProcessReceivedFrame(index int, frame Frame)
	// End returns the result after all frames were processed.
	End() R
	// NothingReceived returns the result if the RX ring was empty.
	NothingReceived() R
}

// ReceiveAndDrop takes up to maxFrames frames from the RX ring of r, hands
// them to p and returns their chunks to the fill ring.
//
// If the RX ring is empty it issues a wake-up syscall when the kernel asked
// for one and returns p.NothingReceived. It never blocks apart from
// spinning on a full fill ring.
//
// Descriptors outside of user memory are skipped: the rest of the batch is
// still processed and refilled, as is the chunk of a skipped descriptor if
// it can be identified. The result of p.End is then returned together with
// an error wrapping ErrDescriptorOutOfBounds.
func ReceiveAndDrop[R any](r Receiver, maxFrames uint32, p ReceivedFrameProcessor[R]) (R, error) {
	var zero R
	s := r.base()
	if s.closed.Load() {
		return zero, ErrSocketClosed
	}
	if s.rx == nil {
		return zero, ErrNotReceiveCapable
	}

	n, idx := s.rx.peek(maxFrames)
	if n == 0 {
		if s.rings.fill.needsWakeUp() {
			if err := s.wakeUpReceive(); err != nil {
				return p.NothingReceived(), err
			}
		}
		return p.NothingReceived(), nil
	}

	fill := s.rings.fill
	fill.mu.Lock()
	fidx, err := s.reserveFill(n)
	if err != nil {
		fill.mu.Unlock()
		s.rx.cachedCons -= n
		return zero, err
	}

	valid := 0
	for i := range n {
		if _, err := s.umem.FrameFromDescriptor(*s.rx.desc(idx + i)); err == nil {
			valid++
		}
	}

	var (
		processed, refilled, invalid uint32
		invalidErr                   error
	)
	p.Begin(valid)
	for i := range n {
		d := *s.rx.desc(idx + i)
		var (
			orig uint64
			ok   bool
		)
		if f, err := s.umem.FrameFromDescriptor(d); err == nil {
			p.ProcessReceivedFrame(int(processed), f)
			processed++
			orig, ok = f.Layout.OrigAddr, true
		} else {
			invalid++
			if invalidErr == nil {
				invalidErr = err
			}
			orig, ok = s.umem.chunkOf(d)
		}
		if !ok {
			continue
		}
		bits, err := FrameLayout{OrigAddr: orig}.FillFrameDescriptorBitfield(s.umem.alignment)
		if err != nil {
			continue
		}
		*fill.addr(fidx + refilled) = bits
		refilled++
	}
	fill.cancel(n - refilled)
	fill.submit(refilled)
	fill.mu.Unlock()
	s.rx.release(n)
	s.metrics.received.Inc(int64(processed))

	res := p.End()
	if invalid > 0 {
		s.metrics.invalid.Inc(int64(invalid))
		return res, fmt.Errorf("%d of %d descriptors skipped, %d chunks lost: %w",
			invalid, n, n-refilled, invalidErr)
	}
	return res, nil
}

// reserveFill reserves n fill ring entries, waking the kernel up while the
// ring is full. The fill ring lock must be held.
func (s *socket) reserveFill(n uint32) (uint32, error) {
	for {
		if idx, ok := s.rings.fill.reserve(n); ok {
			return idx, nil
		}
		if s.rings.fill.needsWakeUp() {
			if err := s.wakeUpReceive(); err != nil {
				return 0, err
			}
		}
		runtime.Gosched()
	}
}
