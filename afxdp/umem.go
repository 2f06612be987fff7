//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/romshark/afxdp/pagesize"
)

// UserMemory is the UMEM region shared with the kernel, divided into
// NumberOfFrames chunks of ChunkSize bytes. It owns the fill and completion
// rings registered together with it and a pool of chunks not currently
// lent to the kernel.
//
// The region is only reachable through bounds-checked Frame accessors.
type UserMemory struct {
	fd     int
	region []byte
	mapped bool

	numberOfFrames uint32
	chunkSize      ChunkSize
	frameHeadroom  FrameHeadroom
	alignment      ChunkAlignment

	rings *umemRings
	pool  *framePool
}

// newUserMemory maps a region for s, registers it on the AF_XDP socket fd
// and maps its fill and completion rings. mtu is the largest frame
// including FCS that must fit into a chunk after both headrooms.
func newUserMemory(
	fd int, s *UserMemorySettings, mtu uint32, sizes pagesize.Sizes,
) (*UserMemory, error) {
	if err := s.ChunkSize.validate(sizes.Default); err != nil {
		return nil, creationError("validating chunk size", ErrInvalidChunkSize, err)
	}
	need := uint64(s.FrameHeadroom) + XDPPacketHeadroom + uint64(mtu)
	if need > uint64(s.ChunkSize) {
		return nil, creationError("validating frame headroom", ErrInsufficientHeadroomForMTU,
			fmt.Errorf("frame headroom %d + XDP headroom %d + MTU %d = %d exceeds chunk size %d",
				s.FrameHeadroom, XDPPacketHeadroom, mtu, need, s.ChunkSize))
	}

	length := uint64(s.NumberOfFrames) * uint64(s.ChunkSize)
	region, err := mmapUserMemory(length, sizes, s.HugePageSize)
	if errors.Is(err, pagesize.ErrUnsupportedHugePageSize) {
		return nil, creationError("mmap UMEM", ErrHugePageSizeUnavailable, err)
	} else if err != nil {
		return nil, creationError("mmap UMEM", ErrMemoryMap, err)
	}
	log.Debugf("mapped UMEM: %d frames of %d bytes (%s)",
		s.NumberOfFrames, s.ChunkSize, humanize.IBytes(uint64(len(region))))

	u := newUserMemoryOver(fd, region, s)
	u.mapped = true

	if err := registerUserMemory(fd, region, s); err != nil {
		_ = u.close()
		return nil, creationError("setsockopt XDP_UMEM_REG", ErrSocketOption, err)
	}
	if u.rings, err = newUMemRings(fd, s.FillRingQueueDepth, s.CompletionRingQueueDepth); err != nil {
		_ = u.close()
		return nil, err
	}
	return u, nil
}

// newUserMemoryOver wraps region without registering it.
func newUserMemoryOver(fd int, region []byte, s *UserMemorySettings) *UserMemory {
	return &UserMemory{
		fd:             fd,
		region:         region,
		numberOfFrames: s.NumberOfFrames,
		chunkSize:      s.ChunkSize,
		frameHeadroom:  s.FrameHeadroom,
		alignment:      s.ChunkAlignment,
		pool:           newFramePool(s.NumberOfFrames, s.ChunkSize),
	}
}

func (u *UserMemory) ChunkSize() ChunkSize           { return u.chunkSize }
func (u *UserMemory) FrameHeadroom() FrameHeadroom   { return u.frameHeadroom }
func (u *UserMemory) ChunkAlignment() ChunkAlignment { return u.alignment }
func (u *UserMemory) NumberOfFrames() uint32         { return u.numberOfFrames }
func (u *UserMemory) FreeFrames() int                { return u.pool.len() }

// FrameFromDescriptor decodes an RX descriptor and returns the frame it
// refers to. The frame must not be used after it has been handed back to
// the fill ring.
func (u *UserMemory) FrameFromDescriptor(d unix.XDPDesc) (Frame, error) {
	return u.frame(receivedFrameLayout(
		u.alignment, d.Addr, uint64(d.Len), u.frameHeadroom, u.chunkSize,
	))
}

// chunkOf returns the chunk an RX descriptor points into, if it is one of
// the region's chunks.
func (u *UserMemory) chunkOf(d unix.XDPDesc) (uint64, bool) {
	orig := receivedFrameLayout(
		u.alignment, d.Addr, uint64(d.Len), u.frameHeadroom, u.chunkSize,
	).OrigAddr
	c := uint64(u.chunkSize)
	return orig, orig%c == 0 && orig+c <= uint64(len(u.region))
}

func (u *UserMemory) frame(l FrameLayout) (Frame, error) {
	switch {
	case l.StartOfXDPHeadroom > l.StartOfPacket,
		l.StartOfXDPHeadroom < l.OrigAddr,
		l.EndOfPacket() < l.StartOfPacket,
		l.EndOfPacket() > uint64(len(u.region)):
		return Frame{}, fmt.Errorf("%w: orig %#x offset %#x length %d",
			ErrDescriptorOutOfBounds, l.OrigAddr, l.Offset, l.LengthOfPacket)
	}
	return Frame{Layout: l, region: u.region}, nil
}

func (u *UserMemory) close() error {
	var errs []error
	if u.rings != nil {
		errs = append(errs, u.rings.close())
		u.rings = nil
	}
	if u.mapped && u.region != nil {
		if err := unix.Munmap(u.region); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
	}
	u.region = nil
	return errors.Join(errs...)
}

// Frame is one packet inside user memory.
type Frame struct {
	Layout FrameLayout
	region []byte
}

// EthernetPacket returns the packet bytes, starting with the ethernet
// header. The slice aliases user memory.
func (f Frame) EthernetPacket() []byte {
	return f.region[f.Layout.StartOfPacket:f.Layout.EndOfPacket():f.Layout.EndOfPacket()]
}

// OurFrameHeadroom returns the application headroom in front of the packet.
func (f Frame) OurFrameHeadroom() []byte {
	return f.region[f.Layout.StartOfOurFrameHeadroom:f.Layout.StartOfPacket:f.Layout.StartOfPacket]
}

// XDPHeadroom returns the kernel headroom. It contains kernel-private data
// and must not be written to.
func (f Frame) XDPHeadroom() []byte {
	return f.region[f.Layout.StartOfXDPHeadroom:f.Layout.EndOfXDPHeadroom:f.Layout.EndOfXDPHeadroom]
}

// umemRings are a fill and a completion ring of one socket.
type umemRings struct {
	fill       *umemQueue
	completion *umemQueue
	mappings   [][]byte
}

// newUMemRings sets the depths of the fill and completion rings of fd and
// maps them.
func newUMemRings(fd int, fillDepth, completionDepth RingQueueDepth) (*umemRings, error) {
	if err := setRingSize(fd, unix.XDP_UMEM_FILL_RING, fillDepth); err != nil {
		return nil, creationError("setsockopt XDP_UMEM_FILL_RING", ErrSocketOption, err)
	}
	if err := setRingSize(fd, unix.XDP_UMEM_COMPLETION_RING, completionDepth); err != nil {
		return nil, creationError("setsockopt XDP_UMEM_COMPLETION_RING", ErrSocketOption, err)
	}
	offs, err := mmapOffsets(fd)
	if err != nil {
		return nil, creationError("getsockopt XDP_MMAP_OFFSETS", ErrSocketOption, err)
	}

	r := &umemRings{}
	entry := unsafe.Sizeof(uint64(0))

	fr, err := mmapRing(fd, unix.XDP_UMEM_PGOFF_FILL_RING, offs.Fr, fillDepth, entry)
	if err != nil {
		return nil, creationError("mmap fill ring", ErrMemoryMap, err)
	}
	r.mappings = append(r.mappings, fr)
	if r.fill, err = newUMemQueue(fr, offs.Fr, uint32(fillDepth), true); err != nil {
		_ = r.close()
		return nil, creationError("making fill ring", ErrMemoryMap, err)
	}

	cr, err := mmapRing(fd, unix.XDP_UMEM_PGOFF_COMPLETION_RING, offs.Cr, completionDepth, entry)
	if err != nil {
		_ = r.close()
		return nil, creationError("mmap completion ring", ErrMemoryMap, err)
	}
	r.mappings = append(r.mappings, cr)
	if r.completion, err = newUMemQueue(cr, offs.Cr, uint32(completionDepth), false); err != nil {
		_ = r.close()
		return nil, creationError("making completion ring", ErrMemoryMap, err)
	}
	return r, nil
}

// populate lends n frames from pool to the kernel through the fill ring.
// It returns the addresses it took.
func (r *umemRings) populate(pool *framePool, n uint32, a ChunkAlignment) ([]uint64, error) {
	addrs, ok := pool.take(int(n))
	if !ok {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNoFreeFrames, n, pool.len())
	}

	r.fill.mu.Lock()
	defer r.fill.mu.Unlock()

	idx, ok := r.fill.reserve(n)
	if !ok {
		pool.put(addrs...)
		return nil, fmt.Errorf("fill ring has no room for %d frames", n)
	}
	for i, addr := range addrs {
		bits, err := FrameLayout{OrigAddr: addr}.FillFrameDescriptorBitfield(a)
		if err != nil {
			r.fill.cancel(n)
			pool.put(addrs...)
			return nil, err
		}
		*r.fill.addr(idx + uint32(i)) = bits
	}
	r.fill.submit(n)
	return addrs, nil
}

func (r *umemRings) close() error {
	var errs []error
	for _, m := range r.mappings {
		if err := unix.Munmap(m); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	r.mappings = nil
	return errors.Join(errs...)
}

// framePool holds the addresses of chunks owned by user space.
type framePool struct {
	mu   sync.Mutex
	free []uint64
}

func newFramePool(n uint32, c ChunkSize) *framePool {
	// Kept as a stack with frame 0 on top so frames are handed out in
	// ascending order.
	free := make([]uint64, n)
	for i := range free {
		free[i] = uint64(n-1-uint32(i)) * uint64(c)
	}
	return &framePool{free: free}
}

// take removes n addresses or none at all.
func (p *framePool) take(n int) ([]uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < n {
		return nil, false
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = p.free[len(p.free)-1-i]
	}
	p.free = p.free[:len(p.free)-n]
	return out, true
}

func (p *framePool) takeOne() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return addr, true
}

func (p *framePool) put(addrs ...uint64) {
	p.mu.Lock()
	p.free = append(p.free, addrs...)
	p.mu.Unlock()
}

func (p *framePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
