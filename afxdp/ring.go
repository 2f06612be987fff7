//go:build linux

package afxdp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ring is the user side of one single-producer/single-consumer ring shared
// with the kernel. The producer, consumer and flags words live in memory
// mapped from the socket; cachedProd and cachedCons are private copies that
// avoid touching the shared cache lines on every call.
//
// On producer rings (fill, TX) cachedCons is kept biased by size so that
// cachedCons-cachedProd is the number of free entries.
type ring struct {
	producer *atomic.Uint32
	consumer *atomic.Uint32
	flags    *atomic.Uint32

	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
}

func newRing(
	region []byte, off unix.XDPRingOffset, size uint32, entrySize uintptr, isProducer bool,
) (ring, unsafe.Pointer, error) {
	end := off.Desc + uint64(size)*uint64(entrySize)
	for _, o := range []uint64{off.Producer + 4, off.Consumer + 4, off.Flags + 4, end} {
		if o > uint64(len(region)) {
			return ring{}, nil, fmt.Errorf(
				"%w: need %d bytes, have %d", ErrRingRegionTooSmall, o, len(region),
			)
		}
	}
	base := unsafe.Pointer(unsafe.SliceData(region))
	r := ring{
		producer: (*atomic.Uint32)(unsafe.Add(base, off.Producer)),
		consumer: (*atomic.Uint32)(unsafe.Add(base, off.Consumer)),
		flags:    (*atomic.Uint32)(unsafe.Add(base, off.Flags)),
		mask:     size - 1,
		size:     size,
	}
	r.cachedProd = r.producer.Load()
	r.cachedCons = r.consumer.Load()
	if isProducer {
		r.cachedCons += size
	}
	return r, unsafe.Add(base, off.Desc), nil
}

// free returns the number of entries the producer may reserve, refreshing
// the consumer index only if fewer than n are known to be free.
func (r *ring) free(n uint32) uint32 {
	free := r.cachedCons - r.cachedProd
	if free >= n {
		return free
	}
	r.cachedCons = r.consumer.Load() + r.size
	return r.cachedCons - r.cachedProd
}

// reserve claims n entries for writing. It returns false without claiming
// anything if fewer than n entries are free.
func (r *ring) reserve(n uint32) (idx uint32, ok bool) {
	if r.free(n) < n {
		return 0, false
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, true
}

// cancel gives back the last n reserved but not yet submitted entries.
func (r *ring) cancel(n uint32) { r.cachedProd -= n }

// submit publishes n reserved entries to the kernel.
func (r *ring) submit(n uint32) {
	r.producer.Store(r.producer.Load() + n)
}

// available returns up to max entries the other side has produced,
// refreshing the producer index only when none are known.
func (r *ring) available(max uint32) uint32 {
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = r.producer.Load()
		entries = r.cachedProd - r.cachedCons
	}
	return min(entries, max)
}

// peek claims up to max entries for reading and returns how many were
// claimed and the index of the first one.
func (r *ring) peek(max uint32) (n, idx uint32) {
	n = r.available(max)
	if n > 0 {
		idx = r.cachedCons
		r.cachedCons += n
	}
	return n, idx
}

// release hands n peeked entries back to the kernel.
func (r *ring) release(n uint32) {
	r.consumer.Store(r.consumer.Load() + n)
}

// needsWakeUp reports whether the kernel asked for a wake-up syscall.
func (r *ring) needsWakeUp() bool {
	return r.flags.Load()&unix.XDP_RING_NEED_WAKEUP != 0
}

// umemQueue is a fill or completion ring carrying UMEM addresses.
// mu serializes users of one ring that live on different goroutines.
type umemQueue struct {
	ring
	mu    sync.Mutex
	addrs []uint64
}

func newUMemQueue(
	region []byte, off unix.XDPRingOffset, size uint32, isProducer bool,
) (*umemQueue, error) {
	r, p, err := newRing(region, off, size, unsafe.Sizeof(uint64(0)), isProducer)
	if err != nil {
		return nil, err
	}
	return &umemQueue{ring: r, addrs: unsafe.Slice((*uint64)(p), size)}, nil
}

func (q *umemQueue) addr(idx uint32) *uint64 { return &q.addrs[idx&q.mask] }

// descQueue is an RX or TX ring carrying descriptors.
type descQueue struct {
	ring
	descs []unix.XDPDesc
}

func newDescQueue(
	region []byte, off unix.XDPRingOffset, size uint32, isProducer bool,
) (*descQueue, error) {
	r, p, err := newRing(region, off, size, unsafe.Sizeof(unix.XDPDesc{}), isProducer)
	if err != nil {
		return nil, err
	}
	return &descQueue{ring: r, descs: unsafe.Slice((*unix.XDPDesc)(p), size)}, nil
}

func (q *descQueue) desc(idx uint32) *unix.XDPDesc { return &q.descs[idx&q.mask] }
