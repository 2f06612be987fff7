//go:build linux

package afxdp

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFramePool(t *testing.T) {
	p := newFramePool(4, ChunkSize4096)
	require.Equal(t, 4, p.len())

	got, ok := p.take(3)
	require.True(t, ok)
	assert.Equal(t, []uint64{0, 4096, 8192}, got, "handed out in ascending order")

	_, ok = p.take(2)
	assert.False(t, ok)
	assert.Equal(t, 1, p.len(), "a failed take takes nothing")

	a, ok := p.takeOne()
	require.True(t, ok)
	assert.Equal(t, uint64(12288), a)
	_, ok = p.takeOne()
	assert.False(t, ok)

	p.put(got...)
	assert.Equal(t, 3, p.len())
}

func newTestRings(t *testing.T, fill, completion uint32) *umemRings {
	t.Helper()
	size := unsafe.Sizeof(uint64(0))
	f, err := newUMemQueue(heapRegion(fill, size), testRingOffset, fill, true)
	require.NoError(t, err)
	c, err := newUMemQueue(heapRegion(completion, size), testRingOffset, completion, false)
	require.NoError(t, err)
	return &umemRings{fill: f, completion: c}
}

func TestPopulateFill(t *testing.T) {
	for _, a := range []ChunkAlignment{ChunkAlignmentAligned, ChunkAlignmentUnaligned} {
		t.Run(a.String(), func(t *testing.T) {
			pool := newFramePool(16, ChunkSize2048)
			r := newTestRings(t, 8, 8)

			addrs, err := r.populate(pool, 8, a)
			require.NoError(t, err)
			require.Len(t, addrs, 8)
			assert.Equal(t, 8, pool.len())

			require.Equal(t, uint32(8), r.fill.producer.Load()-r.fill.consumer.Load())
			for i := range uint32(8) {
				assert.Equal(t, uint64(i)*2048, addrs[i])
				assert.Equal(t, addrs[i], *r.fill.addr(i))
			}
		})
	}
}

func TestPopulateFillErrors(t *testing.T) {
	pool := newFramePool(4, ChunkSize2048)
	r := newTestRings(t, 8, 8)
	_, err := r.populate(pool, 8, ChunkAlignmentAligned)
	require.ErrorIs(t, err, ErrNoFreeFrames)
	assert.Equal(t, 4, pool.len())

	pool = newFramePool(16, ChunkSize2048)
	r = newTestRings(t, 4, 4)
	_, err = r.populate(pool, 8, ChunkAlignmentAligned)
	require.Error(t, err, "more frames than the ring holds")
	assert.Equal(t, 16, pool.len(), "frames go back to the pool")
}

func TestFrameFromDescriptor(t *testing.T) {
	s := UserMemorySettings{NumberOfFrames: 4, ChunkSize: ChunkSize2048, FrameHeadroom: 16}
	u := newUserMemoryOver(-1, make([]byte, 4*2048), &s)
	copy(u.region[2048+256+16:], "packet")
	u.region[2048+256] = 0xAA

	f, err := u.FrameFromDescriptor(unix.XDPDesc{Addr: 2048 + 256 + 16, Len: 6})
	require.NoError(t, err)
	assert.Equal(t, []byte("packet"), f.EthernetPacket())
	assert.Len(t, f.OurFrameHeadroom(), 16)
	assert.Equal(t, byte(0xAA), f.OurFrameHeadroom()[0])
	assert.Len(t, f.XDPHeadroom(), 256)
	assert.Equal(t, uint64(2048), f.Layout.OrigAddr)

	for _, d := range []unix.XDPDesc{
		{Addr: 3*2048 + 256 + 16, Len: 2048},
		{Addr: 4 * 2048, Len: 1},
		{Addr: 100, Len: 1},
	} {
		_, err := u.FrameFromDescriptor(d)
		assert.ErrorIs(t, err, ErrDescriptorOutOfBounds, "%+v", d)
	}
}
