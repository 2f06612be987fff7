//go:build linux

package afxdp

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/afxdp/pagesize"
)

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		unix.SOL_XDP,
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// setRingSize sets the depth of one of the four rings (XDP_RX_RING,
// XDP_TX_RING, XDP_UMEM_FILL_RING, XDP_UMEM_COMPLETION_RING).
func setRingSize(fd, name int, depth RingQueueDepth) error {
	v := uint32(depth)
	return setsockopt(fd, name, unsafe.Pointer(&v), unsafe.Sizeof(v))
}

func registerUserMemory(fd int, region []byte, s *UserMemorySettings) error {
	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(unsafe.SliceData(region)))),
		Len:      uint64(len(region)),
		Size:     uint32(s.ChunkSize),
		Headroom: uint32(s.FrameHeadroom),
	}
	if s.ChunkAlignment == ChunkAlignmentUnaligned {
		reg.Flags |= unix.XDP_UMEM_UNALIGNED_CHUNK_FLAG
	}
	return setsockopt(fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg))
}

func mmapOffsets(fd int) (offs unix.XDPMmapOffsets, err error) {
	err = getsockopt(fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs))
	return offs, err
}

// mmapRing maps a ring of the socket. pgoff is one of the XDP_PGOFF_* or
// XDP_UMEM_PGOFF_* constants.
func mmapRing(fd int, pgoff int64, off unix.XDPRingOffset, depth RingQueueDepth, entrySize uintptr) ([]byte, error) {
	length := off.Desc + uint64(depth)*uint64(entrySize)
	return unix.Mmap(fd, pgoff, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUserMemory maps an anonymous region for UMEM, backed by huge pages of
// hugePageSize bytes if non-zero. The length is rounded up to the page size
// in use.
func mmapUserMemory(length uint64, sizes pagesize.Sizes, hugePageSize uint64) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	page := sizes.Default
	if hugePageSize != 0 {
		hf, err := sizes.HugePageMapFlags(hugePageSize)
		if err != nil {
			return nil, err
		}
		flags |= hf
		page = hugePageSize
	}
	if page != 0 {
		length = (length + page - 1) / page * page
	}
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, flags)
}

func bindSocket(fd int, sa *unix.SockaddrXDP) error {
	return unix.Bind(fd, sa)
}

// isBackpressure reports errors a wake-up syscall returns while the kernel
// is still busy with the ring. They are not failures.
func isBackpressure(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENETDOWN)
}

var zeroBuf []byte

// wakeUpTransmit notifies the kernel that new TX descriptors are ready.
// AF_XDP treats a zero-length sendto() as a doorbell.
func wakeUpTransmit(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == nil || isBackpressure(err) {
		return nil
	}
	return err
}

// wakeUpReceive kicks the driver to process the fill ring.
func wakeUpReceive(fd int) error {
	_, _, err := unix.Recvfrom(fd, zeroBuf, unix.MSG_DONTWAIT)
	if err == nil || isBackpressure(err) {
		return nil
	}
	return err
}

// poll waits until fd becomes ready for events or timeoutMS expires.
// A timeout is not an error. EINTR is retried and never surfaced, which
// keeps profilers, debuggers and timers from breaking the event loop.
func poll(fd int, events int16, timeoutMS int) (ready bool, err error) {
	for {
		n, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(fd),
			Events: events,
		}}, timeoutMS)
		if err == nil {
			return n > 0, nil
		}
		if err == unix.EINTR {
			continue
		}
		return false, err
	}
}

func statistics(fd int) (s unix.XDPStatistics, err error) {
	err = getsockopt(fd, unix.XDP_STATISTICS, unsafe.Pointer(&s), unsafe.Sizeof(s))
	return s, err
}

func isZeroCopy(fd int) (bool, error) {
	var opts uint32
	if err := getsockopt(fd, unix.XDP_OPTIONS, unsafe.Pointer(&opts), unsafe.Sizeof(opts)); err != nil {
		return false, err
	}
	return opts&unix.XDP_OPTIONS_ZEROCOPY != 0, nil
}
