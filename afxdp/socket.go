//go:build linux

// Package afxdp implements AF_XDP sockets over a user memory region (UMEM)
// shared with the kernel.
//
// An OwnedSocket registers the UMEM, binds to one queue of a network
// interface and attaches (or reuses) the XDP program redirecting packets to
// AF_XDP sockets. Shares of it bind further queues on the same UMEM.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: packets delivered from the NIC to userspace.
//   - Fill ring: UMEM addresses userspace lends to the kernel for RX.
//   - TX ring: descriptors userspace hands to the NIC.
//   - Completion ring: transmitted frames returned by the kernel.
package afxdp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"

	"github.com/romshark/afxdp/afxdp/xdp"
	"github.com/romshark/afxdp/netdev"
	"github.com/romshark/afxdp/pagesize"
)

var log = logging.MustGetLogger("afxdp")

// Receiver is a socket frames can be received on, either an *OwnedSocket
// or a *SharedSocket.
type Receiver interface {
	base() *socket
}

// socket is the state common to owned and shared sockets.
//
// The receive path and the transmit path may run on different goroutines,
// but neither is safe for concurrent use by itself.
type socket struct {
	fd         int
	ifname     string
	ifindex    int
	queue      QueueIdentifier
	capability Capability

	umem  *UserMemory
	rings *umemRings
	// fillFrames are the frames lent to the kernel through rings.fill.
	// The set is invariant, received frames go straight back to the fill
	// ring.
	fillFrames []uint64

	rx, tx       *descQueue
	ringMappings [][]byte

	needWakeUp  bool
	wakeUp      WakeUpStrategy
	pollTimeout time.Duration
	zeroCopy    bool

	txLock     sync.Mutex
	reclaimBuf []uint64

	metrics *socketMetrics
	closed  atomic.Bool
}

func (s *socket) base() *socket { return s }

func (s *socket) FD() int                          { return s.fd }
func (s *socket) Interface() string                { return s.ifname }
func (s *socket) QueueIdentifier() QueueIdentifier { return s.queue }
func (s *socket) Capability() Capability           { return s.capability }
func (s *socket) UserMemory() *UserMemory          { return s.umem }

// IsZeroCopy reports whether the socket was bound in zero-copy mode.
// It may be false even with BindModePreferZeroCopy if the driver or queue
// doesn't support zero-copy.
func (s *socket) IsZeroCopy() bool { return s.zeroCopy }

// openRings sets the depths of the RX and TX rings the capability needs
// and maps them.
func (s *socket) openRings(cfg *SocketSettings) error {
	if s.capability.receives() {
		if err := setRingSize(s.fd, unix.XDP_RX_RING, cfg.ReceiveRingQueueDepth); err != nil {
			return creationError("setsockopt XDP_RX_RING", ErrSocketOption, err)
		}
	}
	if s.capability.transmits() {
		if err := setRingSize(s.fd, unix.XDP_TX_RING, cfg.TransmitRingQueueDepth); err != nil {
			return creationError("setsockopt XDP_TX_RING", ErrSocketOption, err)
		}
	}
	offs, err := mmapOffsets(s.fd)
	if err != nil {
		return creationError("getsockopt XDP_MMAP_OFFSETS", ErrSocketOption, err)
	}
	entry := unsafe.Sizeof(unix.XDPDesc{})

	switch s.capability {
	case ReceiveOnly, ReceiveAndTransmit:
		m, err := mmapRing(s.fd, unix.XDP_PGOFF_RX_RING, offs.Rx, cfg.ReceiveRingQueueDepth, entry)
		if err != nil {
			return creationError("mmap RX ring", ErrMemoryMap, err)
		}
		s.ringMappings = append(s.ringMappings, m)
		if s.rx, err = newDescQueue(m, offs.Rx, uint32(cfg.ReceiveRingQueueDepth), false); err != nil {
			return creationError("making RX ring", ErrMemoryMap, err)
		}
	}
	switch s.capability {
	case TransmitOnly, ReceiveAndTransmit:
		m, err := mmapRing(s.fd, unix.XDP_PGOFF_TX_RING, offs.Tx, cfg.TransmitRingQueueDepth, entry)
		if err != nil {
			return creationError("mmap TX ring", ErrMemoryMap, err)
		}
		s.ringMappings = append(s.ringMappings, m)
		if s.tx, err = newDescQueue(m, offs.Tx, uint32(cfg.TransmitRingQueueDepth), true); err != nil {
			return creationError("making TX ring", ErrMemoryMap, err)
		}
	}
	return nil
}

func (s *socket) closeRings() error {
	var errs []error
	for _, m := range s.ringMappings {
		if err := unix.Munmap(m); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.ringMappings, s.rx, s.tx = nil, nil, nil
	return errors.Join(errs...)
}

// bind binds the socket, falling back to copy mode if zero-copy was only
// preferred and the driver refused it.
func (s *socket) bind(mode BindMode, disableNeedWakeUp bool) error {
	sa := &unix.SockaddrXDP{
		Ifindex: uint32(s.ifindex),
		QueueID: uint32(s.queue),
	}
	if !disableNeedWakeUp {
		sa.Flags |= unix.XDP_USE_NEED_WAKEUP
	}
	switch mode {
	case BindModeCopy:
		sa.Flags |= unix.XDP_COPY
	case BindModeZeroCopy, BindModePreferZeroCopy:
		sa.Flags |= unix.XDP_ZEROCOPY
	}

	err := bindSocket(s.fd, sa)
	if err != nil && mode == BindModePreferZeroCopy &&
		(errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP)) {
		log.Infof("%s queue %d: zero-copy not supported (%v), falling back to copy mode",
			s.ifname, s.queue, err)
		sa.Flags = sa.Flags&^unix.XDP_ZEROCOPY | unix.XDP_COPY
		err = bindSocket(s.fd, sa)
	}
	if err != nil {
		return creationError(fmt.Sprintf("binding to queue %d", s.queue), ErrBind, err)
	}
	s.needWakeUp = !disableNeedWakeUp
	s.detectZeroCopy(sa.Flags&unix.XDP_ZEROCOPY != 0)
	return nil
}

// bindShared binds the socket on the UMEM registered on ownerFD. The
// socket inherits the owner's copy mode and need-wakeup setting.
func (s *socket) bindShared(ownerFD int, owner *socket) error {
	sa := &unix.SockaddrXDP{
		Flags:        unix.XDP_SHARED_UMEM,
		Ifindex:      uint32(s.ifindex),
		QueueID:      uint32(s.queue),
		SharedUmemFD: uint32(ownerFD),
	}
	if err := bindSocket(s.fd, sa); err != nil {
		return creationError(fmt.Sprintf("binding shared socket to queue %d", s.queue), ErrBind, err)
	}
	s.needWakeUp = owner.needWakeUp
	s.detectZeroCopy(owner.zeroCopy)
	return nil
}

func (s *socket) detectZeroCopy(fallback bool) {
	zc, err := isZeroCopy(s.fd)
	if err != nil {
		log.Debugf("%s queue %d: getsockopt XDP_OPTIONS: %v", s.ifname, s.queue, err)
		zc = fallback
	}
	s.zeroCopy = zc
}

// populateFill lends depth frames to the kernel through the fill ring.
func (s *socket) populateFill(depth RingQueueDepth) error {
	addrs, err := s.rings.populate(s.umem.pool, uint32(depth), s.umem.alignment)
	if err != nil {
		return creationError("populating fill ring", ErrNoFreeFrames, err)
	}
	s.fillFrames = addrs
	return nil
}

// wakeUpReceive asks the kernel to process the fill ring.
func (s *socket) wakeUpReceive() error {
	s.metrics.wakeUps.Inc(1)
	if s.wakeUp == WakeUpPoll {
		_, err := poll(s.fd, unix.POLLIN, int(s.pollTimeout.Milliseconds()))
		return err
	}
	return wakeUpReceive(s.fd)
}

// Wait blocks until the socket has frames to receive, room to transmit or
// timeout expires. A timeout is not an error.
func (s *socket) Wait(timeout time.Duration) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	var events int16
	if s.capability.receives() {
		events |= unix.POLLIN
	}
	if s.capability.transmits() {
		events |= unix.POLLOUT
	}
	_, err := poll(s.fd, events, int(timeout.Milliseconds()))
	return err
}

// OwnedSocket is the socket that registered the UMEM and attached (or
// reused) the XDP program. It must outlive its shares.
type OwnedSocket struct {
	socket

	settings Settings
	device   *netdev.Device
	program  *xdp.RedirectMapAndAttachedProgram

	lock   sync.Mutex
	queues map[QueueIdentifier]struct{}
	shares int
}

// NewOwnedSocket resolves s.Interface, configures its MTU to fit the
// chunk size, registers a UMEM, binds a socket to s.Socket.QueueIdentifier,
// attaches or reuses the redirect program and, if receive capable, fills
// the fill ring with the frames 0 through FillRingQueueDepth-1.
func NewOwnedSocket(s Settings) (*OwnedSocket, error) {
	if err := s.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	sock, err := newOwnedSocket(s)
	return sock, withInterface(err, s.Interface)
}

func newOwnedSocket(s Settings) (_ *OwnedSocket, err error) {
	sizes, err := pagesize.Detect()
	if err != nil {
		return nil, creationError("detecting page sizes", ErrMemoryMap, err)
	}

	dev, err := netdev.Open(s.Interface)
	if err != nil {
		return nil, creationError("opening network device", ErrNetworkDevice, err)
	}
	o := &OwnedSocket{
		socket: socket{
			fd:          -1,
			ifname:      dev.Name(),
			ifindex:     dev.Index(),
			queue:       s.Socket.QueueIdentifier,
			capability:  s.Socket.Capability,
			wakeUp:      s.Socket.WakeUpStrategy,
			pollTimeout: s.Socket.PollTimeout,
			metrics:     newSocketMetrics(s.Metrics, dev.Name(), s.Socket.QueueIdentifier),
		},
		settings: s,
		device:   dev,
		queues:   map[QueueIdentifier]struct{}{s.Socket.QueueIdentifier: {}},
	}
	defer func() {
		if err != nil {
			o.teardown()
		}
	}()

	frameSize, err := CalculateMaximumTransmissionUnitIncludingFrameCheckSequence(
		s.UserMemory.ChunkSize, s.UserMemory.FrameHeadroom,
	)
	if err != nil {
		return nil, creationError("calculating MTU", ErrNoSpaceForMinimumEthernetFrame, err)
	}
	if frameSize, err = configureMTU(dev, &s, frameSize); err != nil {
		return nil, err
	}

	if o.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0); err != nil {
		return nil, creationError("opening AF_XDP socket", ErrSocketOption, err)
	}
	if o.umem, err = newUserMemory(o.fd, &s.UserMemory, frameSize, sizes); err != nil {
		return nil, err
	}
	o.rings = o.umem.rings
	o.reclaimBuf = make([]uint64, s.UserMemory.CompletionRingQueueDepth)
	if err = o.openRings(&s.Socket); err != nil {
		return nil, err
	}
	if err = o.bind(s.Socket.BindMode, s.Socket.DisableNeedWakeUp); err != nil {
		return nil, err
	}

	queues, qerr := dev.QueueCount()
	if qerr != nil {
		log.Warningf("%s: %v", dev.Name(), qerr)
	}
	queues = max(queues, uint32(s.Socket.QueueIdentifier)+1)
	if o.program, err = xdp.NewSuitableForOwnedOrReuseAlreadyAttached(
		dev.Index(), dev.Name(), queues, s.Program,
	); err != nil {
		return nil, creationError("attaching XDP program", ErrAttachProgram, err)
	}
	if err = o.program.InsertIntoRedirectMapIfReceive(
		o.capability.receives(), uint32(o.queue), o.fd,
	); err != nil {
		return nil, creationError("inserting into redirect map", ErrAttachProgram, err)
	}

	if o.capability.receives() {
		if err = o.populateFill(s.UserMemory.FillRingQueueDepth); err != nil {
			return nil, err
		}
	}

	log.Infof("%s queue %d: bound %s socket (zero-copy: %t, need wakeup: %t, UMEM: %d x %d)",
		o.ifname, o.queue, o.capability, o.zeroCopy, o.needWakeUp,
		o.umem.NumberOfFrames(), o.umem.ChunkSize())
	return o, nil
}

// configureMTU sets the interface MTU and returns the frame size including
// FCS the UMEM has to fit.
func configureMTU(dev *netdev.Device, s *Settings, frameSize uint32) (uint32, error) {
	want := InterfaceMaximumTransmissionUnit(frameSize)
	if s.MaximumTransmissionUnit != 0 {
		if need := FrameSizeIncludingFrameCheckSequence(s.MaximumTransmissionUnit); need > frameSize {
			return 0, creationError("configuring MTU", ErrInsufficientHeadroomForMTU,
				fmt.Errorf("MTU %d needs frames of %d bytes, chunk size %d with frame headroom %d allows %d",
					s.MaximumTransmissionUnit, need,
					s.UserMemory.ChunkSize, s.UserMemory.FrameHeadroom, frameSize))
		}
		want = s.MaximumTransmissionUnit
	}
	if s.KeepMaximumTransmissionUnit &&
		FrameSizeIncludingFrameCheckSequence(dev.MTU()) <= frameSize {
		return FrameSizeIncludingFrameCheckSequence(dev.MTU()), nil
	}
	if err := dev.SetMTU(want); err != nil {
		return 0, creationError("setting MTU", ErrNetworkDevice, err)
	}
	return FrameSizeIncludingFrameCheckSequence(want), nil
}

// Program returns the redirect program the socket is registered in.
func (o *OwnedSocket) Program() *xdp.RedirectMapAndAttachedProgram { return o.program }

// Share binds another socket to s.QueueIdentifier on the owner's UMEM and
// registers it in the redirect map. The share gets its own fill and
// completion rings, which it fills from the UMEM's free frames.
func (o *OwnedSocket) Share(s SocketSettings) (*SharedSocket, error) {
	if err := s.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed.Load() {
		return nil, ErrSocketClosed
	}
	if err := o.program.SuitableForSharing(); err != nil {
		return nil, withInterface(
			creationError("sharing socket", xdp.ErrAttachedProgramNotSuitableForSharing, err), o.ifname,
		)
	}
	if _, ok := o.queues[s.QueueIdentifier]; ok {
		return nil, fmt.Errorf("%w: %d on %s", ErrQueueIdentifierInUse, s.QueueIdentifier, o.ifname)
	}

	sh, err := o.share(&s)
	if err != nil {
		return nil, withInterface(err, o.ifname)
	}
	o.queues[s.QueueIdentifier] = struct{}{}
	o.shares++
	log.Infof("%s queue %d: bound shared %s socket (zero-copy: %t)",
		o.ifname, sh.queue, sh.capability, sh.zeroCopy)
	return sh, nil
}

func (o *OwnedSocket) share(s *SocketSettings) (_ *SharedSocket, err error) {
	um := &o.settings.UserMemory
	sh := &SharedSocket{
		socket: socket{
			fd:          -1,
			ifname:      o.ifname,
			ifindex:     o.ifindex,
			queue:       s.QueueIdentifier,
			capability:  s.Capability,
			umem:        o.umem,
			wakeUp:      s.WakeUpStrategy,
			pollTimeout: s.PollTimeout,
			reclaimBuf:  make([]uint64, um.CompletionRingQueueDepth),
			metrics:     newSocketMetrics(o.settings.Metrics, o.ifname, s.QueueIdentifier),
		},
		owner: o,
	}
	defer func() {
		if err != nil {
			sh.teardown()
		}
	}()

	if sh.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0); err != nil {
		return nil, creationError("opening AF_XDP socket", ErrSocketOption, err)
	}
	if sh.rings, err = newUMemRings(sh.fd, um.FillRingQueueDepth, um.CompletionRingQueueDepth); err != nil {
		return nil, err
	}
	if err = sh.openRings(s); err != nil {
		return nil, err
	}
	if err = sh.bindShared(o.fd, &o.socket); err != nil {
		return nil, err
	}
	if err = o.program.InsertIntoRedirectMapIfReceive(
		sh.capability.receives(), uint32(sh.queue), sh.fd,
	); err != nil {
		return nil, creationError("inserting into redirect map", ErrAttachProgram, err)
	}
	if sh.capability.receives() {
		if err = sh.populateFill(um.FillRingQueueDepth); err != nil {
			return nil, err
		}
	}
	return sh, nil
}

// Close tears the socket down: it leaves the redirect map, unmaps its
// rings, detaches the program if it attached it, releases the UMEM and
// closes the socket. It fails with ErrSharedSocketsStillOpen while shares
// are open. Subsequent calls are no-ops.
//
// Close unmaps the rings: it must not run concurrently with ReceiveAndDrop,
// Transmit, ReclaimCompleted or any other operation on the socket. Stop
// them first, e.g. by canceling the context of Run and waiting for it to
// return. Operations started after Close fail with ErrSocketClosed.
func (o *OwnedSocket) Close() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.shares > 0 {
		return fmt.Errorf("%w: %d", ErrSharedSocketsStillOpen, o.shares)
	}
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	return o.teardown()
}

func (o *OwnedSocket) teardown() error {
	var errs []error
	if o.program != nil {
		if o.capability.receives() && o.fd >= 0 {
			if err := o.program.RemoveFromRedirectMap(uint32(o.queue)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := o.closeRings(); err != nil {
		errs = append(errs, err)
	}
	if o.program != nil {
		o.program.Close()
		o.program = nil
	}
	if o.umem != nil {
		if err := o.umem.close(); err != nil {
			errs = append(errs, err)
		}
		o.rings = nil
	}
	if o.fd >= 0 {
		if err := unix.Close(o.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		o.fd = -1
	}
	if o.device != nil {
		_ = o.device.Close()
		o.device = nil
	}
	if o.metrics != nil {
		o.metrics.unregister()
	}
	return errors.Join(errs...)
}

// SharedSocket is a socket bound to another queue on the UMEM of an
// OwnedSocket. It borrows the UMEM and the program.
type SharedSocket struct {
	socket
	owner *OwnedSocket
}

// Close leaves the redirect map, unmaps the socket's rings and closes it.
// The frames of its fill ring go back to the UMEM's free frames; frames
// still being transmitted are lost. Subsequent calls are no-ops.
//
// Like OwnedSocket.Close, it must not run concurrently with any other
// operation on the socket.
func (s *SharedSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.teardown()

	s.owner.lock.Lock()
	delete(s.owner.queues, s.queue)
	s.owner.shares--
	s.owner.lock.Unlock()
	return err
}

func (s *SharedSocket) teardown() error {
	var errs []error
	if s.capability.receives() && s.fd >= 0 && s.owner.program != nil {
		if err := s.owner.program.RemoveFromRedirectMap(uint32(s.queue)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.rings != nil && s.capability.transmits() {
		s.reclaim(uint32(len(s.reclaimBuf)))
	}
	if err := s.closeRings(); err != nil {
		errs = append(errs, err)
	}
	if s.rings != nil {
		if err := s.rings.close(); err != nil {
			errs = append(errs, err)
		}
		s.rings = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		s.fd = -1
	}
	if len(s.fillFrames) > 0 {
		s.umem.pool.put(s.fillFrames...)
		s.fillFrames = nil
	}
	if s.metrics != nil {
		s.metrics.unregister()
	}
	return errors.Join(errs...)
}
