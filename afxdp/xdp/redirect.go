//go:build linux

// Package xdp finds or attaches the XDP program that redirects packets
// from a network interface's queues to AF_XDP sockets.
//
// The program is assembled in-process and attached through RTM_SETLINK,
// which allows an already attached program to be detected, validated and
// reused instead of replaced.
package xdp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("xdp")

// RedirectMapAndAttachedProgram is the redirect map of the XDP program
// attached to one interface. It owns the program (and detaches it on
// Close) only if it attached it.
type RedirectMapAndAttachedProgram struct {
	ifindex int
	ifname  string

	lock        sync.Mutex
	redirectMap *ebpf.Map
	program     *ebpf.Program

	owned      bool
	foreign    bool
	exclusive  bool
	modeFlags  uint32
	mapEntries uint32
}

// NewSuitableForOwnedOrReuseAlreadyAttached returns the redirect map of
// the program attached to ifindex, attaching a new one if none is attached
// or s.ForciblyOverwriteAlreadyAttached is set. An attached program is
// reused only if it is an XDP program running in the requested mode and
// references an XSKMAP named RedirectMapName. queues is the number of
// queues of the interface, used to size a new redirect map unless
// s.RedirectMapSize is set.
func NewSuitableForOwnedOrReuseAlreadyAttached(
	ifindex int, ifname string, queues uint32, s Settings,
) (*RedirectMapAndAttachedProgram, error) {
	fail := func(op string, reason, err error) error {
		if err != nil {
			reason = fmt.Errorf("%w: %w", reason, err)
		}
		return &AttachProgramError{Op: op, Interface: ifname, Err: reason}
	}

	conn, err := dialRoute()
	if err != nil {
		return nil, fail("dialing netlink", ErrNetlinkQuery, err)
	}
	defer conn.Close()

	attached, err := conn.query(ifindex)
	if err != nil {
		return nil, fail("querying attached XDP program", ErrNetlinkQuery, err)
	}
	id, mode, isAttached := attached.program()

	plan, err := planAttach(isAttached, mode, s)
	if plan.reuse {
		var p *RedirectMapAndAttachedProgram
		if err == nil {
			p, err = reuseAttached(id)
		}
		if err != nil {
			return nil, &AttachProgramError{
				Op: fmt.Sprintf("reusing attached program %d", id), Interface: ifname, Err: err,
			}
		}
		p.ifindex, p.ifname, p.exclusive = ifindex, ifname, s.Exclusive
		log.Infof("%s: reusing XDP program %d attached in %s mode", ifname, id, mode)
		return p, nil
	}
	if err != nil {
		return nil, fail("attaching new program", err, nil)
	}
	if err := features.HaveMapType(ebpf.XSKMap); err != nil {
		return nil, fail("probing XSKMAP support", ErrLoad, err)
	}

	size := s.RedirectMapSize
	if size == 0 {
		size = max(queues, 1)
	}
	m, err := newRedirectMap(size)
	if err != nil {
		return nil, fail("creating redirect map", ErrLoad, err)
	}
	prog, err := newRedirectProgram(m)
	if err != nil {
		_ = m.Close()
		return nil, fail("loading redirect program", ErrLoad, err)
	}

	expectedFD := 0
	if plan.replace {
		old, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
		if err != nil {
			_, _ = prog.Close(), m.Close()
			return nil, fail(fmt.Sprintf("opening attached program %d", id), ErrNetlinkAttach, err)
		}
		defer old.Close()
		expectedFD = old.FD()
	}
	if plan.detachFirst {
		if err := conn.attach(ifindex, detachFD, mode.flags(), 0); err != nil {
			_, _ = prog.Close(), m.Close()
			return nil, fail("detaching program "+mode.String(), ErrNetlinkAttach, err)
		}
		log.Infof("%s: detached XDP program %d from %s mode", ifname, id, mode)
	}
	modeFlags, flags := plan.modeFlags, plan.flags()

	if err := conn.attach(ifindex, prog.FD(), flags, expectedFD); err != nil {
		_, _ = prog.Close(), m.Close()
		return nil, fail("attaching redirect program", ErrNetlinkAttach, err)
	}
	log.Infof("%s: attached XDP program %s in %s mode (redirect map size %d)",
		ifname, ProgramName, s.AttachMode, size)

	return &RedirectMapAndAttachedProgram{
		ifindex:     ifindex,
		ifname:      ifname,
		redirectMap: m,
		program:     prog,
		owned:       true,
		exclusive:   s.Exclusive,
		modeFlags:   modeFlags,
		mapEntries:  size,
	}, nil
}

// attachPlan is what NewSuitableForOwnedOrReuseAlreadyAttached does about
// the program currently attached to an interface.
type attachPlan struct {
	// reuse validates and reuses the attached program.
	reuse bool
	// detachFirst detaches the attached program, which runs in another
	// mode than the requested one.
	detachFirst bool
	// replace swaps the attached program for the new one atomically.
	replace bool
	// modeFlags are the mode bits the new program is attached with.
	modeFlags uint32
}

// planAttach decides between reusing and attaching given whether a program
// is attached and the mode it runs in. A reuse plan comes with the error
// of a failed mode check.
func planAttach(attached bool, mode AttachMode, s Settings) (attachPlan, error) {
	if attached && !s.ForciblyOverwriteAlreadyAttached {
		return attachPlan{reuse: true}, checkAttachMode(s.AttachMode, mode)
	}
	if s.AttachMode == AttachModeOffloaded {
		return attachPlan{}, ErrOffloadNotSupported
	}
	p := attachPlan{modeFlags: s.AttachMode.flags()}
	switch {
	case !attached:
	case s.AttachMode == AttachModeDefault:
		// Replace in the mode the old program runs in.
		p.modeFlags, p.replace = mode.flags(), true
	case mode != s.AttachMode:
		p.detachFirst = true
	default:
		p.replace = true
	}
	return p, nil
}

// flags returns the IFLA_XDP_FLAGS of the attach request.
func (p attachPlan) flags() uint32 {
	if p.replace {
		return p.modeFlags | flagsReplace
	}
	return p.modeFlags | flagsUpdateIfNoExist
}

// reuseAttached opens the program with id and its redirect map.
func reuseAttached(id uint32) (*RedirectMapAndAttachedProgram, error) {
	prog, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	info, err := prog.Info()
	if err != nil {
		_ = prog.Close()
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if info.Type != ebpf.XDP {
		_ = prog.Close()
		return nil, fmt.Errorf("%w: type %s", ErrProgramTypeMismatch, info.Type)
	}
	m, err := findRedirectMap(info)
	if err != nil {
		_ = prog.Close()
		return nil, err
	}
	return &RedirectMapAndAttachedProgram{
		redirectMap: m,
		program:     prog,
		foreign:     info.Name != ProgramName,
		mapEntries:  m.MaxEntries(),
	}, nil
}

// checkAttachMode validates the mode an attached program runs in against
// the requested one.
func checkAttachMode(requested, actual AttachMode) error {
	switch {
	case requested == actual:
		return nil
	case requested == AttachModeOffloaded, actual == AttachModeOffloaded:
		return fmt.Errorf("%w: requested %s, attached %s", ErrOffloadMismatch, requested, actual)
	case requested == AttachModeDefault:
		return nil
	}
	return fmt.Errorf("%w: requested %s, attached %s", ErrAttachModeMismatch, requested, actual)
}

func findRedirectMap(info *ebpf.ProgramInfo) (*ebpf.Map, error) {
	ids, ok := info.MapIDs()
	if !ok {
		return nil, fmt.Errorf("%w: map ids unavailable", ErrRedirectMapNotFound)
	}
	for _, id := range ids {
		m, err := ebpf.NewMapFromID(id)
		if err != nil {
			continue
		}
		mi, err := m.Info()
		if err == nil && mi.Name == RedirectMapName && mi.Type == ebpf.XSKMap {
			return m, nil
		}
		_ = m.Close()
	}
	return nil, ErrRedirectMapNotFound
}

// Owned reports whether Close detaches the program.
func (p *RedirectMapAndAttachedProgram) Owned() bool { return p.owned }

// SuitableForSharing reports whether further sockets may be registered on
// the program.
func (p *RedirectMapAndAttachedProgram) SuitableForSharing() error {
	switch {
	case p.exclusive:
		return fmt.Errorf("%w: attached exclusively", ErrAttachedProgramNotSuitableForSharing)
	case p.foreign:
		return fmt.Errorf("%w: program not attached by us", ErrAttachedProgramNotSuitableForSharing)
	}
	return nil
}

// InsertIntoRedirectMapIfReceive registers the socket fd for queue if
// receive is set. Packets arriving on queue are redirected to it from
// then on.
func (p *RedirectMapAndAttachedProgram) InsertIntoRedirectMapIfReceive(
	receive bool, queue uint32, fd int,
) error {
	if !receive {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.redirectMap == nil {
		return ErrProgramClosed
	}
	if queue >= p.mapEntries {
		return fmt.Errorf("%w: queue %d, map size %d", ErrQueueOutsideOfMap, queue, p.mapEntries)
	}
	if err := p.redirectMap.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("inserting queue %d into %s: %w", queue, RedirectMapName, err)
	}
	log.Debugf("%s: redirecting queue %d to socket %d", p.ifname, queue, fd)
	return nil
}

// RemoveFromRedirectMap stops redirecting packets of queue.
func (p *RedirectMapAndAttachedProgram) RemoveFromRedirectMap(queue uint32) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.redirectMap == nil {
		return ErrProgramClosed
	}
	err := p.redirectMap.Delete(queue)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("removing queue %d from %s: %w", queue, RedirectMapName, err)
	}
	return nil
}

// Close releases the map and program handles and detaches the program if
// it was attached by p. Failures are logged, not returned.
func (p *RedirectMapAndAttachedProgram) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.program == nil {
		return
	}
	if p.owned {
		if err := p.detach(); err != nil {
			log.Warningf("%s: detaching XDP program: %v", p.ifname, err)
		} else {
			log.Infof("%s: detached XDP program %s", p.ifname, ProgramName)
		}
	}
	if err := p.program.Close(); err != nil {
		log.Warningf("%s: closing XDP program: %v", p.ifname, err)
	}
	if err := p.redirectMap.Close(); err != nil {
		log.Warningf("%s: closing %s: %v", p.ifname, RedirectMapName, err)
	}
	p.program, p.redirectMap = nil, nil
}

// detach removes the program unless it has been replaced by another.
func (p *RedirectMapAndAttachedProgram) detach() error {
	conn, err := dialRoute()
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.attach(p.ifindex, detachFD, p.modeFlags|flagsReplace, p.program.FD())
}
