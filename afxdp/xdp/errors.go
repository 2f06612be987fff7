//go:build linux

package xdp

import (
	"errors"
	"fmt"
)

var (
	ErrNetlinkQuery        = errors.New("netlink link query failed")
	ErrNetlinkAttach       = errors.New("netlink XDP attach failed")
	ErrLoad                = errors.New("loading BPF object failed")
	ErrProgramTypeMismatch = errors.New("attached program is not an XDP program")
	ErrAttachModeMismatch  = errors.New("attached program runs in a different mode")
	ErrOffloadMismatch     = errors.New("attached program offload does not match")
	ErrRedirectMapNotFound = errors.New("redirect map not found on attached program")
	ErrOffloadNotSupported = errors.New("offloaded attach of a new program is not supported")
	ErrQueueOutsideOfMap   = errors.New("queue outside of redirect map")
	ErrProgramClosed       = errors.New("program closed")

	// ErrAttachedProgramNotSuitableForSharing is returned when a socket is
	// shared on a program that was attached by someone else or was attached
	// exclusively.
	ErrAttachedProgramNotSuitableForSharing = errors.New("attached XDP program not suitable for sharing")
)

// AttachProgramError reports a failure to find, load or attach the
// redirect program on Interface.
type AttachProgramError struct {
	Op        string
	Interface string
	Err       error
}

func (e *AttachProgramError) Error() string {
	if e.Interface == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s on %s: %s", e.Op, e.Interface, e.Err)
}

func (e *AttachProgramError) Unwrap() error { return e.Err }
