//go:build linux

package afxdp

import "errors"

var (
	ErrInvalidChunkSize               = errors.New("chunk size must be a power of two between 2048 and the page size")
	ErrInvalidRingQueueDepth          = errors.New("ring queue depth must be a non-zero power of two")
	ErrNumFramesTooSmall              = errors.New("number of frames must cover the fill and transmit rings")
	ErrNoSpaceForMinimumEthernetFrame = errors.New("no space for minimum ethernet frame")
	ErrInsufficientHeadroomForMTU     = errors.New("chunk too small for headroom and MTU")
	ErrHugePageSizeUnavailable        = errors.New("huge page size not available")
	ErrMemoryMap                      = errors.New("memory map failed")
	ErrSocketOption                   = errors.New("socket option failed")
	ErrBind                           = errors.New("bind failed")
	ErrMissingInterface               = errors.New("missing interface name")
	ErrNetworkDevice                  = errors.New("network device unavailable")
	ErrAttachProgram                  = errors.New("attaching XDP program failed")

	ErrUnalignedOffsetTooLarge  = errors.New("unaligned offset does not fit in 16 bits")
	ErrUnalignedAddressTooLarge = errors.New("unaligned address does not fit in 48 bits")
	ErrDescriptorOutOfBounds    = errors.New("descriptor outside of user memory")
	ErrRingRegionTooSmall       = errors.New("ring region smaller than its offsets")

	ErrNotReceiveCapable      = errors.New("socket is not receive capable")
	ErrNotTransmitCapable     = errors.New("socket is not transmit capable")
	ErrQueueIdentifierInUse   = errors.New("queue identifier already in use")
	ErrSharedSocketsStillOpen = errors.New("shared sockets still open")
	ErrSocketClosed           = errors.New("socket closed")
	ErrNoFreeFrames           = errors.New("no free frames in user memory")
	ErrFrameTooLarge          = errors.New("packet does not fit in frame")
)

// CreationError is returned when a socket or its user memory can't be
// created. Reason is one of the sentinel errors of this package, Err is the
// underlying cause (usually a unix.Errno) and may be nil.
type CreationError struct {
	Op        string
	Interface string
	Reason    error
	Err       error
}

func (e *CreationError) Error() string {
	msg := e.Op
	if e.Interface != "" {
		msg += " on " + e.Interface
	}
	switch {
	case e.Err == nil:
		return msg + ": " + e.Reason.Error()
	case errors.Is(e.Err, e.Reason):
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Reason.Error() + ": " + e.Err.Error()
}

func (e *CreationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func creationError(op string, reason, err error) *CreationError {
	return &CreationError{Op: op, Reason: reason, Err: err}
}

// withInterface sets the interface name on err if it's a *CreationError.
func withInterface(err error, name string) error {
	var ce *CreationError
	if errors.As(err, &ce) && ce.Interface == "" {
		ce.Interface = name
	}
	return err
}
