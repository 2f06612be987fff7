//go:build linux

package afxdp

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/romshark/afxdp/afxdp/xdp"
)

const (
	DefaultNumberOfFrames = 4096
	DefaultChunkSize      = ChunkSize2048
	DefaultRingQueueDepth = 2048
	DefaultBatchSize      = 64
	DefaultPollTimeout    = 100 * time.Millisecond
	minimumChunkSize      = ChunkSize2048
)

// ChunkSize is the size of one UMEM frame in bytes.
type ChunkSize uint32

const (
	ChunkSize2048 ChunkSize = 2048
	ChunkSize4096 ChunkSize = 4096
)

func (c ChunkSize) validate(pageSize uint64) error {
	if c < minimumChunkSize || bits.OnesCount32(uint32(c)) != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c)
	}
	if pageSize != 0 && uint64(c) > pageSize {
		return fmt.Errorf("%w: %d exceeds page size %d", ErrInvalidChunkSize, c, pageSize)
	}
	return nil
}

// FrameHeadroom is the number of bytes the application reserves in front of
// every packet, after the kernel's own XDP headroom.
type FrameHeadroom uint32

// RingQueueDepth is the number of entries in a ring. Must be a power of two.
type RingQueueDepth uint32

func (d RingQueueDepth) validate(name string) error {
	if d == 0 || bits.OnesCount32(uint32(d)) != 1 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidRingQueueDepth, name, d)
	}
	return nil
}

// QueueIdentifier identifies a hardware RX/TX queue (channel) of a device.
type QueueIdentifier uint32

// ChunkAlignment selects how frame addresses are encoded.
type ChunkAlignment uint8

const (
	// ChunkAlignmentAligned requires every address to lie within a chunk
	// whose base is a multiple of the chunk size.
	ChunkAlignmentAligned ChunkAlignment = iota
	// ChunkAlignmentUnaligned lets addresses float within a chunk and encodes
	// the offset in the upper 16 bits.
	ChunkAlignmentUnaligned
)

func (a ChunkAlignment) String() string {
	switch a {
	case ChunkAlignmentAligned:
		return "aligned"
	case ChunkAlignmentUnaligned:
		return "unaligned"
	}
	return fmt.Sprintf("ChunkAlignment(%d)", uint8(a))
}

func (a ChunkAlignment) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *ChunkAlignment) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "aligned":
		*a = ChunkAlignmentAligned
	case "unaligned":
		*a = ChunkAlignmentUnaligned
	default:
		return fmt.Errorf("unknown chunk alignment %q", text)
	}
	return nil
}

// Capability selects which rings a socket has.
type Capability uint8

const (
	capabilityUnset Capability = iota
	ReceiveOnly
	TransmitOnly
	ReceiveAndTransmit
)

func (c Capability) receives() bool  { return c == ReceiveOnly || c == ReceiveAndTransmit }
func (c Capability) transmits() bool { return c == TransmitOnly || c == ReceiveAndTransmit }

func (c Capability) String() string {
	switch c {
	case ReceiveOnly:
		return "receive"
	case TransmitOnly:
		return "transmit"
	case ReceiveAndTransmit:
		return "receive+transmit"
	}
	return "unset"
}

func (c Capability) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Capability) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "unset":
		*c = capabilityUnset
	case "receive", "rx":
		*c = ReceiveOnly
	case "transmit", "tx":
		*c = TransmitOnly
	case "receive+transmit", "both":
		*c = ReceiveAndTransmit
	default:
		return fmt.Errorf("unknown capability %q", text)
	}
	return nil
}

// BindMode controls whether the socket is bound in copy or zero-copy mode.
type BindMode uint8

const (
	// BindModePreferZeroCopy tries zero-copy first and falls back to copy
	// mode if the queue doesn't support it.
	BindModePreferZeroCopy BindMode = iota
	BindModeCopy
	BindModeZeroCopy
)

func (m BindMode) String() string {
	switch m {
	case BindModePreferZeroCopy:
		return "prefer-zerocopy"
	case BindModeCopy:
		return "copy"
	case BindModeZeroCopy:
		return "zerocopy"
	}
	return fmt.Sprintf("BindMode(%d)", uint8(m))
}

func (m BindMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *BindMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "prefer-zerocopy":
		*m = BindModePreferZeroCopy
	case "copy":
		*m = BindModeCopy
	case "zerocopy":
		*m = BindModeZeroCopy
	default:
		return fmt.Errorf("unknown bind mode %q", text)
	}
	return nil
}

// WakeUpStrategy selects the syscall used to kick the kernel when a ring
// needs a wake-up.
type WakeUpStrategy uint8

const (
	// WakeUpRecvfrom issues a non-blocking recvfrom(MSG_DONTWAIT).
	WakeUpRecvfrom WakeUpStrategy = iota
	// WakeUpPoll issues poll(POLLIN) with the configured timeout.
	WakeUpPoll
)

func (s WakeUpStrategy) String() string {
	if s == WakeUpPoll {
		return "poll"
	}
	return "recvfrom"
}

func (s WakeUpStrategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WakeUpStrategy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "recvfrom":
		*s = WakeUpRecvfrom
	case "poll":
		*s = WakeUpPoll
	default:
		return fmt.Errorf("unknown wake-up strategy %q", text)
	}
	return nil
}

// UserMemorySettings configures the UMEM region and its fill and
// completion rings.
type UserMemorySettings struct {
	// NumberOfFrames is the total number of chunks in the region.
	NumberOfFrames uint32 `yaml:"number-of-frames"`
	// ChunkSize is the size of each chunk in bytes.
	ChunkSize ChunkSize `yaml:"chunk-size"`
	// FrameHeadroom is reserved in front of every packet for the application.
	FrameHeadroom  FrameHeadroom  `yaml:"frame-headroom"`
	ChunkAlignment ChunkAlignment `yaml:"chunk-alignment"`

	FillRingQueueDepth       RingQueueDepth `yaml:"fill-ring-queue-depth"`
	CompletionRingQueueDepth RingQueueDepth `yaml:"completion-ring-queue-depth"`

	// HugePageSize backs the region with huge pages of the given size in
	// bytes. Zero uses regular pages.
	HugePageSize uint64 `yaml:"huge-page-size"`
}

func (s *UserMemorySettings) ValidateAndSetDefaults() error {
	if s.NumberOfFrames == 0 {
		s.NumberOfFrames = DefaultNumberOfFrames
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.FillRingQueueDepth == 0 {
		s.FillRingQueueDepth = DefaultRingQueueDepth
	}
	if s.CompletionRingQueueDepth == 0 {
		s.CompletionRingQueueDepth = DefaultRingQueueDepth
	}
	if err := s.ChunkSize.validate(0); err != nil {
		return err
	}
	if err := s.FillRingQueueDepth.validate("fill"); err != nil {
		return err
	}
	if err := s.CompletionRingQueueDepth.validate("completion"); err != nil {
		return err
	}
	if s.ChunkAlignment > ChunkAlignmentUnaligned {
		return fmt.Errorf("invalid chunk alignment %d", s.ChunkAlignment)
	}
	return nil
}

// SocketSettings configures one AF_XDP socket bound to one queue.
type SocketSettings struct {
	QueueIdentifier QueueIdentifier `yaml:"queue"`
	Capability      Capability      `yaml:"capability"`

	ReceiveRingQueueDepth  RingQueueDepth `yaml:"receive-ring-queue-depth"`
	TransmitRingQueueDepth RingQueueDepth `yaml:"transmit-ring-queue-depth"`

	BindMode BindMode `yaml:"bind-mode"`
	// DisableNeedWakeUp binds without XDP_USE_NEED_WAKEUP, which makes the
	// driver poll continuously and never ask for a wake-up syscall.
	DisableNeedWakeUp bool           `yaml:"disable-need-wakeup"`
	WakeUpStrategy    WakeUpStrategy `yaml:"wakeup-strategy"`
	// PollTimeout is used by WakeUpPoll and Wait.
	PollTimeout time.Duration `yaml:"poll-timeout"`
}

func (s *SocketSettings) ValidateAndSetDefaults() error {
	if s.Capability == capabilityUnset {
		s.Capability = ReceiveAndTransmit
	}
	if s.Capability > ReceiveAndTransmit {
		return fmt.Errorf("invalid capability %d", s.Capability)
	}
	if s.ReceiveRingQueueDepth == 0 {
		s.ReceiveRingQueueDepth = DefaultRingQueueDepth
	}
	if s.TransmitRingQueueDepth == 0 {
		s.TransmitRingQueueDepth = DefaultRingQueueDepth
	}
	if s.PollTimeout == 0 {
		s.PollTimeout = DefaultPollTimeout
	}
	if s.Capability.receives() {
		if err := s.ReceiveRingQueueDepth.validate("receive"); err != nil {
			return err
		}
	}
	if s.Capability.transmits() {
		if err := s.TransmitRingQueueDepth.validate("transmit"); err != nil {
			return err
		}
	}
	if s.BindMode > BindModeZeroCopy {
		return fmt.Errorf("invalid bind mode %d", s.BindMode)
	}
	return nil
}

// Settings configures an OwnedSocket.
type Settings struct {
	// Interface is the name of the network device.
	Interface string `yaml:"interface"`
	// MaximumTransmissionUnit is the interface MTU to configure, excluding
	// the ethernet header and frame check sequence. Zero selects the
	// largest MTU the chunk size and frame headroom allow.
	MaximumTransmissionUnit uint32 `yaml:"mtu"`
	// KeepMaximumTransmissionUnit leaves the interface MTU untouched if it
	// already fits into a chunk.
	KeepMaximumTransmissionUnit bool `yaml:"keep-mtu"`

	UserMemory UserMemorySettings `yaml:"umem"`
	Socket     SocketSettings     `yaml:"socket"`
	Program    xdp.Settings       `yaml:"program"`

	// Metrics receives the per-socket counters.
	// metrics.DefaultRegistry is used if nil.
	Metrics metrics.Registry `yaml:"-"`
}

func (s *Settings) ValidateAndSetDefaults() error {
	if s.Interface == "" {
		return ErrMissingInterface
	}
	if err := s.UserMemory.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if err := s.Socket.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if s.Metrics == nil {
		s.Metrics = metrics.DefaultRegistry
	}
	need := uint32(0)
	if s.Socket.Capability.receives() {
		need += uint32(s.UserMemory.FillRingQueueDepth)
	}
	if s.Socket.Capability.transmits() {
		need += uint32(s.Socket.TransmitRingQueueDepth)
	}
	if s.UserMemory.NumberOfFrames < need {
		return fmt.Errorf("%w: %d < %d", ErrNumFramesTooSmall, s.UserMemory.NumberOfFrames, need)
	}
	return nil
}
