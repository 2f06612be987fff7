//go:build linux

package afxdp

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp/afxdp/xdp"
)

func TestSettingsDefaults(t *testing.T) {
	s := Settings{Interface: "eth0"}
	require.NoError(t, s.ValidateAndSetDefaults())

	assert.Equal(t, uint32(DefaultNumberOfFrames), s.UserMemory.NumberOfFrames)
	assert.Equal(t, DefaultChunkSize, s.UserMemory.ChunkSize)
	assert.Equal(t, RingQueueDepth(DefaultRingQueueDepth), s.UserMemory.FillRingQueueDepth)
	assert.Equal(t, RingQueueDepth(DefaultRingQueueDepth), s.UserMemory.CompletionRingQueueDepth)
	assert.Equal(t, ReceiveAndTransmit, s.Socket.Capability)
	assert.Equal(t, BindModePreferZeroCopy, s.Socket.BindMode)
	assert.Equal(t, DefaultPollTimeout, s.Socket.PollTimeout)
	assert.Equal(t, metrics.DefaultRegistry, s.Metrics)
}

func TestSettingsValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		edit func(*Settings)
		err  error
	}{
		{"missing interface", func(s *Settings) { s.Interface = "" }, ErrMissingInterface},
		{"chunk size not power of two", func(s *Settings) { s.UserMemory.ChunkSize = 3000 }, ErrInvalidChunkSize},
		{"chunk size too small", func(s *Settings) { s.UserMemory.ChunkSize = 1024 }, ErrInvalidChunkSize},
		{"fill depth", func(s *Settings) { s.UserMemory.FillRingQueueDepth = 100 }, ErrInvalidRingQueueDepth},
		{"completion depth", func(s *Settings) { s.UserMemory.CompletionRingQueueDepth = 3 }, ErrInvalidRingQueueDepth},
		{"receive depth", func(s *Settings) { s.Socket.ReceiveRingQueueDepth = 6 }, ErrInvalidRingQueueDepth},
		{"transmit depth", func(s *Settings) { s.Socket.TransmitRingQueueDepth = 12 }, ErrInvalidRingQueueDepth},
		{"too few frames", func(s *Settings) { s.UserMemory.NumberOfFrames = 3000 }, ErrNumFramesTooSmall},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{Interface: "eth0"}
			tt.edit(&s)
			require.ErrorIs(t, s.ValidateAndSetDefaults(), tt.err)
		})
	}
}

func TestSettingsFramesPerCapability(t *testing.T) {
	s := Settings{
		Interface:  "eth0",
		UserMemory: UserMemorySettings{NumberOfFrames: 2048},
		Socket:     SocketSettings{Capability: ReceiveOnly},
	}
	require.NoError(t, s.ValidateAndSetDefaults(), "only the fill ring needs frames")

	s.Socket.Capability = ReceiveAndTransmit
	require.ErrorIs(t, s.ValidateAndSetDefaults(), ErrNumFramesTooSmall)
}

func TestChunkSizeExceedsPageSize(t *testing.T) {
	require.NoError(t, ChunkSize4096.validate(4096))
	require.ErrorIs(t, ChunkSize(8192).validate(4096), ErrInvalidChunkSize)
	require.NoError(t, ChunkSize(8192).validate(0))
}

func TestSettingsYAML(t *testing.T) {
	const doc = `
interface: ens1f0
mtu: 1500
umem:
  number-of-frames: 8192
  chunk-size: 4096
  frame-headroom: 64
  chunk-alignment: unaligned
  fill-ring-queue-depth: 4096
socket:
  queue: 3
  capability: rx
  bind-mode: copy
  wakeup-strategy: poll
  poll-timeout: 250ms
program:
  attach-mode: native
  force: true
`
	var s Settings
	require.NoError(t, yaml.Unmarshal([]byte(doc), &s))
	require.NoError(t, s.ValidateAndSetDefaults())

	assert.Equal(t, "ens1f0", s.Interface)
	assert.Equal(t, uint32(1500), s.MaximumTransmissionUnit)
	assert.Equal(t, ChunkSize4096, s.UserMemory.ChunkSize)
	assert.Equal(t, FrameHeadroom(64), s.UserMemory.FrameHeadroom)
	assert.Equal(t, ChunkAlignmentUnaligned, s.UserMemory.ChunkAlignment)
	assert.Equal(t, RingQueueDepth(4096), s.UserMemory.FillRingQueueDepth)
	assert.Equal(t, QueueIdentifier(3), s.Socket.QueueIdentifier)
	assert.Equal(t, ReceiveOnly, s.Socket.Capability)
	assert.Equal(t, BindModeCopy, s.Socket.BindMode)
	assert.Equal(t, WakeUpPoll, s.Socket.WakeUpStrategy)
	assert.Equal(t, 250*time.Millisecond, s.Socket.PollTimeout)
	assert.Equal(t, xdp.AttachModeNative, s.Program.AttachMode)
	assert.True(t, s.Program.ForciblyOverwriteAlreadyAttached)

	out, err := yaml.Marshal(&s)
	require.NoError(t, err)
	assert.Contains(t, string(out), "bind-mode: copy")
	assert.Contains(t, string(out), "attach-mode: native")
	assert.Contains(t, string(out), "poll-timeout: 250ms")

	require.Error(t, yaml.Unmarshal([]byte("socket: {bind-mode: fast}"), &s))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "receive+transmit", ReceiveAndTransmit.String())
	assert.Equal(t, "prefer-zerocopy", BindModePreferZeroCopy.String())
	assert.Equal(t, "poll", WakeUpPoll.String())
	assert.Equal(t, "unaligned", ChunkAlignmentUnaligned.String())
}
