//go:build linux

// Package generator drives an AF_XDP socket's transmit path with UDP test
// frames.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/op/go-logging"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/afxdp/afxdp"
	"github.com/romshark/afxdp/packet"
	"github.com/romshark/afxdp/ratelimit"
)

var log = logging.MustGetLogger("generator")

// Transmitter is the transmit side of an AF_XDP socket.
// *afxdp.OwnedSocket and *afxdp.SharedSocket implement it.
type Transmitter interface {
	NextTransmitFrame() (afxdp.TransmitFrame, error)
	Transmit(frames []afxdp.TransmitFrame) (int, error)
	ReleaseTransmitFrame(f afxdp.TransmitFrame)
	ReclaimCompleted(max uint32) (uint32, error)
	Wait(timeout time.Duration) error
}

type Settings struct {
	// Count is the number of frames to send. Zero sends until the context
	// is canceled.
	Count uint64
	// Batch is the number of frames submitted at once.
	Batch int
	// PacketsPerSecond limits the rate. Zero sends as fast as possible.
	PacketsPerSecond uint64
	// PollTimeout bounds waits for TX ring room and completions.
	PollTimeout time.Duration
}

// Result summarizes a run.
type Result struct {
	Sent      uint64
	Completed uint64
	Bytes     uint64
	Elapsed   time.Duration
}

// Generator sends frames of one UDP flow.
type Generator struct {
	tx       Transmitter
	frame    *packet.UDP
	settings Settings
	throttle *ratelimit.Throttle

	sent      metrics.Meter
	completed metrics.Counter
}

// New registers the meters of the generator as generator.<name>.* in r.
func New(tx Transmitter, frame *packet.UDP, s Settings, r metrics.Registry, name string) *Generator {
	if s.Batch <= 0 {
		s.Batch = afxdp.DefaultBatchSize
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = afxdp.DefaultPollTimeout
	}
	return &Generator{
		tx:        tx,
		frame:     frame,
		settings:  s,
		throttle:  ratelimit.New(s.PacketsPerSecond),
		sent:      metrics.GetOrRegisterMeter("generator."+name+".sent", r),
		completed: metrics.GetOrRegisterCounter("generator."+name+".completed", r),
	}
}

// Run sends frames until Count frames were sent and completed or ctx is
// canceled. Frames still in flight when ctx is canceled are not waited for.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	var (
		res    Result
		seq    uint32
		frames = make([]afxdp.TransmitFrame, 0, g.settings.Batch)
		start  = time.Now()
	)
	defer func() {
		for _, f := range frames {
			g.tx.ReleaseTransmitFrame(f)
		}
	}()

	for ctx.Err() == nil && (g.settings.Count == 0 || res.Sent < g.settings.Count) {
		want := g.settings.Batch
		if g.settings.Count != 0 {
			want = int(min(uint64(want), g.settings.Count-res.Sent))
		}
		for len(frames) < want {
			f, err := g.tx.NextTransmitFrame()
			if errors.Is(err, afxdp.ErrNoFreeFrames) {
				break
			} else if err != nil {
				return res, err
			}
			n, err := g.frame.Write(f.Buffer(), seq)
			if err == nil {
				err = f.SetLength(n)
			}
			if err != nil {
				g.tx.ReleaseTransmitFrame(f)
				return res, fmt.Errorf("writing frame: %w", err)
			}
			frames = append(frames, f)
			seq++
		}

		n, err := g.tx.Transmit(frames)
		if err != nil {
			return res, err
		}
		for _, f := range frames[:n] {
			res.Bytes += uint64(len(f.EthernetPacket()))
		}
		res.Sent += uint64(n)
		g.sent.Mark(int64(n))
		frames = append(frames[:0], frames[n:]...)
		g.throttle.Wait(uint64(n))

		if err := g.reclaim(&res); err != nil {
			return res, err
		}
		if n == 0 {
			if err := g.tx.Wait(g.settings.PollTimeout); err != nil {
				return res, err
			}
		}
	}

	for ctx.Err() == nil && res.Completed < res.Sent {
		if err := g.reclaim(&res); err != nil {
			return res, err
		}
		if res.Completed < res.Sent {
			if err := g.tx.Wait(g.settings.PollTimeout); err != nil {
				return res, err
			}
		}
	}
	res.Elapsed = time.Since(start)
	log.Debugf("sent %d frames, %d completed in %s", res.Sent, res.Completed, res.Elapsed)
	return res, ctx.Err()
}

func (g *Generator) reclaim(res *Result) error {
	c, err := g.tx.ReclaimCompleted(uint32(g.settings.Batch))
	if err != nil {
		return err
	}
	res.Completed += uint64(c)
	g.completed.Inc(int64(c))
	return nil
}
