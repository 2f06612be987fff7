//go:build linux

package afxdp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ProcessorFactory returns the processor a worker uses for socket r.
type ProcessorFactory[R any] func(r Receiver) ReceivedFrameProcessor[R]

// Run starts one worker per socket, each locked to an OS thread, calling
// ReceiveAndDrop with up to batch frames until ctx is canceled. A worker
// that receives nothing waits for the socket's poll timeout. Invalid RX
// descriptors are logged and don't stop a worker.
// Run returns context.Canceled once ctx is canceled, or the first error a
// worker encounters. It doesn't close the sockets.
func Run[R any](
	ctx context.Context,
	sockets []Receiver,
	batch uint32,
	factory ProcessorFactory[R],
) error {
	if len(sockets) == 0 {
		return nil
	}
	if batch == 0 {
		batch = DefaultBatchSize
	}
	for _, r := range sockets {
		if s := r.base(); s.rx == nil {
			return fmt.Errorf("%s queue %d: %w", s.ifname, s.queue, ErrNotReceiveCapable)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(sockets))
	var wg sync.WaitGroup
	wg.Add(len(sockets))

	for _, r := range sockets {
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			s := r.base()
			p := &idleTracker[R]{ReceivedFrameProcessor: factory(r)}
			for ctx.Err() == nil {
				p.idle = false
				_, err := ReceiveAndDrop[R](r, batch, p)
				if errors.Is(err, ErrDescriptorOutOfBounds) {
					log.Warningf("%s queue %d: %v", s.ifname, s.queue, err)
					continue
				}
				if err != nil {
					errCh <- fmt.Errorf("%s queue %d: %w", s.ifname, s.queue, err)
					return
				}
				if !p.idle {
					continue
				}
				if err := s.Wait(s.pollTimeout); err != nil {
					errCh <- fmt.Errorf("%s queue %d: %w", s.ifname, s.queue, err)
					return
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return context.Canceled
	}
}

// idleTracker records whether the RX ring was empty.
type idleTracker[R any] struct {
	ReceivedFrameProcessor[R]
	idle bool
}

func (t *idleTracker[R]) NothingReceived() R {
	t.idle = true
	return t.ReceivedFrameProcessor.NothingReceived()
}
