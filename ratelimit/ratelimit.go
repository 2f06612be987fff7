// Package ratelimit paces a transmit loop to a packets-per-second rate.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	interval   time.Duration
	sent       uint64
	unchecked  uint64
	checkEvery uint64
	start      time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and New returns nil.
func New(pps uint64) *Throttle {
	return newThrottle(pps, time.Now, time.Sleep)
}

func newThrottle(pps uint64, now func() time.Time, sleep func(time.Duration)) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(pps),
		start:    now(),
		// About every 10ms worth of packets, at least every 32 and at most
		// every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
		now:        now,
		sleep:      sleep,
	}
}

// Wait blocks until n more packets are allowed. A sender that fell behind
// is not allowed to burst to catch up beyond the packets it already owes.
func (l *Throttle) Wait(n uint64) {
	if l == nil || n == 0 {
		return
	}
	l.sent += n
	l.unchecked += n
	if l.unchecked < l.checkEvery {
		return
	}
	l.unchecked = 0

	due := l.start.Add(time.Duration(l.sent) * l.interval)
	if now := l.now(); now.Before(due) {
		l.sleep(due.Sub(now))
	}
}

// Sent returns the number of packets passed to Wait.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
