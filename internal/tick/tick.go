// Package tick drives the periodic flush of a worker. The flush interval
// starts equal to the tick interval, doubles after every failed flush up to a
// cap, and snaps back to the tick interval after a success.
package tick

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Slack guards against the kernel waking us up a few millis before the
// scheduled flush time and making us miss a legit tick.
const Slack = 30 * time.Millisecond

type Loop struct {
	// Interval is the tick interval, bounded below at one second.
	Interval time.Duration
	// MaxFlushInterval caps the backed-off flush interval.
	MaxFlushInterval time.Duration
	// Jitter enables the uniform random startup delay in
	// [0, min(Interval-1s, 15s)] that desynchronizes worker herds.
	Jitter bool
	Log    *logrus.Entry

	// OnTick, if set, runs once per tick after any flush.
	OnTick func(now time.Time)
}

// Run invokes flush periodically until ctx is cancelled. A termination
// request takes effect between flushes; the in-flight flush always completes.
func (l *Loop) Run(ctx context.Context, flush func(now time.Time) bool) {
	interval := l.Interval
	if interval < time.Second {
		interval = time.Second
	}
	maxFlush := l.MaxFlushInterval
	if maxFlush < interval {
		maxFlush = interval
	}

	if l.Jitter && interval > 3*time.Second {
		delay := interval - time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		if !sleep(ctx, time.Duration(rand.Int63n(int64(delay)+1))) {
			return
		}
	}

	flushInterval := interval
	nextTick := time.Now()
	nextFlush := nextTick

	for {
		now := time.Now()
		if !now.Before(nextFlush) {
			if flush(now) {
				flushInterval = interval
			} else {
				flushInterval *= 2
				if flushInterval > maxFlush {
					flushInterval = maxFlush
				}
				if l.Log != nil {
					l.Log.Warnf("Flush error, next in %d secs", int(flushInterval/time.Second))
				}
			}
			nextFlush = now.Add(flushInterval - Slack)
		}
		if l.OnTick != nil {
			l.OnTick(now)
		}
		now = time.Now()
		for !now.Add(300 * time.Millisecond).Before(nextTick) {
			nextTick = nextTick.Add(interval)
		}
		if !sleep(ctx, nextTick.Sub(now)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
