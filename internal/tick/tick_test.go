package tick

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopFlushesPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var flushes []time.Time
	l := &Loop{Interval: time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx, func(now time.Time) bool {
			mu.Lock()
			flushes = append(flushes, now)
			mu.Unlock()
			return true
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) >= 2
	}, 3500*time.Millisecond, 20*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// Successive flushes are spaced about one tick apart, modulo the slack.
	gap := flushes[1].Sub(flushes[0])
	assert.GreaterOrEqual(t, gap, time.Second-2*Slack)
}

func TestLoopBacksOffOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var flushes []time.Time
	l := &Loop{Interval: time.Second, MaxFlushInterval: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx, func(now time.Time) bool {
			mu.Lock()
			flushes = append(flushes, now)
			mu.Unlock()
			return false
		})
	}()

	// After the first failure the flush interval doubles, so the second
	// flush lands no sooner than two ticks after the first.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) >= 2
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	gap := flushes[1].Sub(flushes[0])
	assert.GreaterOrEqual(t, gap, 2*time.Second-2*Slack)
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{Interval: time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx, func(now time.Time) bool { return true })
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

func TestLoopRunsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time, 16)
	l := &Loop{Interval: time.Second}
	l.OnTick = func(now time.Time) {
		select {
		case ticks <- now:
		default:
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx, func(now time.Time) bool { return true })
	}()
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick observed")
	}
	cancel()
	<-done
}
