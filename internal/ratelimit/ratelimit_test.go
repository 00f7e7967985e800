// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeClock freezes now and lets the test release dispatcher sleeps one at a
// time.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0), ticks: make(chan time.Time)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) after(time.Duration) <-chan time.Time { return c.ticks }

func (c *fakeClock) tick() { c.ticks <- c.now() }

func TestNormalModePassesImmediately(t *testing.T) {
	l := New(discard())
	defer l.Close()

	wait, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.Less(t, wait, time.Second)
	require.Equal(t, ModeNormal, l.Mode())
}

func TestBackoff(t *testing.T) {
	for i, want := range []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 120 * time.Second, 120 * time.Second,
	} {
		require.Equal(t, want, backoff(i), "n=%d", i)
	}
}

func TestModeTransitions(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(0)
	require.Equal(t, ModeRateLimited, l.Mode())

	// Five consecutive successes move to recovering.
	for i := 0; i < successesToRecover; i++ {
		require.Equal(t, ModeRateLimited, l.Mode())
		l.ReportSuccess()
	}
	require.Equal(t, ModeRecovering, l.Mode())

	// Walking all recovery steps returns to normal.
	for range recoverySteps {
		l.ReportSuccess()
	}
	require.Equal(t, ModeNormal, l.Mode())
	require.Zero(t, l.Snapshot().RetryCount)
}

func TestRateLimitDuringRecoveryGoesBack(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(0)
	for i := 0; i < successesToRecover; i++ {
		l.ReportSuccess()
	}
	require.Equal(t, ModeRecovering, l.Mode())

	l.ReportRateLimited(0)
	require.Equal(t, ModeRateLimited, l.Mode())
}

func TestGraceElapsedMovesToRecovering(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(0)
	clock.advance(rateLimitedGrace)
	l.ReportSuccess()
	require.Equal(t, ModeRecovering, l.Mode())
}

func TestRetryAfterExtendsHold(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(45 * time.Second)
	s := l.Snapshot()
	require.Equal(t, ModeRateLimited, s.Mode)
	require.Equal(t, int64(45000), s.NextDelayMS)

	// Shorter Retry-After than the backoff falls back to the backoff.
	l.ReportRateLimited(time.Second)
	require.Equal(t, int64(20000), l.Snapshot().NextDelayMS)
}

func TestFIFOOrderWhileRateLimited(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(time.Hour)

	order := make(chan int, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Acquire(context.Background())
			require.NoError(t, err)
			order <- i
		}(i)
		// Give the goroutine time to enqueue before starting the next one.
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		clock.tick()
		require.Equal(t, i, <-order)
	}
	wg.Wait()
}

func TestAcquireCanceledWhileQueued(t *testing.T) {
	clock := newFakeClock()
	l := New(discard(), WithClock(clock.now, clock.after))
	defer l.Close()

	l.ReportRateLimited(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	require.Zero(t, l.Snapshot().QueueLength)
}
