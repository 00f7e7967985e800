// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit serializes upstream requests once the upstream starts
// pushing back. Requests queue in FIFO order behind a single dispatcher; the
// limiter moves between normal, rate-limited and recovering modes based on
// the outcomes callers report.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mode is the limiter's current posture.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeRateLimited Mode = "rate_limited"
	ModeRecovering  Mode = "recovering"
)

const (
	// DefaultInterval paces requests while rate limited.
	DefaultInterval = 10 * time.Second

	// backoffBase and backoffCap bound the exponential backoff after
	// consecutive 429s: min(10*2^n, 120) seconds.
	backoffBase = 10 * time.Second
	backoffCap  = 120 * time.Second

	// successesToRecover consecutive successes, or rateLimitedGrace of wall
	// time, move the limiter from rate_limited to recovering.
	successesToRecover = 5
	rateLimitedGrace   = 10 * time.Minute
)

// recoverySteps are the pacing intervals walked down while recovering. After
// the last step the limiter returns to normal.
var recoverySteps = []time.Duration{5 * time.Second, 2 * time.Second, 1 * time.Second, 0}

// State is a point-in-time snapshot for status surfaces.
type State struct {
	Mode        Mode  `json:"mode"`
	QueueLength int   `json:"queue_length"`
	RetryCount  int   `json:"retry_count"`
	NextDelayMS int64 `json:"next_delay_ms"`
}

// Limiter is safe for concurrent use. Close releases the dispatcher.
type Limiter struct {
	logger   *slog.Logger
	interval time.Duration

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	enqueue chan *waiter
	closed  chan struct{}

	mu          sync.Mutex
	mode        Mode
	queueLen    int
	retryCount  int
	successes   int
	recoverStep int
	limitedAt   time.Time
	notBefore   time.Time
}

type waiter struct {
	ctx      context.Context
	ready    chan struct{}
	enqueued time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithInterval overrides the pacing interval used while rate limited.
func WithInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithClock injects a test clock.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(l *Limiter) {
		l.now = now
		l.after = after
	}
}

// New creates a Limiter and starts its dispatcher.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		after:    time.After,
		enqueue:  make(chan *waiter, 1024),
		closed:   make(chan struct{}),
		mode:     ModeNormal,
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.dispatch()
	return l
}

// Close stops the dispatcher. Queued waiters are released immediately.
func (l *Limiter) Close() {
	close(l.closed)
}

// Acquire blocks until the caller may talk to the upstream, honoring FIFO
// order. It returns how long the caller waited in the queue. A canceled
// context abandons the slot.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	w := &waiter{ctx: ctx, ready: make(chan struct{}), enqueued: l.now()}
	l.mu.Lock()
	l.queueLen++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.queueLen--
		l.mu.Unlock()
	}()

	select {
	case l.enqueue <- w:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.closed:
		return 0, context.Canceled
	}

	select {
	case <-w.ready:
		return l.now().Sub(w.enqueued), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.closed:
		return 0, context.Canceled
	}
}

// dispatch releases one waiter at a time, pausing according to the current
// mode before each release.
func (l *Limiter) dispatch() {
	for {
		var w *waiter
		select {
		case w = <-l.enqueue:
		case <-l.closed:
			return
		}
		if w.ctx.Err() != nil {
			continue
		}
		if delay := l.nextDelay(); delay > 0 {
			select {
			case <-l.after(delay):
			case <-w.ctx.Done():
				continue
			case <-l.closed:
				return
			}
		}
		l.noteDispatched()
		close(w.ready)
	}
}

// nextDelay computes how long to hold the next request.
func (l *Limiter) nextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.mode {
	case ModeNormal:
		return 0
	case ModeRecovering:
		step := l.recoverStep
		if step >= len(recoverySteps) {
			return 0
		}
		return recoverySteps[step]
	default:
		if wait := l.notBefore.Sub(l.now()); wait > 0 {
			return wait
		}
		return 0
	}
}

// noteDispatched paces follow-up requests while rate limited.
func (l *Limiter) noteDispatched() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == ModeRateLimited {
		l.notBefore = l.now().Add(l.interval)
	}
}

// backoff returns min(backoffBase*2^n, backoffCap).
func backoff(n int) time.Duration {
	d := backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// ReportRateLimited records a 429 from the upstream. retryAfter is the
// server-provided hold-off, zero when absent; the effective hold-off is the
// larger of retryAfter and the exponential backoff.
func (l *Limiter) ReportRateLimited(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeRateLimited {
		l.limitedAt = l.now()
		l.retryCount = 0
	} else {
		l.retryCount++
	}
	prev := l.mode
	l.mode = ModeRateLimited
	l.successes = 0
	l.recoverStep = 0

	hold := backoff(l.retryCount)
	if retryAfter > hold {
		hold = retryAfter
	}
	l.notBefore = l.now().Add(hold)
	l.logger.Warn("upstream rate limit hit",
		"previous_mode", string(prev), "retry_count", l.retryCount, "hold_off", hold.String())
}

// ReportSuccess records a successful upstream call and advances recovery.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.mode {
	case ModeRateLimited:
		l.successes++
		if l.successes >= successesToRecover || l.now().Sub(l.limitedAt) >= rateLimitedGrace {
			l.mode = ModeRecovering
			l.recoverStep = 0
			l.logger.Info("entering rate limit recovery")
		}
	case ModeRecovering:
		l.recoverStep++
		if l.recoverStep >= len(recoverySteps) {
			l.mode = ModeNormal
			l.retryCount = 0
			l.successes = 0
			l.logger.Info("rate limit recovered")
		}
	}
}

// Mode returns the current mode.
func (l *Limiter) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Snapshot returns the current state for status endpoints.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := State{
		Mode:        l.mode,
		QueueLength: l.queueLen,
		RetryCount:  l.retryCount,
	}
	if l.mode == ModeRateLimited {
		if wait := l.notBefore.Sub(l.now()); wait > 0 {
			s.NextDelayMS = wait.Milliseconds()
		}
	}
	return s
}
