/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package semaphore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"go.uber.org/atomic"
)

// LogFieldSemaphore is the log field carrying the semaphore name.
const LogFieldSemaphore = "semaphore"

// AcquireTimeoutError is returned when no permit became available
// within the requested acquire timeout.
type AcquireTimeoutError struct {
	Semaphore string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("semaphore %q: no permit acquired after %s", e.Semaphore, e.Timeout)
}

// Stats is a consistent snapshot of Semaphore counters.
type Stats struct {
	AvailablePermits int   `json:"availablePermits"`
	TotalPermits     int   `json:"totalPermits"`
	WaitingCount     int   `json:"waitingCount"`
	TotalAcquired    int64 `json:"totalAcquired"`
	TotalTimeouts    int64 `json:"totalTimeouts"`
}

// Opts represents options for creating a Semaphore.
type Opts struct {
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// waiter is a caller suspended until a permit is handed to it.
// The settled flag decides the winner of a race between a hand-off,
// the acquire timeout, and context cancellation.
type waiter struct {
	permit  chan struct{} // buffered; receiving means the permit is owned
	settled atomic.Bool
}

// Semaphore is a counting permit pool with FIFO waiters. All mutable state is
// guarded by a single mutex; callers interact with it only through the
// exported methods.
type Semaphore struct {
	name  string
	total int

	logger  log.FieldLogger
	metrics MetricsCollector

	mu            sync.Mutex
	available     int
	waiters       []*waiter
	totalAcquired int64
	totalTimeouts int64
}

// New creates a new Semaphore with the given name and a fixed number of permits.
func New(name string, permits int, opts Opts) (*Semaphore, error) {
	if name == "" {
		return nil, fmt.Errorf("semaphore name should not be empty")
	}
	if permits <= 0 {
		return nil, fmt.Errorf("permits should be positive, got %d", permits)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	logger = logger.With(log.String(LogFieldSemaphore, name))

	metrics := opts.MetricsCollector
	if metrics == nil {
		metrics = disabledMetricsCollector
	}
	metrics.SetAvailablePermits(permits)

	logger.Info("semaphore created", log.Int("permits", permits))

	return &Semaphore{
		name:      name,
		total:     permits,
		available: permits,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// MustNew is a version of New that panics on error.
func MustNew(name string, permits int, opts Opts) *Semaphore {
	s, err := New(name, permits, opts)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string {
	return s.name
}

// TotalPermits returns the fixed permit capacity.
func (s *Semaphore) TotalPermits() int {
	return s.total
}

// Acquire obtains a permit, suspending the caller as a FIFO waiter if none is
// available. It returns ctx.Err() if the context is done first; in that case
// no permit is held (a permit handed over concurrently is put back).
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.acquire(ctx, 0)
}

// AcquireWithTimeout is a version of Acquire that gives up after the passed
// timeout and returns AcquireTimeoutError. If a permit hand-off and the
// timeout race, exactly one outcome wins: a won hand-off means the acquire
// succeeded and no timeout is reported.
func (s *Semaphore) AcquireWithTimeout(ctx context.Context, timeout time.Duration) error {
	return s.acquire(ctx, timeout)
}

func (s *Semaphore) acquire(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.available > 0 {
		s.available--
		s.totalAcquired++
		s.metrics.SetAvailablePermits(s.available)
		s.metrics.IncAcquired()
		s.mu.Unlock()
		return nil
	}
	w := &waiter{permit: make(chan struct{}, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	waitStart := time.Now()
	select {
	case <-w.permit:
		s.metrics.ObserveWaitTime(time.Since(waitStart))
		return nil

	case <-timerC:
		if w.settled.CompareAndSwap(false, true) {
			s.mu.Lock()
			s.removeWaiter(w)
			s.totalTimeouts++
			s.mu.Unlock()
			s.metrics.IncTimeouts()
			s.logger.Warn("permit acquisition timed out", log.Duration("acquire_timeout", timeout))
			return &AcquireTimeoutError{Semaphore: s.name, Timeout: timeout}
		}
		// A hand-off won the race; the permit is ours.
		<-w.permit
		s.metrics.ObserveWaitTime(time.Since(waitStart))
		return nil

	case <-ctx.Done():
		if w.settled.CompareAndSwap(false, true) {
			s.mu.Lock()
			s.removeWaiter(w)
			s.mu.Unlock()
			return ctx.Err()
		}
		// A hand-off won the race, but the caller is gone: put the permit back.
		<-w.permit
		s.Release()
		return ctx.Err()
	}
}

// Release frees a permit. If waiters are queued, the permit is handed directly
// to the earliest one instead of returning to the pool. Releasing more permits
// than were acquired is a programming defect and panics.
func (s *Semaphore) Release() {
	s.mu.Lock()
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		if !w.settled.CompareAndSwap(false, true) {
			// Timed out or canceled; skip it.
			continue
		}
		s.totalAcquired++
		s.mu.Unlock()
		s.metrics.IncAcquired()
		w.permit <- struct{}{}
		return
	}
	if s.available == s.total {
		s.mu.Unlock()
		panic(fmt.Sprintf("semaphore %q: released more permits than held", s.name))
	}
	s.available++
	s.metrics.SetAvailablePermits(s.available)
	s.mu.Unlock()
}

// removeWaiter removes the waiter from the wait queue if it's still there.
// Must be called under the mutex. Tolerates absence: the waiter may have been
// popped by Release before the losing side got the lock.
func (s *Semaphore) removeWaiter(w *waiter) {
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// WithPermit runs fn while holding a permit, releasing it on every exit path
// (normal return, error, or panic). The fn's result is propagated unchanged.
func (s *Semaphore) WithPermit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Stats returns a consistent snapshot of the counters.
func (s *Semaphore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		AvailablePermits: s.available,
		TotalPermits:     s.total,
		WaitingCount:     len(s.waiters),
		TotalAcquired:    s.totalAcquired,
		TotalTimeouts:    s.totalTimeouts,
	}
}
