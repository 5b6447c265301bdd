/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Log fields used by the Bulkhead.
const (
	LogFieldBulkhead = "bulkhead"
	LogFieldTaskID   = "bulkhead_task_id"
)

// Task is a unit of work executed under a Bulkhead.
// The Bulkhead never inspects, retries, or modifies it; its error is passed
// through to the caller unchanged.
type Task func(ctx context.Context) error

// Stats is a consistent snapshot of Bulkhead counters.
type Stats struct {
	ActiveCount      int           `json:"activeCount"`
	QueuedCount      int           `json:"queuedCount"`
	TotalExecuted    int64         `json:"totalExecuted"`
	TotalRejected    int64         `json:"totalRejected"`
	TotalTimeouts    int64         `json:"totalTimeouts"`
	AvgExecutionTime time.Duration `json:"avgExecutionTime"`
	AvgWaitTime      time.Duration `json:"avgWaitTime"`
}

// Opts represents options for creating a Bulkhead.
type Opts struct {
	// Logger is used for logging lifecycle events (creation, saturation, drain, reset).
	Logger log.FieldLogger

	// MetricsCollector receives counter/gauge/histogram updates.
	// Passive: it must never affect task execution or settlement.
	MetricsCollector MetricsCollector
}

// queuedTask is a task waiting in the FIFO queue for an execution slot.
// It's settled exactly once: granted a slot, timed out, canceled, or rejected on drain.
// The settled flag decides the winner of any race between these outcomes.
type queuedTask struct {
	id         string
	grant      chan error // buffered; nil means a slot was granted
	settled    atomic.Bool
	enqueuedAt time.Time
	timer      *time.Timer
}

// Bulkhead limits the number of concurrently running and queued tasks for one
// named downstream dependency. All mutable state is guarded by a single mutex;
// callers interact with it only through the exported methods.
type Bulkhead struct {
	name          string
	maxConcurrent int
	maxQueueSize  int
	queueTimeout  time.Duration

	logger  log.FieldLogger
	metrics MetricsCollector

	mu          sync.Mutex
	active      int
	queue       []*queuedTask
	draining    bool
	drained     chan struct{}
	drainedOnce bool

	totalExecuted int64
	totalRejected int64
	totalTimeouts int64

	// Running means, per the recurrence avg += (x - avg) / n.
	avgExecTimeNs float64
	avgWaitTimeNs float64
	grantedCount  int64 // number of queued-and-granted samples in avgWaitTimeNs
}

// New creates a new Bulkhead with the given name and configuration.
func New(name string, cfg *Config, opts Opts) (*Bulkhead, error) {
	if name == "" {
		return nil, fmt.Errorf("bulkhead name should not be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	queueTimeout := time.Duration(cfg.QueueTimeout)
	if queueTimeout == 0 {
		queueTimeout = DefaultQueueTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	logger = logger.With(log.String(LogFieldBulkhead, name))

	metrics := opts.MetricsCollector
	if metrics == nil {
		metrics = disabledMetricsCollector
	}

	logger.Info("bulkhead created",
		log.Int("max_concurrent", cfg.MaxConcurrent),
		log.Int("max_queue_size", cfg.MaxQueueSize),
		log.Duration("queue_timeout", queueTimeout),
	)

	return &Bulkhead{
		name:          name,
		maxConcurrent: cfg.MaxConcurrent,
		maxQueueSize:  cfg.MaxQueueSize,
		queueTimeout:  queueTimeout,
		logger:        logger,
		metrics:       metrics,
		drained:       make(chan struct{}),
	}, nil
}

// MustNew is a version of New that panics on error.
func MustNew(name string, cfg *Config, opts Opts) *Bulkhead {
	b, err := New(name, cfg, opts)
	if err != nil {
		panic(err)
	}
	return b
}

// Name returns the bulkhead name.
func (b *Bulkhead) Name() string {
	return b.name
}

// Execute admits the task under one of three outcomes: run immediately if a
// slot is free, wait in the FIFO queue if there is room, or fail with
// QueueFullError. A queued task that is not granted a slot within the queue
// timeout is settled with QueueTimeoutError and is never run afterwards.
// The task's own error is returned unchanged.
func (b *Bulkhead) Execute(ctx context.Context, task Task) error {
	b.mu.Lock()

	if b.draining {
		b.mu.Unlock()
		return &DrainingError{Bulkhead: b.name}
	}

	if b.active < b.maxConcurrent {
		b.active++
		b.metrics.SetActiveTasks(b.active)
		b.mu.Unlock()
		return b.run(ctx, task, time.Time{})
	}

	if len(b.queue) < b.maxQueueSize {
		qt := &queuedTask{
			id:         xid.New().String(),
			grant:      make(chan error, 1),
			enqueuedAt: time.Now(),
		}
		qt.timer = time.AfterFunc(b.queueTimeout, func() { b.onQueueTimeout(qt) })
		b.queue = append(b.queue, qt)
		b.metrics.SetQueuedTasks(len(b.queue))
		b.mu.Unlock()
		return b.waitQueued(ctx, qt, task)
	}

	b.totalRejected++
	b.metrics.IncRejectedTasks()
	b.mu.Unlock()

	b.logger.Warn("bulkhead saturated, task rejected",
		log.Int("max_concurrent", b.maxConcurrent),
		log.Int("max_queue_size", b.maxQueueSize),
	)
	return &QueueFullError{Bulkhead: b.name}
}

// waitQueued suspends until the queued task is settled: granted a slot,
// timed out, canceled, or rejected because of draining.
func (b *Bulkhead) waitQueued(ctx context.Context, qt *queuedTask, task Task) error {
	select {
	case err := <-qt.grant:
		if err != nil {
			return err
		}
		return b.run(ctx, task, qt.enqueuedAt)

	case <-ctx.Done():
		if qt.settled.CompareAndSwap(false, true) {
			qt.timer.Stop()
			b.mu.Lock()
			b.removeQueued(qt)
			b.metrics.SetQueuedTasks(len(b.queue))
			b.checkDrained()
			b.mu.Unlock()
			return ctx.Err()
		}
		// Settled concurrently; the settlement outcome wins.
		if err := <-qt.grant; err != nil {
			return err
		}
		return b.run(ctx, task, qt.enqueuedAt)
	}
}

// onQueueTimeout is called by the task's timer. If it wins the settlement
// race against a grant, the task is removed from the queue and settled with
// QueueTimeoutError; otherwise it's a no-op.
func (b *Bulkhead) onQueueTimeout(qt *queuedTask) {
	if !qt.settled.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.removeQueued(qt)
	b.totalTimeouts++
	b.metrics.IncTimedOutTasks()
	b.metrics.SetQueuedTasks(len(b.queue))
	b.checkDrained()
	b.mu.Unlock()

	b.logger.Warn("queued task timed out waiting for a slot",
		log.String(LogFieldTaskID, qt.id),
		log.Duration("queue_timeout", b.queueTimeout),
	)
	qt.grant <- &QueueTimeoutError{Bulkhead: b.name, Timeout: b.queueTimeout}
}

// run executes the task while holding an active slot and settles completion
// bookkeeping on every exit path, including a panicking task.
func (b *Bulkhead) run(ctx context.Context, task Task, enqueuedAt time.Time) error {
	startedAt := time.Now()
	defer b.complete(startedAt, enqueuedAt)
	return task(ctx)
}

// complete releases the active slot, updates counters and running means,
// and grants the slot to the next eligible queued task, if any.
func (b *Bulkhead) complete(startedAt, enqueuedAt time.Time) {
	execTime := time.Since(startedAt)

	b.mu.Lock()
	b.active--
	b.totalExecuted++
	b.avgExecTimeNs += (float64(execTime.Nanoseconds()) - b.avgExecTimeNs) / float64(b.totalExecuted)
	var waitTime time.Duration
	waited := !enqueuedAt.IsZero()
	if waited {
		waitTime = startedAt.Sub(enqueuedAt)
		b.grantedCount++
		b.avgWaitTimeNs += (float64(waitTime.Nanoseconds()) - b.avgWaitTimeNs) / float64(b.grantedCount)
	}
	b.grantNext()
	b.metrics.SetActiveTasks(b.active)
	b.metrics.SetQueuedTasks(len(b.queue))
	b.checkDrained()
	b.mu.Unlock()

	b.metrics.IncExecutedTasks()
	b.metrics.ObserveExecutionTime(execTime)
	if waited {
		b.metrics.ObserveWaitTime(waitTime)
	}
}

// grantNext hands the freed slot to the earliest queued task that has not been
// settled yet. Must be called under the mutex.
func (b *Bulkhead) grantNext() {
	for len(b.queue) > 0 && b.active < b.maxConcurrent {
		qt := b.queue[0]
		b.queue = b.queue[1:]
		if !qt.settled.CompareAndSwap(false, true) {
			// Lost the race to a timeout or cancellation; skip it.
			continue
		}
		qt.timer.Stop()
		b.active++
		qt.grant <- nil
		return
	}
}

// removeQueued removes the task from the queue if it's still there.
// Must be called under the mutex. Tolerates absence: the task may have been
// popped by grantNext before the losing side got the lock.
func (b *Bulkhead) removeQueued(qt *queuedTask) {
	for i, cur := range b.queue {
		if cur == qt {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// Drain marks the Bulkhead as draining, settles every queued task with
// DrainingError without running it, and suspends until all in-flight tasks
// finish naturally. It's idempotent: concurrent calls all resolve once the
// Bulkhead is quiescent. The passed context bounds only the waiting.
func (b *Bulkhead) Drain(ctx context.Context) error {
	b.mu.Lock()
	if !b.draining {
		b.draining = true
		pending := b.queue
		b.queue = nil
		b.logger.Info("bulkhead drain started",
			log.Int("active_tasks", b.active),
			log.Int("queued_tasks", len(pending)),
		)
		for _, qt := range pending {
			if !qt.settled.CompareAndSwap(false, true) {
				continue
			}
			qt.timer.Stop()
			qt.grant <- &DrainingError{Bulkhead: b.name}
		}
		b.metrics.SetQueuedTasks(0)
	}
	b.checkDrained()
	b.mu.Unlock()

	select {
	case <-b.drained:
		b.logger.Info("bulkhead drain finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkDrained closes the drained channel once the draining Bulkhead
// is quiescent. Must be called under the mutex.
func (b *Bulkhead) checkDrained() {
	if b.draining && !b.drainedOnce && b.active == 0 && len(b.queue) == 0 {
		b.drainedOnce = true
		close(b.drained)
	}
}

// Reset zeroes the counters and running means. The active set and the queue
// contents are not touched.
func (b *Bulkhead) Reset() {
	b.mu.Lock()
	b.totalExecuted = 0
	b.totalRejected = 0
	b.totalTimeouts = 0
	b.avgExecTimeNs = 0
	b.avgWaitTimeNs = 0
	b.grantedCount = 0
	b.mu.Unlock()
	b.logger.Info("bulkhead counters reset")
}

// Stats returns a consistent snapshot of the counters.
func (b *Bulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ActiveCount:      b.active,
		QueuedCount:      len(b.queue),
		TotalExecuted:    b.totalExecuted,
		TotalRejected:    b.totalRejected,
		TotalTimeouts:    b.totalTimeouts,
		AvgExecutionTime: time.Duration(b.avgExecTimeNs),
		AvgWaitTime:      time.Duration(b.avgWaitTimeNs),
	}
}

// Saturated reports whether the combined active and queued load has reached
// full capacity, i.e. the next Execute call would be rejected.
func (b *Bulkhead) Saturated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active+len(b.queue) >= b.maxConcurrent+b.maxQueueSize
}
