/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"fmt"
	"time"
)

// QueueFullError is returned when a task is submitted to a Bulkhead
// whose queue is already at capacity. No queueing happens in this case,
// the task is rejected synchronously.
type QueueFullError struct {
	Bulkhead string
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("bulkhead %q: queue is full", e.Bulkhead)
}

// QueueTimeoutError is returned when a queued task was not granted
// an execution slot within the configured queue timeout.
type QueueTimeoutError struct {
	Bulkhead string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("bulkhead %q: task timed out after %s in queue", e.Bulkhead, e.Timeout)
}

// DrainingError is returned for tasks that are rejected because the Bulkhead
// is draining: queued tasks are settled with it at drain start, and new
// submissions are rejected with it until the process shuts down.
type DrainingError struct {
	Bulkhead string
}

// Error implements the error interface.
func (e *DrainingError) Error() string {
	return fmt.Sprintf("bulkhead %q is draining", e.Bulkhead)
}
