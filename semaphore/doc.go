/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package semaphore provides a named counting permit pool with FIFO waiters
// and an optional acquire timeout.
//
// It's intended for cross-cutting global resource classes ("CPU-intensive",
// "memory-intensive", per-provider AI concurrency) that span multiple
// bulkheads. Permits are handed to waiters strictly in wait order; a freed
// permit goes directly to the earliest waiter instead of returning to the
// pool. The race between an acquire timeout and a permit hand-off is resolved
// atomically so that exactly one outcome wins and no permit is ever leaked.
package semaphore
