/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package bulkhead provides a named concurrency and queue limiter for isolating
// downstream dependencies from each other's overload.
//
// A Bulkhead bounds how many tasks may run concurrently and how many may wait
// in a FIFO queue for a slot. A task submitted when all slots are busy is
// queued with a wait-time budget; a task submitted when the queue is full is
// rejected immediately. Queued tasks are granted slots strictly in enqueue
// order, and the race between a slot grant and a queue timeout is resolved
// atomically so that exactly one outcome wins.
//
// Key features:
//   - Immediate rejection with backpressure once capacity is exhausted
//   - Graceful draining that rejects queued work and awaits in-flight work
//   - Execution and wait time statistics with resettable counters
//   - Pluggable structured logging and Prometheus metrics
package bulkhead
