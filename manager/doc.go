/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package manager composes bulkheads and global semaphores into a process-wide
// resource-isolation registry.
//
// A Manager creates bulkheads lazily by dot-namespaced service name
// ("ai.claude", "container.start"), resolving the configuration for a new
// instance through an ordered rule table (exact name, then glob pattern such
// as "ai.*", then a built-in default). A fixed set of global semaphores
// ("cpu-intensive", "memory-intensive", "ai-concurrency" by default) is
// pre-registered at construction and can be held across a bulkhead execution
// via ExecuteWithOpts or the specialized helpers.
//
// The Manager also exposes an aggregate read-model (AllStats, HealthSummary)
// for dashboards and lifecycle operations (Reset, ResetAll, DrainAll) for
// graceful shutdown.
package manager
