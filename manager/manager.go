/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vasayxtx/go-glob"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-bulkhead/bulkhead"
	"github.com/acronis/go-bulkhead/semaphore"
)

// MetricsLabelName is the label under which per-instance metrics are curried
// when prometheus metrics are passed to the Manager.
const MetricsLabelName = "name"

// UnknownSemaphoreError is returned by Execute when the options reference
// a semaphore name that was not pre-registered. Unlike bulkheads, semaphores
// are never auto-created.
type UnknownSemaphoreError struct {
	Semaphore string
}

// Error implements the error interface.
func (e *UnknownSemaphoreError) Error() string {
	return fmt.Sprintf("semaphore %q is not registered", e.Semaphore)
}

// ExecuteOpts represents options for a single Manager.Execute call.
type ExecuteOpts struct {
	// Semaphores is a list of pre-registered global semaphore names to hold
	// for the duration of the task. They are acquired in the listed order and
	// released in reverse order once the bulkhead settles the task.
	Semaphores []string

	// AcquireTimeout bounds each semaphore acquisition.
	// Zero means waiting is bounded only by the passed context.
	AcquireTimeout time.Duration
}

// Opts represents options for creating a Manager.
type Opts struct {
	// Logger is passed down to the created bulkheads and semaphores.
	Logger log.FieldLogger

	// BulkheadMetrics, if not nil, must be created with
	// CurriedLabelNames: []string{MetricsLabelName}; the Manager curries it
	// with the instance name for every bulkhead it creates.
	BulkheadMetrics *bulkhead.PrometheusMetrics

	// SemaphoreMetrics is the semaphore counterpart of BulkheadMetrics.
	SemaphoreMetrics *semaphore.PrometheusMetrics
}

// AllStats is a snapshot over every registered bulkhead and semaphore.
type AllStats struct {
	Bulkheads  map[string]bulkhead.Stats  `json:"bulkheads"`
	Semaphores map[string]semaphore.Stats `json:"semaphores"`
}

// HealthSummary is an aggregate read-model for dashboards and health checks.
type HealthSummary struct {
	TotalBulkheads  int      `json:"totalBulkheads"`
	TotalSemaphores int      `json:"totalSemaphores"`
	Saturated       []string `json:"saturated"`
	QueuedTasks     int      `json:"queuedTasks"`
	ActiveTasks     int      `json:"activeTasks"`
}

// compiledRule is a Rule with its glob matcher compiled once at Manager
// construction or UpdateConfig time, not per call.
type compiledRule struct {
	pattern string
	match   func(s string) bool
	cfg     bulkhead.Config
}

// Manager is a process-wide registry of bulkheads and global semaphores.
// Bulkheads are created lazily on first reference, one per distinct service
// name, and live until process shutdown. Semaphores are fixed at construction.
//
// Construct one Manager at startup and pass it by reference; all registry
// mutation happens under its mutex.
type Manager struct {
	logger     log.FieldLogger
	bhMetrics  *bulkhead.PrometheusMetrics
	semMetrics *semaphore.PrometheusMetrics

	mu         sync.RWMutex
	defaultCfg bulkhead.Config
	rules      []compiledRule
	bulkheads  map[string]*bulkhead.Bulkhead
	semaphores map[string]*semaphore.Semaphore
}

// New creates a new Manager with the given configuration.
func New(cfg *Config, opts Opts) (*Manager, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Bulkheads.Default.Validate(); err != nil {
		return nil, fmt.Errorf("validate default bulkhead config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	m := &Manager{
		logger:     logger,
		bhMetrics:  opts.BulkheadMetrics,
		semMetrics: opts.SemaphoreMetrics,
		defaultCfg: cfg.Bulkheads.Default,
		rules:      compileRules(cfg.Bulkheads.Rules),
		bulkheads:  make(map[string]*bulkhead.Bulkhead),
		semaphores: make(map[string]*semaphore.Semaphore),
	}

	semaphores := cfg.Semaphores
	if len(semaphores) == 0 {
		semaphores = DefaultSemaphores()
	}
	for _, sc := range semaphores {
		if _, ok := m.semaphores[sc.Name]; ok {
			return nil, fmt.Errorf("duplicate semaphore %q", sc.Name)
		}
		var mc semaphore.MetricsCollector
		if m.semMetrics != nil {
			mc = m.semMetrics.MustCurryWith(prometheus.Labels{MetricsLabelName: sc.Name})
		}
		sem, err := semaphore.New(sc.Name, sc.Permits, semaphore.Opts{Logger: logger, MetricsCollector: mc})
		if err != nil {
			return nil, fmt.Errorf("create semaphore %q: %w", sc.Name, err)
		}
		m.semaphores[sc.Name] = sem
	}

	return m, nil
}

// MustNew is a version of New that panics on error.
func MustNew(cfg *Config, opts Opts) *Manager {
	m, err := New(cfg, opts)
	if err != nil {
		panic(err)
	}
	return m
}

func compileRules(rules RuleList) []compiledRule {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		compiled = append(compiled, compiledRule{
			pattern: r.Pattern,
			match:   glob.Compile(r.Pattern),
			cfg:     r.Bulkhead,
		})
	}
	return compiled
}

// resolveConfig picks the most specific matching configuration for a service
// name: exact pattern, then first matching glob pattern, then the default.
// Must be called under the mutex (read or write).
func (m *Manager) resolveConfig(name string) bulkhead.Config {
	for i := range m.rules {
		if m.rules[i].pattern == name {
			return m.rules[i].cfg
		}
	}
	for i := range m.rules {
		if m.rules[i].match(name) {
			return m.rules[i].cfg
		}
	}
	return m.defaultCfg
}

// GetBulkhead returns the bulkhead registered for the service name, creating
// it on first reference with the configuration resolved at that moment.
func (m *Manager) GetBulkhead(name string) *bulkhead.Bulkhead {
	m.mu.RLock()
	b, ok := m.bulkheads[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.bulkheads[name]; ok {
		return b
	}
	cfg := m.resolveConfig(name)
	var mc bulkhead.MetricsCollector
	if m.bhMetrics != nil {
		mc = m.bhMetrics.MustCurryWith(prometheus.Labels{MetricsLabelName: name})
	}
	b = bulkhead.MustNew(name, &cfg, bulkhead.Opts{Logger: m.logger, MetricsCollector: mc})
	m.bulkheads[name] = b
	return b
}

// GetSemaphore looks up a pre-registered global semaphore.
// Unknown names are not auto-created: ok is false for them.
func (m *Manager) GetSemaphore(name string) (sem *semaphore.Semaphore, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sem, ok = m.semaphores[name]
	return sem, ok
}

// Execute runs the task under the bulkhead registered for the service name.
func (m *Manager) Execute(ctx context.Context, name string, task bulkhead.Task) error {
	return m.ExecuteWithOpts(ctx, name, task, ExecuteOpts{})
}

// ExecuteWithOpts acquires the listed global semaphores in order (failing
// fast and releasing the already-acquired ones if any acquisition fails),
// delegates the task to the bulkhead registered for the service name, and
// releases the semaphores in reverse order once the bulkhead settles the
// task, whatever the outcome.
func (m *Manager) ExecuteWithOpts(ctx context.Context, name string, task bulkhead.Task, opts ExecuteOpts) error {
	acquired := make([]*semaphore.Semaphore, 0, len(opts.Semaphores))
	releaseAll := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release()
		}
	}

	for _, semName := range opts.Semaphores {
		sem, ok := m.GetSemaphore(semName)
		if !ok {
			releaseAll()
			return &UnknownSemaphoreError{Semaphore: semName}
		}
		var err error
		if opts.AcquireTimeout > 0 {
			err = sem.AcquireWithTimeout(ctx, opts.AcquireTimeout)
		} else {
			err = sem.Acquire(ctx)
		}
		if err != nil {
			releaseAll()
			return err
		}
		acquired = append(acquired, sem)
	}
	defer releaseAll()

	return m.GetBulkhead(name).Execute(ctx, task)
}

// ExecuteCPUIntensive runs the task under the service's bulkhead while
// holding a permit of the global CPU-intensive semaphore.
func (m *Manager) ExecuteCPUIntensive(ctx context.Context, name string, task bulkhead.Task) error {
	return m.ExecuteWithOpts(ctx, name, task, ExecuteOpts{Semaphores: []string{SemaphoreCPUIntensive}})
}

// ExecuteMemoryIntensive runs the task under the service's bulkhead while
// holding a permit of the global memory-intensive semaphore.
func (m *Manager) ExecuteMemoryIntensive(ctx context.Context, name string, task bulkhead.Task) error {
	return m.ExecuteWithOpts(ctx, name, task, ExecuteOpts{Semaphores: []string{SemaphoreMemoryIntensive}})
}

// ExecuteAITask runs the task under the provider-scoped bulkhead
// (e.g. "ai.claude" for provider "claude") while holding a permit of the
// global AI concurrency semaphore.
func (m *Manager) ExecuteAITask(ctx context.Context, provider string, task bulkhead.Task) error {
	return m.ExecuteWithOpts(ctx, BulkheadNamespaceAI+provider, task,
		ExecuteOpts{Semaphores: []string{SemaphoreAIConcurrency}})
}

// AllStats returns a snapshot over every registered bulkhead and semaphore.
func (m *Manager) AllStats() AllStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := AllStats{
		Bulkheads:  make(map[string]bulkhead.Stats, len(m.bulkheads)),
		Semaphores: make(map[string]semaphore.Stats, len(m.semaphores)),
	}
	for name, b := range m.bulkheads {
		stats.Bulkheads[name] = b.Stats()
	}
	for name, s := range m.semaphores {
		stats.Semaphores[name] = s.Stats()
	}
	return stats
}

// HealthSummary returns aggregate counts across all registered instances.
// Saturated lists (sorted) every bulkhead whose next Execute call would be
// rejected because active and queued tasks have reached full capacity.
func (m *Manager) HealthSummary() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := HealthSummary{
		TotalBulkheads:  len(m.bulkheads),
		TotalSemaphores: len(m.semaphores),
		Saturated:       []string{},
	}
	for name, b := range m.bulkheads {
		stats := b.Stats()
		summary.QueuedTasks += stats.QueuedCount
		summary.ActiveTasks += stats.ActiveCount
		if b.Saturated() {
			summary.Saturated = append(summary.Saturated, name)
		}
	}
	sort.Strings(summary.Saturated)
	return summary
}

// UpdateConfig merges the patch into the stored rule for the pattern,
// creating the rule if it doesn't exist yet. Only bulkheads created after
// the call are affected; existing instances are not live-reconfigured.
func (m *Manager) UpdateConfig(pattern string, patch ConfigPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].pattern == pattern {
			patch.applyTo(&m.rules[i].cfg)
			m.logger.Info("bulkhead config rule updated", log.String("pattern", pattern))
			return
		}
	}
	cfg := m.resolveConfig(pattern)
	patch.applyTo(&cfg)
	m.rules = append(m.rules, compiledRule{pattern: pattern, match: glob.Compile(pattern), cfg: cfg})
	m.logger.Info("bulkhead config rule added", log.String("pattern", pattern))
}

// Reset forwards to the named bulkhead's Reset.
// It reports whether a bulkhead with this name was registered.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	b, ok := m.bulkheads[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets the counters of every registered bulkhead.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	bulkheads := make([]*bulkhead.Bulkhead, 0, len(m.bulkheads))
	for _, b := range m.bulkheads {
		bulkheads = append(bulkheads, b)
	}
	m.mu.RUnlock()
	for _, b := range bulkheads {
		b.Reset()
	}
}

// DrainAll drains every registered bulkhead concurrently and waits until all
// of them are quiescent. Intended for graceful shutdown.
func (m *Manager) DrainAll(ctx context.Context) error {
	m.mu.RLock()
	bulkheads := make([]*bulkhead.Bulkhead, 0, len(m.bulkheads))
	for _, b := range m.bulkheads {
		bulkheads = append(bulkheads, b)
	}
	m.mu.RUnlock()

	m.logger.Info("draining all bulkheads", log.Int("bulkheads", len(bulkheads)))
	g, gCtx := errgroup.WithContext(ctx)
	for _, b := range bulkheads {
		b := b
		g.Go(func() error {
			return b.Drain(gCtx)
		})
	}
	return g.Wait()
}
