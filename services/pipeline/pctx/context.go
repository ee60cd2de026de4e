// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pctx provides the PipelineContext: the shared, per-execution
// state every unit reads and writes.
//
// A Context bundles:
//
//   - a thread-safe key/value store units use to exchange data
//   - a read-only configuration view
//   - the execution's single cancellation signal
//   - a bounded, append-only execution history
//   - execution counters (units run, failures, peak concurrency)
//
// A Context is created once per top-level request and discarded after the
// caller consumes the result.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package pctx

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Settings is the read-only configuration view handed to units.
type Settings interface {
	GetString(key, def string) string
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
	GetFloat(key string, def float64) float64
	GetDuration(key string, def time.Duration) time.Duration
}

// Context is the PipelineContext of one execution.
type Context struct {
	id        string
	startedAt time.Time
	logger    *slog.Logger
	settings  Settings
	signal    *signal

	mu    sync.RWMutex
	store map[string]any

	historyMu      sync.Mutex
	history        *ring[Step]
	historyEnabled bool
	seq            uint64

	metrics counters
}

// Option configures a Context.
type Option func(*Context)

// WithID sets the execution id. Default: a new UUID.
func WithID(id string) Option {
	return func(c *Context) {
		if id != "" {
			c.id = id
		}
	}
}

// WithLogger sets the logger units should use.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSettings sets the configuration view.
func WithSettings(s Settings) Option {
	return func(c *Context) {
		if s != nil {
			c.settings = s
		}
	}
}

// WithHistoryLimit bounds the history. Zero or negative disables history.
func WithHistoryLimit(n int) Option {
	return func(c *Context) {
		if n <= 0 {
			c.historyEnabled = false
			return
		}
		c.history = newRing[Step](n)
		c.historyEnabled = true
	}
}

// WithValues seeds the store.
func WithValues(values map[string]any) Option {
	return func(c *Context) {
		maps.Copy(c.store, values)
	}
}

// New creates a Context whose cancellation signal derives from parent.
//
// Inputs:
//
//	parent - Parent context. Cancelling it cancels the execution. nil is
//	         treated as context.Background().
//	opts - Optional configuration.
//
// Outputs:
//
//	*Context - Ready to use.
func New(parent context.Context, opts ...Option) *Context {
	if parent == nil {
		parent = context.Background()
	}
	c := &Context{
		id:             uuid.NewString(),
		startedAt:      time.Now(),
		logger:         logging.Discard(),
		settings:       noSettings{},
		signal:         newSignal(parent),
		store:          make(map[string]any),
		history:        newRing[Step](DefaultHistoryLimit),
		historyEnabled: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("execution_id", c.id))
	return c
}

// ID returns the execution id.
func (c *Context) ID() string { return c.id }

// StartedAt returns the creation time.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// Logger returns an execution-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Settings returns the configuration view.
func (c *Context) Settings() Settings { return c.settings }

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Value returns the raw value stored under key.
func (c *Context) Value(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.store[key] = value
	c.mu.Unlock()
}

// Merge stores every entry of values atomically with respect to readers.
func (c *Context) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	maps.Copy(c.store, values)
	c.mu.Unlock()
}

// Remove deletes key. It reports whether the key was present.
func (c *Context) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	delete(c.store, key)
	return ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.store[key]
	return ok
}

// Keys returns the stored keys, sorted.
func (c *Context) Keys() []string {
	c.mu.RLock()
	keys := slices.Collect(maps.Keys(c.store))
	c.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Snapshot returns a shallow copy of the store.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.store)
}

// Get returns the value under key as T, or def if the key is missing or
// holds a value of another type.
func Get[T any](c *Context, key string, def T) T {
	v, ok := c.Value(key)
	if !ok {
		return def
	}
	typed, ok := v.(T)
	if !ok {
		return def
	}
	return typed
}

// Lookup returns the value under key as T and whether it was present with
// that type.
func Lookup[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Value(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// Context returns the cancellable context.Context of the execution.
func (c *Context) Context() context.Context { return c.signal.ctx }

// Done is closed when the execution is cancelled.
func (c *Context) Done() <-chan struct{} { return c.signal.ctx.Done() }

// Err returns a non-nil error once the execution is cancelled. Release does
// not count as cancellation.
func (c *Context) Err() error { return c.signal.err() }

// Cancelled reports whether cancellation was requested.
func (c *Context) Cancelled() bool { return c.signal.err() != nil }

// Cancel requests cancellation. Only the first reason is kept.
//
// Outputs:
//
//	bool - True if this call triggered cancellation.
func (c *Context) Cancel(reason CancelReason) bool {
	fired := c.signal.fire(reason)
	if fired {
		c.logger.Warn("execution cancellation requested",
			slog.String("type", reason.Type.String()),
			slog.String("message", reason.Message),
		)
	}
	return fired
}

// CancelReason returns why the execution was cancelled.
func (c *Context) CancelReason() (CancelReason, bool) { return c.signal.cause() }

// Release frees the cancellation resources. Safe to call more than once.
//
// After Release, Done is closed but Err, Cancelled and CancelReason still
// describe only cancellation that happened before it.
func (c *Context) Release() { c.signal.release() }

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// AddExecutionStep appends step to the history, stamping Seq and Time.
// Oldest entries are evicted beyond the history limit. No-op when history
// is disabled.
func (c *Context) AddExecutionStep(step Step) {
	if !c.historyEnabled {
		return
	}
	if step.Time.IsZero() {
		step.Time = time.Now()
	}
	c.historyMu.Lock()
	c.seq++
	step.Seq = c.seq
	c.history.push(step)
	c.historyMu.Unlock()
}

// History returns a copy of the retained steps, oldest first.
func (c *Context) History() []Step {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if !c.historyEnabled {
		return nil
	}
	return c.history.slice()
}

// RecentHistory returns up to n steps, newest first.
func (c *Context) RecentHistory(n int) []Step {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if !c.historyEnabled {
		return nil
	}
	return c.history.last(n)
}

// HistoryDropped returns how many steps were evicted.
func (c *Context) HistoryDropped() int {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return c.history.dropped
}

// HistoryEnabled reports whether steps are recorded.
func (c *Context) HistoryEnabled() bool { return c.historyEnabled }

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Metrics is a point-in-time view of the execution counters.
type Metrics struct {
	UnitsRun        int64         `json:"units_run"`
	UnitsSucceeded  int64         `json:"units_succeeded"`
	UnitsFailed     int64         `json:"units_failed"`
	UnitsSkipped    int64         `json:"units_skipped"`
	UnitsRolledBack int64         `json:"units_rolled_back"`
	Retries         int64         `json:"retries"`
	Running         int64         `json:"running"`
	PeakConcurrency int64         `json:"peak_concurrency"`
	WallTime        time.Duration `json:"wall_time"`
}

type counters struct {
	run, succeeded, failed, skipped, rolledBack, retries atomic.Int64
	running, peak                                        atomic.Int64
}

// UnitStarted records a unit entering Running.
func (c *Context) UnitStarted() {
	c.metrics.run.Add(1)
	n := c.metrics.running.Add(1)
	for {
		peak := c.metrics.peak.Load()
		if n <= peak || c.metrics.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// UnitFinished records a unit leaving Running with the given status.
func (c *Context) UnitFinished(status unit.Status) {
	c.metrics.running.Add(-1)
	c.countStatus(status)
}

// UnitSettled records a terminal status for a unit that never ran
// (skipped or validation failed).
func (c *Context) UnitSettled(status unit.Status) {
	c.countStatus(status)
}

// UnitRetried records a retry attempt.
func (c *Context) UnitRetried() { c.metrics.retries.Add(1) }

// UnitRolledBack records a successful compensation.
func (c *Context) UnitRolledBack() { c.metrics.rolledBack.Add(1) }

func (c *Context) countStatus(status unit.Status) {
	switch {
	case status == unit.StatusSucceeded:
		c.metrics.succeeded.Add(1)
	case status == unit.StatusSkipped:
		c.metrics.skipped.Add(1)
	case status.IsFailure():
		c.metrics.failed.Add(1)
	}
}

// Metrics returns the current counters.
func (c *Context) Metrics() Metrics {
	return Metrics{
		UnitsRun:        c.metrics.run.Load(),
		UnitsSucceeded:  c.metrics.succeeded.Load(),
		UnitsFailed:     c.metrics.failed.Load(),
		UnitsSkipped:    c.metrics.skipped.Load(),
		UnitsRolledBack: c.metrics.rolledBack.Load(),
		Retries:         c.metrics.retries.Load(),
		Running:         c.metrics.running.Load(),
		PeakConcurrency: c.metrics.peak.Load(),
		WallTime:        time.Since(c.startedAt),
	}
}

// noSettings answers every lookup with the default.
type noSettings struct{}

func (noSettings) GetString(_ string, def string) string                 { return def }
func (noSettings) GetInt(_ string, def int) int                          { return def }
func (noSettings) GetBool(_ string, def bool) bool                       { return def }
func (noSettings) GetFloat(_ string, def float64) float64                { return def }
func (noSettings) GetDuration(_ string, def time.Duration) time.Duration { return def }
