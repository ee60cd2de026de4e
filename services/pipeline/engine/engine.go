// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine resolves, plans and executes registered pipeline units.
//
// # Description
//
// The Engine holds a registry of commands, behaviors and aggregators. A call
// to Execute resolves the dependency closure of the requested ids, flattens
// it into a command-level graph, layers that graph into stages and runs the
// stages in order on a bounded worker pool. Failures skip their hard
// dependents, succeeded work is compensated in reverse completion order,
// and the caller always receives a Report with the full result tree.
//
// # Thread Safety
//
// An Engine is safe for concurrent use. Registration while an execution is
// in flight does not affect that execution: its closure is resolved up
// front.
package engine

import (
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/resource"
)

const instrumentationName = "aleutian.pipeline"

// Engine executes pipeline units.
type Engine struct {
	settings  pctx.Settings
	logger    *slog.Logger
	emitter   *events.Emitter
	resources resource.Manager
	tracer    trace.Tracer
	meter     metric.Meter

	mu    sync.RWMutex
	units map[string]*entry

	activeMu sync.Mutex
	active   map[string]*pctx.Context

	metricsOnce sync.Once
	instruments instruments
	history     *metricsStore
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings sets the configuration view. Default: config.Default().
func WithSettings(s pctx.Settings) Option {
	return func(e *Engine) {
		if s != nil {
			e.settings = s
		}
	}
}

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEmitter shares an event emitter. Default: a private emitter.
func WithEmitter(em *events.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithResourceManager sets the resource manager used when resource
// management is enabled.
func WithResourceManager(m resource.Manager) Option {
	return func(e *Engine) { e.resources = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		if mp != nil {
			e.meter = mp.Meter(instrumentationName)
		}
	}
}

// New creates an Engine.
//
// Inputs:
//
//	opts - Optional configuration.
//
// Outputs:
//
//	*Engine - Ready for registration.
func New(opts ...Option) *Engine {
	e := &Engine{
		settings: config.Default(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		units:    make(map[string]*entry),
		active:   make(map[string]*pctx.Context),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.emitter == nil {
		e.emitter = events.NewEmitter(events.WithLogger(e.logger))
	}
	e.history = newMetricsStore()
	return e
}

// Settings returns the configuration view.
func (e *Engine) Settings() pctx.Settings { return e.settings }

// Emitter returns the event emitter.
func (e *Engine) Emitter() *events.Emitter { return e.emitter }

// Subscribe registers an observer for the given event types (none = all).
// Handlers run synchronously on the emitting goroutine; a panicking
// handler is logged and skipped.
func (e *Engine) Subscribe(handler events.Handler, types ...events.Type) string {
	return e.emitter.Subscribe(handler, types...)
}

// Unsubscribe removes an observer.
func (e *Engine) Unsubscribe(id string) bool { return e.emitter.Unsubscribe(id) }

// Cancel cancels an in-flight execution.
//
// Outputs:
//
//	bool - False if no execution with that id is running or it was
//	       already cancelled.
func (e *Engine) Cancel(executionID, message string) bool {
	e.activeMu.Lock()
	pc, ok := e.active[executionID]
	e.activeMu.Unlock()
	if !ok {
		return false
	}
	return pc.Cancel(pctx.CancelReason{Type: pctx.CancelUser, Message: message, Component: "engine"})
}

// Running returns the ids of in-flight executions, sorted.
func (e *Engine) Running() []string {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Monitor returns the progress of a registered aggregator.
func (e *Engine) Monitor(aggregatorID string) (aggregator.Progress, error) {
	a, err := e.Aggregator(aggregatorID)
	if err != nil {
		return aggregator.Progress{}, err
	}
	return a.Monitor(), nil
}

func (e *Engine) resourceManagementEnabled() bool {
	return e.resources != nil && e.settings.GetBool(pctx.KeyEnableResourceManagement, false)
}

func (e *Engine) track(id string, pc *pctx.Context) {
	e.activeMu.Lock()
	e.active[id] = pc
	e.activeMu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}
