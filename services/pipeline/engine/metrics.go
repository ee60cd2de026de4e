// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// DefaultMetricsRetention is the number of executions whose metrics are
// kept when metricsRetention is not configured.
const DefaultMetricsRetention = 100

// UnitMetrics records one command of an execution.
type UnitMetrics struct {
	ID       string        `json:"id"`
	Status   unit.Status   `json:"status"`
	Stage    int           `json:"stage"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// StageMetrics records one stage of an execution.
type StageMetrics struct {
	Index int `json:"index"`
	Units int `json:"units"`

	// Concurrency is the peak number of units running at once.
	Concurrency int           `json:"concurrency"`
	Duration    time.Duration `json:"duration"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`

	Requirements unit.ResourceRequirements `json:"requirements,omitzero"`
	// Utilization is the fraction of each bounded resource dimension
	// allocated to the stage, sampled at the stage boundary.
	Utilization map[string]float64 `json:"utilization,omitempty"`
}

// ExecutionMetrics summarises one execution.
type ExecutionMetrics struct {
	ExecutionID string         `json:"execution_id"`
	Status      unit.Status    `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Stages      []StageMetrics `json:"stages"`
	Units       []UnitMetrics  `json:"units"`
	Counters    pctx.Metrics   `json:"counters"`
}

// Unit returns the metrics of one command.
func (m ExecutionMetrics) Unit(id string) (UnitMetrics, bool) {
	for _, u := range m.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitMetrics{}, false
}

// metricsStore keeps the metrics of recent executions, oldest first.
type metricsStore struct {
	mu    sync.RWMutex
	items []ExecutionMetrics
}

func newMetricsStore() *metricsStore {
	return &metricsStore{}
}

func (s *metricsStore) add(m ExecutionMetrics, limit int) {
	if limit <= 0 {
		limit = DefaultMetricsRetention
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, m)
	if over := len(s.items) - limit; over > 0 {
		s.items = slices.Delete(s.items, 0, over)
	}
}

// GetExecutionMetrics returns the retained execution metrics, oldest
// first.
func (e *Engine) GetExecutionMetrics() []ExecutionMetrics {
	e.history.mu.RLock()
	defer e.history.mu.RUnlock()
	return slices.Clone(e.history.items)
}

// MetricsFor returns the metrics of one retained execution.
func (e *Engine) MetricsFor(executionID string) (ExecutionMetrics, bool) {
	e.history.mu.RLock()
	defer e.history.mu.RUnlock()
	for i := len(e.history.items) - 1; i >= 0; i-- {
		if e.history.items[i].ExecutionID == executionID {
			return e.history.items[i], true
		}
	}
	return ExecutionMetrics{}, false
}

// instruments are the OpenTelemetry instruments of an Engine.
type instruments struct {
	unitDuration      metric.Float64Histogram
	unitOutcomes      metric.Int64Counter
	activeUnits       metric.Int64UpDownCounter
	stageConcurrency  metric.Int64Histogram
	executionDuration metric.Float64Histogram
}

// initMetrics lazily creates the instruments. A failed instrument is
// logged and left nil; recording skips it.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.instruments.unitDuration, err = e.meter.Float64Histogram("pipeline_unit_duration_seconds",
			metric.WithDescription("Time spent running each command"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_duration: "+err.Error())
		}

		e.instruments.unitOutcomes, err = e.meter.Int64Counter("pipeline_unit_outcomes_total",
			metric.WithDescription("Commands reaching a terminal status, by status"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_outcomes: "+err.Error())
		}

		e.instruments.activeUnits, err = e.meter.Int64UpDownCounter("pipeline_active_units",
			metric.WithDescription("Number of currently running commands"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_units: "+err.Error())
		}

		e.instruments.stageConcurrency, err = e.meter.Int64Histogram("pipeline_stage_concurrency",
			metric.WithDescription("Peak concurrency achieved per stage"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_concurrency: "+err.Error())
		}

		e.instruments.executionDuration, err = e.meter.Float64Histogram("pipeline_execution_duration_seconds",
			metric.WithDescription("Total execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "execution_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
