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
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// ExecuteOption configures one Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	id     string
	values map[string]any
	pc     *pctx.Context
}

// WithExecutionID sets the execution id. Default: a random UUID.
func WithExecutionID(id string) ExecuteOption {
	return func(c *executeConfig) { c.id = id }
}

// WithValues seeds the PipelineContext store.
func WithValues(values map[string]any) ExecuteOption {
	return func(c *executeConfig) { c.values = values }
}

// WithPipelineContext runs the execution on an existing PipelineContext.
// The caller keeps ownership and must Release it.
func WithPipelineContext(pc *pctx.Context) ExecuteOption {
	return func(c *executeConfig) { c.pc = pc }
}

// Execute resolves and runs the requested units.
//
// Description:
//
//	The closure of ids is resolved and planned before anything runs. A
//	planning failure (unknown unit, cycle, capacity) produces a Failed
//	report in which no unit ran. Otherwise the stages run in order, each on
//	a worker pool bounded by maxParallelExecutions with a barrier between
//	stages. When the execution fails for a reason other than cancellation,
//	succeeded commands are rolled back in reverse completion order.
//
//	Cancelling ctx, or calling Cancel with the execution id, stops new
//	units from starting; in-flight units get the configured grace period.
//
// Inputs:
//
//	ctx - Parent context. Its cancellation cancels the execution.
//	ids - Commands, behaviors or aggregators to run.
//	opts - Execution id, seed values, or an existing PipelineContext.
//
// Outputs:
//
//	*Report - Never nil. Report.Result holds the full result tree.
//
// Thread Safety:
//
//	Safe to call concurrently; every execution has its own context.
func (e *Engine) Execute(ctx context.Context, ids []string, opts ...ExecuteOption) *Report {
	if ctx == nil {
		ctx = context.Background()
	}
	var cfg executeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	e.initMetrics()

	pc, owned := cfg.pc, cfg.pc == nil
	if owned {
		pc = e.newContext(ctx, cfg)
		defer pc.Release()
	} else {
		stop := context.AfterFunc(ctx, func() {
			pc.Cancel(pctx.CancelReason{Type: pctx.CancelParent, Message: "parent context done", Component: "engine"})
		})
		defer stop()
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.Execute",
		trace.WithAttributes(
			attribute.String("pipeline.execution_id", pc.ID()),
			attribute.StringSlice("pipeline.requested", ids),
		),
	)
	defer span.End()

	e.track(pc.ID(), pc)
	defer e.untrack(pc.ID())

	start := time.Now()
	logger := telemetry.LoggerWithTrace(ctx, pc.Logger())
	report := &Report{ExecutionID: pc.ID(), Context: pc}

	e.emitter.Emit(events.TypeExecutionStarted, pc.ID(), events.ExecutionData{Requested: ids})
	pc.AddExecutionStep(pctx.Step{Event: pctx.EventExecutionStarted, Stage: -1, Message: strings.Join(ids, ",")})

	res, err := e.resolve(ids)
	if err == nil {
		err = e.validateClosure(ctx, pc, res)
	}
	if err != nil {
		root := unit.NewResult(pc.ID(), "execution", unit.KindExecution)
		root.StartedAt, root.EndedAt = start, time.Now()
		root.Status = unit.StatusFailed
		root.SetError(err)
		report.Result = root
		if res != nil {
			report.Plan = res.plan
			report.Warnings = res.warnings
		}
		logger.Error("execution planning failed", slog.String("error", err.Error()))
		e.finish(ctx, span, report, nil, ids, start)
		return report
	}

	report.Plan = res.plan
	report.Warnings = append(report.Warnings, res.warnings...)
	logger.Info("execution planned",
		slog.Int("stages", res.plan.Len()),
		slog.Int("units", res.plan.UnitCount()),
		slog.Int("detached", len(res.detached)),
	)

	x := newExecution(e, res, pc, logger)
	runCtx := trace.ContextWithSpan(pc.Context(), span)
	x.run(runCtx)
	report.Result = x.settle(runCtx)
	report.Warnings = append(report.Warnings, x.warnings...)

	e.finish(ctx, span, report, x, ids, start)
	return report
}

func (e *Engine) newContext(ctx context.Context, cfg executeConfig) *pctx.Context {
	limit := 0
	if e.settings.GetBool(pctx.KeyEnableExecutionHistory, true) {
		limit = e.settings.GetInt(pctx.KeyHistoryLimit, pctx.DefaultHistoryLimit)
	}
	return pctx.New(ctx,
		pctx.WithID(cfg.id),
		pctx.WithLogger(e.logger),
		pctx.WithSettings(e.settings),
		pctx.WithHistoryLimit(limit),
		pctx.WithValues(cfg.values),
	)
}

// validateClosure runs the structural checks of the behaviors and
// aggregators in the closure. Behaviors owned by an aggregator in the
// closure are checked through it.
func (e *Engine) validateClosure(ctx context.Context, pc *pctx.Context, r *resolution) error {
	var errs []error
	for _, id := range sortedKeys(r.aggregators) {
		if err := r.aggregators[id].Validate(ctx, pc); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range sortedKeys(r.behaviors) {
		if _, owned := r.aggregators[r.parent[id]]; owned {
			continue
		}
		if err := r.behaviors[id].Validate(ctx, pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finish records metrics, history and telemetry for a completed report.
func (e *Engine) finish(ctx context.Context, span trace.Span, report *Report, x *execution, ids []string, start time.Time) {
	pc := report.Context
	root := report.Result
	elapsed := time.Since(start)

	pc.AddExecutionStep(pctx.Step{
		Event:    pctx.EventExecutionCompleted,
		Status:   root.Status,
		Stage:    -1,
		Duration: elapsed,
		Error:    root.Error,
	})
	report.History = pc.History()

	m := ExecutionMetrics{
		ExecutionID: pc.ID(),
		Status:      root.Status,
		StartedAt:   start,
		Duration:    elapsed,
		Counters:    pc.Metrics(),
	}
	if x != nil {
		m.Stages = x.stageMetrics
		m.Units = x.unitMetrics()
	}
	report.Metrics = m
	e.history.add(m, e.settings.GetInt(pctx.KeyMetricsRetention, DefaultMetricsRetention))

	if e.instruments.executionDuration != nil {
		e.instruments.executionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("status", string(root.Status))))
	}

	stages := 0
	if report.Plan != nil {
		stages = report.Plan.Len()
	}
	e.emitter.Emit(events.TypeExecutionCompleted, pc.ID(), events.ExecutionData{
		Requested: ids,
		Stages:    stages,
		Units:     len(m.Units),
		Status:    root.Status,
		Duration:  elapsed,
		Error:     root.Error,
	})

	span.SetAttributes(
		attribute.String("pipeline.status", string(root.Status)),
		attribute.Int("pipeline.stages", stages),
	)
	if root.Status != unit.StatusSucceeded {
		if root.Err != nil {
			span.RecordError(root.Err)
		}
		span.SetStatus(codes.Error, string(root.Status))
	}

	level := slog.LevelInfo
	if root.Status.IsFailure() {
		level = slog.LevelWarn
	}
	pc.Logger().Log(ctx, level, "execution completed",
		slog.String("status", string(root.Status)),
		slog.Duration("duration", elapsed),
		slog.Int("warnings", len(report.Warnings)),
	)
}

// Validate resolves and plans ids without running anything.
//
// Description:
//
//	Performs every check Execute performs before its first stage: unknown
//	units, cycles, capacity and the structural validation of behaviors and
//	aggregators.
//
// Outputs:
//
//	*graph.Plan - The stages Execute would run.
//	[]string - Planning warnings, e.g. dropped soft edges.
//	error - The first planning failure, or nil.
func (e *Engine) Validate(ctx context.Context, ids []string) (*graph.Plan, []string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := e.resolve(ids)
	if err != nil {
		return nil, nil, err
	}
	pc := pctx.New(ctx, pctx.WithLogger(e.logger), pctx.WithSettings(e.settings), pctx.WithHistoryLimit(0))
	defer pc.Release()
	if err := e.validateClosure(ctx, pc, r); err != nil {
		return r.plan, r.warnings, err
	}
	return r.plan, r.warnings, nil
}
