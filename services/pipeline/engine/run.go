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
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/resource"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// execution is the mutable state of one Execute call.
type execution struct {
	e      *Engine
	r      *resolution
	pc     *pctx.Context
	logger *slog.Logger
	ctx    context.Context

	maxParallel   int
	failFast      bool
	rollbackScope string
	limiter       *rate.Limiter
	opts          command.RunOptions

	gauges   []*stageGauge
	trackers map[string]*aggTracker

	mu         sync.Mutex
	results    map[string]*unit.Result
	completed  []string
	haltedBy   string
	scopeStart map[string]time.Time

	stageMetrics []StageMetrics
	warnings     []string
}

// stageGauge counts the units of a stage in flight.
type stageGauge struct {
	running atomic.Int64
	peak    atomic.Int64
}

func (g *stageGauge) inc() {
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// aggTracker maps global stage indexes onto an aggregator's own stages.
type aggTracker struct {
	tracker *aggregator.Tracker
	local   map[int]int
}

func newExecution(e *Engine, r *resolution, pc *pctx.Context, logger *slog.Logger) *execution {
	s := e.settings
	x := &execution{
		e:             e,
		r:             r,
		pc:            pc,
		logger:        logger,
		ctx:           context.Background(),
		maxParallel:   s.GetInt(pctx.KeyMaxParallelExecutions, pctx.DefaultMaxParallelExecutions),
		failFast:      s.GetString(pctx.KeyFailureMode, config.FailureModeContinue) == config.FailureModeFailFast,
		rollbackScope: s.GetString(pctx.KeyRollbackScope, config.RollbackScopeAll),
		trackers:      make(map[string]*aggTracker),
		results:       make(map[string]*unit.Result, len(r.commands)),
		scopeStart:    make(map[string]time.Time),
	}
	if x.maxParallel < 1 {
		x.maxParallel = 1
	}
	if rps := s.GetFloat(pctx.KeyMaxStartsPerSecond, 0); rps > 0 {
		x.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	x.gauges = make([]*stageGauge, r.plan.Len())
	for i := range x.gauges {
		x.gauges[i] = &stageGauge{}
	}

	opts := command.OptionsFromSettings(s)
	opts.Logger = logger
	opts.OnTransition = x.onTransition
	x.opts = command.Track(pc, opts)

	for _, id := range sortedKeys(r.aggregators) {
		tracked, ok := r.aggregators[id].(aggregator.Tracked)
		if !ok {
			continue
		}
		members := r.members(id)
		at := &aggTracker{tracker: tracked.Tracker(), local: make(map[int]int)}
		for _, stage := range r.plan.Stages {
			for _, u := range stage.Units {
				if slices.Contains(members, u) {
					at.local[stage.Index] = len(at.local)
					break
				}
			}
		}
		at.tracker.Start(len(at.local), len(members))
		x.trackers[id] = at
	}
	return x
}

// run executes the stages in order with a barrier between them.
func (x *execution) run(ctx context.Context) {
	x.ctx = ctx
	for _, stage := range x.r.plan.Stages {
		x.runStage(ctx, stage)
	}
	if reason, ok := x.pc.CancelReason(); ok {
		x.pc.AddExecutionStep(pctx.Step{
			Event:   pctx.EventCancel,
			Stage:   -1,
			Message: fmt.Sprintf("%s: %s", reason.Type, reason.Message),
		})
	}
}

func (x *execution) runStage(ctx context.Context, stage graph.Stage) {
	ctx, span := x.e.tracer.Start(ctx, "pipeline.Stage",
		trace.WithAttributes(
			attribute.Int("pipeline.stage", stage.Index),
			attribute.Int("pipeline.stage_units", len(stage.Units)),
		),
	)
	defer span.End()
	start := time.Now()

	for _, at := range x.trackers {
		if local, ok := at.local[stage.Index]; ok {
			at.tracker.StageStarted(local)
		}
	}
	x.e.emitter.Emit(events.TypeStageStarted, x.pc.ID(), events.StageData{
		Index:       stage.Index,
		Units:       stage.Units,
		Concurrency: min(x.maxParallel, len(stage.Units)),
	})
	x.pc.AddExecutionStep(pctx.Step{
		Event:   pctx.EventStageStarted,
		Stage:   stage.Index,
		Message: strings.Join(stage.Units, " "),
	})
	x.logger.Debug("stage started", slog.Int("stage", stage.Index), slog.Any("units", stage.Units))

	release, allocErr := x.allocate(ctx, stage)

	var g errgroup.Group
	g.SetLimit(x.maxParallel)
	for _, id := range stage.Units {
		g.Go(func() error {
			x.dispatch(ctx, id, stage.Index, allocErr)
			return nil
		})
	}
	_ = g.Wait()
	release()

	sm := StageMetrics{
		Index:        stage.Index,
		Units:        len(stage.Units),
		Concurrency:  int(x.gauges[stage.Index].peak.Load()),
		Duration:     time.Since(start),
		Requirements: stage.Requirements,
	}
	x.mu.Lock()
	for _, id := range stage.Units {
		switch res := x.results[id]; {
		case res == nil:
		case res.Status == unit.StatusSucceeded:
			sm.Succeeded++
		case res.Status == unit.StatusSkipped:
			sm.Skipped++
		case res.Status.IsFailure():
			sm.Failed++
		}
	}
	x.mu.Unlock()
	if x.e.resourceManagementEnabled() {
		sm.Utilization = resource.Utilization(x.e.resources.Capacity(), stage.Requirements)
	}
	x.stageMetrics = append(x.stageMetrics, sm)

	if x.e.instruments.stageConcurrency != nil {
		x.e.instruments.stageConcurrency.Record(ctx, int64(sm.Concurrency))
	}
	span.SetAttributes(
		attribute.Int("pipeline.stage_concurrency", sm.Concurrency),
		attribute.Int("pipeline.stage_failed", sm.Failed),
	)
	if sm.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d units failed", sm.Failed))
	}

	x.e.emitter.Emit(events.TypeStageCompleted, x.pc.ID(), events.StageData{
		Index:       stage.Index,
		Units:       stage.Units,
		Concurrency: sm.Concurrency,
		Duration:    sm.Duration,
		Failed:      sm.Failed,
		Skipped:     sm.Skipped,
	})
	x.pc.AddExecutionStep(pctx.Step{
		Event:    pctx.EventStageCompleted,
		Stage:    stage.Index,
		Duration: sm.Duration,
	})
	x.logger.Debug("stage completed",
		slog.Int("stage", stage.Index),
		slog.Int("concurrency", sm.Concurrency),
		slog.Int("failed", sm.Failed),
		slog.Int("skipped", sm.Skipped),
		slog.Duration("duration", sm.Duration),
	)
}

// allocate reserves the stage's resources. The returned error, if any,
// fails every unit of the stage.
func (x *execution) allocate(ctx context.Context, stage graph.Stage) (func(), error) {
	noop := func() {}
	if !x.e.resourceManagementEnabled() || stage.Requirements.IsZero() || x.pc.Cancelled() {
		return noop, nil
	}
	alloc, err := x.e.resources.Allocate(ctx, stage.Requirements)
	if err != nil {
		if !errors.Is(err, unit.ErrResourceUnavailable) {
			err = fmt.Errorf("%w: %w", unit.ErrResourceUnavailable, err)
		}
		x.logger.Warn("stage resource allocation failed",
			slog.Int("stage", stage.Index),
			slog.String("requirements", stage.Requirements.String()),
			slog.String("error", err.Error()),
		)
		return noop, fmt.Errorf("stage %d: %w", stage.Index, err)
	}
	return func() {
		if err := x.e.resources.Release(alloc.ID); err != nil {
			x.logger.Warn("stage resource release failed", slog.Int("stage", stage.Index), slog.String("error", err.Error()))
		}
	}, nil
}

// dispatch runs or skips one command.
func (x *execution) dispatch(ctx context.Context, id string, stage int, allocErr error) {
	c := x.r.commands[id]
	opts := x.opts
	opts.Stage = stage

	x.mu.Lock()
	if _, done := x.results[id]; done {
		x.mu.Unlock()
		return
	}
	reason, chain, err := x.blockedLocked(id)
	x.mu.Unlock()
	if reason != unit.SkipNone {
		x.record(id, command.Skip(c, reason, chain, err, opts))
		return
	}

	if b := x.r.behaviorOf(id); b != nil && b.Strategy() == behavior.Conditional {
		if pred := b.Predicate(id); pred != nil && !pred.Eval(x.pc) {
			x.record(id, command.Skip(c, unit.SkipCondition, nil, nil, opts))
			return
		}
	}

	ctx, span := x.e.tracer.Start(ctx, "pipeline.Unit",
		trace.WithAttributes(
			attribute.String("pipeline.unit", id),
			attribute.Int("pipeline.stage", stage),
		),
	)
	defer span.End()

	ctx = x.scoped(ctx, id)
	opts.BeforeStart = func(ctx context.Context) error {
		if allocErr != nil {
			return allocErr
		}
		if x.limiter != nil {
			return x.limiter.Wait(ctx)
		}
		return nil
	}

	res := command.Run(ctx, c, x.pc, opts)
	span.SetAttributes(
		attribute.String("pipeline.status", string(res.Status)),
		attribute.Int("pipeline.attempts", res.Attempts),
	)
	if res.Status.IsFailure() {
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, res.Error)
	}
	x.record(id, res)
}

// blockedLocked reports why id must not start. x.mu must be held.
func (x *execution) blockedLocked(id string) (unit.SkipReason, []string, error) {
	if x.pc.Cancelled() {
		return unit.SkipCancelled, nil, fmt.Errorf("%w: %s not started", unit.ErrCancelled, id)
	}
	if x.haltedBy != "" {
		return unit.SkipHalted, []string{x.haltedBy, id},
			fmt.Errorf("%w: halted after %s failed", unit.ErrUpstreamFailed, x.haltedBy)
	}
	for _, dep := range x.r.graph.HardDependencies(id) {
		res := x.results[dep]
		if res != nil && res.Successful() {
			continue
		}
		chain := []string{dep}
		if res != nil && len(res.SkipChain) > 0 {
			chain = slices.Clone(res.SkipChain)
		}
		chain = append(chain, id)
		return unit.SkipUpstream, chain, fmt.Errorf("%w: %s", unit.ErrUpstreamFailed, chain[0])
	}
	return unit.SkipNone, nil, nil
}

// scoped attaches the behavior and aggregator budgets of id to ctx. Both
// are measured from the first start of a command inside the scope.
func (x *execution) scoped(ctx context.Context, id string) context.Context {
	if b := x.r.behaviorOf(id); b != nil {
		meta := b.Metadata()
		if budget := x.scopeTimeout(meta, pctx.KeyBehaviorTimeout); budget > 0 {
			ctx = command.WithScopeDeadline(ctx, x.scopeStarted(meta.ID).Add(budget), unit.KindBehavior, budget)
		}
	}
	if a := x.r.aggregatorOf(id); a != nil {
		meta := a.Metadata()
		if budget := x.scopeTimeout(meta, pctx.KeyAggregatorTimeout); budget > 0 {
			ctx = command.WithScopeDeadline(ctx, x.scopeStarted(meta.ID).Add(budget), unit.KindAggregator, budget)
		}
	}
	return ctx
}

func (x *execution) scopeTimeout(meta unit.Metadata, key string) time.Duration {
	if meta.Timeout > 0 {
		return meta.Timeout
	}
	return x.e.settings.GetDuration(key, 0)
}

func (x *execution) scopeStarted(id string) time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	t, ok := x.scopeStart[id]
	if !ok {
		t = time.Now()
		x.scopeStart[id] = t
	}
	return t
}

// record stores a final command result. A failure skips its transitive
// hard dependents at once and, in fail-fast mode, halts the execution
// unless the failure is tolerated or caused by cancellation.
func (x *execution) record(id string, res *unit.Result) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results[id] = res

	switch {
	case res.Status == unit.StatusSucceeded:
		x.completed = append(x.completed, id)
	case res.Status.IsFailure():
		if x.failFast && x.haltedBy == "" && res.ErrorKind != unit.ErrorKindCancelled && !x.e.softens(x.r.behaviorOf(id)) {
			x.haltedBy = id
			x.logger.Warn("fail-fast: halting execution", slog.String("unit", id), slog.String("error", res.Error))
		}
		x.skipDependentsLocked(id, res)
	}
}

func (x *execution) skipDependentsLocked(id string, failed *unit.Result) {
	reason := unit.SkipUpstream
	if failed.ErrorKind == unit.ErrorKindCancelled {
		reason = unit.SkipCancelled
	}
	dependents := x.r.graph.TransitiveHardDependents(id)
	for _, dep := range sortedKeys(dependents) {
		if _, done := x.results[dep]; done {
			continue
		}
		opts := x.opts
		opts.Stage = x.r.plan.StageOf(dep)
		x.results[dep] = command.Skip(x.r.commands[dep], reason, dependents[dep],
			fmt.Errorf("%w: %s", unit.ErrUpstreamFailed, id), opts)
	}
}

// onTransition feeds observers, stage gauges, aggregator trackers and the
// OpenTelemetry instruments from command status changes.
func (x *execution) onTransition(res *unit.Result, from, to unit.Status) {
	x.e.emitter.Emit(events.TypeUnitStatus, x.pc.ID(), events.UnitStatusData{
		UnitID:  res.ID,
		Kind:    res.Kind,
		From:    from,
		To:      to,
		Stage:   res.Stage,
		Attempt: res.Attempts,
		Error:   res.Error,
	})

	var gauge *stageGauge
	if res.Stage >= 0 && res.Stage < len(x.gauges) {
		gauge = x.gauges[res.Stage]
	}
	at := x.trackers[x.r.parent[x.r.parent[res.ID]]]
	ins := &x.e.instruments

	switch {
	case from == unit.StatusReady && to == unit.StatusRunning:
		if gauge != nil {
			gauge.inc()
		}
		if ins.activeUnits != nil {
			ins.activeUnits.Add(x.ctx, 1)
		}
		if at != nil {
			at.tracker.UnitStarted(res.ID)
		}
		return
	case from == unit.StatusRunning && to != unit.StatusRunning:
		if gauge != nil {
			gauge.running.Add(-1)
		}
		if ins.activeUnits != nil {
			ins.activeUnits.Add(x.ctx, -1)
		}
		if ins.unitDuration != nil {
			ins.unitDuration.Record(x.ctx, res.Duration.Seconds(),
				metric.WithAttributes(attribute.String("status", string(to))))
		}
	}

	if to.IsTerminal() && to != unit.StatusRolledBack {
		if at != nil {
			at.tracker.UnitFinished(res.ID)
		}
		if ins.unitOutcomes != nil {
			ins.unitOutcomes.Add(x.ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
		}
	}
}

// settle rolls back after a failure and assembles the final result tree.
func (x *execution) settle(ctx context.Context) *unit.Result {
	root := x.assemble()
	if root.Status.IsFailure() && !x.cancelled() {
		if x.rollback(ctx, root) > 0 {
			root = x.assemble()
		}
	}
	if x.cancelled() {
		root.Status = unit.StatusCancelled
		msg := "execution cancelled"
		if reason, ok := x.pc.CancelReason(); ok && reason.Message != "" {
			msg = reason.Message
		}
		root.SetError(fmt.Errorf("%w: %s", unit.ErrCancelled, msg))
	}

	for id, at := range x.trackers {
		if res := root.Find(id); res != nil {
			at.tracker.Finish(res.Status)
		}
	}
	return root
}

// cancelled reports whether cancellation affected any command.
func (x *execution) cancelled() bool {
	if !x.pc.Cancelled() {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, res := range x.results {
		if res.SkipReason == unit.SkipCancelled || res.ErrorKind == unit.ErrorKindCancelled {
			return true
		}
	}
	return false
}

// rollback compensates succeeded commands in reverse completion order and
// returns the number rolled back. With rollbackScope "aggregator" only the
// commands under a failed top-level unit are compensated.
func (x *execution) rollback(ctx context.Context, root *unit.Result) int {
	failedTops := make(map[string]bool)
	for _, child := range root.Children {
		if !child.Status.IsFailure() {
			continue
		}
		failedTops[child.ID] = true
		if child.Kind != unit.KindGroup {
			continue
		}
		for _, member := range child.Children {
			if member.Status.IsFailure() {
				failedTops[member.ID] = true
			}
		}
	}
	scoped := x.rollbackScope == config.RollbackScopeAggregator

	x.mu.Lock()
	completed := slices.Clone(x.completed)
	x.mu.Unlock()

	x.logger.Info("rolling back", slog.Int("candidates", len(completed)), slog.String("scope", x.rollbackScope))
	rolled := 0
	for i := len(completed) - 1; i >= 0; i-- {
		id := completed[i]
		if scoped && !failedTops[x.r.topOf(id)] {
			continue
		}
		res := x.results[id]
		opts := x.opts
		opts.Stage = res.Stage
		if err := command.Compensate(ctx, x.r.commands[id], x.pc, res, opts); err != nil {
			x.warnings = append(x.warnings, err.Error())
			continue
		}
		if res.Status == unit.StatusRolledBack {
			rolled++
		}
	}
	return rolled
}

// assemble builds the result tree: one subtree per requested unit, then
// the detached group.
func (x *execution) assemble() *unit.Result {
	root := unit.NewResult(x.pc.ID(), "execution", unit.KindExecution)
	for _, id := range x.r.requested {
		root.Children = append(root.Children, x.subtree(id))
	}

	var detached []*unit.Result
	for _, id := range x.r.detached {
		if x.r.parent[id] != "" {
			continue
		}
		detached = append(detached, x.subtree(id))
	}
	if len(detached) > 0 {
		g := unit.NewResult(DetachedGroupID, DetachedGroupID, unit.KindGroup)
		g.Children = detached
		g.Aggregate()
		root.Children = append(root.Children, g)
	}
	root.Aggregate()
	return root
}

func (x *execution) subtree(id string) *unit.Result {
	en := x.r.entries[id]
	switch en.kind {
	case unit.KindCommand:
		return x.commandResult(id)

	case unit.KindBehavior:
		b := en.behavior
		meta := b.Metadata()
		res := unit.NewResult(meta.ID, meta.Name, unit.KindBehavior)
		for _, c := range b.Commands() {
			res.Children = append(res.Children, x.commandResult(c.Metadata().ID))
		}
		if b.BestEffort() {
			policy := behavior.EffectivePolicy(b, x.e.settings)
			for _, child := range res.Children {
				if child.Status.IsFailure() || child.SkipReason == unit.SkipUpstream || child.SkipReason == unit.SkipHalted {
					policy.Tolerate(res, child)
				}
			}
		}
		res.Aggregate()
		applyScopeTimeout(res, unit.KindBehavior, x.scopeTimeout(meta, pctx.KeyBehaviorTimeout))
		return res

	default:
		a := en.aggregator
		meta := a.Metadata()
		res := unit.NewResult(meta.ID, meta.Name, unit.KindAggregator)
		for _, b := range a.Behaviors() {
			res.Children = append(res.Children, x.subtree(b.Metadata().ID))
		}
		res.Aggregate()
		applyScopeTimeout(res, unit.KindAggregator, x.scopeTimeout(meta, pctx.KeyAggregatorTimeout))
		return res
	}
}

func (x *execution) commandResult(id string) *unit.Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	if res, ok := x.results[id]; ok {
		return res
	}
	opts := x.opts
	opts.Stage = x.r.plan.StageOf(id)
	res := command.Skip(x.r.commands[id], unit.SkipCancelled, nil,
		fmt.Errorf("%w: %s never dispatched", unit.ErrCancelled, id), opts)
	x.results[id] = res
	return res
}

// applyScopeTimeout turns a failed aggregate into TimedOut when the
// failure comes from its own budget running out.
func applyScopeTimeout(res *unit.Result, scope unit.Kind, budget time.Duration) {
	if res.Status != unit.StatusFailed || budget <= 0 {
		return
	}
	found := false
	res.Walk(func(r *unit.Result) bool {
		var te *unit.TimeoutError
		if r.Status == unit.StatusTimedOut && errors.As(r.Err, &te) && te.Scope == scope {
			found = true
			return false
		}
		return true
	})
	if found {
		res.Status = unit.StatusTimedOut
		res.SetError(&unit.TimeoutError{UnitID: res.ID, Timeout: budget, Scope: scope})
	}
}

// unitMetrics lists every scheduled command in plan order.
func (x *execution) unitMetrics() []UnitMetrics {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []UnitMetrics
	for _, id := range x.r.plan.Units() {
		res, ok := x.results[id]
		if !ok {
			continue
		}
		out = append(out, UnitMetrics{
			ID:       id,
			Status:   res.Status,
			Stage:    res.Stage,
			Attempts: res.Attempts,
			Duration: res.Duration,
		})
	}
	return out
}
