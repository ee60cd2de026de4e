// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator orchestrates behaviors into a workflow with a
// resource budget.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Aggregator orchestrates behaviors.
type Aggregator interface {
	Metadata() unit.Metadata

	// Behaviors returns the behaviors in declared order.
	Behaviors() []behavior.Behavior

	// Requirements is the resource budget of the whole workflow.
	Requirements() unit.ResourceRequirements

	// Validate checks the aggregator and its behaviors.
	Validate(ctx context.Context, pc *pctx.Context) error

	// PlanExecution returns the behavior-level stages.
	PlanExecution() (*graph.Plan, error)

	// Execute runs the aggregator on its own.
	Execute(ctx context.Context, pc *pctx.Context) *unit.Result

	// Monitor returns a snapshot of the current or last run. It never
	// blocks on execution.
	Monitor() Progress

	// Rollback compensates the behaviors completed by the last Execute, in
	// reverse completion order.
	Rollback(ctx context.Context, pc *pctx.Context) error
}

// Tracked is implemented by aggregators whose progress the engine can feed.
type Tracked interface {
	Tracker() *Tracker
}

// Workflow is the default Aggregator.
type Workflow struct {
	meta        unit.Metadata
	behaviors   []behavior.Behavior
	maxParallel int
	tracker     *Tracker

	mu        sync.Mutex
	completed []behavior.Behavior
}

// Option configures a Workflow.
type Option func(*Workflow)

// New creates an aggregator.
func New(id string, opts ...Option) *Workflow {
	w := &Workflow{meta: unit.Metadata{ID: id}, tracker: NewTracker()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithBehaviors appends behaviors in order.
func WithBehaviors(bs ...behavior.Behavior) Option {
	return func(w *Workflow) { w.behaviors = append(w.behaviors, bs...) }
}

// WithRequirements sets the workflow's resource budget.
func WithRequirements(r unit.ResourceRequirements) Option {
	return func(w *Workflow) { w.meta.Requirements = r }
}

// WithMaxParallel caps concurrent behaviors when run on its own.
func WithMaxParallel(n int) Option { return func(w *Workflow) { w.maxParallel = n } }

func WithName(name string) Option         { return func(w *Workflow) { w.meta.Name = name } }
func WithCategory(c unit.Category) Option { return func(w *Workflow) { w.meta.Category = c } }
func WithTags(tags ...string) Option      { return func(w *Workflow) { w.meta.Tags = tags } }
func WithPriority(p unit.Priority) Option { return func(w *Workflow) { w.meta.Priority = p } }
func WithTimeout(d time.Duration) Option  { return func(w *Workflow) { w.meta.Timeout = d } }

// DependsOn adds hard dependencies on other aggregators or behaviors.
func DependsOn(ids ...string) Option {
	return func(w *Workflow) {
		for _, id := range ids {
			w.meta.Dependencies = append(w.meta.Dependencies, unit.Hard(id))
		}
	}
}

// After adds soft dependencies.
func After(ids ...string) Option {
	return func(w *Workflow) {
		for _, id := range ids {
			w.meta.Dependencies = append(w.meta.Dependencies, unit.Soft(id))
		}
	}
}

func (w *Workflow) Metadata() unit.Metadata                 { return w.meta }
func (w *Workflow) Requirements() unit.ResourceRequirements { return w.meta.Requirements }
func (w *Workflow) Monitor() Progress                       { return w.tracker.Snapshot() }
func (w *Workflow) Tracker() *Tracker                       { return w.tracker }

// Behaviors returns a copy of the behavior list.
func (w *Workflow) Behaviors() []behavior.Behavior {
	return slices.Clone(w.behaviors)
}

// Validate checks the workflow's metadata and every behavior.
//
// Outputs:
//
//	error - A *unit.ValidationError listing every problem, or nil.
func (w *Workflow) Validate(ctx context.Context, pc *pctx.Context) error {
	var problems []string
	if err := w.meta.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(w.behaviors) == 0 {
		problems = append(problems, "aggregator has no behaviors")
	}
	seen := make(map[string]bool, len(w.behaviors))
	for _, b := range w.behaviors {
		id := b.Metadata().ID
		if seen[id] {
			problems = append(problems, fmt.Sprintf("behavior %q listed twice", id))
			continue
		}
		seen[id] = true
		if err := b.Validate(ctx, pc); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return unit.NewValidationError(w.meta.ID, problems...)
	}
	return nil
}

// PlanExecution layers the behaviors by their dependencies on each other.
// Dependencies on units outside the workflow are ignored.
func (w *Workflow) PlanExecution() (*graph.Plan, error) {
	local := make(map[string]bool, len(w.behaviors))
	for _, b := range w.behaviors {
		local[b.Metadata().ID] = true
	}
	gb := graph.NewBuilder()
	for _, b := range w.behaviors {
		m := b.Metadata()
		var deps []unit.Dependency
		for _, d := range m.Dependencies {
			if local[d.ID] {
				deps = append(deps, d)
			}
		}
		m.Dependencies = deps
		gb.AddNode(m)
	}
	g, err := gb.Build()
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: %w", w.meta.ID, err)
	}
	return g.Plan(graph.PlanOptions{})
}

// Execute runs the workflow on its own.
//
// Description:
//
//	Behavior stages run in order with at most maxParallel behaviors in
//	flight. A behavior whose hard dependency did not succeed is skipped
//	with its chain. The first failed behavior halts the later stages; the
//	behaviors completed so far are then rolled back newest first. An
//	aggregator timeout starts with the first behavior.
//
// Outputs:
//
//	*unit.Result - The aggregator subtree. Never nil.
func (w *Workflow) Execute(ctx context.Context, pc *pctx.Context) *unit.Result {
	res := unit.NewResult(w.meta.ID, w.meta.Name, unit.KindAggregator)
	logger := pc.Logger().With(slog.String("aggregator", w.meta.ID))

	fail := func(status unit.Status, err error) *unit.Result {
		now := time.Now()
		res.StartedAt, res.EndedAt = now, now
		res.Status = status
		res.SetError(err)
		w.tracker.Finish(status)
		return res
	}
	if err := w.Validate(ctx, pc); err != nil {
		return fail(unit.StatusValidationFailed, err)
	}
	plan, err := w.PlanExecution()
	if err != nil {
		return fail(unit.StatusFailed, err)
	}

	settings := pc.Settings()
	timeout := w.meta.Timeout
	if timeout <= 0 {
		timeout = settings.GetDuration(pctx.KeyAggregatorTimeout, 0)
	}
	if timeout > 0 {
		ctx = command.WithScopeDeadline(ctx, time.Now().Add(timeout), unit.KindAggregator, timeout)
	}
	limit := w.maxParallel
	if limit <= 0 {
		limit = settings.GetInt(pctx.KeyMaxParallelExecutions, pctx.DefaultMaxParallelExecutions)
	}

	run := &workflowRun{w: w, pc: pc, results: make(map[string]*unit.Result, len(w.behaviors))}
	byID := make(map[string]behavior.Behavior, len(w.behaviors))
	for _, b := range w.behaviors {
		byID[b.Metadata().ID] = b
	}

	w.tracker.Start(plan.Len(), len(w.behaviors))
	for _, stage := range plan.Stages {
		w.tracker.StageStarted(stage.Index)
		g := new(errgroup.Group)
		g.SetLimit(limit)
		for _, id := range stage.Units {
			b := byID[id]
			if reason, chain, err := run.blocked(ctx, pc, b); reason != unit.SkipNone {
				run.record(b, skipBehavior(b, stage.Index, reason, chain, err, pc))
				continue
			}
			g.Go(func() error {
				w.tracker.UnitStarted(id)
				r := b.Execute(ctx, pc)
				run.record(b, r)
				return nil
			})
		}
		_ = g.Wait()
	}

	if run.halted {
		for i := len(run.completed) - 1; i >= 0; i-- {
			b := run.completed[i]
			if err := b.Rollback(ctx, pc); err != nil {
				res.AddWarning(err.Error())
			}
			run.results[b.Metadata().ID].Aggregate()
		}
	}
	w.mu.Lock()
	w.completed = run.completed
	w.mu.Unlock()

	for _, b := range w.behaviors {
		res.Children = append(res.Children, run.results[b.Metadata().ID])
	}
	res.Aggregate()
	var te *unit.TimeoutError
	if res.Status == unit.StatusFailed && errors.As(res.Err, &te) && te.Scope == unit.KindAggregator {
		res.Status = unit.StatusTimedOut
		res.SetError(&unit.TimeoutError{UnitID: w.meta.ID, Timeout: timeout, Scope: unit.KindAggregator})
	}
	w.tracker.Finish(res.Status)

	logger.Info("aggregator finished",
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.Duration),
		slog.Int("stages", plan.Len()),
	)
	return res
}

// Rollback compensates the behaviors the last Execute completed, newest
// first.
func (w *Workflow) Rollback(ctx context.Context, pc *pctx.Context) error {
	w.mu.Lock()
	completed := slices.Clone(w.completed)
	w.mu.Unlock()

	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		if err := completed[i].Rollback(ctx, pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// workflowRun is the state of one Execute call.
type workflowRun struct {
	w  *Workflow
	pc *pctx.Context

	mu        sync.Mutex
	results   map[string]*unit.Result
	completed []behavior.Behavior
	halted    bool
	haltedBy  string
}

func (r *workflowRun) record(b behavior.Behavior, res *unit.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ID] = res
	switch {
	case res.Status == unit.StatusSucceeded:
		r.completed = append(r.completed, b)
	case res.Status.IsFailure():
		if !r.halted {
			r.halted, r.haltedBy = true, res.ID
		}
	}
	r.w.tracker.UnitFinished(res.ID)
}

// blocked decides whether b must be skipped before it starts.
func (r *workflowRun) blocked(ctx context.Context, pc *pctx.Context, b behavior.Behavior) (unit.SkipReason, []string, error) {
	id := b.Metadata().ID
	if ctx.Err() != nil || pc.Cancelled() {
		return unit.SkipCancelled, nil, fmt.Errorf("%w: before start", unit.ErrCancelled)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return unit.SkipHalted, []string{r.haltedBy, id}, fmt.Errorf("%w: %s failed", unit.ErrUpstreamFailed, r.haltedBy)
	}
	for _, dep := range b.Metadata().HardDependencies() {
		res, ok := r.results[dep]
		if !ok || res.Successful() {
			continue
		}
		chain := []string{dep}
		if len(res.SkipChain) > 0 {
			chain = slices.Clone(res.SkipChain)
		}
		return unit.SkipUpstream, append(chain, id), fmt.Errorf("%w: %s did not succeed", unit.ErrUpstreamFailed, dep)
	}
	return unit.SkipNone, nil, nil
}

// skipBehavior builds a Skipped subtree for a behavior that never started.
func skipBehavior(b behavior.Behavior, stage int, reason unit.SkipReason, chain []string, err error, pc *pctx.Context) *unit.Result {
	meta := b.Metadata()
	res := unit.NewResult(meta.ID, meta.Name, unit.KindBehavior)
	res.SkipReason = reason
	res.SkipChain = chain
	res.SetError(err)
	opts := command.Track(pc, command.RunOptions{Stage: stage})
	for _, c := range b.Commands() {
		res.Children = append(res.Children, command.Skip(c, reason, chain, err, opts))
	}
	res.Aggregate()
	if len(res.Children) == 0 {
		res.Status = unit.StatusSkipped
	}
	return res
}
