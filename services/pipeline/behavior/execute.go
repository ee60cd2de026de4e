// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Execute runs the behavior on its own.
//
// Description:
//
//	Sequential and Conditional behaviors walk their commands in declared
//	order; Parallel behaviors run their sub-plan stage by stage with at
//	most maxParallel commands in flight. Without best-effort, the first
//	failure halts the remaining commands and the completed ones are rolled
//	back newest first. With best-effort, failures are handled by the soft
//	failure policy and every command is attempted.
//
// Inputs:
//
//	ctx - Cancellation for this run. pc's own cancellation applies too.
//	pc - The shared context. Command outputs are merged into it.
//
// Outputs:
//
//	*unit.Result - The behavior subtree. Never nil.
func (b *Composite) Execute(ctx context.Context, pc *pctx.Context) *unit.Result {
	res := unit.NewResult(b.meta.ID, b.meta.Name, unit.KindBehavior)
	logger := pc.Logger().With(slog.String("behavior", b.meta.ID))

	fail := func(status unit.Status, err error) *unit.Result {
		now := time.Now()
		res.StartedAt, res.EndedAt = now, now
		res.Status = status
		res.SetError(err)
		return res
	}
	if err := b.Validate(ctx, pc); err != nil {
		return fail(unit.StatusValidationFailed, err)
	}
	plan, err := b.ExecutionPlan()
	if err != nil {
		return fail(unit.StatusFailed, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(pc.Context(), stop)
	defer unregister()
	if pc.Cancelled() {
		stop()
	}

	settings := pc.Settings()
	opts := command.OptionsFromSettings(settings)
	opts.Logger = logger
	timeout := b.meta.Timeout
	if timeout <= 0 {
		timeout = settings.GetDuration(pctx.KeyBehaviorTimeout, 0)
	}

	r := &localRun{
		b:       b,
		pc:      pc,
		parent:  res,
		opts:    command.Track(pc, opts),
		policy:  EffectivePolicy(b, settings),
		timeout: timeout,
		results: make(map[string]*unit.Result, len(b.commands)),
		byID:    make(map[string]command.Command, len(b.commands)),
	}
	for _, c := range b.commands {
		r.byID[c.Metadata().ID] = c
	}

	if b.strategy == Parallel {
		limit := b.maxParallel
		if limit <= 0 {
			limit = settings.GetInt(pctx.KeyMaxParallelExecutions, pctx.DefaultMaxParallelExecutions)
		}
		r.runStages(runCtx, plan, limit)
	} else {
		r.runInOrder(runCtx)
	}

	last := &lastRun{completed: r.completed, results: r.results, opts: r.opts}
	if r.halted && !b.bestEffort {
		if err := rollbackCompleted(ctx, pc, last); err != nil {
			res.AddWarning(err.Error())
		}
	}
	b.mu.Lock()
	b.last = last
	b.mu.Unlock()

	for _, c := range b.commands {
		res.Children = append(res.Children, r.results[c.Metadata().ID])
	}
	res.Aggregate()
	r.applyTimeout(res)

	logger.Debug("behavior finished",
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// localRun is the state of one Execute call.
type localRun struct {
	b       *Composite
	pc      *pctx.Context
	parent  *unit.Result
	opts    command.RunOptions
	policy  SoftFailurePolicy
	timeout time.Duration
	byID    map[string]command.Command

	mu        sync.Mutex
	results   map[string]*unit.Result
	completed []command.Command
	halted    bool
	haltedBy  string
	deadline  time.Time
}

// runOpts returns the run options for one command, starting the behavior
// deadline on first use.
func (r *localRun) runOpts(stage int) command.RunOptions {
	o := r.opts
	o.Stage = stage
	if r.timeout > 0 {
		r.mu.Lock()
		if r.deadline.IsZero() {
			r.deadline = time.Now().Add(r.timeout)
		}
		o.Deadline = r.deadline
		r.mu.Unlock()
		o.DeadlineScope = unit.KindBehavior
		o.DeadlineBudget = r.timeout
	}
	return o
}

// record stores res and updates the halt and completion state.
func (r *localRun) record(c command.Command, res *unit.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ID] = res

	switch {
	case res.Status == unit.StatusSucceeded:
		r.completed = append(r.completed, c)
	case res.Status.IsFailure():
		if r.b.bestEffort && r.policy.Tolerate(r.parent, res) {
			return
		}
		if !r.b.bestEffort && !r.halted {
			r.halted, r.haltedBy = true, res.ID
		}
	}
}

func (r *localRun) skip(c command.Command, stage int, reason unit.SkipReason, chain []string, err error) {
	res := command.Skip(c, reason, chain, err, r.runOpts(stage))
	if reason == unit.SkipUpstream && r.b.bestEffort {
		r.policy.Tolerate(r.parent, res)
	}
	r.mu.Lock()
	r.results[res.ID] = res
	r.mu.Unlock()
}

func (r *localRun) isHalted() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted, r.haltedBy
}

// runInOrder drives Sequential and Conditional behaviors.
func (r *localRun) runInOrder(ctx context.Context) {
	for i, c := range r.b.commands {
		id := c.Metadata().ID
		if halted, by := r.isHalted(); halted {
			r.skip(c, i, unit.SkipHalted, []string{by, id},
				fmt.Errorf("%w: %s failed", unit.ErrUpstreamFailed, by))
			continue
		}
		if ctx.Err() != nil {
			r.skip(c, i, unit.SkipCancelled, nil, fmt.Errorf("%w: before start", unit.ErrCancelled))
			continue
		}
		if pred := r.b.predicates[id]; r.b.strategy == Conditional && pred != nil && !pred.Eval(r.pc) {
			r.skip(c, i, unit.SkipCondition, nil, nil)
			continue
		}
		r.record(c, command.Run(ctx, c, r.pc, r.runOpts(i)))
	}
}

// runStages drives Parallel behaviors.
func (r *localRun) runStages(ctx context.Context, plan *graph.Plan, limit int) {
	for _, stage := range plan.Stages {
		g := new(errgroup.Group)
		g.SetLimit(limit)
		for _, id := range stage.Units {
			c := r.byID[id]
			if halted, by := r.isHalted(); halted {
				r.skip(c, stage.Index, unit.SkipHalted, []string{by, id},
					fmt.Errorf("%w: %s failed", unit.ErrUpstreamFailed, by))
				continue
			}
			if chain, by := r.blockedBy(c); by != "" {
				r.skip(c, stage.Index, unit.SkipUpstream, chain,
					fmt.Errorf("%w: %s did not succeed", unit.ErrUpstreamFailed, by))
				continue
			}
			if ctx.Err() != nil {
				r.skip(c, stage.Index, unit.SkipCancelled, nil, fmt.Errorf("%w: before start", unit.ErrCancelled))
				continue
			}
			opts := r.runOpts(stage.Index)
			g.Go(func() error {
				r.record(c, command.Run(ctx, c, r.pc, opts))
				return nil
			})
		}
		_ = g.Wait()
	}
}

// blockedBy returns the skip chain and the blocking dependency when one of
// c's local hard dependencies did not succeed.
func (r *localRun) blockedBy(c command.Command) ([]string, string) {
	meta := c.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range meta.HardDependencies() {
		res, ok := r.results[dep]
		if !ok || res.Successful() {
			continue
		}
		chain := []string{dep}
		if len(res.SkipChain) > 0 {
			chain = slices.Clone(res.SkipChain)
		}
		return append(chain, meta.ID), dep
	}
	return nil, ""
}

// applyTimeout reports a behavior-scoped timeout on the behavior itself.
func (r *localRun) applyTimeout(res *unit.Result) {
	if res.Status != unit.StatusFailed {
		return
	}
	var te *unit.TimeoutError
	if errors.As(res.Err, &te) && te.Scope == unit.KindBehavior {
		res.Status = unit.StatusTimedOut
		res.SetError(&unit.TimeoutError{UnitID: res.ID, Timeout: r.timeout, Scope: unit.KindBehavior})
	}
}

// rollbackCompleted compensates last.completed newest first.
func rollbackCompleted(ctx context.Context, pc *pctx.Context, last *lastRun) error {
	var errs []error
	for i := len(last.completed) - 1; i >= 0; i-- {
		c := last.completed[i]
		if err := command.Compensate(ctx, c, pc, last.results[c.Metadata().ID], last.opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Eval runs the predicate. A nil or panicking predicate is false.
func (pred Predicate) Eval(pc *pctx.Context) (ok bool) {
	if pred == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			pc.Logger().Warn("predicate panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	return pred(pc)
}
