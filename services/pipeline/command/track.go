// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// RollbackTimeout bounds every Rollback call.
const RollbackTimeout = 30 * time.Second

// Track returns opts with hooks that feed pc's counters and history,
// chained in front of any hooks already set.
func Track(pc *pctx.Context, opts RunOptions) RunOptions {
	onTransition, onRetry := opts.OnTransition, opts.OnRetry

	opts.OnTransition = func(res *unit.Result, from, to unit.Status) {
		switch {
		case to == unit.StatusRunning && from == unit.StatusReady:
			pc.UnitStarted()
		case from == unit.StatusRunning && to != unit.StatusRunning:
			pc.UnitFinished(to)
		case to.IsTerminal():
			pc.UnitSettled(to)
		}
		if to.IsTerminal() {
			pc.AddExecutionStep(pctx.Step{
				Event:     pctx.EventUnitStatus,
				UnitID:    res.ID,
				Kind:      res.Kind,
				Status:    to,
				Stage:     res.Stage,
				Attempt:   res.Attempts,
				Duration:  res.Duration,
				Error:     res.Error,
				SkipChain: res.SkipChain,
			})
		}
		if onTransition != nil {
			onTransition(res, from, to)
		}
	}

	opts.OnRetry = func(res *unit.Result, err error, delay time.Duration) {
		pc.UnitRetried()
		pc.AddExecutionStep(pctx.Step{
			Event:    pctx.EventRetry,
			UnitID:   res.ID,
			Kind:     res.Kind,
			Stage:    res.Stage,
			Attempt:  res.Attempts,
			Duration: delay,
			Error:    err.Error(),
		})
		if onRetry != nil {
			onRetry(res, err, delay)
		}
	}
	return opts
}

// Skip builds a Skipped result for a command that never ran.
func Skip(c Command, reason unit.SkipReason, chain []string, err error, opts RunOptions) *unit.Result {
	meta := c.Metadata()
	res := unit.NewResult(meta.ID, meta.Name, unit.KindCommand)
	res.Stage = opts.Stage
	res.SkipReason = reason
	res.SkipChain = chain
	res.SetError(err)
	now := time.Now()
	res.StartedAt, res.EndedAt = now, now
	advance(res, unit.StatusSkipped, opts, opts.Logger)
	return res
}

// advance moves res to status to and reports it to opts.OnTransition.
// An illegal transition is logged, recorded as a warning on res and
// leaves res unchanged.
func advance(res *unit.Result, to unit.Status, opts RunOptions, logger *slog.Logger) bool {
	from := res.Status
	if err := unit.Transition(from, to); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("refusing status change", slog.String("unit", res.ID), slog.String("error", err.Error()))
		res.AddWarning(err.Error())
		return false
	}
	res.Status = to
	if opts.OnTransition != nil {
		opts.OnTransition(res, from, to)
	}
	return true
}

// Compensate rolls back a succeeded command and moves res to RolledBack.
//
// Description:
//
//	Commands without rollback support keep their Succeeded status. The
//	rollback runs on a context detached from ctx's cancellation so that a
//	cancelled execution can still compensate.
//
// Outputs:
//
//	error - A *unit.RollbackError, or nil. res is left Succeeded on error.
func Compensate(ctx context.Context, c Command, pc *pctx.Context, res *unit.Result, opts RunOptions) error {
	if res == nil || res.Status != unit.StatusSucceeded || !SupportsRollback(c) {
		return nil
	}
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RollbackTimeout)
	defer cancel()

	start := time.Now()
	err := SafeRollback(rbCtx, c, pc)

	step := pctx.Step{
		Event:    pctx.EventRollback,
		UnitID:   res.ID,
		Kind:     res.Kind,
		Stage:    res.Stage,
		Duration: time.Since(start),
	}
	logger := opts.Logger
	if logger == nil {
		logger = pc.Logger()
	}
	if err != nil {
		step.Error = err.Error()
		pc.AddExecutionStep(step)
		res.AddWarning(err.Error())
		logger.Warn("rollback failed", slog.String("unit", res.ID), slog.String("error", err.Error()))
		return err
	}
	step.Status = unit.StatusRolledBack
	pc.AddExecutionStep(step)
	pc.UnitRolledBack()

	advance(res, unit.StatusRolledBack, opts, logger)
	return nil
}
