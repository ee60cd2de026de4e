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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// CleanupTimeout bounds every Cleanup call.
const CleanupTimeout = 10 * time.Second

// RunOptions controls a single command run.
type RunOptions struct {
	// Timeout bounds each Execute attempt. Zero falls back to the command's
	// own timeout, then DefaultTimeout.
	Timeout time.Duration

	// Deadline is an absolute deadline imposed by an enclosing behavior or
	// aggregator. Zero means none.
	Deadline time.Time
	// DeadlineScope and DeadlineBudget describe Deadline in TimeoutErrors.
	DeadlineScope  unit.Kind
	DeadlineBudget time.Duration

	MaxRetries int
	RetryDelay time.Duration
	// Backoff multiplies RetryDelay per attempt. Values below 1 mean 1.
	Backoff float64

	// Grace is how long an in-flight Execute may keep running after the
	// execution is cancelled before it is abandoned.
	Grace time.Duration

	// Stage is copied onto the result.
	Stage int

	// BeforeStart runs between Ready and Running. An error wrapping
	// unit.ErrResourceUnavailable fails the command; any other error skips
	// it as cancelled (e.g. a rate limiter wait interrupted by cancel).
	BeforeStart func(ctx context.Context) error

	// OnTransition observes every status change.
	OnTransition func(res *unit.Result, from, to unit.Status)

	// OnRetry observes a retry before its delay.
	OnRetry func(res *unit.Result, err error, delay time.Duration)

	Logger *slog.Logger
}

// OptionsFromSettings builds RunOptions from the configuration view.
func OptionsFromSettings(s pctx.Settings) RunOptions {
	return RunOptions{
		Timeout:    s.GetDuration(pctx.KeyCommandTimeout, 0),
		MaxRetries: s.GetInt(pctx.KeyMaxRetries, 0),
		RetryDelay: s.GetDuration(pctx.KeyRetryDelay, 100*time.Millisecond),
		Backoff:    s.GetFloat(pctx.KeyRetryBackoffMultiplier, 2),
		Grace:      s.GetDuration(pctx.KeyCancelGracePeriod, 5*time.Second),
		Stage:      -1,
	}
}

// RetryDelayFor returns the delay before retry number attempt (1-based).
func (o RunOptions) RetryDelayFor(attempt int) time.Duration {
	backoff := o.Backoff
	if backoff < 1 {
		backoff = 1
	}
	d := float64(o.RetryDelay) * math.Pow(backoff, float64(attempt-1))
	if d > float64(time.Hour) {
		d = float64(time.Hour)
	}
	return time.Duration(d)
}

type scopeDeadlineKey struct{}

type scopeDeadline struct {
	at     time.Time
	scope  unit.Kind
	budget time.Duration
}

// WithScopeDeadline attaches an enclosing unit's deadline to ctx. Run
// enforces the earliest of the command timeout, RunOptions.Deadline and the
// innermost scope deadline, and names the owning scope in the TimeoutError.
// Unlike context.WithDeadline, expiry is reported as a timeout rather than
// a cancellation.
func WithScopeDeadline(ctx context.Context, at time.Time, scope unit.Kind, budget time.Duration) context.Context {
	if prev, ok := ctx.Value(scopeDeadlineKey{}).(scopeDeadline); ok && prev.at.Before(at) {
		return ctx
	}
	return context.WithValue(ctx, scopeDeadlineKey{}, scopeDeadline{at: at, scope: scope, budget: budget})
}

type outcome struct {
	out        unit.Output
	err        error
	cleanupErr error
}

// Run drives c through Validating → Ready → Running → terminal.
//
// Description:
//
//	Validation failures end in ValidationFailed and are never retried.
//	Each Execute attempt runs with its own deadline and is followed by
//	Cleanup. An ExecutionError is retried with backoff when the command is
//	Retryable and retries remain; timeouts and cancellation are terminal.
//	On success the Output is merged into pc.
//
// Inputs:
//
//	ctx - Carries the execution's cancellation signal.
//	c - The command.
//	pc - The shared context.
//	opts - Timeouts, retries and hooks.
//
// Outputs:
//
//	*unit.Result - Never nil.
//
// Limitations:
//
//	An Execute that ignores its context is abandoned when its deadline or
//	grace period expires; its goroutine keeps running until it returns.
func Run(ctx context.Context, c Command, pc *pctx.Context, opts RunOptions) *unit.Result {
	meta := c.Metadata()
	res := unit.NewResult(meta.ID, meta.Name, unit.KindCommand)
	res.Stage = opts.Stage
	logger := opts.Logger
	if logger == nil {
		logger = pc.Logger()
	}
	logger = logger.With(slog.String("unit", meta.ID))

	move := func(to unit.Status) {
		advance(res, to, opts, logger)
	}
	finish := func(to unit.Status, err error) *unit.Result {
		res.SetError(err)
		if res.StartedAt.IsZero() {
			res.StartedAt = time.Now()
		}
		res.EndedAt = time.Now()
		res.Duration = res.EndedAt.Sub(res.StartedAt)
		move(to)
		return res
	}

	move(unit.StatusValidating)
	if err := SafeValidate(ctx, c, pc); err != nil {
		logger.Debug("validation failed", slog.String("error", err.Error()))
		return finish(unit.StatusValidationFailed, err)
	}
	move(unit.StatusReady)

	if ctx.Err() != nil {
		res.SkipReason = unit.SkipCancelled
		return finish(unit.StatusSkipped, fmt.Errorf("%w: before start", unit.ErrCancelled))
	}
	if opts.BeforeStart != nil {
		if err := opts.BeforeStart(ctx); err != nil {
			if errors.Is(err, unit.ErrResourceUnavailable) {
				return finish(unit.StatusFailed, err)
			}
			res.SkipReason = unit.SkipCancelled
			return finish(unit.StatusSkipped, fmt.Errorf("%w: %v", unit.ErrCancelled, err))
		}
	}

	timeout := opts.Timeout
	if meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	res.StartedAt = time.Now()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		move(unit.StatusRunning)

		o, timeoutErr := runAttempt(ctx, c, pc, meta.ID, timeout, opts)
		if o.cleanupErr != nil {
			logger.Warn("cleanup failed", slog.String("error", o.cleanupErr.Error()))
			res.AddWarning(fmt.Sprintf("cleanup: %v", o.cleanupErr))
		}

		switch {
		case timeoutErr != nil:
			logger.Warn("command timed out", slog.Duration("timeout", timeoutErr.Timeout))
			return finish(unit.StatusTimedOut, timeoutErr)

		case o.err == nil:
			pc.Merge(o.out)
			res.Output = o.out
			return finish(unit.StatusSucceeded, nil)

		case ctx.Err() != nil:
			return finish(unit.StatusFailed, fmt.Errorf("%w: %s interrupted: %v", unit.ErrCancelled, meta.ID, o.err))
		}

		execErr := &unit.ExecutionError{UnitID: meta.ID, Attempt: attempt, Err: o.err}
		if !meta.Retryable || attempt > opts.MaxRetries || !retryable(o.err) {
			logger.Debug("command failed", slog.Int("attempt", attempt), slog.String("error", o.err.Error()))
			return finish(unit.StatusFailed, execErr)
		}

		delay := opts.RetryDelayFor(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(res, execErr, delay)
		}
		logger.Info("retrying command",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", opts.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", o.err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(unit.StatusFailed, fmt.Errorf("%w: during retry backoff: %v", unit.ErrCancelled, execErr))
		case <-timer.C:
		}
	}
}

// runAttempt executes once, enforcing the deadline and the cancel grace.
func runAttempt(ctx context.Context, c Command, pc *pctx.Context, id string, timeout time.Duration, opts RunOptions) (outcome, *unit.TimeoutError) {
	deadline := time.Now().Add(timeout)
	scope, budget := unit.KindCommand, timeout
	if !opts.Deadline.IsZero() && opts.Deadline.Before(deadline) {
		deadline, scope, budget = opts.Deadline, opts.DeadlineScope, opts.DeadlineBudget
	}
	if sd, ok := ctx.Value(scopeDeadlineKey{}).(scopeDeadline); ok && sd.at.Before(deadline) {
		deadline, scope, budget = sd.at, sd.scope, sd.budget
	}
	timeoutErr := &unit.TimeoutError{UnitID: id, Timeout: budget, Scope: scope}

	if !time.Now().Before(deadline) {
		return outcome{}, timeoutErr
	}

	// Commands observe cancellation through attemptCtx; after a cancel the
	// attempt is still awaited for up to opts.Grace.
	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		out, err := SafeExecute(attemptCtx, c, pc)
		cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
		cerr := SafeCleanup(cleanupCtx, c, pc)
		cancelCleanup()
		done <- outcome{out: out, err: err, cleanupErr: cerr}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return o, timeoutErr
		}
		return o, nil
	case <-attemptCtx.Done():
	}

	if ctx.Err() == nil {
		return outcome{}, timeoutErr
	}

	grace := opts.Grace
	if grace <= 0 {
		return outcome{err: ctx.Err()}, nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case o := <-done:
		return o, nil
	case <-timer.C:
		return outcome{err: fmt.Errorf("abandoned after %v grace period", grace)}, nil
	}
}

// retryable reports whether err may be retried at all.
func retryable(err error) bool {
	var ve *unit.ValidationError
	return !errors.As(err, &ve) && !errors.Is(err, unit.ErrCancelled) && !errors.Is(err, unit.ErrInvalidInput)
}
