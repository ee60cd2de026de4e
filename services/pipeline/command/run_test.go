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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

func recordTransitions() (*[]unit.Status, func(*unit.Result, unit.Status, unit.Status)) {
	var mu sync.Mutex
	var seen []unit.Status
	return &seen, func(_ *unit.Result, from, to unit.Status) {
		mu.Lock()
		defer mu.Unlock()
		if err := unit.Transition(from, to); err != nil {
			panic(err)
		}
		seen = append(seen, to)
	}
}

func TestRun_Success(t *testing.T) {
	pc := newPC(t)
	var cleaned atomic.Bool
	c := NewFunc("gen", func(context.Context, *pctx.Context) (unit.Output, error) {
		return unit.Output{"artifact": "bin/app"}, nil
	}, OnCleanup(func(context.Context, *pctx.Context) error { cleaned.Store(true); return nil }))

	seen, hook := recordTransitions()
	res := Run(context.Background(), c, pc, RunOptions{OnTransition: hook, Stage: 2})

	assert.Equal(t, unit.StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Stage)
	assert.Equal(t, "bin/app", pctx.Get(pc, "artifact", ""))
	assert.True(t, cleaned.Load())
	assert.Equal(t, []unit.Status{unit.StatusValidating, unit.StatusReady, unit.StatusRunning, unit.StatusSucceeded}, *seen)
}

func TestRun_ValidationFailedIsNotExecuted(t *testing.T) {
	pc := newPC(t)
	var ran atomic.Bool
	c := NewFunc("needs", func(context.Context, *pctx.Context) (unit.Output, error) {
		ran.Store(true)
		return nil, nil
	}, Requires("input"), Retryable())

	res := Run(context.Background(), c, pc, RunOptions{MaxRetries: 3})
	assert.Equal(t, unit.StatusValidationFailed, res.Status)
	assert.Equal(t, unit.ErrorKindValidation, res.ErrorKind)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, res.Attempts)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	pc := newPC(t)
	var calls, cleanups atomic.Int32
	c := NewFunc("flaky", func(context.Context, *pctx.Context) (unit.Output, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}, Retryable(), OnCleanup(func(context.Context, *pctx.Context) error { cleanups.Add(1); return nil }))

	var retries atomic.Int32
	res := Run(context.Background(), c, pc, RunOptions{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		OnRetry:    func(*unit.Result, error, time.Duration) { retries.Add(1) },
	})

	assert.Equal(t, unit.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(2), retries.Load())
	assert.Equal(t, int32(3), cleanups.Load(), "cleanup runs after every attempt")
}

func TestRun_NonRetryableFailsOnce(t *testing.T) {
	pc := newPC(t)
	var calls atomic.Int32
	c := NewFunc("once", func(context.Context, *pctx.Context) (unit.Output, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})

	res := Run(context.Background(), c, pc, RunOptions{MaxRetries: 5, RetryDelay: time.Millisecond})
	assert.Equal(t, unit.StatusFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())

	var ee *unit.ExecutionError
	require.ErrorAs(t, res.Err, &ee)
	assert.Equal(t, 1, ee.Attempt)
}

func TestRun_RetriesExhausted(t *testing.T) {
	pc := newPC(t)
	var calls atomic.Int32
	c := NewFunc("always", func(context.Context, *pctx.Context) (unit.Output, error) {
		calls.Add(1)
		return nil, errors.New("down")
	}, Retryable())

	res := Run(context.Background(), c, pc, RunOptions{MaxRetries: 2, RetryDelay: time.Millisecond})
	assert.Equal(t, unit.StatusFailed, res.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.Attempts)
}

func TestRun_TimeoutIsNotRetried(t *testing.T) {
	pc := newPC(t)
	var calls atomic.Int32
	c := NewFunc("slow", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, Retryable(), WithTimeout(20*time.Millisecond))

	res := Run(context.Background(), c, pc, RunOptions{MaxRetries: 3, RetryDelay: time.Millisecond})
	assert.Equal(t, unit.StatusTimedOut, res.Status)
	assert.Equal(t, unit.ErrorKindTimeout, res.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())

	var te *unit.TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
}

func TestRun_TimeoutAbandonsUncooperativeCommand(t *testing.T) {
	pc := newPC(t)
	release := make(chan struct{})
	defer close(release)
	c := NewFunc("stuck", func(context.Context, *pctx.Context) (unit.Output, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	res := Run(context.Background(), c, pc, RunOptions{Timeout: 20 * time.Millisecond})
	assert.Equal(t, unit.StatusTimedOut, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_EnclosingDeadline(t *testing.T) {
	pc := newPC(t)
	c := NewFunc("inner", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := Run(context.Background(), c, pc, RunOptions{
		Timeout:        time.Minute,
		Deadline:       time.Now().Add(15 * time.Millisecond),
		DeadlineScope:  unit.KindBehavior,
		DeadlineBudget: 15 * time.Millisecond,
	})

	var te *unit.TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, unit.KindBehavior, te.Scope)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	pc := newPC(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, NewFunc("x", func(context.Context, *pctx.Context) (unit.Output, error) { return nil, nil }), pc, RunOptions{})
	assert.Equal(t, unit.StatusSkipped, res.Status)
	assert.Equal(t, unit.SkipCancelled, res.SkipReason)
}

func TestRun_CancelledInFlightWithinGrace(t *testing.T) {
	pc := newPC(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	c := NewFunc("winddown", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	})

	go func() {
		<-started
		cancel()
	}()
	res := Run(ctx, c, pc, RunOptions{Grace: time.Second})
	assert.Equal(t, unit.StatusFailed, res.Status)
	assert.Equal(t, unit.ErrorKindCancelled, res.ErrorKind)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	pc := newPC(t)
	c := NewFunc("panics", func(context.Context, *pctx.Context) (unit.Output, error) { panic("oops") })

	res := Run(context.Background(), c, pc, RunOptions{})
	assert.Equal(t, unit.StatusFailed, res.Status)
	var pe *unit.PanicError
	assert.ErrorAs(t, res.Err, &pe)
}

func TestRunOptions_RetryDelayFor(t *testing.T) {
	o := RunOptions{RetryDelay: 10 * time.Millisecond, Backoff: 2}
	assert.Equal(t, 10*time.Millisecond, o.RetryDelayFor(1))
	assert.Equal(t, 40*time.Millisecond, o.RetryDelayFor(3))

	flat := RunOptions{RetryDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, flat.RetryDelayFor(4))
}

func TestOptionsFromSettings_Defaults(t *testing.T) {
	o := OptionsFromSettings(newPC(t).Settings())
	assert.Equal(t, 0, o.MaxRetries)
	assert.Equal(t, 2.0, o.Backoff)
	assert.Equal(t, -1, o.Stage)
}

func TestRun_ScopeDeadline(t *testing.T) {
	pc := newPC(t)
	c := NewFunc("inner", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx := WithScopeDeadline(context.Background(), time.Now().Add(15*time.Millisecond), unit.KindAggregator, 15*time.Millisecond)
	// A later scope deadline does not replace an earlier one.
	ctx = WithScopeDeadline(ctx, time.Now().Add(time.Hour), unit.KindBehavior, time.Hour)

	res := Run(ctx, c, pc, RunOptions{})
	assert.Equal(t, unit.StatusTimedOut, res.Status)
	var te *unit.TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, unit.KindAggregator, te.Scope)
}

func TestAdvance_RefusesIllegalTransition(t *testing.T) {
	res := unit.NewResult("done", "done", unit.KindCommand)
	seen, hook := recordTransitions()
	opts := RunOptions{OnTransition: hook}

	require.True(t, advance(res, unit.StatusValidating, opts, nil))
	require.True(t, advance(res, unit.StatusReady, opts, nil))
	require.True(t, advance(res, unit.StatusRunning, opts, nil))
	require.True(t, advance(res, unit.StatusSucceeded, opts, nil))

	assert.False(t, advance(res, unit.StatusRunning, opts, nil))
	assert.Equal(t, unit.StatusSucceeded, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "succeeded -> running")
	assert.Equal(t, []unit.Status{unit.StatusValidating, unit.StatusReady, unit.StatusRunning, unit.StatusSucceeded}, *seen)
}

func TestCompensate_OnlyFromSucceeded(t *testing.T) {
	pc := newPC(t)
	c := NewFunc("undoable", func(context.Context, *pctx.Context) (unit.Output, error) {
		return nil, nil
	}, OnRollback(func(context.Context, *pctx.Context) error { return nil }))

	res := Skip(c, unit.SkipCancelled, nil, nil, RunOptions{})
	require.Equal(t, unit.StatusSkipped, res.Status)
	require.NoError(t, Compensate(context.Background(), c, pc, res, RunOptions{}))
	assert.Equal(t, unit.StatusSkipped, res.Status)

	res = Run(context.Background(), c, pc, RunOptions{})
	require.Equal(t, unit.StatusSucceeded, res.Status)
	require.NoError(t, Compensate(context.Background(), c, pc, res, RunOptions{}))
	assert.Equal(t, unit.StatusRolledBack, res.Status)
	assert.Empty(t, res.Warnings)
}
