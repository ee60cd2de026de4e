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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/resource"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

func TestExecute_UpstreamFailureSkipsOnlyHardDependents(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(failing("a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b", command.DependsOn("a"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "c", command.After("a"))))

	report := h.e.Execute(context.Background(), []string{"a", "b", "c"})

	assert.Equal(t, "[a] [b c]", report.Plan.String())
	assert.Equal(t, unit.StatusFailed, report.Status())
	assert.Equal(t, unit.StatusFailed, report.Find("a").Status)
	assert.Equal(t, unit.ErrorKindExecution, report.Find("a").ErrorKind)

	b := report.Find("b")
	assert.Equal(t, unit.StatusSkipped, b.Status)
	assert.Equal(t, unit.SkipUpstream, b.SkipReason)
	assert.Equal(t, []string{"a", "b"}, b.SkipChain)
	assert.ErrorIs(t, b.Err, unit.ErrUpstreamFailed)

	assert.Equal(t, unit.StatusSucceeded, report.Find("c").Status)
	assert.True(t, report.Context.Has("c"))
}

// A fails; B hard-depends on A; C is parallel-unsafe on "disk", which A
// also touches, so C waits for stage two and still succeeds.
func TestExecute_DiskConflictScenario(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxParallelExecutions = 2 })
	require.NoError(t, h.e.RegisterCommand(failing("A", command.WithResourceTags("disk"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "B", command.DependsOn("A"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "C", command.ParallelUnsafe("disk"))))

	report := h.e.Execute(context.Background(), []string{"A", "B", "C"})

	assert.Equal(t, "[A] [B C]", report.Plan.String())
	assert.Equal(t, unit.StatusFailed, report.Find("A").Status)
	assert.Equal(t, unit.StatusSkipped, report.Find("B").Status)
	assert.Equal(t, unit.StatusSucceeded, report.Find("C").Status)
}

func TestExecute_TransitiveSkipChain(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(failing("a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b", command.DependsOn("a"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "c", command.DependsOn("b"))))

	report := h.e.Execute(context.Background(), []string{"c"})

	c := report.Find("c")
	require.NotNil(t, c)
	assert.Equal(t, unit.StatusSkipped, c.Status)
	assert.Equal(t, []string{"a", "b", "c"}, c.SkipChain)
}

func TestExecute_RespectsConcurrencyBound(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxParallelExecutions = 2 })

	var running, peak atomic.Int32
	var ids []string
	for i := range 8 {
		id := fmt.Sprintf("job%d", i)
		ids = append(ids, id)
		require.NoError(t, h.e.RegisterCommand(command.NewFunc(id, func(context.Context, *pctx.Context) (unit.Output, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})))
	}

	report := h.e.Execute(context.Background(), ids)

	require.True(t, report.Succeeded())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, report.Metrics.Stages, 1)
	assert.LessOrEqual(t, report.Metrics.Stages[0].Concurrency, 2)
	assert.Equal(t, 8, report.Metrics.Stages[0].Succeeded)
}

func TestExecute_PriorityOrderWithinStage(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxParallelExecutions = 1 })
	j := &journal{}
	require.NoError(t, h.e.RegisterCommand(ok(j, "low", command.WithPriority(unit.PriorityLow))))
	require.NoError(t, h.e.RegisterCommand(ok(j, "crit", command.WithPriority(unit.PriorityCritical))))
	require.NoError(t, h.e.RegisterCommand(ok(j, "b")))
	require.NoError(t, h.e.RegisterCommand(ok(j, "a")))

	report := h.e.Execute(context.Background(), []string{"low", "crit", "b", "a"})

	require.True(t, report.Succeeded())
	assert.Equal(t, "[crit a b low]", report.Plan.String())
	assert.Equal(t, []string{"crit", "a", "b", "low"}, j.list())
}

func TestExecute_RollsBackInReverseCompletionOrder(t *testing.T) {
	h := newHarness(t, nil)
	j := &journal{}
	require.NoError(t, h.e.RegisterCommand(ok(j, "a", withRollback(j, "a"))))
	require.NoError(t, h.e.RegisterCommand(ok(j, "b", command.DependsOn("a"), withRollback(j, "b"))))
	require.NoError(t, h.e.RegisterCommand(ok(j, "c", command.DependsOn("b"))))
	require.NoError(t, h.e.RegisterCommand(failing("d", command.DependsOn("c"))))

	report := h.e.Execute(context.Background(), []string{"d"})

	assert.Equal(t, unit.StatusFailed, report.Status())
	assert.Equal(t, []string{"a", "b", "c", "rollback:b", "rollback:a"}, j.list())
	assert.Equal(t, unit.StatusRolledBack, report.Find("a").Status)
	assert.Equal(t, unit.StatusRolledBack, report.Find("b").Status)
	assert.Equal(t, unit.StatusSucceeded, report.Find("c").Status, "no rollback support")
	assert.Equal(t, int64(2), report.Metrics.Counters.UnitsRolledBack)

	var rollbacks int
	for _, step := range report.History {
		if step.Event == pctx.EventRollback {
			rollbacks++
		}
	}
	assert.Equal(t, 2, rollbacks)
}

func TestExecute_RollbackFailureIsAWarning(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a", command.OnRollback(func(context.Context, *pctx.Context) error {
		return errors.New("cannot undo")
	}))))
	require.NoError(t, h.e.RegisterCommand(failing("b", command.DependsOn("a"))))

	report := h.e.Execute(context.Background(), []string{"b"})

	assert.Equal(t, unit.StatusFailed, report.Status())
	assert.Equal(t, unit.StatusSucceeded, report.Find("a").Status)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "cannot undo")
	assert.ErrorContains(t, report.Result.Err, "b broke", "the original failure is kept")
}

func TestExecute_RollbackScopeAggregator(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RollbackScope = config.RollbackScopeAggregator })
	j := &journal{}
	healthy := aggregator.New("healthy", aggregator.WithBehaviors(
		behavior.New("h1", behavior.Parallel, behavior.WithCommands(ok(j, "x", withRollback(j, "x")))),
	))
	broken := aggregator.New("broken", aggregator.WithBehaviors(
		behavior.New("b1", behavior.Sequential, behavior.WithCommands(
			ok(j, "y", withRollback(j, "y")),
			failing("z"),
		)),
	))
	require.NoError(t, h.e.RegisterAggregator(healthy))
	require.NoError(t, h.e.RegisterAggregator(broken))

	report := h.e.Execute(context.Background(), []string{"healthy", "broken"})

	assert.Equal(t, unit.StatusFailed, report.Status())
	assert.Equal(t, unit.StatusSucceeded, report.Find("healthy").Status)
	assert.Equal(t, unit.StatusSucceeded, report.Find("x").Status)
	assert.Equal(t, unit.StatusRolledBack, report.Find("y").Status)
	assert.Contains(t, j.list(), "rollback:y")
	assert.NotContains(t, j.list(), "rollback:x")
}

func TestExecute_FailFastHaltsLaterStages(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.FailureMode = config.FailureModeFailFast })
	require.NoError(t, h.e.RegisterCommand(failing("a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "c", command.After("b"))))

	report := h.e.Execute(context.Background(), []string{"a", "b", "c"})

	assert.Equal(t, "[a b] [c]", report.Plan.String())
	assert.Equal(t, unit.StatusSucceeded, report.Find("b").Status, "same stage still runs")
	c := report.Find("c")
	assert.Equal(t, unit.StatusSkipped, c.Status)
	assert.Equal(t, unit.SkipHalted, c.SkipReason)
	assert.Equal(t, []string{"a", "c"}, c.SkipChain)
}

func TestExecute_ContinueModeRunsIndependentWork(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(failing("a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "c", command.After("b"))))

	report := h.e.Execute(context.Background(), []string{"a", "b", "c"})
	assert.Equal(t, unit.StatusSucceeded, report.Find("c").Status)
}

func TestExecute_CancelStopsNewWorkWithoutRollback(t *testing.T) {
	h := newHarness(t, nil)
	j := &journal{}
	started, quickDone := make(chan struct{}), make(chan struct{})
	require.NoError(t, h.e.RegisterCommand(command.NewFunc("quick", func(context.Context, *pctx.Context) (unit.Output, error) {
		close(quickDone)
		return nil, nil
	}, withRollback(j, "quick"))))
	require.NoError(t, h.e.RegisterCommand(command.NewFunc("slow", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		<-quickDone
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	require.NoError(t, h.e.RegisterCommand(ok(j, "after", command.DependsOn("slow"))))

	go func() {
		<-started
		assert.Eventually(t, func() bool { return len(h.e.Running()) == 1 }, time.Second, time.Millisecond)
		assert.True(t, h.e.Cancel("exec-1", "operator abort"))
	}()
	report := h.e.Execute(context.Background(), []string{"quick", "slow", "after"}, WithExecutionID("exec-1"))

	assert.Equal(t, unit.StatusCancelled, report.Status())
	assert.ErrorIs(t, report.Result.Err, unit.ErrCancelled)
	assert.Contains(t, report.Result.Error, "operator abort")

	slow := report.Find("slow")
	assert.Equal(t, unit.StatusFailed, slow.Status)
	assert.Equal(t, unit.ErrorKindCancelled, slow.ErrorKind)

	after := report.Find("after")
	assert.Equal(t, unit.StatusSkipped, after.Status)
	assert.Equal(t, unit.SkipCancelled, after.SkipReason)

	assert.Equal(t, unit.StatusSucceeded, report.Find("quick").Status)
	assert.NotContains(t, j.list(), "rollback:quick")
	assert.Empty(t, h.e.Running())

	var cancelSteps int
	for _, step := range report.History {
		if step.Event == pctx.EventCancel {
			cancelSteps++
			assert.Contains(t, step.Message, "user")
		}
	}
	assert.Equal(t, 1, cancelSteps)
}

func TestExecute_ParentContextCancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j := &journal{}
	require.NoError(t, h.e.RegisterCommand(ok(j, "a")))

	report := h.e.Execute(ctx, []string{"a"})

	assert.Equal(t, unit.StatusCancelled, report.Status())
	assert.Equal(t, unit.SkipCancelled, report.Find("a").SkipReason)
	assert.Empty(t, j.list())
}

func TestExecute_CommandTimeout(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(command.NewFunc("hang", func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, command.WithTimeout(20*time.Millisecond))))

	report := h.e.Execute(context.Background(), []string{"hang"})

	res := report.Find("hang")
	assert.Equal(t, unit.StatusTimedOut, res.Status)
	assert.Equal(t, unit.ErrorKindTimeout, res.ErrorKind)
	assert.Equal(t, unit.StatusFailed, report.Status())
}

func TestExecute_BehaviorBudgetTimesOutTheBehavior(t *testing.T) {
	h := newHarness(t, nil)
	sleep := func(id string) *command.Func {
		return command.NewFunc(id, func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
			select {
			case <-time.After(40 * time.Millisecond):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	}
	require.NoError(t, h.e.RegisterBehavior(behavior.New("steps", behavior.Sequential,
		behavior.WithTimeout(60*time.Millisecond),
		behavior.WithCommands(sleep("one"), sleep("two")),
	)))

	report := h.e.Execute(context.Background(), []string{"steps"})

	assert.Equal(t, unit.StatusSucceeded, report.Find("one").Status)
	two := report.Find("two")
	assert.Equal(t, unit.StatusTimedOut, two.Status)
	var te *unit.TimeoutError
	require.ErrorAs(t, two.Err, &te)
	assert.Equal(t, unit.KindBehavior, te.Scope)

	steps := report.Find("steps")
	assert.Equal(t, unit.StatusTimedOut, steps.Status)
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxRetries = 3 })
	var calls atomic.Int32
	require.NoError(t, h.e.RegisterCommand(command.NewFunc("flaky", func(context.Context, *pctx.Context) (unit.Output, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}, command.Retryable())))

	report := h.e.Execute(context.Background(), []string{"flaky"})

	require.True(t, report.Succeeded())
	assert.Equal(t, 3, report.Find("flaky").Attempts)
	assert.Equal(t, int64(2), report.Metrics.Counters.Retries)
	um, found := report.Metrics.Unit("flaky")
	require.True(t, found)
	assert.Equal(t, 3, um.Attempts)
}

func TestExecute_PlanningFailureRunsNothing(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Engine, *journal) error
		ids      []string
		wantKind unit.ErrorKind
		wantErr  error
	}{
		{
			name: "cycle",
			setup: func(e *Engine, j *journal) error {
				return errors.Join(
					e.RegisterCommand(ok(j, "a", command.DependsOn("b"))),
					e.RegisterCommand(ok(j, "b", command.DependsOn("a"))),
				)
			},
			ids:      []string{"a"},
			wantKind: unit.ErrorKindCyclic,
			wantErr:  unit.ErrCyclicDependency,
		},
		{
			name:    "unknown requested unit",
			setup:   func(*Engine, *journal) error { return nil },
			ids:     []string{"ghost"},
			wantErr: unit.ErrUnknownUnit,
		},
		{
			name: "unknown dependency",
			setup: func(e *Engine, j *journal) error {
				return e.RegisterCommand(ok(j, "a", command.DependsOn("ghost")))
			},
			ids:     []string{"a"},
			wantErr: unit.ErrUnknownUnit,
		},
		{
			name:    "empty request",
			setup:   func(*Engine, *journal) error { return nil },
			ids:     nil,
			wantErr: unit.ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			j := &journal{}
			require.NoError(t, tt.setup(h.e, j))

			report := h.e.Execute(context.Background(), tt.ids)

			require.NotNil(t, report.Result)
			assert.Equal(t, unit.StatusFailed, report.Status())
			assert.ErrorIs(t, report.Result.Err, tt.wantErr)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, report.Result.ErrorKind)
			}
			assert.Empty(t, report.Result.Children)
			assert.Empty(t, j.list())
			assert.Len(t, h.events.ByType(events.TypeExecutionCompleted), 1)
		})
	}
}

func TestExecute_DetachedGroup(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "setup")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "main", command.DependsOn("setup"))))

	report := h.e.Execute(context.Background(), []string{"main"})

	require.True(t, report.Succeeded())
	require.Len(t, report.Result.Children, 2)
	assert.Equal(t, "main", report.Result.Children[0].ID)
	group := report.Result.Children[1]
	assert.Equal(t, DetachedGroupID, group.ID)
	assert.Equal(t, unit.KindGroup, group.Kind)
	require.Len(t, group.Children, 1)
	assert.Equal(t, "setup", group.Children[0].ID)
}

func TestExecute_RequestedMemberRunsOnceUnderItsContainer(t *testing.T) {
	tests := []struct {
		ids       []string
		container string
		member    string
	}{
		{ids: []string{"s1", "deploy"}, container: "deploy", member: "s1"},
		{ids: []string{"deploy", "s1"}, container: "deploy", member: "s1"},
		{ids: []string{"s2", "release"}, container: "release", member: "s2"},
		{ids: []string{"deploy", "release"}, container: "release", member: "deploy"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.ids, ","), func(t *testing.T) {
			h := newHarness(t, nil)
			j := &journal{}
			require.NoError(t, h.e.RegisterAggregator(aggregator.New("release", aggregator.WithBehaviors(
				behavior.New("deploy", behavior.Sequential, behavior.WithCommands(ok(j, "s1"), ok(j, "s2"))),
			))))

			report := h.e.Execute(context.Background(), tt.ids)

			require.True(t, report.Succeeded())
			assert.Equal(t, 2, report.Plan.UnitCount())
			require.Len(t, report.Result.Children, 1)
			assert.Equal(t, tt.container, report.Result.Children[0].ID)
			seen := 0
			report.Result.Walk(func(r *unit.Result) bool {
				if r.ID == tt.member {
					seen++
				}
				return true
			})
			assert.Equal(t, 1, seen)
			assert.Equal(t, []string{"s1", "s2"}, j.list())
		})
	}
}

func TestExecute_DependencyResolutionDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.EnableDependencyResolution = false })
	j := &journal{}
	require.NoError(t, h.e.RegisterCommand(ok(j, "setup")))
	require.NoError(t, h.e.RegisterCommand(ok(j, "main", command.DependsOn("setup"))))

	report := h.e.Execute(context.Background(), []string{"main"})

	require.True(t, report.Succeeded())
	assert.Equal(t, []string{"main"}, j.list())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "main -> setup")
}

func TestExecute_BestEffortBehaviorTolerates(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterBehavior(behavior.New("lint", behavior.Parallel,
		behavior.BestEffort(),
		behavior.WithCommands(ok(nil, "vet"), failing("style")),
	)))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "ship", command.DependsOn("lint"))))

	report := h.e.Execute(context.Background(), []string{"lint", "ship"})

	require.True(t, report.Succeeded(), report.Result.Error)
	lint := report.Find("lint")
	assert.True(t, lint.SoftFailed)
	assert.NotEmpty(t, lint.Warnings)
	assert.True(t, report.Find("style").Tolerated)
	assert.Equal(t, unit.StatusSucceeded, report.Find("ship").Status, "tolerant behavior softens the edge")
}

func TestExecute_EscalatePolicyFailsBehavior(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.SoftFailurePolicy = string(behavior.SoftFailureEscalate) })
	require.NoError(t, h.e.RegisterBehavior(behavior.New("lint", behavior.Parallel,
		behavior.BestEffort(),
		behavior.WithCommands(ok(nil, "vet"), failing("style")),
	)))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "ship", command.DependsOn("lint"))))

	report := h.e.Execute(context.Background(), []string{"lint", "ship"})

	assert.Equal(t, unit.StatusFailed, report.Find("lint").Status)
	assert.Equal(t, unit.StatusSkipped, report.Find("ship").Status)
}

func TestExecute_SequentialBehaviorStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil)
	j := &journal{}
	require.NoError(t, h.e.RegisterBehavior(behavior.New("deploy", behavior.Sequential,
		behavior.WithCommands(ok(j, "s1"), failing("s2"), ok(j, "s3")),
	)))

	report := h.e.Execute(context.Background(), []string{"deploy"})

	assert.Equal(t, "[s1] [s2] [s3]", report.Plan.String())
	assert.Equal(t, []string{"s1"}, j.list())
	assert.Equal(t, unit.SkipUpstream, report.Find("s3").SkipReason)
	assert.Equal(t, unit.StatusFailed, report.Find("deploy").Status)
}

func TestExecute_ConditionalBehavior(t *testing.T) {
	h := newHarness(t, nil)
	j := &journal{}
	require.NoError(t, h.e.RegisterBehavior(behavior.New("release", behavior.Conditional,
		behavior.WithCommands(ok(j, "build")),
		behavior.When(ok(j, "publish"), func(pc *pctx.Context) bool { return pctx.Get(pc, "publish", false) }),
		behavior.WithCommands(ok(j, "notify")),
	)))

	report := h.e.Execute(context.Background(), []string{"release"})

	require.True(t, report.Succeeded())
	assert.Equal(t, []string{"build", "notify"}, j.list())
	assert.Equal(t, unit.SkipCondition, report.Find("publish").SkipReason)

	j2 := &journal{}
	h2 := newHarness(t, nil)
	require.NoError(t, h2.e.RegisterBehavior(behavior.New("release", behavior.Conditional,
		behavior.WithCommands(ok(j2, "build")),
		behavior.When(ok(j2, "publish"), func(pc *pctx.Context) bool { return pctx.Get(pc, "publish", false) }),
	)))
	report = h2.e.Execute(context.Background(), []string{"release"}, WithValues(map[string]any{"publish": true}))
	require.True(t, report.Succeeded())
	assert.Equal(t, []string{"build", "publish"}, j2.list())
}

func TestExecute_ResourceAllocationFailureFailsStage(t *testing.T) {
	mgr := resource.NewLocalManager(unit.ResourceRequirements{CPU: 2})
	h := newHarness(t, func(c *config.Config) { c.EnableResourceManagement = true }, WithResourceManager(mgr))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "heavy", command.WithRequirements(unit.ResourceRequirements{CPU: 1}))))

	held, err := mgr.Allocate(context.Background(), unit.ResourceRequirements{CPU: 2})
	require.NoError(t, err)
	report := h.e.Execute(context.Background(), []string{"heavy"})
	require.NoError(t, mgr.Release(held.ID))

	res := report.Find("heavy")
	assert.Equal(t, unit.StatusFailed, res.Status)
	assert.Equal(t, unit.ErrorKindResource, res.ErrorKind)

	report = h.e.Execute(context.Background(), []string{"heavy"})
	require.True(t, report.Succeeded())
	require.Len(t, report.Metrics.Stages, 1)
	assert.InDelta(t, 0.5, report.Metrics.Stages[0].Utilization[resource.DimCPU], 0.001)
	assert.Equal(t, 0, mgr.Allocations(), "stage allocation released")
}

func TestExecute_CapacitySplitsStages(t *testing.T) {
	mgr := resource.NewLocalManager(unit.ResourceRequirements{CPU: 2})
	h := newHarness(t, func(c *config.Config) { c.EnableResourceManagement = true }, WithResourceManager(mgr))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.e.RegisterCommand(ok(nil, id, command.WithRequirements(unit.ResourceRequirements{CPU: 1}))))
	}

	report := h.e.Execute(context.Background(), []string{"a", "b", "c"})

	require.True(t, report.Succeeded())
	assert.Equal(t, "[a b] [c]", report.Plan.String())
}

func TestExecute_AggregatorEstimateExceedsCapacity(t *testing.T) {
	mgr := resource.NewLocalManager(unit.ResourceRequirements{MemoryMB: 512})
	h := newHarness(t, func(c *config.Config) { c.EnableResourceManagement = true }, WithResourceManager(mgr))
	require.NoError(t, h.e.RegisterAggregator(aggregator.New("big",
		aggregator.WithRequirements(unit.ResourceRequirements{MemoryMB: 4096}),
		aggregator.WithBehaviors(behavior.New("b", behavior.Parallel, behavior.WithCommands(ok(nil, "x")))),
	)))

	report := h.e.Execute(context.Background(), []string{"big"})

	assert.Equal(t, unit.StatusFailed, report.Status())
	assert.ErrorIs(t, report.Result.Err, unit.ErrResourceUnavailable)
}

func TestExecute_AggregatorProgress(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterAggregator(aggregator.New("pipeline", aggregator.WithBehaviors(
		behavior.New("build", behavior.Sequential, behavior.WithCommands(ok(nil, "compile"), ok(nil, "link"))),
		behavior.New("test", behavior.Parallel, behavior.WithCommands(ok(nil, "unit"))),
	))))

	report := h.e.Execute(context.Background(), []string{"pipeline"})
	require.True(t, report.Succeeded())

	p, err := h.e.Monitor("pipeline")
	require.NoError(t, err)
	assert.Equal(t, unit.StatusSucceeded, p.Status)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Completed)
	assert.Equal(t, 2, p.TotalStages)
	assert.InDelta(t, 100, p.Percent, 0.001)
}

func TestExecute_StartRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxStartsPerSecond = 20 })
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.e.RegisterCommand(ok(nil, id)))
	}

	start := time.Now()
	report := h.e.Execute(context.Background(), []string{"a", "b", "c"})

	require.True(t, report.Succeeded())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestExecute_MetricsRetention(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MetricsRetention = 2 })
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	for i := range 3 {
		h.e.Execute(context.Background(), []string{"a"}, WithExecutionID(fmt.Sprintf("run-%d", i)))
	}

	all := h.e.GetExecutionMetrics()
	require.Len(t, all, 2)
	assert.Equal(t, "run-1", all[0].ExecutionID)
	assert.Equal(t, "run-2", all[1].ExecutionID)
	_, found := h.e.MetricsFor("run-0")
	assert.False(t, found)
	m, found := h.e.MetricsFor("run-2")
	require.True(t, found)
	assert.Equal(t, unit.StatusSucceeded, m.Status)
	assert.Equal(t, int64(1), m.Counters.UnitsSucceeded)
}

func TestExecute_HistoryDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.EnableExecutionHistory = false })
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	report := h.e.Execute(context.Background(), []string{"a"})

	require.True(t, report.Succeeded())
	assert.Empty(t, report.History)
}

func TestExecute_EventsSpansAndInstruments(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b", command.DependsOn("a"))))

	report := h.e.Execute(context.Background(), []string{"b"})
	require.True(t, report.Succeeded())

	var types []events.Type
	for _, ev := range h.events.Events() {
		if ev.Type != events.TypeUnitRegistered && ev.Type != events.TypeUnitStatus {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []events.Type{
		events.TypeExecutionStarted,
		events.TypeStageStarted, events.TypeStageCompleted,
		events.TypeStageStarted, events.TypeStageCompleted,
		events.TypeExecutionCompleted,
	}, types)

	statuses := h.events.ByType(events.TypeUnitStatus)
	require.NotEmpty(t, statuses)
	for _, ev := range statuses {
		data := ev.Data.(events.UnitStatusData)
		assert.NoError(t, unit.Transition(data.From, data.To), "%s: %s -> %s", data.UnitID, data.From, data.To)
	}

	done := h.events.ByType(events.TypeExecutionCompleted)
	require.Len(t, done, 1)
	data := done[0].Data.(events.ExecutionData)
	assert.Equal(t, unit.StatusSucceeded, data.Status)
	assert.Equal(t, 2, data.Stages)
	assert.Equal(t, 2, data.Units)

	spans := h.spanNames()
	assert.Equal(t, 1, spans["pipeline.Execute"])
	assert.Equal(t, 2, spans["pipeline.Stage"])
	assert.Equal(t, 2, spans["pipeline.Unit"])

	names := h.metricNames(t)
	assert.True(t, names["pipeline_unit_outcomes_total"])
	assert.True(t, names["pipeline_unit_duration_seconds"])
	assert.True(t, names["pipeline_execution_duration_seconds"])
}

func TestExecute_HistoryIsOrdered(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	report := h.e.Execute(context.Background(), []string{"a"})

	require.NotEmpty(t, report.History)
	assert.Equal(t, pctx.EventExecutionStarted, report.History[0].Event)
	assert.Equal(t, pctx.EventExecutionCompleted, report.History[len(report.History)-1].Event)
	for i := 1; i < len(report.History); i++ {
		if report.History[i].Seq <= report.History[i-1].Seq {
			t.Errorf("history out of order at %d: %d <= %d", i, report.History[i].Seq, report.History[i-1].Seq)
		}
	}
}

func TestExecute_SuccessfulReportContextIsNotCancelled(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	report := h.e.Execute(context.Background(), []string{"a"})

	require.Equal(t, unit.StatusSucceeded, report.Status())
	assert.False(t, report.Context.Cancelled())
	assert.NoError(t, report.Context.Err())
	_, cancelled := report.Context.CancelReason()
	assert.False(t, cancelled)
	assert.True(t, report.Context.Has("a"), "outputs stay readable after Execute returns")
}

func TestExecute_ExternalPipelineContext(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(command.NewFunc("read", func(_ context.Context, pc *pctx.Context) (unit.Output, error) {
		return unit.Output{"seen": pctx.Get(pc, "input", "")}, nil
	}, command.Requires("input"))))

	pc := pctx.New(context.Background(), pctx.WithID("shared"))
	defer pc.Release()
	pc.Set("input", "hello")

	report := h.e.Execute(context.Background(), []string{"read"}, WithPipelineContext(pc))

	require.True(t, report.Succeeded())
	assert.Equal(t, "shared", report.ExecutionID)
	assert.Equal(t, "hello", pctx.Get(pc, "seen", ""))
	assert.False(t, pc.Cancelled(), "caller keeps ownership")
}

func TestExecute_ValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "needs", command.Requires("token"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "next", command.DependsOn("needs"))))

	report := h.e.Execute(context.Background(), []string{"next"})

	needs := report.Find("needs")
	assert.Equal(t, unit.StatusValidationFailed, needs.Status)
	assert.Equal(t, unit.ErrorKindValidation, needs.ErrorKind)
	assert.Equal(t, unit.SkipUpstream, report.Find("next").SkipReason)
}

func TestExecute_ConcurrentExecutions(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b", command.DependsOn("a"))))

	reports := make(chan *Report, 4)
	for range 4 {
		go func() { reports <- h.e.Execute(context.Background(), []string{"b"}) }()
	}
	seen := make(map[string]bool)
	for range 4 {
		r := <-reports
		assert.True(t, r.Succeeded())
		seen[r.ExecutionID] = true
	}
	assert.Len(t, seen, 4)
	assert.Len(t, h.e.GetExecutionMetrics(), 4)
}
