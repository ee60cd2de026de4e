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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// harness wires an Engine to in-memory telemetry.
type harness struct {
	e      *Engine
	cfg    *config.Config
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	events *events.Recorder
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.RetryDelay = time.Millisecond
	cfg.CancelGracePeriod = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	all := append([]Option{
		WithSettings(cfg),
		WithLogger(logging.Discard()),
		WithTracerProvider(tp),
		WithMeterProvider(mp),
	}, opts...)
	h := &harness{e: New(all...), cfg: cfg, spans: sr, reader: reader, events: events.NewRecorder()}
	h.e.Subscribe(h.events.Handle)
	return h
}

func (h *harness) metricNames(t *testing.T) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func (h *harness) spanNames() map[string]int {
	names := make(map[string]int)
	for _, s := range h.spans.Ended() {
		names[s.Name()]++
	}
	return names
}

// journal records the order in which commands run and roll back.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func ok(j *journal, id string, opts ...command.Option) *command.Func {
	return command.NewFunc(id, func(context.Context, *pctx.Context) (unit.Output, error) {
		if j != nil {
			j.add(id)
		}
		return unit.Output{id: true}, nil
	}, opts...)
}

func failing(id string, opts ...command.Option) *command.Func {
	return command.NewFunc(id, func(context.Context, *pctx.Context) (unit.Output, error) {
		return nil, errors.New(id + " broke")
	}, opts...)
}

func withRollback(j *journal, id string) command.Option {
	return command.OnRollback(func(context.Context, *pctx.Context) error {
		j.add("rollback:" + id)
		return nil
	})
}

func TestRegisterCommand_Duplicate(t *testing.T) {
	h := newHarness(t, nil)
	a := ok(nil, "a")
	require.NoError(t, h.e.RegisterCommand(a))
	assert.NoError(t, h.e.RegisterCommand(a), "same instance is a no-op")

	err := h.e.RegisterCommand(ok(nil, "a"))
	assert.ErrorIs(t, err, unit.ErrDuplicateUnit)

	err = h.e.RegisterBehavior(behavior.New("a", behavior.Parallel))
	assert.ErrorIs(t, err, unit.ErrDuplicateUnit, "ids are unique across tiers")
}

func TestRegisterCommand_InvalidMetadata(t *testing.T) {
	h := newHarness(t, nil)
	err := h.e.RegisterCommand(ok(nil, ""))
	assert.ErrorIs(t, err, unit.ErrInvalidInput)
	assert.Empty(t, h.e.Registered())
}

func TestRegisterAggregator_IsAtomic(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "taken")))

	agg := aggregator.New("release", aggregator.WithBehaviors(
		behavior.New("build", behavior.Sequential, behavior.WithCommands(ok(nil, "compile"))),
		behavior.New("ship", behavior.Sequential, behavior.WithCommands(ok(nil, "taken"))),
	))
	err := h.e.RegisterAggregator(agg)
	require.ErrorIs(t, err, unit.ErrDuplicateUnit)

	_, found := h.e.Lookup("compile")
	assert.False(t, found, "failed registration leaves nothing behind")
	_, found = h.e.Lookup("release")
	assert.False(t, found)
}

func TestRegistered_SortedByKindThenID(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterAggregator(aggregator.New("agg", aggregator.WithBehaviors(
		behavior.New("beh", behavior.Parallel, behavior.WithCommands(ok(nil, "z"), ok(nil, "m"))),
	))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	var got []string
	for _, r := range h.e.Registered() {
		got = append(got, string(r.Kind)+":"+r.ID)
	}
	assert.Equal(t, []string{"aggregator:agg", "behavior:beh", "command:a", "command:m", "command:z"}, got)

	meta := h.e.GetAllCommandMetadata()
	require.Len(t, meta, 3)
	assert.Equal(t, "a", meta[0].ID)

	regs := h.events.ByType(events.TypeUnitRegistered)
	assert.Len(t, regs, 5)
}

func TestUnregister(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterBehavior(behavior.New("deploy", behavior.Sequential,
		behavior.WithCommands(ok(nil, "push"), ok(nil, "verify")))))

	err := h.e.Unregister("push")
	assert.ErrorIs(t, err, unit.ErrInvalidInput, "members go with their container")

	err = h.e.UnregisterCommand("deploy")
	assert.ErrorIs(t, err, unit.ErrInvalidInput, "kind mismatch")

	require.NoError(t, h.e.UnregisterBehavior("deploy"))
	for _, id := range []string{"deploy", "push", "verify"} {
		_, found := h.e.Lookup(id)
		assert.False(t, found, id)
	}
	assert.Len(t, h.events.ByType(events.TypeUnitUnregistered), 3)

	err = h.e.Unregister("deploy")
	assert.ErrorIs(t, err, unit.ErrUnknownUnit)
}

func TestLookupAccessors(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a")))

	c, err := h.e.Command("a")
	require.NoError(t, err)
	assert.Equal(t, "a", c.Metadata().ID)

	_, err = h.e.Behavior("a")
	assert.ErrorIs(t, err, unit.ErrInvalidInput)

	_, err = h.e.Aggregator("missing")
	assert.ErrorIs(t, err, unit.ErrUnknownUnit)

	_, err = h.e.Monitor("missing")
	assert.ErrorIs(t, err, unit.ErrUnknownUnit)
}

func TestValidate_DryRun(t *testing.T) {
	h := newHarness(t, nil)
	j := &journal{}
	require.NoError(t, h.e.RegisterCommand(ok(j, "a")))
	require.NoError(t, h.e.RegisterCommand(ok(j, "b", command.DependsOn("a"))))

	plan, warnings, err := h.e.Validate(context.Background(), []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "[a] [b]", plan.String())
	assert.Empty(t, j.list(), "nothing runs")
	assert.Empty(t, h.e.GetExecutionMetrics())
}

func TestValidate_Cycle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterCommand(ok(nil, "a", command.DependsOn("b"))))
	require.NoError(t, h.e.RegisterCommand(ok(nil, "b", command.DependsOn("a"))))

	_, _, err := h.e.Validate(context.Background(), []string{"a"})
	var cyc *unit.CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Contains(t, cyc.Path, "a")
	assert.Contains(t, cyc.Path, "b")
}

func TestValidate_UnitDependingOnItsContainer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.RegisterBehavior(behavior.New("outer", behavior.Parallel,
		behavior.WithCommands(ok(nil, "inner", command.DependsOn("outer"))))))

	_, _, err := h.e.Validate(context.Background(), []string{"outer"})
	assert.ErrorIs(t, err, unit.ErrCyclicDependency)
}

func TestCancel_UnknownExecution(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.e.Cancel("nope", "stop"))
	assert.Empty(t, h.e.Running())
}
