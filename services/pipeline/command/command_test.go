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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

func newPC(t *testing.T) *pctx.Context {
	t.Helper()
	pc := pctx.New(context.Background())
	t.Cleanup(pc.Release)
	return pc
}

func TestNewFunc_Options(t *testing.T) {
	f := NewFunc("build", nil,
		WithName("Build"),
		WithCategory(unit.CategoryGeneration),
		WithTags("go"),
		WithPriority(unit.PriorityHigh),
		DependsOn("fetch"),
		After("lint"),
		WithTimeout(5*time.Second),
		Retryable(),
		ParallelUnsafe("disk"),
		Exclusive("gpu"),
		WithRequirements(unit.ResourceRequirements{CPU: 2}),
	)

	m := f.Metadata()
	assert.Equal(t, "build", m.ID)
	assert.Equal(t, "Build", m.DisplayName())
	assert.Equal(t, unit.CategoryGeneration, m.Category)
	assert.Equal(t, unit.PriorityHigh, m.Priority)
	assert.Equal(t, []string{"fetch"}, m.HardDependencies())
	assert.Equal(t, []string{"lint"}, m.SoftDependencies())
	assert.Equal(t, 5*time.Second, m.Timeout)
	assert.True(t, m.Retryable)
	assert.True(t, m.ParallelUnsafe)
	assert.Equal(t, []string{"disk"}, m.ResourceTags)
	assert.Equal(t, []string{"gpu"}, m.ExclusiveTags)
	assert.Equal(t, 2.0, m.Requirements.CPU)
}

func TestFunc_Execute(t *testing.T) {
	pc := newPC(t)
	f := NewFunc("echo", func(ctx context.Context, pc *pctx.Context) (unit.Output, error) {
		return unit.Output{"msg": "hi"}, nil
	})

	out, err := f.Execute(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["msg"])

	_, err = NewFunc("nil", nil).Execute(context.Background(), pc)
	assert.ErrorIs(t, err, unit.ErrInvalidInput)
}

func TestFunc_Validate(t *testing.T) {
	pc := newPC(t)
	f := NewFunc("deploy", nil, Requires("artifact", "target"))

	err := f.Validate(context.Background(), pc)
	var ve *unit.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "deploy", ve.UnitID)
	assert.Len(t, ve.Problems, 2)

	pc.Set("artifact", "a.tar")
	pc.Set("target", "prod")
	assert.NoError(t, f.Validate(context.Background(), pc))

	hooked := NewFunc("hooked", nil, OnValidate(func(context.Context, *pctx.Context) error {
		return errors.New("not today")
	}))
	assert.EqualError(t, hooked.Validate(context.Background(), pc), "not today")
}

func TestFunc_Hooks(t *testing.T) {
	pc := newPC(t)
	var cleaned, rolled bool
	f := NewFunc("x", nil,
		OnCleanup(func(context.Context, *pctx.Context) error { cleaned = true; return nil }),
		OnRollback(func(context.Context, *pctx.Context) error { rolled = true; return nil }),
	)

	require.NoError(t, f.Cleanup(context.Background(), pc))
	require.NoError(t, f.Rollback(context.Background(), pc))
	assert.True(t, cleaned)
	assert.True(t, rolled)
	assert.True(t, SupportsRollback(f))
	assert.False(t, SupportsRollback(NewFunc("y", nil)))
}

type panicky struct{ Base }

func (p *panicky) Execute(context.Context, *pctx.Context) (unit.Output, error) { panic("kaboom") }
func (p *panicky) Validate(context.Context, *pctx.Context) error             { return errors.New("plain") }
func (p *panicky) Rollback(context.Context, *pctx.Context) error             { panic("undo") }

func TestSafeHelpers(t *testing.T) {
	pc := newPC(t)
	p := &panicky{Base: Base{Meta: unit.Metadata{ID: "p"}}}

	_, err := SafeExecute(context.Background(), p, pc)
	var pe *unit.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "execute", pe.Op)

	err = SafeValidate(context.Background(), p, pc)
	assert.ErrorIs(t, err, unit.ErrValidation, "plain validate errors become ValidationError")

	err = SafeRollback(context.Background(), p, pc)
	var rb *unit.RollbackError
	require.ErrorAs(t, err, &rb)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "rollback", pe.Op)

	assert.NoError(t, SafeCleanup(context.Background(), p, pc))
	assert.NoError(t, SafeRollback(context.Background(), NewFunc("none", nil), pc))
}
