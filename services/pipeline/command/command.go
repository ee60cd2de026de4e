// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package command defines the atomic tier of the pipeline: the Command
// contract, a Base to embed in concrete commands, and Func for closures.
//
// Lifecycle of one command inside an execution:
//
//	Validate (side-effect free, repeatable)
//	Execute  (side-effecting; retried only when Retryable)
//	Cleanup  (after every Execute attempt; errors logged, not propagated)
//	Rollback (optional compensation, only after a later failure)
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// DefaultTimeout applies to commands that declare no timeout and run
// without a configured command timeout.
const DefaultTimeout = 30 * time.Second

// Command is a single atomic operation.
//
// Implementations must be safe to call from the engine's worker goroutines;
// one Command instance runs at most once at a time per execution.
type Command interface {
	// Metadata describes the command. It must return the same value for
	// the life of a registration.
	Metadata() unit.Metadata

	// Validate checks preconditions against the context without side
	// effects. Return a *unit.ValidationError listing unmet preconditions.
	Validate(ctx context.Context, pc *pctx.Context) error

	// Execute performs the operation. The returned Output is merged into the
	// shared store. ctx carries the command's deadline and the execution's
	// cancellation signal.
	Execute(ctx context.Context, pc *pctx.Context) (unit.Output, error)

	// Cleanup releases transient resources. It runs after every Execute
	// attempt regardless of outcome.
	Cleanup(ctx context.Context, pc *pctx.Context) error
}

// Rollbacker is implemented by commands that can compensate a successful
// Execute.
type Rollbacker interface {
	Rollback(ctx context.Context, pc *pctx.Context) error
}

// rollbackCapable lets a type implement Rollbacker while opting out per
// instance (e.g. Func without a rollback function).
type rollbackCapable interface {
	SupportsRollback() bool
}

// SupportsRollback reports whether c can be rolled back.
func SupportsRollback(c any) bool {
	if _, ok := c.(Rollbacker); !ok {
		return false
	}
	if rc, ok := c.(rollbackCapable); ok {
		return rc.SupportsRollback()
	}
	return true
}

// Base provides Metadata, required-key validation and a no-op Cleanup.
// Embed it and implement Execute.
//
// Example:
//
//	type Fetch struct {
//	    command.Base
//	    URL string
//	}
//
//	func (f *Fetch) Execute(ctx context.Context, pc *pctx.Context) (unit.Output, error) {
//	    ...
//	}
type Base struct {
	Meta unit.Metadata

	// RequiredKeys must be present in the context for Validate to pass.
	RequiredKeys []string
}

// Metadata returns the command metadata.
func (b *Base) Metadata() unit.Metadata { return b.Meta }

// Validate checks the metadata and every required key.
func (b *Base) Validate(_ context.Context, pc *pctx.Context) error {
	var problems []string
	if err := b.Meta.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, key := range b.RequiredKeys {
		if pc == nil || !pc.Has(key) {
			problems = append(problems, fmt.Sprintf("missing context key %q", key))
		}
	}
	if len(problems) > 0 {
		return unit.NewValidationError(b.Meta.ID, problems...)
	}
	return nil
}

// Cleanup does nothing.
func (b *Base) Cleanup(context.Context, *pctx.Context) error { return nil }

// ExecuteFunc is the body of a Func command.
type ExecuteFunc func(ctx context.Context, pc *pctx.Context) (unit.Output, error)

// HookFunc is a Validate, Cleanup or Rollback body.
type HookFunc func(ctx context.Context, pc *pctx.Context) error

// Func wraps closures as a Command.
type Func struct {
	Base
	execute  ExecuteFunc
	validate HookFunc
	cleanup  HookFunc
	rollback HookFunc
}

// Option configures a Func.
type Option func(*Func)

// NewFunc creates a Func command.
//
// Inputs:
//
//	id - Unique command id.
//	fn - Execute body. A nil fn fails every execution with ErrInvalidInput.
//	opts - Metadata and hook options.
//
// Outputs:
//
//	*Func - The command.
func NewFunc(id string, fn ExecuteFunc, opts ...Option) *Func {
	f := &Func{
		Base:    Base{Meta: unit.Metadata{ID: id, Category: unit.CategoryCustom}},
		execute: fn,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute runs the wrapped function.
func (f *Func) Execute(ctx context.Context, pc *pctx.Context) (unit.Output, error) {
	if f.execute == nil {
		return nil, fmt.Errorf("%w: command %s has no execute function", unit.ErrInvalidInput, f.Meta.ID)
	}
	return f.execute(ctx, pc)
}

// Validate runs Base validation, then the custom hook if any.
func (f *Func) Validate(ctx context.Context, pc *pctx.Context) error {
	if err := f.Base.Validate(ctx, pc); err != nil {
		return err
	}
	if f.validate != nil {
		return f.validate(ctx, pc)
	}
	return nil
}

// Cleanup runs the cleanup hook if any.
func (f *Func) Cleanup(ctx context.Context, pc *pctx.Context) error {
	if f.cleanup != nil {
		return f.cleanup(ctx, pc)
	}
	return nil
}

// Rollback runs the rollback hook if any.
func (f *Func) Rollback(ctx context.Context, pc *pctx.Context) error {
	if f.rollback != nil {
		return f.rollback(ctx, pc)
	}
	return nil
}

// SupportsRollback reports whether a rollback hook was set.
func (f *Func) SupportsRollback() bool { return f.rollback != nil }

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// WithName sets the display name.
func WithName(name string) Option { return func(f *Func) { f.Meta.Name = name } }

// WithCategory sets the category.
func WithCategory(c unit.Category) Option { return func(f *Func) { f.Meta.Category = c } }

// WithTags sets descriptive tags.
func WithTags(tags ...string) Option { return func(f *Func) { f.Meta.Tags = tags } }

// WithPriority sets the scheduling tie-break priority.
func WithPriority(p unit.Priority) Option { return func(f *Func) { f.Meta.Priority = p } }

// DependsOn adds hard dependencies.
func DependsOn(ids ...string) Option {
	return func(f *Func) {
		for _, id := range ids {
			f.Meta.Dependencies = append(f.Meta.Dependencies, unit.Hard(id))
		}
	}
}

// After adds soft (ordering-only) dependencies.
func After(ids ...string) Option {
	return func(f *Func) {
		for _, id := range ids {
			f.Meta.Dependencies = append(f.Meta.Dependencies, unit.Soft(id))
		}
	}
}

// WithTimeout sets the command timeout.
func WithTimeout(d time.Duration) Option { return func(f *Func) { f.Meta.Timeout = d } }

// Retryable marks the command safe to re-execute after an ExecutionError.
func Retryable() Option { return func(f *Func) { f.Meta.Retryable = true } }

// ParallelUnsafe marks the command unsafe to co-schedule with units sharing
// any of tags. With no tags the command always runs alone.
func ParallelUnsafe(tags ...string) Option {
	return func(f *Func) {
		f.Meta.ParallelUnsafe = true
		f.Meta.ResourceTags = append(f.Meta.ResourceTags, tags...)
	}
}

// WithResourceTags declares mutable resources the command touches.
func WithResourceTags(tags ...string) Option {
	return func(f *Func) { f.Meta.ResourceTags = append(f.Meta.ResourceTags, tags...) }
}

// Exclusive declares resources no co-scheduled unit may share.
func Exclusive(tags ...string) Option {
	return func(f *Func) { f.Meta.ExclusiveTags = append(f.Meta.ExclusiveTags, tags...) }
}

// WithRequirements sets the resource estimate.
func WithRequirements(r unit.ResourceRequirements) Option {
	return func(f *Func) { f.Meta.Requirements = r }
}

// Requires lists context keys that must be present before Execute.
func Requires(keys ...string) Option {
	return func(f *Func) { f.RequiredKeys = append(f.RequiredKeys, keys...) }
}

// OnValidate sets an extra validation hook.
func OnValidate(fn HookFunc) Option { return func(f *Func) { f.validate = fn } }

// OnCleanup sets the cleanup hook.
func OnCleanup(fn HookFunc) Option { return func(f *Func) { f.cleanup = fn } }

// OnRollback sets the compensation hook.
func OnRollback(fn HookFunc) Option { return func(f *Func) { f.rollback = fn } }

var (
	_ Command    = (*Func)(nil)
	_ Rollbacker = (*Func)(nil)
)
