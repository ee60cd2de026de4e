// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package behavior composes commands into a unit with one execution
// strategy.
//
// A Behavior runs either on its own (Execute) or flattened into an engine
// plan via ExecutionPlan. Both paths share the per-command runner in the
// command package, so retries, timeouts and cleanup behave identically.
package behavior

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Strategy selects how a behavior runs its commands.
type Strategy string

const (
	// Sequential runs commands in declared order and stops at the first
	// failure.
	Sequential Strategy = "sequential"

	// Parallel runs commands without inter-command dependencies
	// concurrently.
	Parallel Strategy = "parallel"

	// Conditional runs, in declared order, only the commands whose
	// predicate holds when they are reached.
	Conditional Strategy = "conditional"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case Sequential, Parallel, Conditional:
		return true
	}
	return false
}

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown strategy %q", unit.ErrInvalidInput, s)
	}
	return st, nil
}

// Predicate decides whether a conditional command runs. It sees the
// context as left by the commands before it.
type Predicate func(pc *pctx.Context) bool

// SoftFailurePolicy governs failures inside a best-effort behavior.
type SoftFailurePolicy string

const (
	// SoftFailureReport tolerates the failure and records a warning on the
	// behavior, which ends SoftFailed.
	SoftFailureReport SoftFailurePolicy = "report"

	// SoftFailureEscalate fails the behavior. Remaining commands still run.
	SoftFailureEscalate SoftFailurePolicy = "escalate"

	// SoftFailureIgnore tolerates the failure silently.
	SoftFailureIgnore SoftFailurePolicy = "ignore"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// defers to configuration.
func (p SoftFailurePolicy) Valid() bool {
	switch p {
	case "", SoftFailureReport, SoftFailureEscalate, SoftFailureIgnore:
		return true
	}
	return false
}

// ParseSoftFailurePolicy parses a policy name. The empty string yields
// SoftFailureReport.
func ParseSoftFailurePolicy(s string) (SoftFailurePolicy, error) {
	if s == "" {
		return SoftFailureReport, nil
	}
	p := SoftFailurePolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown soft failure policy %q", unit.ErrInvalidInput, s)
	}
	return p, nil
}

// Tolerate applies p to a failed or upstream-skipped child of a
// best-effort parent. It returns false when the failure must count.
func (p SoftFailurePolicy) Tolerate(parent, child *unit.Result) bool {
	switch p {
	case SoftFailureEscalate:
		return false
	case SoftFailureIgnore:
		child.Tolerated = true
	default:
		child.Tolerated = true
		msg := fmt.Sprintf("%s %s", child.ID, child.Status)
		if child.Error != "" {
			msg += ": " + child.Error
		}
		parent.AddWarning("soft failure: " + msg)
	}
	return true
}

// EffectivePolicy returns b's policy, falling back to the configured
// default and then SoftFailureReport.
func EffectivePolicy(b Behavior, s pctx.Settings) SoftFailurePolicy {
	if p := b.SoftFailurePolicy(); p != "" {
		return p
	}
	p, err := ParseSoftFailurePolicy(s.GetString(pctx.KeySoftFailurePolicy, ""))
	if err != nil {
		return SoftFailureReport
	}
	return p
}

// Behavior is a composite of commands run with one strategy.
type Behavior interface {
	Metadata() unit.Metadata
	Strategy() Strategy

	// Commands returns the commands in declared order.
	Commands() []command.Command

	// Predicate returns the predicate guarding a command, or nil.
	Predicate(commandID string) Predicate

	// BestEffort reports whether member failures are tolerated.
	BestEffort() bool

	// SoftFailurePolicy returns the behavior's policy; empty defers to
	// configuration.
	SoftFailurePolicy() SoftFailurePolicy

	// Validate checks the behavior's structure and its commands' metadata.
	Validate(ctx context.Context, pc *pctx.Context) error

	// Execute runs the behavior on its own and returns its result subtree.
	Execute(ctx context.Context, pc *pctx.Context) *unit.Result

	// ExecutionPlan returns the command-level sub-plan.
	ExecutionPlan() (*graph.Plan, error)

	// Rollback compensates the commands completed by the last Execute, in
	// reverse completion order.
	Rollback(ctx context.Context, pc *pctx.Context) error
}

// Composite is the default Behavior.
//
// Thread Safety: a Composite may be shared, but Execute and Rollback calls
// on the same instance must not overlap.
type Composite struct {
	meta        unit.Metadata
	strategy    Strategy
	commands    []command.Command
	predicates  map[string]Predicate
	bestEffort  bool
	policy      SoftFailurePolicy
	maxParallel int

	mu   sync.Mutex
	last *lastRun
}

// lastRun remembers what Rollback may compensate.
type lastRun struct {
	completed []command.Command
	results   map[string]*unit.Result
	opts      command.RunOptions
}

// Option configures a Composite.
type Option func(*Composite)

// New creates a behavior.
//
// Inputs:
//
//	id - Globally unique unit id.
//	strategy - Sequential, Parallel or Conditional.
//	opts - Commands, predicates and metadata.
//
// Outputs:
//
//	*Composite - The behavior. Structural problems surface from Validate.
func New(id string, strategy Strategy, opts ...Option) *Composite {
	b := &Composite{
		meta:       unit.Metadata{ID: id},
		strategy:   strategy,
		predicates: make(map[string]Predicate),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithCommands appends commands in order.
func WithCommands(cmds ...command.Command) Option {
	return func(b *Composite) { b.commands = append(b.commands, cmds...) }
}

// When appends a command guarded by pred.
func When(c command.Command, pred Predicate) Option {
	return func(b *Composite) {
		b.commands = append(b.commands, c)
		if pred != nil {
			b.predicates[c.Metadata().ID] = pred
		}
	}
}

// BestEffort tolerates member failures according to the soft failure
// policy.
func BestEffort() Option { return func(b *Composite) { b.bestEffort = true } }

// WithSoftFailurePolicy sets the soft failure policy.
func WithSoftFailurePolicy(p SoftFailurePolicy) Option {
	return func(b *Composite) { b.policy = p }
}

// WithMaxParallel caps concurrency when run on its own. Zero uses the
// configured maxParallelExecutions.
func WithMaxParallel(n int) Option { return func(b *Composite) { b.maxParallel = n } }

func WithName(name string) Option         { return func(b *Composite) { b.meta.Name = name } }
func WithCategory(c unit.Category) Option { return func(b *Composite) { b.meta.Category = c } }
func WithTags(tags ...string) Option      { return func(b *Composite) { b.meta.Tags = tags } }
func WithPriority(p unit.Priority) Option { return func(b *Composite) { b.meta.Priority = p } }

// WithTimeout bounds the behavior, measured from its first command start.
func WithTimeout(d time.Duration) Option { return func(b *Composite) { b.meta.Timeout = d } }

// DependsOn adds hard dependencies on other behaviors or aggregators.
func DependsOn(ids ...string) Option {
	return func(b *Composite) {
		for _, id := range ids {
			b.meta.Dependencies = append(b.meta.Dependencies, unit.Hard(id))
		}
	}
}

// After adds soft (ordering only) dependencies.
func After(ids ...string) Option {
	return func(b *Composite) {
		for _, id := range ids {
			b.meta.Dependencies = append(b.meta.Dependencies, unit.Soft(id))
		}
	}
}

func (b *Composite) Metadata() unit.Metadata { return b.meta }
func (b *Composite) Strategy() Strategy      { return b.strategy }
func (b *Composite) BestEffort() bool        { return b.bestEffort }

func (b *Composite) SoftFailurePolicy() SoftFailurePolicy { return b.policy }

// Commands returns a copy of the command list.
func (b *Composite) Commands() []command.Command {
	out := make([]command.Command, len(b.commands))
	copy(out, b.commands)
	return out
}

// Predicate returns the predicate for commandID, or nil.
func (b *Composite) Predicate(commandID string) Predicate { return b.predicates[commandID] }

// Validate checks the behavior's structure and each command's metadata.
//
// Description:
//
//	Context preconditions of the commands are not checked here: they may
//	depend on keys written by earlier commands, so each command validates
//	against the context when it is reached.
//
// Outputs:
//
//	error - A *unit.ValidationError listing every problem, or nil.
func (b *Composite) Validate(_ context.Context, _ *pctx.Context) error {
	var problems []string
	if err := b.meta.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if !b.strategy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown strategy %q", b.strategy))
	}
	if !b.policy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown soft failure policy %q", b.policy))
	}
	if len(b.commands) == 0 {
		problems = append(problems, "behavior has no commands")
	}

	seen := make(map[string]bool, len(b.commands))
	for _, c := range b.commands {
		m := c.Metadata()
		if err := m.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[m.ID] {
			problems = append(problems, fmt.Sprintf("command %q listed twice", m.ID))
		}
		seen[m.ID] = true
	}
	for id := range b.predicates {
		if !seen[id] {
			problems = append(problems, fmt.Sprintf("predicate for unknown command %q", id))
		}
	}
	if len(b.predicates) > 0 && b.strategy != Conditional {
		problems = append(problems, fmt.Sprintf("predicates require the %s strategy", Conditional))
	}

	if len(problems) > 0 {
		return unit.NewValidationError(b.meta.ID, problems...)
	}
	return nil
}

// ExecutionPlan returns the command-level sub-plan.
//
// Description:
//
//	Only dependencies between the behavior's own commands are considered.
//	Sequential and Conditional behaviors chain their commands in declared
//	order, so every stage holds exactly one command. The chain is soft for
//	best-effort behaviors.
//
// Outputs:
//
//	*graph.Plan - The sub-plan.
//	error - A *unit.CyclicDependencyError if declared dependencies
//	        contradict the chain.
func (b *Composite) ExecutionPlan() (*graph.Plan, error) {
	local := make(map[string]bool, len(b.commands))
	for _, c := range b.commands {
		local[c.Metadata().ID] = true
	}

	gb := graph.NewBuilder()
	for _, c := range b.commands {
		m := c.Metadata()
		m.Dependencies = localDependencies(m.Dependencies, local)
		gb.AddNode(m)
	}
	if b.strategy != Parallel {
		kind := unit.DependencyHard
		if b.bestEffort {
			kind = unit.DependencySoft
		}
		for i := 1; i < len(b.commands); i++ {
			gb.AddEdge(b.commands[i-1].Metadata().ID, b.commands[i].Metadata().ID, kind)
		}
	}

	g, err := gb.Build()
	if err != nil {
		return nil, fmt.Errorf("behavior %s: %w", b.meta.ID, err)
	}
	return g.Plan(graph.PlanOptions{})
}

func localDependencies(deps []unit.Dependency, local map[string]bool) []unit.Dependency {
	var out []unit.Dependency
	for _, d := range deps {
		if local[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// Rollback compensates the commands the last Execute completed, newest
// first. Commands already rolled back are not compensated twice.
//
// Outputs:
//
//	error - The joined *unit.RollbackErrors, or nil.
func (b *Composite) Rollback(ctx context.Context, pc *pctx.Context) error {
	b.mu.Lock()
	last := b.last
	b.mu.Unlock()
	if last == nil {
		return nil
	}
	return rollbackCompleted(ctx, pc, last)
}
