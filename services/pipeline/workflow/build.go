// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Registrar accepts built units. *engine.Engine satisfies it.
type Registrar interface {
	RegisterCommand(c command.Command) error
	RegisterBehavior(b behavior.Behavior) error
	RegisterAggregator(a aggregator.Aggregator) error
}

// Set holds the units built from a Definition. Members of a behavior or
// aggregator only appear inside their container.
type Set struct {
	Name        string
	Commands    []command.Command
	Behaviors   []behavior.Behavior
	Aggregators []aggregator.Aggregator
}

// Roots returns the ids of the top-level units: aggregators, then
// standalone behaviors, then standalone commands, each in declared order.
func (s *Set) Roots() []string {
	ids := make([]string, 0, len(s.Aggregators)+len(s.Behaviors)+len(s.Commands))
	for _, a := range s.Aggregators {
		ids = append(ids, a.Metadata().ID)
	}
	for _, b := range s.Behaviors {
		ids = append(ids, b.Metadata().ID)
	}
	for _, c := range s.Commands {
		ids = append(ids, c.Metadata().ID)
	}
	return ids
}

// Register registers every top-level unit with r, stopping at the first
// error.
func (s *Set) Register(r Registrar) error {
	for _, c := range s.Commands {
		if err := r.RegisterCommand(c); err != nil {
			return fmt.Errorf("register command %s: %w", c.Metadata().ID, err)
		}
	}
	for _, b := range s.Behaviors {
		if err := r.RegisterBehavior(b); err != nil {
			return fmt.Errorf("register behavior %s: %w", b.Metadata().ID, err)
		}
	}
	for _, a := range s.Aggregators {
		if err := r.RegisterAggregator(a); err != nil {
			return fmt.Errorf("register aggregator %s: %w", a.Metadata().ID, err)
		}
	}
	return nil
}

// BuildOption configures Build.
type BuildOption func(*builder)

// WithShell sets the interpreter for shell commands, invoked as
// "<shell> -c <script>". Default: "sh".
func WithShell(shell string) BuildOption {
	return func(b *builder) { b.shell = shell }
}

type builder struct {
	shell string
}

// Build turns the definition into units.
//
// Description:
//
//	Each call produces fresh unit instances, so one definition can feed
//	several engines. Kind parameters are decoded and validated here.
//
// Outputs:
//
//	*Set - The built units.
//	error - Wraps unit.ErrInvalidInput for bad parameters or conditions.
func (d *Definition) Build(opts ...BuildOption) (*Set, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b := &builder{shell: "sh"}
	for _, opt := range opts {
		opt(b)
	}

	commands := make(map[string]*command.Func, len(d.Commands))
	for _, spec := range d.Commands {
		copts, err := commandOptions(spec)
		if err != nil {
			return nil, err
		}
		c, err := b.newKindCommand(spec, copts)
		if err != nil {
			return nil, err
		}
		commands[spec.ID] = c
	}

	behaviors := make(map[string]*behavior.Composite, len(d.Behaviors))
	members := make(map[string]bool)
	for _, spec := range d.Behaviors {
		bopts, err := behaviorOptions(spec)
		if err != nil {
			return nil, err
		}
		for _, m := range spec.Commands {
			members[m.Ref] = true
			pred, err := parseCondition(m.When)
			if err != nil {
				return nil, fmt.Errorf("behavior %s: %w", spec.ID, err)
			}
			if pred != nil {
				bopts = append(bopts, behavior.When(commands[m.Ref], pred))
			} else {
				bopts = append(bopts, behavior.WithCommands(commands[m.Ref]))
			}
		}
		strategy, err := behavior.ParseStrategy(spec.Strategy)
		if err != nil {
			return nil, fmt.Errorf("behavior %s: %w", spec.ID, err)
		}
		behaviors[spec.ID] = behavior.New(spec.ID, strategy, bopts...)
	}

	set := &Set{Name: d.Name}
	for _, spec := range d.Aggregators {
		aopts, err := aggregatorOptions(spec)
		if err != nil {
			return nil, err
		}
		owned := make([]behavior.Behavior, 0, len(spec.Behaviors))
		for _, id := range spec.Behaviors {
			members[id] = true
			owned = append(owned, behaviors[id])
		}
		aopts = append(aopts, aggregator.WithBehaviors(owned...))
		set.Aggregators = append(set.Aggregators, aggregator.New(spec.ID, aopts...))
	}
	for _, spec := range d.Behaviors {
		if !members[spec.ID] {
			set.Behaviors = append(set.Behaviors, behaviors[spec.ID])
		}
	}
	for _, spec := range d.Commands {
		if !members[spec.ID] {
			set.Commands = append(set.Commands, commands[spec.ID])
		}
	}
	return set, nil
}

func commandOptions(spec CommandSpec) ([]command.Option, error) {
	p, err := unit.ParsePriority(spec.Priority)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", spec.ID, err)
	}
	opts := []command.Option{
		command.WithPriority(p),
		command.WithName(spec.Name),
		command.WithTags(spec.Tags...),
		command.DependsOn(spec.DependsOn...),
		command.After(spec.After...),
		command.WithTimeout(spec.Timeout),
		command.WithRequirements(spec.Requirements.Capacity()),
		command.Requires(spec.Requires...),
		command.Exclusive(spec.Exclusive...),
	}
	if spec.Category != "" {
		opts = append(opts, command.WithCategory(unit.Category(spec.Category)))
	}
	if spec.Retryable {
		opts = append(opts, command.Retryable())
	}
	if spec.ParallelUnsafe {
		opts = append(opts, command.ParallelUnsafe(spec.ResourceTags...))
	} else {
		opts = append(opts, command.WithResourceTags(spec.ResourceTags...))
	}
	return opts, nil
}

func behaviorOptions(spec BehaviorSpec) ([]behavior.Option, error) {
	p, err := unit.ParsePriority(spec.Priority)
	if err != nil {
		return nil, fmt.Errorf("behavior %s: %w", spec.ID, err)
	}
	opts := []behavior.Option{
		behavior.WithPriority(p),
		behavior.WithName(spec.Name),
		behavior.WithTags(spec.Tags...),
		behavior.DependsOn(spec.DependsOn...),
		behavior.After(spec.After...),
		behavior.WithTimeout(spec.Timeout),
		behavior.WithMaxParallel(spec.MaxParallel),
	}
	if spec.Category != "" {
		opts = append(opts, behavior.WithCategory(unit.Category(spec.Category)))
	}
	if spec.BestEffort {
		opts = append(opts, behavior.BestEffort())
	}
	if spec.SoftFailurePolicy != "" {
		policy, err := behavior.ParseSoftFailurePolicy(spec.SoftFailurePolicy)
		if err != nil {
			return nil, fmt.Errorf("behavior %s: %w", spec.ID, err)
		}
		opts = append(opts, behavior.WithSoftFailurePolicy(policy))
	}
	return opts, nil
}

func aggregatorOptions(spec AggregatorSpec) ([]aggregator.Option, error) {
	p, err := unit.ParsePriority(spec.Priority)
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: %w", spec.ID, err)
	}
	opts := []aggregator.Option{
		aggregator.WithPriority(p),
		aggregator.WithName(spec.Name),
		aggregator.WithTags(spec.Tags...),
		aggregator.DependsOn(spec.DependsOn...),
		aggregator.After(spec.After...),
		aggregator.WithTimeout(spec.Timeout),
		aggregator.WithMaxParallel(spec.MaxParallel),
		aggregator.WithRequirements(spec.Requirements.Capacity()),
	}
	if spec.Category != "" {
		opts = append(opts, aggregator.WithCategory(unit.Category(spec.Category)))
	}
	return opts, nil
}

// parseCondition compiles a member condition.
//
// Forms:
//
//	key           value of key is truthy
//	!key          key is missing or falsy
//	key == value  fmt.Sprint of the value equals value
//	key != value  the negation
//
// An empty expression returns a nil predicate.
func parseCondition(expr string) (behavior.Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	for _, op := range []string{"==", "!="} {
		key, want, found := strings.Cut(expr, op)
		if !found {
			continue
		}
		key, want = strings.TrimSpace(key), strings.Trim(strings.TrimSpace(want), `"'`)
		if key == "" {
			return nil, fmt.Errorf("%w: condition %q has no key", unit.ErrInvalidInput, expr)
		}
		equal := op == "=="
		return func(pc *pctx.Context) bool {
			v, ok := pc.Value(key)
			return (ok && fmt.Sprint(v) == want) == equal
		}, nil
	}
	negate := strings.HasPrefix(expr, "!")
	key := strings.TrimSpace(strings.TrimPrefix(expr, "!"))
	if key == "" || strings.ContainsAny(key, " \t") {
		return nil, fmt.Errorf("%w: invalid condition %q", unit.ErrInvalidInput, expr)
	}
	return func(pc *pctx.Context) bool {
		v, ok := pc.Value(key)
		return (ok && truthy(v)) != negate
	}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}
