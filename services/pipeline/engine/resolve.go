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
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// DetachedGroupID names the result group of units pulled in only as
// dependencies of the requested units.
const DetachedGroupID = "detached"

// resolution is the frozen input of one execution.
type resolution struct {
	requested []string
	// detached lists the top-most units pulled in by dependency only.
	detached []string

	entries     map[string]*entry
	parent      map[string]string
	commands    map[string]command.Command
	behaviors   map[string]behavior.Behavior
	aggregators map[string]aggregator.Aggregator

	graph    *graph.Graph
	plan     *graph.Plan
	warnings []string
}

// behaviorOf returns the behavior containing a command, if it is part of
// the closure.
func (r *resolution) behaviorOf(commandID string) behavior.Behavior {
	return r.behaviors[r.parent[commandID]]
}

// aggregatorOf returns the aggregator containing a command through its
// behavior, if any.
func (r *resolution) aggregatorOf(commandID string) aggregator.Aggregator {
	return r.aggregators[r.parent[r.parent[commandID]]]
}

// topOf returns the outermost container of id within the closure.
func (r *resolution) topOf(id string) string {
	for {
		p, ok := r.parent[id]
		if !ok || p == "" {
			return id
		}
		id = p
	}
}

// members returns the commands beneath id, in declaration order.
func (r *resolution) members(id string) []string {
	en := r.entries[id]
	switch en.kind {
	case unit.KindCommand:
		return []string{id}
	case unit.KindBehavior:
		var out []string
		for _, c := range en.behavior.Commands() {
			out = append(out, c.Metadata().ID)
		}
		return out
	default:
		var out []string
		for _, b := range en.aggregator.Behaviors() {
			out = append(out, r.members(b.Metadata().ID)...)
		}
		return out
	}
}

// softens reports whether a failure inside behavior b is absorbed by b,
// so that units depending on b as a whole only need ordering.
func (e *Engine) softens(b behavior.Behavior) bool {
	return b != nil && b.BestEffort() && behavior.EffectivePolicy(b, e.settings) != behavior.SoftFailureEscalate
}

// resolve builds the closure, graph and plan of a request.
//
// Description:
//
//	 1. Closure: the requested units and everything they contain. With
//	    dependency resolution enabled, every declared dependency is pulled
//	    in as well (recursively); such units form the detached group.
//	 2. A unit-level graph over declared dependencies rejects cycles with
//	    the ids the caller declared.
//	 3. The command-level graph expands behavior and aggregator
//	    dependencies onto their member commands and chains the commands of
//	    sequential and conditional behaviors.
//	 4. The graph is layered into stages, bounded by the resource capacity
//	    when resource management is enabled.
//
// Outputs:
//
//	*resolution - The frozen execution input.
//	error - unit.ErrUnknownUnit, *unit.CyclicDependencyError, or a
//	        planning error. No partial plan is returned.
func (e *Engine) resolve(ids []string) (*resolution, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no units requested", unit.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	r := &resolution{
		entries:     make(map[string]*entry),
		parent:      make(map[string]string),
		commands:    make(map[string]command.Command),
		behaviors:   make(map[string]behavior.Behavior),
		aggregators: make(map[string]aggregator.Aggregator),
	}

	var added []string
	var include func(id, parent string)
	include = func(id, parent string) {
		en := e.units[id]
		r.entries[id] = en
		added = append(added, id)
		if parent != "" {
			r.parent[id] = parent
		}
		switch en.kind {
		case unit.KindCommand:
			r.commands[id] = en.command
		case unit.KindBehavior:
			r.behaviors[id] = en.behavior
			for _, c := range en.behavior.Commands() {
				include(c.Metadata().ID, id)
			}
		case unit.KindAggregator:
			r.aggregators[id] = en.aggregator
			for _, b := range en.aggregator.Behaviors() {
				include(b.Metadata().ID, id)
			}
		}
	}

	// A requested unit that another requested unit contains runs once,
	// under its container.
	covered := make(map[string]bool)
	var cover func(id string)
	cover = func(id string) {
		en := e.units[id]
		switch en.kind {
		case unit.KindBehavior:
			for _, c := range en.behavior.Commands() {
				covered[c.Metadata().ID] = true
			}
		case unit.KindAggregator:
			for _, b := range en.aggregator.Behaviors() {
				covered[b.Metadata().ID] = true
				cover(b.Metadata().ID)
			}
		}
	}
	for _, id := range ids {
		if _, ok := e.units[id]; !ok {
			return nil, fmt.Errorf("%w: %s", unit.ErrUnknownUnit, id)
		}
		cover(id)
	}

	for _, id := range ids {
		if _, dup := r.entries[id]; dup || covered[id] {
			continue
		}
		r.requested = append(r.requested, id)
		include(id, "")
	}

	resolveDeps := e.settings.GetBool(pctx.KeyEnableDependencyResolution, true)
	queue := slices.Clone(added)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range r.entries[id].metadata().Dependencies {
			if _, in := r.entries[dep.ID]; in {
				continue
			}
			if _, ok := e.units[dep.ID]; !ok {
				return nil, &graph.NodeError{UnitID: id, Err: fmt.Errorf("%w: dependency %q", unit.ErrUnknownUnit, dep.ID)}
			}
			if !resolveDeps {
				r.warnings = append(r.warnings, fmt.Sprintf(
					"dependency %s -> %s ignored: not requested and dependency resolution is disabled", id, dep.ID))
				continue
			}
			added = added[:0]
			include(dep.ID, "")
			r.detached = append(r.detached, dep.ID)
			queue = append(queue, added...)
		}
	}

	if err := r.checkUnitCycles(); err != nil {
		return nil, err
	}

	g, err := e.commandGraph(r)
	if err != nil {
		return nil, err
	}
	r.graph = g

	opts := graph.PlanOptions{}
	if e.resourceManagementEnabled() {
		opts.Capacity = e.resources.Capacity()
		for _, id := range sortedKeys(r.entries) {
			if en := r.entries[id]; en.kind == unit.KindAggregator {
				if req := en.aggregator.Requirements(); !req.Fits(opts.Capacity) {
					return nil, &graph.NodeError{UnitID: id, Err: fmt.Errorf("%w: estimate %s exceeds capacity %s",
						unit.ErrResourceUnavailable, req, opts.Capacity)}
				}
			}
		}
	}
	plan, err := g.Plan(opts)
	if err != nil {
		return nil, err
	}
	r.plan = plan
	r.warnings = append(r.warnings, plan.Warnings...)
	return r, nil
}

// checkUnitCycles rejects hard cycles among the declared dependencies of
// the closure. A unit depending on its own container is a cycle too.
func (r *resolution) checkUnitCycles() error {
	b := graph.NewBuilder()
	for _, id := range sortedKeys(r.entries) {
		meta := r.entries[id].metadata()
		meta.Dependencies = nil
		b.AddNode(meta)
	}
	for _, id := range sortedKeys(r.entries) {
		for _, dep := range r.entries[id].metadata().Dependencies {
			if _, in := r.entries[dep.ID]; in {
				b.AddEdge(dep.ID, id, dep.Kind)
			}
		}
		if p := r.parent[id]; p != "" {
			b.AddEdge(id, p, unit.DependencyHard)
		}
	}
	_, err := b.Build()
	return err
}

// commandGraph flattens the closure into a graph over commands.
func (e *Engine) commandGraph(r *resolution) (*graph.Graph, error) {
	b := graph.NewBuilder()
	for _, id := range sortedKeys(r.commands) {
		meta := r.commands[id].Metadata()
		meta.Dependencies = nil
		meta.Priority = r.effectivePriority(id)
		b.AddNode(meta)
	}

	for _, id := range sortedKeys(r.entries) {
		targets := r.members(id)
		for _, dep := range r.entries[id].metadata().Dependencies {
			depEntry, in := r.entries[dep.ID]
			if !in {
				continue
			}
			for _, from := range r.members(dep.ID) {
				kind := dep.Kind
				if depEntry.kind != unit.KindCommand && e.softens(r.behaviorOf(from)) {
					kind = unit.DependencySoft
				}
				for _, to := range targets {
					if from != to {
						b.AddEdge(from, to, kind)
					}
				}
			}
		}
	}

	for _, id := range sortedKeys(r.behaviors) {
		bh := r.behaviors[id]
		if bh.Strategy() == behavior.Parallel {
			continue
		}
		sub, err := bh.ExecutionPlan()
		if err != nil {
			return nil, &graph.NodeError{UnitID: id, Err: err}
		}
		kind := unit.DependencyHard
		if bh.BestEffort() {
			kind = unit.DependencySoft
		}
		for i := 1; i < len(sub.Stages); i++ {
			for _, from := range sub.Stages[i-1].Units {
				for _, to := range sub.Stages[i].Units {
					b.AddEdge(from, to, kind)
				}
			}
		}
	}
	return b.Build()
}

// effectivePriority raises a command to the priority of its containers.
func (r *resolution) effectivePriority(commandID string) unit.Priority {
	p := r.commands[commandID].Metadata().Priority
	for id := r.parent[commandID]; id != ""; id = r.parent[id] {
		if cp := r.entries[id].metadata().Priority; cp > p {
			p = cp
		}
	}
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
