// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// PlanOptions bounds stage formation.
type PlanOptions struct {
	// Capacity is the joint resource budget of one stage. Zero components
	// are unbounded. A unit that alone exceeds Capacity fails planning.
	Capacity unit.ResourceRequirements

	// MaxStageSize caps the number of units per stage. Zero is unbounded.
	MaxStageSize int
}

// Stage is a set of units that may run concurrently.
type Stage struct {
	Index        int                       `json:"index"`
	Units        []string                  `json:"units"`
	Requirements unit.ResourceRequirements `json:"requirements,omitzero"`
}

// Plan is an ordered list of stages.
type Plan struct {
	Stages []Stage `json:"stages"`

	// Warnings describe soft edges dropped because they closed a cycle.
	Warnings []string `json:"warnings,omitempty"`

	stageOf map[string]int
}

// Len returns the number of stages.
func (p *Plan) Len() int { return len(p.Stages) }

// UnitCount returns the number of scheduled units.
func (p *Plan) UnitCount() int { return len(p.stageOf) }

// StageOf returns the stage index of id, or -1.
func (p *Plan) StageOf(id string) int {
	if idx, ok := p.stageOf[id]; ok {
		return idx
	}
	return -1
}

// Units returns every unit in stage order.
func (p *Plan) Units() []string {
	var out []string
	for _, s := range p.Stages {
		out = append(out, s.Units...)
	}
	return out
}

// String renders the plan as "[a] [b c]".
func (p *Plan) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		parts[i] = "[" + strings.Join(s.Units, " ") + "]"
	}
	return strings.Join(parts, " ")
}

// Plan layers the graph into stages.
//
// Description:
//
//	Kahn's algorithm over hard and soft edges. Each round sorts the ready
//	set by (priority desc, id asc) and admits units greedily; a unit that
//	conflicts with an admitted one (unit.Conflicts), would push the stage
//	past opts.Capacity, or exceeds opts.MaxStageSize is deferred to the
//	next round. If the ready set runs dry with units left, the remaining
//	units are blocked by cycles that contain soft edges. One soft edge
//	per stalled cycle is dropped and reported in Plan.Warnings; soft edges
//	that do not close a cycle keep their ordering.
//
// Outputs:
//
//	*Plan - The staged plan.
//	error - Wraps unit.ErrResourceUnavailable if a unit cannot fit
//	        opts.Capacity on its own.
func (g *Graph) Plan(opts PlanOptions) (*Plan, error) {
	for _, id := range g.ids {
		req := g.nodes[id].Requirements
		if !req.Fits(opts.Capacity) {
			return nil, &NodeError{UnitID: id, Err: fmt.Errorf("%w: requires %s, stage capacity %s",
				unit.ErrResourceUnavailable, req, opts.Capacity)}
		}
	}

	indeg := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		indeg[id] = len(g.deps[id])
	}

	plan := &Plan{stageOf: make(map[string]int, len(g.ids))}
	placed := make(map[string]bool, len(g.ids))
	dropped := make(map[[2]string]bool)

	var ready []string
	for _, id := range g.ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(placed) < len(g.ids) {
		if len(ready) == 0 {
			ready = g.breakSoftCycles(placed, indeg, dropped, plan)
			if len(ready) == 0 {
				// Hard edges are acyclic after Build, so this is unreachable.
				return nil, fmt.Errorf("%w: planning made no progress", unit.ErrCyclicDependency)
			}
		}

		sort.Slice(ready, func(i, j int) bool {
			return unit.Less(g.nodes[ready[i]], g.nodes[ready[j]])
		})

		stage := Stage{Index: len(plan.Stages)}
		var deferred []string
		for _, id := range ready {
			if g.admits(stage, id, opts) {
				stage.Units = append(stage.Units, id)
				stage.Requirements = stage.Requirements.Add(g.nodes[id].Requirements)
			} else {
				deferred = append(deferred, id)
			}
		}

		next := deferred
		for _, id := range stage.Units {
			placed[id] = true
			plan.stageOf[id] = stage.Index
		}
		for _, id := range stage.Units {
			for _, e := range g.dependents[id] {
				if dropped[[2]string{e.From, e.To}] {
					continue
				}
				indeg[e.To]--
				if indeg[e.To] == 0 && !placed[e.To] {
					next = append(next, e.To)
				}
			}
		}
		plan.Stages = append(plan.Stages, stage)
		ready = next
	}

	return plan, nil
}

// admits reports whether id can join stage.
func (g *Graph) admits(stage Stage, id string, opts PlanOptions) bool {
	if len(stage.Units) == 0 {
		return true
	}
	if opts.MaxStageSize > 0 && len(stage.Units) >= opts.MaxStageSize {
		return false
	}
	meta := g.nodes[id]
	for _, other := range stage.Units {
		if unit.Conflicts(meta, g.nodes[other]) {
			return false
		}
	}
	return stage.Requirements.Add(meta.Requirements).Fits(opts.Capacity)
}

// breakSoftCycles is called when no unplaced unit is ready. It drops one
// soft edge inside each strongly connected component that nothing else
// feeds into, repeating until a unit becomes ready, and returns the ready
// units. Edges outside a cycle are never dropped.
func (g *Graph) breakSoftCycles(placed map[string]bool, indeg map[string]int, dropped map[[2]string]bool, plan *Plan) []string {
	live := func(e Edge) bool {
		return !placed[e.From] && !placed[e.To] && !dropped[[2]string{e.From, e.To}]
	}
	var unplaced []string
	for _, id := range g.ids {
		if !placed[id] {
			unplaced = append(unplaced, id)
		}
	}

	for {
		comps := g.components(unplaced, live)
		compOf := make(map[string]int, len(unplaced))
		for i, comp := range comps {
			for _, id := range comp {
				compOf[id] = i
			}
		}

		progress := false
		for i, comp := range comps {
			if len(comp) < 2 || !isSource(g, comp, compOf, i, live) {
				continue
			}
			e, ok := cycleEdge(g, comp, compOf, i, live)
			if !ok {
				continue
			}
			dropped[[2]string{e.From, e.To}] = true
			indeg[e.To]--
			progress = true
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("soft dependency %s -> %s dropped: it closes an ordering cycle", e.To, e.From))
		}

		var ready []string
		for _, id := range unplaced {
			if indeg[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) > 0 || !progress {
			return ready
		}
	}
}

// components returns the strongly connected components of nodes over live
// edges (Tarjan). Members of each component are sorted.
func (g *Graph) components(nodes []string, live func(Edge) bool) [][]string {
	index := make(map[string]int, len(nodes))
	low := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var out [][]string
	next := 0

	var visit func(v string)
	visit = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g.dependents[v] {
			if !live(e) {
				continue
			}
			w := e.To
			if _, seen := index[w]; !seen {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			out = append(out, comp)
		}
	}

	for _, id := range nodes {
		if _, seen := index[id]; !seen {
			visit(id)
		}
	}
	return out
}

// isSource reports whether no live edge enters component i from outside.
func isSource(g *Graph, comp []string, compOf map[string]int, i int, live func(Edge) bool) bool {
	for _, id := range comp {
		for _, e := range g.deps[id] {
			if live(e) && compOf[e.From] != i {
				return false
			}
		}
	}
	return true
}

// cycleEdge picks the soft edge of component i to drop: the smallest by
// (dependent, dependency).
func cycleEdge(g *Graph, comp []string, compOf map[string]int, i int, live func(Edge) bool) (Edge, bool) {
	var best Edge
	found := false
	for _, id := range comp {
		for _, e := range g.deps[id] {
			if e.Kind != unit.DependencySoft || !live(e) || compOf[e.From] != i {
				continue
			}
			if !found || e.To < best.To || (e.To == best.To && e.From < best.From) {
				best, found = e, true
			}
		}
	}
	return best, found
}
