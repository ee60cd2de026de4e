// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds the dependency graph of a set of units and turns it
// into a staged execution plan.
//
// Build validates the graph (every edge endpoint known, hard edges acyclic).
// Plan layers it: each stage holds units whose dependencies all sit in
// earlier stages, ordered by (priority desc, id asc), with conflicting units
// deferred so no two members of a stage conflict.
//
// Thread Safety:
//
//	Builder is not safe for concurrent use. A built Graph and its Plans are
//	immutable and safe to share.
package graph

import (
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Edge points from a dependency to its dependent.
type Edge struct {
	From string              `json:"from"`
	To   string              `json:"to"`
	Kind unit.DependencyKind `json:"kind"`
}

// NodeError attaches a unit id to an error.
type NodeError struct {
	UnitID string
	Err    error
}

func (e *NodeError) Error() string { return fmt.Sprintf("unit %s: %v", e.UnitID, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

// Builder accumulates nodes and edges. Errors are collected and reported by
// Build.
//
// Example:
//
//	g, err := graph.NewBuilder().
//	    AddNode(fetch.Metadata()).
//	    AddNode(build.Metadata()).
//	    Build()
type Builder struct {
	nodes  map[string]unit.Metadata
	edges  map[[2]string]unit.DependencyKind
	errors []error
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]unit.Metadata),
		edges: make(map[[2]string]unit.DependencyKind),
	}
}

// AddNode adds a node and an edge for each of its declared dependencies.
func (b *Builder) AddNode(meta unit.Metadata) *Builder {
	if err := meta.Validate(); err != nil {
		b.errors = append(b.errors, err)
		return b
	}
	if _, exists := b.nodes[meta.ID]; exists {
		b.errors = append(b.errors, &NodeError{UnitID: meta.ID, Err: unit.ErrDuplicateUnit})
		return b
	}
	b.nodes[meta.ID] = meta
	for _, dep := range meta.Dependencies {
		kind := unit.DependencySoft
		if dep.IsHard() {
			kind = unit.DependencyHard
		}
		b.AddEdge(dep.ID, meta.ID, kind)
	}
	return b
}

// AddEdge records that to depends on from. When the same pair is added
// twice the hard kind wins.
func (b *Builder) AddEdge(from, to string, kind unit.DependencyKind) *Builder {
	if from == to {
		b.errors = append(b.errors, &NodeError{UnitID: to, Err: fmt.Errorf("%w: self dependency", unit.ErrInvalidInput)})
		return b
	}
	if kind != unit.DependencySoft {
		kind = unit.DependencyHard
	}
	key := [2]string{from, to}
	if existing, ok := b.edges[key]; ok && existing == unit.DependencyHard {
		return b
	}
	b.edges[key] = kind
	return b
}

// Build validates and freezes the graph.
//
// Outputs:
//
//	*Graph - The graph.
//	error - The first recorded builder error, a *NodeError wrapping
//	        unit.ErrUnknownUnit for an edge to an unknown unit, or a
//	        *unit.CyclicDependencyError.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	g := &Graph{
		nodes:      b.nodes,
		ids:        make([]string, 0, len(b.nodes)),
		deps:       make(map[string][]Edge),
		dependents: make(map[string][]Edge),
	}
	for id := range b.nodes {
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)

	keys := make([][2]string, 0, len(b.edges))
	for k := range b.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][1] != keys[j][1] {
			return keys[i][1] < keys[j][1]
		}
		return keys[i][0] < keys[j][0]
	})

	for _, k := range keys {
		from, to := k[0], k[1]
		if _, ok := b.nodes[to]; !ok {
			return nil, &NodeError{UnitID: to, Err: unit.ErrUnknownUnit}
		}
		if _, ok := b.nodes[from]; !ok {
			return nil, &NodeError{UnitID: to, Err: fmt.Errorf("%w: dependency %q", unit.ErrUnknownUnit, from)}
		}
		e := Edge{From: from, To: to, Kind: b.edges[k]}
		g.deps[to] = append(g.deps[to], e)
		g.dependents[from] = append(g.dependents[from], e)
		g.edgeCount++
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// Graph is a validated dependency graph.
type Graph struct {
	nodes      map[string]unit.Metadata
	ids        []string
	deps       map[string][]Edge // keyed by dependent
	dependents map[string][]Edge // keyed by dependency
	edgeCount  int
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int { return g.edgeCount }

// IDs returns the node ids, sorted.
func (g *Graph) IDs() []string { return slices.Clone(g.ids) }

// Node returns the metadata of id.
func (g *Graph) Node(id string) (unit.Metadata, bool) {
	m, ok := g.nodes[id]
	return m, ok
}

// Dependencies returns the edges into id (id is the dependent).
func (g *Graph) Dependencies(id string) []Edge { return slices.Clone(g.deps[id]) }

// Dependents returns the edges out of id (id is the dependency).
func (g *Graph) Dependents(id string) []Edge { return slices.Clone(g.dependents[id]) }

// HardDependencies returns the ids id hard-depends on, sorted.
func (g *Graph) HardDependencies(id string) []string {
	var out []string
	for _, e := range g.deps[id] {
		if e.Kind == unit.DependencyHard {
			out = append(out, e.From)
		}
	}
	return out
}

// TransitiveHardDependents returns every unit reachable from id over hard
// edges, mapped to the dependency chain from id to it (inclusive).
//
// Breadth-first with sorted adjacency, so each chain is a shortest path and
// the result is deterministic.
func (g *Graph) TransitiveHardDependents(id string) map[string][]string {
	chains := make(map[string][]string)
	queue := []string{id}
	paths := map[string][]string{id: {id}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.dependents[cur] {
			if e.Kind != unit.DependencyHard {
				continue
			}
			if _, seen := paths[e.To]; seen {
				continue
			}
			chain := append(slices.Clone(paths[cur]), e.To)
			paths[e.To] = chain
			chains[e.To] = chain
			queue = append(queue, e.To)
		}
	}
	return chains
}

// detectCycles runs a DFS over hard edges with a recursion stack. The
// reported path follows dependent → dependency and repeats its first id at
// the end.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.ids))
	onStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, e := range g.deps[id] {
			if e.Kind != unit.DependencyHard {
				continue
			}
			dep := e.From
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := slices.Index(path, dep)
				cycle := append(slices.Clone(path[start:]), dep)
				return unit.NewCyclicDependencyError(cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	for _, id := range g.ids {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}
