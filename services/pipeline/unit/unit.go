// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package unit defines the vocabulary shared by every pipeline tier:
// unit identity and metadata, dependency edges, the unit state machine,
// the error taxonomy and the hierarchical result tree.
//
// A "unit" is any schedulable element: a Command, a Behavior or an
// Aggregator. The package has no dependencies on the other pipeline
// packages so it can be imported from all of them.
//
// Thread Safety:
//
//	Metadata and Dependency are plain values. Result is not safe for
//	concurrent mutation; the engine builds it under its own lock.
package unit

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the tier of a unit.
type Kind string

const (
	KindCommand    Kind = "command"
	KindBehavior   Kind = "behavior"
	KindAggregator Kind = "aggregator"
	KindExecution  Kind = "execution"
	KindGroup      Kind = "group"
)

// Category is the closed set of unit categories.
type Category string

const (
	CategoryFilesystem Category = "filesystem"
	CategoryContainer  Category = "container"
	CategoryAnalysis   Category = "analysis"
	CategoryGeneration Category = "generation"
	CategoryValidation Category = "validation"
	CategoryNetwork    Category = "network"
	CategoryCustom     Category = "custom"
)

// Valid reports whether c is one of the known categories. The empty
// category is treated as CategoryCustom and is valid.
func (c Category) Valid() bool {
	switch c {
	case "", CategoryFilesystem, CategoryContainer, CategoryAnalysis,
		CategoryGeneration, CategoryValidation, CategoryNetwork, CategoryCustom:
		return true
	}
	return false
}

// Priority orders otherwise-equal ready units. It never overrides a
// dependency edge.
type Priority int

const (
	PriorityLow      Priority = -1
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}

// DependencyKind distinguishes blocking from ordering-only edges.
type DependencyKind string

const (
	// DependencyHard requires the dependency to succeed before the dependent
	// may start. A failed hard dependency skips the dependent.
	DependencyHard DependencyKind = "hard"

	// DependencySoft only orders the dependent after the dependency settles.
	DependencySoft DependencyKind = "soft"
)

// Dependency is an edge declared on the dependent unit.
type Dependency struct {
	ID   string         `json:"id" yaml:"id"`
	Kind DependencyKind `json:"kind" yaml:"kind"`
}

// Hard returns a hard dependency on id.
func Hard(id string) Dependency { return Dependency{ID: id, Kind: DependencyHard} }

// Soft returns a soft dependency on id.
func Soft(id string) Dependency { return Dependency{ID: id, Kind: DependencySoft} }

// IsHard reports whether the edge blocks on failure. An empty kind is hard.
func (d Dependency) IsHard() bool { return d.Kind != DependencySoft }

// ResourceRequirements is a declared resource estimate.
type ResourceRequirements struct {
	CPU         float64 `json:"cpu,omitempty" yaml:"cpu"`
	MemoryMB    int64   `json:"memory_mb,omitempty" yaml:"memory_mb"`
	DiskMB      int64   `json:"disk_mb,omitempty" yaml:"disk_mb"`
	NetworkMbps int64   `json:"network_mbps,omitempty" yaml:"network_mbps"`
}

// IsZero reports whether no resource is requested.
func (r ResourceRequirements) IsZero() bool {
	return r.CPU == 0 && r.MemoryMB == 0 && r.DiskMB == 0 && r.NetworkMbps == 0
}

// Add returns the component-wise sum of r and o.
func (r ResourceRequirements) Add(o ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPU:         r.CPU + o.CPU,
		MemoryMB:    r.MemoryMB + o.MemoryMB,
		DiskMB:      r.DiskMB + o.DiskMB,
		NetworkMbps: r.NetworkMbps + o.NetworkMbps,
	}
}

// Fits reports whether r fits within limit. A zero component in limit
// means that dimension is unbounded.
func (r ResourceRequirements) Fits(limit ResourceRequirements) bool {
	if limit.CPU > 0 && r.CPU > limit.CPU {
		return false
	}
	if limit.MemoryMB > 0 && r.MemoryMB > limit.MemoryMB {
		return false
	}
	if limit.DiskMB > 0 && r.DiskMB > limit.DiskMB {
		return false
	}
	if limit.NetworkMbps > 0 && r.NetworkMbps > limit.NetworkMbps {
		return false
	}
	return true
}

// String renders the non-zero components, e.g. "cpu=2 mem=512MB".
func (r ResourceRequirements) String() string {
	var parts []string
	if r.CPU != 0 {
		parts = append(parts, fmt.Sprintf("cpu=%g", r.CPU))
	}
	if r.MemoryMB != 0 {
		parts = append(parts, fmt.Sprintf("mem=%dMB", r.MemoryMB))
	}
	if r.DiskMB != 0 {
		parts = append(parts, fmt.Sprintf("disk=%dMB", r.DiskMB))
	}
	if r.NetworkMbps != 0 {
		parts = append(parts, fmt.Sprintf("net=%dMbps", r.NetworkMbps))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// Metadata describes a unit to the registry and the planner.
type Metadata struct {
	// ID is globally unique across commands, behaviors and aggregators.
	ID string `json:"id"`

	// Name is a human-readable label. Defaults to ID.
	Name string `json:"name,omitempty"`

	Category Category `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority Priority `json:"priority"`

	// Dependencies are edges from this unit to the units it depends on.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// ParallelUnsafe forbids co-scheduling with any unit sharing one of
	// ResourceTags. With no ResourceTags the unit runs alone.
	ParallelUnsafe bool `json:"parallel_unsafe,omitempty"`

	// ResourceTags name mutable resources the unit touches.
	ResourceTags []string `json:"resource_tags,omitempty"`

	// ExclusiveTags name resources no two co-scheduled units may share.
	ExclusiveTags []string `json:"exclusive_tags,omitempty"`

	// Retryable allows the engine to re-run Execute after an ExecutionError.
	Retryable bool `json:"retryable,omitempty"`

	// Timeout overrides the configured per-kind timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Requirements is the resource estimate used for stage feasibility.
	Requirements ResourceRequirements `json:"requirements,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (m Metadata) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// HardDependencies returns the ids of hard dependencies, sorted.
func (m Metadata) HardDependencies() []string {
	return m.dependencyIDs(true)
}

// SoftDependencies returns the ids of soft dependencies, sorted.
func (m Metadata) SoftDependencies() []string {
	return m.dependencyIDs(false)
}

func (m Metadata) dependencyIDs(hard bool) []string {
	var ids []string
	for _, d := range m.Dependencies {
		if d.IsHard() == hard {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the metadata is well-formed.
//
// Outputs:
//
//	error - ErrInvalidInput wrapped with the first problem found, or nil.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: unit id must not be empty", ErrInvalidInput)
	}
	if !m.Category.Valid() {
		return fmt.Errorf("%w: unit %q has unknown category %q", ErrInvalidInput, m.ID, m.Category)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("%w: unit %q has negative timeout", ErrInvalidInput, m.ID)
	}
	seen := make(map[string]bool, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if d.ID == "" {
			return fmt.Errorf("%w: unit %q declares an empty dependency", ErrInvalidInput, m.ID)
		}
		if d.ID == m.ID {
			return fmt.Errorf("%w: unit %q depends on itself", ErrInvalidInput, m.ID)
		}
		if d.Kind != "" && d.Kind != DependencyHard && d.Kind != DependencySoft {
			return fmt.Errorf("%w: unit %q dependency %q has kind %q", ErrInvalidInput, m.ID, d.ID, d.Kind)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: unit %q declares dependency %q twice", ErrInvalidInput, m.ID, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Conflicts reports whether a and b must not share a stage.
func Conflicts(a, b Metadata) bool {
	if shareAny(a.ExclusiveTags, b.ExclusiveTags) {
		return true
	}
	if !a.ParallelUnsafe && !b.ParallelUnsafe {
		return false
	}
	if (a.ParallelUnsafe && len(a.ResourceTags) == 0) || (b.ParallelUnsafe && len(b.ResourceTags) == 0) {
		return true
	}
	return shareAny(a.ResourceTags, b.ResourceTags)
}

func shareAny(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// Less orders units by priority descending, then id ascending.
func Less(a, b Metadata) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
