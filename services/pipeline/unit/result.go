// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"time"
)

// Output is the data a command contributes to the shared context.
type Output map[string]any

// SkipReason explains why a unit never ran.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipUpstream  SkipReason = "upstream_failed"
	SkipCondition SkipReason = "condition_false"
	SkipCancelled SkipReason = "cancelled"
	SkipHalted    SkipReason = "halted"
)

// Result is one node of the execution result tree.
//
// Description:
//
//	Command results are leaves. Behavior, Aggregator and Execution results
//	aggregate their children via Aggregate. Every execution path, including
//	plan-time failures, produces a Result.
type Result struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// Stage is the zero-based plan stage, or -1 for aggregate results.
	Stage    int `json:"stage"`
	Attempts int `json:"attempts,omitempty"`

	StartedAt time.Time     `json:"started_at,omitzero"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration"`

	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	Output Output `json:"output,omitempty"`

	SkipReason SkipReason `json:"skip_reason,omitempty"`
	// SkipChain is the dependency path from the failed unit to this one.
	SkipChain []string `json:"skip_chain,omitempty"`

	// Tolerated marks a failure absorbed by a best-effort parent.
	Tolerated bool `json:"tolerated,omitempty"`
	// SoftFailed marks an aggregate that succeeded with tolerated failures.
	SoftFailed bool `json:"soft_failed,omitempty"`

	Warnings []string  `json:"warnings,omitempty"`
	Children []*Result `json:"children,omitempty"`
}

// NewResult returns a Pending result for a unit.
func NewResult(id, name string, kind Kind) *Result {
	return &Result{ID: id, Name: name, Kind: kind, Status: StatusPending, Stage: -1}
}

// SetError records err and its classification.
func (r *Result) SetError(err error) {
	r.Err = err
	r.ErrorKind = KindOf(err)
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Error = ""
	}
}

// AddWarning appends a warning message.
func (r *Result) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Successful reports whether the unit counts as satisfied for its hard
// dependents: it succeeded, or it was skipped because its condition was
// false.
func (r *Result) Successful() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusSucceeded:
		return true
	case StatusSkipped:
		return r.SkipReason == SkipCondition
	}
	return false
}

// Walk visits r and its descendants depth-first, parents first.
// Returning false from fn stops the walk.
func (r *Result) Walk(fn func(*Result) bool) bool {
	if r == nil {
		return true
	}
	if !fn(r) {
		return false
	}
	for _, c := range r.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Find returns the first descendant (or r itself) with the given id.
func (r *Result) Find(id string) *Result {
	var found *Result
	r.Walk(func(n *Result) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Leaves returns the command results beneath r, in tree order.
func (r *Result) Leaves() []*Result {
	var leaves []*Result
	r.Walk(func(n *Result) bool {
		if n.Kind == KindCommand {
			leaves = append(leaves, n)
		}
		return true
	})
	return leaves
}

// CountByStatus counts the command leaves beneath r by status.
func (r *Result) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, l := range r.Leaves() {
		counts[l.Status]++
	}
	return counts
}

// Aggregate derives r's status, timing and soft-failure flag from its
// children.
//
// Description:
//
//	Rules, evaluated in order:
//	  - any child failure that is not Tolerated → Failed
//	  - every child Skipped (for a reason other than a false condition,
//	    and not Tolerated) → Skipped
//	  - some children skipped upstream or halted → Failed
//	  - any child RolledBack → RolledBack
//	  - otherwise → Succeeded (SoftFailed if a tolerated failure exists)
//	An aggregate with no children is Succeeded. StartedAt/EndedAt span the
//	children that ran.
func (r *Result) Aggregate() {
	var (
		failed, skipped, partialSkip, rolledBack, tolerated bool
		allSkipped                                          = len(r.Children) > 0
		firstErr                                            error
	)
	r.StartedAt, r.EndedAt = time.Time{}, time.Time{}

	for _, c := range r.Children {
		if !c.StartedAt.IsZero() && (r.StartedAt.IsZero() || c.StartedAt.Before(r.StartedAt)) {
			r.StartedAt = c.StartedAt
		}
		if c.EndedAt.After(r.EndedAt) {
			r.EndedAt = c.EndedAt
		}

		switch {
		case c.Status.IsFailure():
			if c.Tolerated {
				tolerated = true
			} else {
				failed = true
				if firstErr == nil {
					firstErr = c.Err
				}
			}
			allSkipped = false
		case c.Status == StatusSkipped:
			if c.SkipReason == SkipCondition {
				allSkipped = false
			} else if c.Tolerated {
				tolerated = true
				allSkipped = false
			} else {
				skipped = true
				partialSkip = true
			}
		case c.Status == StatusRolledBack:
			rolledBack = true
			allSkipped = false
		default:
			if c.SoftFailed {
				tolerated = true
			}
			allSkipped = false
		}
	}

	if !r.StartedAt.IsZero() && !r.EndedAt.IsZero() {
		r.Duration = r.EndedAt.Sub(r.StartedAt)
	}
	r.SoftFailed = false

	switch {
	case failed:
		r.Status = StatusFailed
		if r.Err == nil && firstErr != nil {
			r.SetError(firstErr)
		}
	case allSkipped && skipped:
		r.Status = StatusSkipped
		if r.SkipReason == SkipNone {
			r.SkipReason = firstSkipReason(r.Children)
		}
	case partialSkip:
		r.Status = StatusFailed
	case rolledBack:
		r.Status = StatusRolledBack
	default:
		r.Status = StatusSucceeded
		r.SoftFailed = tolerated
	}
}

func firstSkipReason(children []*Result) SkipReason {
	for _, c := range children {
		if c.SkipReason != SkipNone {
			return c.SkipReason
		}
	}
	return SkipUpstream
}
