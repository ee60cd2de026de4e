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

import "fmt"

// Status is the lifecycle state of a unit within one execution.
type Status string

const (
	StatusPending          Status = "pending"
	StatusValidating       Status = "validating"
	StatusValidationFailed Status = "validation_failed"
	StatusReady            Status = "ready"
	StatusRunning          Status = "running"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusTimedOut         Status = "timed_out"
	StatusSkipped          Status = "skipped"
	StatusRolledBack       Status = "rolled_back"

	// StatusCancelled is only used for aggregate results of an execution
	// that was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal successor states.
var transitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusSkipped},
	StatusValidating: {StatusValidationFailed, StatusReady},
	StatusReady:      {StatusRunning, StatusSkipped, StatusFailed},
	StatusRunning:    {StatusSucceeded, StatusFailed, StatusTimedOut, StatusRunning},
	StatusSucceeded:  {StatusRolledBack},
}

// CanTransition reports whether from → to is a legal transition.
//
// Running → Running is legal and marks a retry attempt. Ready → Skipped
// covers a unit that was validated but not started before cancellation.
// Ready → Failed covers a unit whose stage could not acquire resources.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from → to.
//
// Outputs:
//
//	error - ErrIllegalTransition wrapped with both states, or nil.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition is expected for an
// executing unit. Succeeded is terminal even though it may later be
// rolled back.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusSkipped,
		StatusValidationFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// IsFailure reports whether the status blocks hard dependents.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusTimedOut, StatusValidationFailed, StatusCancelled:
		return true
	}
	return false
}
