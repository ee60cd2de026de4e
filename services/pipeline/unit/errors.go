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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrInvalidInput indicates malformed metadata or arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownUnit indicates a reference to an id that is not registered.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrDuplicateUnit indicates a second registration of an id with a
	// different unit.
	ErrDuplicateUnit = errors.New("duplicate unit")

	// ErrCyclicDependency is matched by every *CyclicDependencyError.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out")

	// ErrRollback is matched by every *RollbackError.
	ErrRollback = errors.New("rollback failed")

	// ErrCancelled indicates the execution was cancelled.
	ErrCancelled = errors.New("execution cancelled")

	// ErrResourceUnavailable indicates the resource manager refused an
	// allocation.
	ErrResourceUnavailable = errors.New("resources unavailable")

	// ErrIllegalTransition indicates a state machine violation.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUpstreamFailed marks units skipped because a hard dependency failed.
	ErrUpstreamFailed = errors.New("upstream dependency failed")
)

// ErrorKind classifies the error recorded on a Result.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindCyclic     ErrorKind = "cyclic_dependency"
	ErrorKindExecution  ErrorKind = "execution"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindRollback   ErrorKind = "rollback"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindResource   ErrorKind = "resource"
	ErrorKindDependency ErrorKind = "dependency"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrCyclicDependency):
		return ErrorKindCyclic
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrRollback):
		return ErrorKindRollback
	case errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case errors.Is(err, ErrResourceUnavailable):
		return ErrorKindResource
	case errors.Is(err, ErrUpstreamFailed):
		return ErrorKindDependency
	default:
		return ErrorKindExecution
	}
}

// ValidationError lists the unmet preconditions of a unit.
//
// A ValidationError is never retried.
type ValidationError struct {
	UnitID   string
	Problems []string
	Err      error
}

// NewValidationError builds a ValidationError for unitID.
func NewValidationError(unitID string, problems ...string) *ValidationError {
	return &ValidationError{UnitID: unitID, Problems: problems}
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed for %s", e.UnitID)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// CyclicDependencyError names a cycle found in the hard dependency graph.
//
// Path starts and ends with the same id, e.g. [a b c a].
type CyclicDependencyError struct {
	Path []string
}

// NewCyclicDependencyError builds a CyclicDependencyError from a path.
func NewCyclicDependencyError(path []string) *CyclicDependencyError {
	return &CyclicDependencyError{Path: append([]string(nil), path...)}
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// ExecutionError wraps an error raised by a unit's Execute.
type ExecutionError struct {
	UnitID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("%s failed (attempt %d): %v", e.UnitID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.UnitID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a unit that exceeded its time budget.
type TimeoutError struct {
	UnitID  string
	Timeout time.Duration
	// Scope is the kind whose budget ran out (command, behavior, aggregator).
	Scope Kind
}

func (e *TimeoutError) Error() string {
	if e.Scope != "" && e.Scope != KindCommand {
		return fmt.Sprintf("%s timed out: %s budget of %v exhausted", e.UnitID, e.Scope, e.Timeout)
	}
	return fmt.Sprintf("%s timed out after %v", e.UnitID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RollbackError reports a compensation that failed. It is recorded as a
// warning and never replaces the failure that triggered the rollback.
type RollbackError struct {
	UnitID string
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v", e.UnitID, e.Err)
}

func (e *RollbackError) Unwrap() []error { return []error{ErrRollback, e.Err} }

// PanicError wraps a value recovered from a panicking unit callback.
type PanicError struct {
	UnitID string
	Op     string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked in %s: %v", e.UnitID, e.Op, e.Value)
}
