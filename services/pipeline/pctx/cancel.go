// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pctx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CancelType categorizes why an execution was cancelled.
type CancelType int

const (
	// CancelUser is an explicit Cancel call (API, Ctrl+C).
	CancelUser CancelType = iota

	// CancelParent means the parent context.Context was cancelled.
	CancelParent

	// CancelShutdown means the process is shutting down.
	CancelShutdown

	// CancelDeadline means the caller's deadline expired.
	CancelDeadline
)

// String returns the lowercase name of the type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	case CancelDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// CancelReason records why and when cancellation happened.
type CancelReason struct {
	Type      CancelType `json:"type"`
	Message   string     `json:"message,omitempty"`
	Component string     `json:"component,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// signal is the single cancellation signal threaded through an execution.
type signal struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	released  atomic.Bool

	mu     sync.RWMutex
	reason *CancelReason
}

func newSignal(parent context.Context) *signal {
	ctx, cancel := context.WithCancel(parent)
	return &signal{ctx: ctx, cancel: cancel}
}

// fire cancels once; later calls keep the first reason.
func (s *signal) fire(reason CancelReason) bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if reason.Timestamp.IsZero() {
		reason.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.reason = &reason
	s.mu.Unlock()
	s.cancel()
	return true
}

// release cancels ctx to free its resources without recording a
// cancellation.
func (s *signal) release() {
	if s.ctx.Err() == nil {
		s.released.Store(true)
	}
	s.cancel()
}

// err is ctx.Err() minus the cancellation caused by release.
func (s *signal) err() error {
	if s.cancelled.Load() {
		return context.Canceled
	}
	if s.released.Load() {
		return nil
	}
	return s.ctx.Err()
}

// cause returns the recorded reason, synthesizing one when the parent
// context ended first.
func (s *signal) cause() (CancelReason, bool) {
	s.mu.RLock()
	r := s.reason
	s.mu.RUnlock()
	if r != nil {
		return *r, true
	}
	if s.released.Load() {
		return CancelReason{}, false
	}
	switch s.ctx.Err() {
	case nil:
		return CancelReason{}, false
	case context.DeadlineExceeded:
		return CancelReason{Type: CancelDeadline, Message: "parent deadline exceeded"}, true
	default:
		return CancelReason{Type: CancelParent, Message: "parent context cancelled"}, true
	}
}
