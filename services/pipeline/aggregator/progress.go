// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Progress is a point-in-time view of a running aggregator.
type Progress struct {
	Status       unit.Status   `json:"status"`
	Percent      float64       `json:"percent"`
	CurrentStage int           `json:"current_stage"`
	TotalStages  int           `json:"total_stages"`
	Completed    int           `json:"completed"`
	Total        int           `json:"total"`
	Elapsed      time.Duration `json:"elapsed"`
	Running      []string      `json:"running,omitempty"`
}

// Tracker accumulates progress. The aggregator feeds it when running on its
// own; the engine feeds it when the aggregator runs inside a plan.
//
// Thread Safety: safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	status      unit.Status
	startedAt   time.Time
	endedAt     time.Time
	stage       int
	totalStages int
	total       int
	completed   int
	running     map[string]struct{}
}

// NewTracker returns a Pending tracker.
func NewTracker() *Tracker {
	return &Tracker{status: unit.StatusPending, stage: -1, running: make(map[string]struct{})}
}

// Start resets the tracker for a new run.
func (t *Tracker) Start(totalStages, totalUnits int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = unit.StatusRunning
	t.startedAt = time.Now()
	t.endedAt = time.Time{}
	t.stage = -1
	t.totalStages = totalStages
	t.total = totalUnits
	t.completed = 0
	clear(t.running)
}

// StageStarted records the stage being executed.
func (t *Tracker) StageStarted(index int) {
	t.mu.Lock()
	t.stage = index
	t.mu.Unlock()
}

func (t *Tracker) UnitStarted(id string) {
	t.mu.Lock()
	t.running[id] = struct{}{}
	t.mu.Unlock()
}

// UnitFinished records a unit reaching a terminal status, whether or not it
// ran.
func (t *Tracker) UnitFinished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, id)
	if t.completed < t.total {
		t.completed++
	}
}

// Finish records the final status.
func (t *Tracker) Finish(status unit.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.endedAt = time.Now()
	clear(t.running)
}

// Snapshot returns the current progress without blocking on execution.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Status:       t.status,
		CurrentStage: t.stage,
		TotalStages:  t.totalStages,
		Completed:    t.completed,
		Total:        t.total,
	}
	switch {
	case t.total > 0:
		p.Percent = float64(t.completed) * 100 / float64(t.total)
	case t.status.IsTerminal():
		p.Percent = 100
	}
	if !t.startedAt.IsZero() {
		end := t.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		p.Elapsed = end.Sub(t.startedAt)
	}
	for id := range t.running {
		p.Running = append(p.Running, id)
	}
	sort.Strings(p.Running)
	return p
}
