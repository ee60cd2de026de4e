// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events delivers engine notifications to observers.
//
// Observers see registrations, stage boundaries, unit status changes and
// execution boundaries without coupling to the engine implementation.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeUnitRegistered is emitted when a unit enters the registry.
	TypeUnitRegistered Type = "unit.registered"

	// TypeUnitUnregistered is emitted when a unit leaves the registry.
	TypeUnitUnregistered Type = "unit.unregistered"

	// TypeExecutionStarted is emitted once the plan is built.
	TypeExecutionStarted Type = "execution.started"

	// TypeExecutionCompleted is emitted with the final result.
	TypeExecutionCompleted Type = "execution.completed"

	// TypeStageStarted is emitted before a stage launches its units.
	TypeStageStarted Type = "stage.started"

	// TypeStageCompleted is emitted after the stage barrier.
	TypeStageCompleted Type = "stage.completed"

	// TypeUnitStatus is emitted on every unit status transition.
	TypeUnitStatus Type = "unit.status"
)

// AllTypes lists every event type.
var AllTypes = []Type{
	TypeUnitRegistered,
	TypeUnitUnregistered,
	TypeExecutionStarted,
	TypeExecutionCompleted,
	TypeStageStarted,
	TypeStageCompleted,
	TypeUnitStatus,
}

// Event is one notification.
//
// Description:
//
//	Data holds the typed payload matching Type (RegistrationData,
//	StageData, UnitStatusData, ExecutionData).
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// RegistrationData accompanies unit.registered and unit.unregistered.
type RegistrationData struct {
	UnitID string    `json:"unit_id"`
	Kind   unit.Kind `json:"kind"`
	// Parent is the behavior or aggregator that registered the unit, if any.
	Parent string `json:"parent,omitempty"`
}

// StageData accompanies stage.started and stage.completed.
type StageData struct {
	Index int      `json:"index"`
	Units []string `json:"units"`
	// Concurrency is the peak number of units in flight during the stage.
	Concurrency int           `json:"concurrency,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Failed      int           `json:"failed,omitempty"`
	Skipped     int           `json:"skipped,omitempty"`
}

// UnitStatusData accompanies unit.status.
type UnitStatusData struct {
	UnitID  string      `json:"unit_id"`
	Kind    unit.Kind   `json:"kind"`
	From    unit.Status `json:"from"`
	To      unit.Status `json:"to"`
	Stage   int         `json:"stage"`
	Attempt int         `json:"attempt,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ExecutionData accompanies execution.started and execution.completed.
type ExecutionData struct {
	Requested []string      `json:"requested"`
	Stages    int           `json:"stages"`
	Units     int           `json:"units"`
	Status    unit.Status   `json:"status,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}
