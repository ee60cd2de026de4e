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
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// DefaultHistoryLimit bounds the execution history when no limit is set.
const DefaultHistoryLimit = 1000

// Event names recorded in the history.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventStageStarted       = "stage_started"
	EventStageCompleted     = "stage_completed"
	EventUnitStatus         = "unit_status"
	EventRetry              = "retry"
	EventRollback           = "rollback"
	EventCancel             = "cancel"
	EventWarning            = "warning"
)

// Step is one immutable entry of the execution history.
type Step struct {
	// Seq is assigned by AddExecutionStep and increases monotonically.
	Seq       uint64        `json:"seq"`
	Time      time.Time     `json:"time"`
	Event     string        `json:"event"`
	UnitID    string        `json:"unit_id,omitempty"`
	Kind      unit.Kind     `json:"kind,omitempty"`
	Status    unit.Status   `json:"status,omitempty"`
	Stage     int           `json:"stage"`
	Attempt   int           `json:"attempt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
	SkipChain []string      `json:"skip_chain,omitempty"`
}
