// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Report is the outcome of one Execute call. It is never nil and Result is
// always set, including when planning fails.
type Report struct {
	ExecutionID string           `json:"execution_id"`
	Result      *unit.Result     `json:"result"`
	Plan        *graph.Plan      `json:"plan,omitempty"`
	History     []pctx.Step      `json:"history,omitempty"`
	Metrics     ExecutionMetrics `json:"metrics"`
	Warnings    []string         `json:"warnings,omitempty"`

	// Context is the PipelineContext of the execution; its store holds the
	// merged command outputs.
	Context *pctx.Context `json:"-"`
}

// Status returns the overall status.
func (r *Report) Status() unit.Status { return r.Result.Status }

// Succeeded reports whether the execution succeeded, possibly with
// tolerated soft failures.
func (r *Report) Succeeded() bool { return r.Result.Status == unit.StatusSucceeded }

// Find returns the result of a unit anywhere in the tree.
func (r *Report) Find(id string) *unit.Result { return r.Result.Find(id) }
