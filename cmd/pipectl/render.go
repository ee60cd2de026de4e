// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianPipeline/pkg/ux"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/graph"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// summaryOrder is the order of the counts in the run summary.
var summaryOrder = []unit.Status{
	unit.StatusSucceeded,
	unit.StatusFailed,
	unit.StatusTimedOut,
	unit.StatusValidationFailed,
	unit.StatusRolledBack,
	unit.StatusSkipped,
}

// statusIcon maps a status to its icon and text style.
func statusIcon(s unit.Status) (ux.Icon, lipgloss.Style) {
	switch s {
	case unit.StatusSucceeded:
		return ux.IconSuccess, ux.Styles.Success
	case unit.StatusFailed, unit.StatusTimedOut, unit.StatusValidationFailed:
		return ux.IconError, ux.Styles.Error
	case unit.StatusRolledBack:
		return ux.IconUndo, ux.Styles.Warning
	case unit.StatusSkipped, unit.StatusCancelled:
		return ux.IconSkipped, ux.Styles.Muted
	default:
		return ux.IconPending, ux.Styles.Muted
	}
}

func statusStyle(s unit.Status) lipgloss.Style {
	_, style := statusIcon(s)
	return style
}

// =============================================================================
// Units
// =============================================================================

func renderUnits(p *ux.Printer, regs []engine.Registration) {
	if p.Mode == ux.ModeMachine {
		for _, r := range regs {
			fmt.Fprintf(p.Out, "%s\t%s\t%s\n", r.Kind, r.ID, r.Parent)
		}
		return
	}

	p.Title(fmt.Sprintf("Units (%d)", len(regs)))
	kindStyle := ux.Styles.Subtitle.Width(11)
	for _, r := range regs {
		line := kindStyle.Render(string(r.Kind)) + " " + ux.Styles.Bold.Render(r.ID)
		if r.Parent != "" {
			line += " " + ux.Styles.Muted.Render(fmt.Sprintf("%s %s", ux.IconArrow, r.Parent))
		}
		if r.Metadata.Priority != unit.PriorityNormal {
			line += " " + ux.Styles.Muted.Render("["+r.Metadata.Priority.String()+"]")
		}
		fmt.Fprintln(p.Out, line)
	}
}

// =============================================================================
// Plan
// =============================================================================

func renderPlan(p *ux.Printer, plan *graph.Plan) {
	if p.Mode == ux.ModeMachine {
		for _, s := range plan.Stages {
			fmt.Fprintf(p.Out, "STAGE %d: %s\n", s.Index, strings.Join(s.Units, " "))
		}
		return
	}

	p.Title(fmt.Sprintf("Plan: %d units in %d stages", plan.UnitCount(), plan.Len()))
	for _, s := range plan.Stages {
		line := fmt.Sprintf("%s %s",
			ux.Styles.Subtitle.Render(fmt.Sprintf("stage %d", s.Index+1)),
			strings.Join(s.Units, ", "))
		if req := formatRequirements(s.Requirements); req != "" {
			line += " " + ux.Styles.Muted.Render("("+req+")")
		}
		fmt.Fprintln(p.Out, line)
	}
	if len(plan.Warnings) > 0 {
		p.WarningBox("Plan warnings", strings.Join(plan.Warnings, "\n"))
	}
}

func formatRequirements(r unit.ResourceRequirements) string {
	if r.IsZero() {
		return ""
	}
	var parts []string
	if r.CPU > 0 {
		parts = append(parts, fmt.Sprintf("cpu=%g", r.CPU))
	}
	if r.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("mem=%dMB", r.MemoryMB))
	}
	if r.DiskMB > 0 {
		parts = append(parts, fmt.Sprintf("disk=%dMB", r.DiskMB))
	}
	if r.NetworkMbps > 0 {
		parts = append(parts, fmt.Sprintf("net=%dMbps", r.NetworkMbps))
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Run
// =============================================================================

func renderStageStarted(p *ux.Printer, data events.StageData) {
	p.Info(fmt.Sprintf("stage %d %s %s", data.Index+1, ux.IconArrow, strings.Join(data.Units, ", ")))
}

// renderReport prints the result tree, the warnings and a summary line.
func renderReport(p *ux.Printer, report *engine.Report) {
	if p.Mode != ux.ModeMachine {
		fmt.Fprintln(p.Out)
	}
	renderResult(p, report.Result, 0)

	if len(report.Warnings) > 0 {
		p.WarningBox("Warnings", strings.Join(report.Warnings, "\n"))
	}
	p.Summary(summarize(report.Result))

	switch report.Status() {
	case unit.StatusSucceeded:
		if report.Result.SoftFailed {
			p.Warning(fmt.Sprintf("execution %s succeeded with tolerated failures", report.ExecutionID))
			return
		}
		p.Success(fmt.Sprintf("execution %s succeeded in %s", report.ExecutionID, round(report.Result.Duration)))
	case unit.StatusCancelled:
		p.Warning(fmt.Sprintf("execution %s cancelled", report.ExecutionID))
	default:
		p.Error(fmt.Sprintf("execution %s %s", report.ExecutionID, report.Status()))
	}
}

func renderResult(p *ux.Printer, r *unit.Result, depth int) {
	if r == nil {
		return
	}
	if p.Mode == ux.ModeMachine {
		fmt.Fprintf(p.Out, "RESULT %s%s %s %s%s\n",
			strings.Repeat("  ", depth), r.ID, r.Kind, r.Status, machineDetail(r))
	} else {
		fmt.Fprintln(p.Out, resultLine(p.Mode, r, depth))
	}
	for _, c := range r.Children {
		renderResult(p, c, depth+1)
	}
}

func resultLine(mode ux.Mode, r *unit.Result, depth int) string {
	icon, style := statusIcon(r.Status)
	indent := strings.Repeat("  ", depth)

	if mode == ux.ModeMinimal {
		return fmt.Sprintf("%s%s %s %s%s", indent, icon, r.ID, r.Status, machineDetail(r))
	}

	label := r.ID
	if r.Kind != unit.KindCommand {
		label = ux.Styles.Bold.Render(label)
	}
	line := fmt.Sprintf("%s%s %s %s", indent, icon.Render(), label, style.Render(string(r.Status)))
	if r.Duration > 0 {
		line += " " + ux.Styles.Muted.Render(round(r.Duration).String())
	}
	if r.Attempts > 1 {
		line += " " + ux.Styles.Muted.Render(fmt.Sprintf("%d attempts", r.Attempts))
	}
	if r.Tolerated {
		line += " " + ux.Styles.Warning.Render("tolerated")
	}
	if r.SoftFailed {
		line += " " + ux.Styles.Warning.Render("soft-failed")
	}
	switch {
	case r.Error != "":
		line += "\n" + indent + "    " + ux.Styles.Error.Render(r.Error)
	case r.SkipReason != "":
		reason := string(r.SkipReason)
		if len(r.SkipChain) > 0 {
			reason += ": " + strings.Join(r.SkipChain, " "+string(ux.IconArrow)+" ")
		}
		line += "\n" + indent + "    " + ux.Styles.Muted.Render(reason)
	}
	return line
}

// machineDetail renders the key=value tail of a machine-mode result line.
func machineDetail(r *unit.Result) string {
	var b strings.Builder
	if r.Attempts > 1 {
		fmt.Fprintf(&b, " attempts=%d", r.Attempts)
	}
	if r.SkipReason != "" {
		fmt.Fprintf(&b, " reason=%s", r.SkipReason)
	}
	if r.Tolerated {
		b.WriteString(" tolerated=true")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, " error=%q", r.Error)
	}
	return b.String()
}

// summarize counts the command results of the tree.
func summarize(root *unit.Result) []ux.Count {
	counts := make(map[unit.Status]int)
	root.Walk(func(r *unit.Result) bool {
		if r.Kind == unit.KindCommand {
			counts[r.Status]++
		}
		return true
	})

	out := []ux.Count{{Label: string(unit.StatusSucceeded), N: counts[unit.StatusSucceeded], Style: ux.Styles.Success}}
	for _, s := range summaryOrder[1:] {
		if counts[s] > 0 {
			out = append(out, ux.Count{Label: string(s), N: counts[s], Style: statusStyle(s)})
		}
	}
	return out
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}
