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
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deployYAML = `
name: deploy
commands:
  - id: version
    kind: set
    with:
      values: {version: "3.1.0"}
  - id: build
    kind: shell
    dependsOn: [version]
    with:
      run: "echo built {{version}}"
  - id: check
    kind: sleep
    priority: high
    with:
      duration: 1ms
behaviors:
  - id: ship
    strategy: sequential
    commands: [version, build]
`

const brokenYAML = `
name: broken
commands:
  - id: setup
    kind: set
    with:
      values: {ready: true}
  - id: boom
    kind: fail
    dependsOn: [setup]
    with:
      message: kaboom
  - id: after
    kind: set
    dependsOn: [boom]
    with:
      values: {done: true}
`

type cliResult struct {
	out    string
	errOut string
	err    error
}

// runCLI executes pipectl with args in machine output mode.
func runCLI(t *testing.T, workflow string, args ...string) cliResult {
	t.Helper()
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(workflow), 0o644))

	var out, errOut bytes.Buffer
	a := newApp(&out, &errOut)
	root := a.rootCmd()
	root.SetArgs(append([]string{"-f", path, "-o", "machine", "--log-level", "error"}, args...))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	require.NoError(t, a.close())
	return cliResult{out: out.String(), errOut: errOut.String(), err: err}
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if err != nil {
		return 2
	}
	return 0
}

// =============================================================================
// units / validate / plan
// =============================================================================

func TestUnits_ListsEveryRegistration(t *testing.T) {
	res := runCLI(t, deployYAML, "units")
	require.NoError(t, res.err)

	assert.Contains(t, res.out, "behavior\tship\t\n")
	assert.Contains(t, res.out, "command\tversion\tship\n")
	assert.Contains(t, res.out, "command\tcheck\t\n")
}

func TestValidate_Succeeds(t *testing.T) {
	res := runCLI(t, deployYAML, "validate")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "OK: 3 units in 2 stages")
}

func TestValidate_UnknownUnit(t *testing.T) {
	res := runCLI(t, deployYAML, "validate", "nope")
	assert.Equal(t, 1, exitCode(res.err))
	assert.Contains(t, res.errOut, "ERROR:")
}

func TestPlan_MachineOutput(t *testing.T) {
	res := runCLI(t, deployYAML, "plan")
	require.NoError(t, res.err)
	assert.Equal(t, "STAGE 0: check version\nSTAGE 1: build\n", res.out)
}

func TestPlan_WatchRequiresConfig(t *testing.T) {
	res := runCLI(t, deployYAML, "plan", "--watch")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "--watch requires --config")
}

func TestBadWorkflow_IsUsageError(t *testing.T) {
	res := runCLI(t, "name: x\ncommands:\n  - id: a\n    kind: teleport\n", "plan")
	require.Error(t, res.err)
	assert.Equal(t, 2, exitCode(res.err))
}

func TestSet_RejectsMalformedPair(t *testing.T) {
	res := runCLI(t, deployYAML, "--set", "novalue", "plan")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "expected key=value")
}

// =============================================================================
// run
// =============================================================================

func TestRun_Succeeds(t *testing.T) {
	res := runCLI(t, deployYAML, "run")
	require.NoError(t, res.err)

	assert.Contains(t, res.out, "stage 1 ")
	assert.Contains(t, res.out, "RESULT     build command succeeded", "build sits under the ship behavior")
	assert.Contains(t, res.out, "SUMMARY: succeeded=3\n")
	assert.Contains(t, res.out, "OK: execution ")
}

func TestRun_FailureExitsOne(t *testing.T) {
	res := runCLI(t, brokenYAML, "run")
	assert.Equal(t, 1, exitCode(res.err))

	assert.Contains(t, res.out, "boom command failed error=")
	assert.Contains(t, res.out, "kaboom")
	assert.Contains(t, res.out, "setup command rolled_back")
	assert.Contains(t, res.out, "after command skipped reason=upstream_failed")
	assert.Contains(t, res.out, "failed=1")
	assert.Contains(t, res.errOut, "ERROR: execution ")
}

func TestRun_JSONReport(t *testing.T) {
	res := runCLI(t, deployYAML, "run", "--json", "ship")
	require.NoError(t, res.err)

	var report struct {
		ExecutionID string `json:"execution_id"`
		Result      struct {
			Status   string `json:"status"`
			Children []struct {
				ID string `json:"id"`
			} `json:"children"`
		} `json:"result"`
		Plan struct {
			Stages []struct {
				Units []string `json:"units"`
			} `json:"stages"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &report))
	assert.NotEmpty(t, report.ExecutionID)
	assert.Equal(t, "succeeded", report.Result.Status)
	assert.Len(t, report.Plan.Stages, 2)
	assert.NotContains(t, res.out, "stage 1 ", "progress lines are suppressed in JSON mode")
}

func TestRun_SetSeedsContextValues(t *testing.T) {
	doc := `
name: gate
commands:
  - id: needs-token
    kind: require
    with:
      keys: [token]
`
	res := runCLI(t, doc, "run")
	assert.Equal(t, 1, exitCode(res.err))
	assert.Contains(t, res.out, "validation_failed")

	res = runCLI(t, doc, "--set", "token=abc", "run")
	require.NoError(t, res.err)
}

func TestRun_TimeoutCancels(t *testing.T) {
	doc := `
name: slow
commands:
  - id: nap
    kind: sleep
    with:
      duration: 5s
`
	res := runCLI(t, doc, "--set", "cancelGracePeriod=10ms", "run", "--timeout", "20ms")
	assert.Equal(t, 130, exitCode(res.err))
}

func TestRun_ConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("maxRetries: 2\nretryDelay: 1ms\n"), 0o644))

	doc := `
name: flaky
commands:
  - id: flaky
    kind: fail
    retryable: true
    with:
      times: 2
`
	res := runCLI(t, doc, "-c", cfgPath, "run")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "attempts=3")
}

func TestRun_MissingConfigFile(t *testing.T) {
	res := runCLI(t, deployYAML, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "run")
	require.Error(t, res.err)
	assert.Equal(t, 2, exitCode(res.err))
}

func TestRun_LogExportCapturesEngineRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipectl.jsonl")
	res := runCLI(t, brokenYAML, "--log-level", "info", "--log-export", path, "run")
	assert.Equal(t, 1, exitCode(res.err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var planned map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec struct {
			Message string         `json:"msg"`
			Service string         `json:"service"`
			Attrs   map[string]any `json:"attrs"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		assert.Equal(t, "pipectl", rec.Service)
		if rec.Message == "execution planned" {
			planned = rec.Attrs
		}
	}
	require.NotNil(t, planned, "engine records reach the export file")
	assert.EqualValues(t, 3, planned["units"])
	assert.Contains(t, string(data), "rolling back")
}

func TestLogExport_BadPathIsUsageError(t *testing.T) {
	res := runCLI(t, deployYAML, "--log-export", filepath.Join(t.TempDir(), "nope", "x.jsonl"), "plan")
	require.Error(t, res.err)
	assert.Equal(t, 2, exitCode(res.err))
}
