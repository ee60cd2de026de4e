// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pipectl plans and runs pipeline workflows defined in YAML.
//
// Usage:
//
//	pipectl units    -f workflow.yaml
//	pipectl validate -f workflow.yaml [unit...]
//	pipectl plan     -f workflow.yaml [unit...] [--watch --config pipeline.yaml]
//	pipectl run      -f workflow.yaml [unit...] [--metrics-addr :9090] [--json]
//
// Exit codes: 0 success, 1 failure, 2 usage or definition error, 130
// cancelled.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	app := newApp(os.Stdout, os.Stderr)
	err := app.rootCmd().Execute()
	if cerr := app.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error:", cerr)
	}
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}
