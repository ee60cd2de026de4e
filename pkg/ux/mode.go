// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode defines the richness of CLI output
type Mode string

const (
	// ModeFull enables colors, icons and boxes.
	ModeFull Mode = "full"

	// ModeMinimal uses plain icons without color.
	ModeMinimal Mode = "minimal"

	// ModeMachine outputs plain text suitable for scripting and parsing.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides mode detection.
const ModeEnv = "PIPECTL_OUTPUT"

// ParseMode converts a string to Mode. Unknown values yield ModeFull.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "quiet", "q", "plain":
		return ModeMachine
	default:
		return ModeFull
	}
}

// DetectMode picks the mode for w.
//
// An explicit flag wins, then the PIPECTL_OUTPUT environment variable;
// otherwise terminals get ModeFull and everything else ModeMachine.
func DetectMode(w io.Writer, flag string) Mode {
	if flag != "" {
		return ParseMode(flag)
	}
	if env := os.Getenv(ModeEnv); env != "" {
		return ParseMode(env)
	}
	if IsTerminal(w) {
		return ModeFull
	}
	return ModeMachine
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
