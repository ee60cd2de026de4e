// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers read from workflow files.
//
// Unit ids and context keys end up in environment variables of shell
// commands, in metric labels and in rendered output, so file input is held
// to a conservative character set before it reaches the engine.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds unit ids and context keys.
const MaxIdentifierLength = 128

// identifierPattern matches valid identifiers.
// Allows: letters, digits, dots (build.linux), hyphens, underscores, colons (ns:key)
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// ValidateIdentifier validates a unit id or context key.
//
// Valid identifiers:
//   - 1-128 characters
//   - Start with a letter or digit
//   - Letters, digits, '.', '_', ':' and '-' after that
//
// Example:
//
//	if err := validation.ValidateIdentifier(spec.ID); err != nil {
//	    return fmt.Errorf("command: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier %.16q... is longer than %d characters", id, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q (letters, digits, '.', '_', ':' or '-', starting with a letter or digit)", id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers and lists every invalid one.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", id))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
