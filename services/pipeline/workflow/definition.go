// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow loads pipeline units from YAML definitions.
//
// # Description
//
// A definition declares commands, behaviors and aggregators. Commands use
// one of the built-in kinds (set, sleep, fail, shell, require); behaviors
// reference commands by id and aggregators reference behaviors by id. Build
// turns a parsed Definition into units ready for engine registration.
//
// # Example
//
//	name: release
//	commands:
//	  - id: version
//	    kind: set
//	    with: {values: {version: "1.2.0"}}
//	  - id: publish
//	    kind: shell
//	    with: {run: "echo publishing {{version}}"}
//	behaviors:
//	  - id: ship
//	    strategy: sequential
//	    commands: [version, publish]
//	aggregators:
//	  - id: release
//	    behaviors: [ship]
//
// # Thread Safety
//
// Parsing and building are safe for concurrent use. Built units are safe to
// register with one engine.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipeline/pkg/validation"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

const (
	// MaxFileSize is the largest definition file Load accepts (1MB).
	MaxFileSize = 1024 * 1024

	// MaxUnits caps the number of units in one definition.
	MaxUnits = 1000
)

// Command kinds.
const (
	KindSet     = "set"
	KindSleep   = "sleep"
	KindFail    = "fail"
	KindShell   = "shell"
	KindRequire = "require"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// Definition is the root of a workflow file.
type Definition struct {
	Name        string           `yaml:"name"`
	Commands    []CommandSpec    `yaml:"commands" validate:"dive"`
	Behaviors   []BehaviorSpec   `yaml:"behaviors" validate:"dive"`
	Aggregators []AggregatorSpec `yaml:"aggregators" validate:"dive"`
}

// UnitSpec holds the fields shared by every unit.
type UnitSpec struct {
	ID        string        `yaml:"id" validate:"required"`
	Name      string        `yaml:"name"`
	Category  string        `yaml:"category" validate:"omitempty,oneof=filesystem container analysis generation validation network custom"`
	Tags      []string      `yaml:"tags"`
	Priority  string        `yaml:"priority" validate:"omitempty,oneof=low normal high critical"`
	DependsOn []string      `yaml:"dependsOn" validate:"dive,required"`
	After     []string      `yaml:"after" validate:"dive,required"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CommandSpec declares a command of a built-in kind.
type CommandSpec struct {
	UnitSpec `yaml:",inline"`

	Kind           string           `yaml:"kind" validate:"required,oneof=set sleep fail shell require"`
	Retryable      bool             `yaml:"retryable"`
	ParallelUnsafe bool             `yaml:"parallelUnsafe"`
	ResourceTags   []string         `yaml:"resourceTags"`
	Exclusive      []string         `yaml:"exclusive"`
	Requires       []string         `yaml:"requires" validate:"dive,required"`
	Requirements   config.Resources `yaml:"requirements"`

	// With holds the kind-specific parameters.
	With yaml.Node `yaml:"with" validate:"-"`
}

// BehaviorSpec declares a behavior over previously declared commands.
type BehaviorSpec struct {
	UnitSpec `yaml:",inline"`

	Strategy          string       `yaml:"strategy" validate:"required,oneof=sequential parallel conditional"`
	BestEffort        bool         `yaml:"bestEffort"`
	SoftFailurePolicy string       `yaml:"softFailurePolicy" validate:"omitempty,oneof=report escalate ignore"`
	MaxParallel       int          `yaml:"maxParallel" validate:"gte=0"`
	Commands          []MemberSpec `yaml:"commands" validate:"required,min=1,dive"`
}

// MemberSpec references a command from a behavior. It is written either as
// a bare id or as a mapping with a "when" condition.
type MemberSpec struct {
	Ref  string `yaml:"ref" validate:"required"`
	When string `yaml:"when"`
}

// UnmarshalYAML accepts a scalar id or a {ref, when} mapping.
func (m *MemberSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&m.Ref)
	}
	type plain MemberSpec
	return value.Decode((*plain)(m))
}

// AggregatorSpec declares an aggregator over previously declared behaviors.
type AggregatorSpec struct {
	UnitSpec `yaml:",inline"`

	Behaviors    []string         `yaml:"behaviors" validate:"required,min=1,dive,required"`
	MaxParallel  int              `yaml:"maxParallel" validate:"gte=0"`
	Requirements config.Resources `yaml:"requirements"`
}

// Load reads and parses the definition at path.
//
// Inputs:
//
//	path - Definition file. Must exist and be at most MaxFileSize bytes.
//
// Outputs:
//
//	*Definition - The validated definition.
//	error - Wraps unit.ErrInvalidInput for malformed content.
func Load(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat workflow %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: workflow %s too large: %d bytes (max %d)", unit.ErrInvalidInput, path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty workflow definition", unit.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: %v", unit.ErrInvalidInput, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks field constraints and cross references.
//
// Description:
//
//	Ids must be unique across all tiers. Behaviors may only reference
//	declared commands and aggregators only declared behaviors; each member
//	belongs to at most one container. Dependencies are not resolved here,
//	they may name units registered from elsewhere.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fieldErrors(err)
	}
	if n := len(d.Commands) + len(d.Behaviors) + len(d.Aggregators); n > MaxUnits {
		return fmt.Errorf("%w: too many units: %d (max %d)", unit.ErrInvalidInput, n, MaxUnits)
	}

	var problems []string
	seen := make(map[string]string)
	declare := func(id, kind string) {
		if err := validation.ValidateIdentifier(id); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", kind, err))
			return
		}
		if prev, ok := seen[id]; ok {
			problems = append(problems, fmt.Sprintf("duplicate id %q (%s and %s)", id, prev, kind))
			return
		}
		seen[id] = kind
	}
	for _, c := range d.Commands {
		declare(c.ID, "command")
	}
	for _, b := range d.Behaviors {
		declare(b.ID, "behavior")
	}
	for _, a := range d.Aggregators {
		declare(a.ID, "aggregator")
	}

	owner := make(map[string]string)
	claim := func(member, kind, container string) {
		if seen[member] != kind {
			problems = append(problems, fmt.Sprintf("%s references unknown %s %q", container, kind, member))
			return
		}
		if prev, ok := owner[member]; ok {
			problems = append(problems, fmt.Sprintf("%s %q belongs to both %s and %s", kind, member, prev, container))
			return
		}
		owner[member] = container
	}
	for _, b := range d.Behaviors {
		for _, m := range b.Commands {
			claim(m.Ref, "command", b.ID)
			if m.When != "" && b.Strategy != "conditional" {
				problems = append(problems, fmt.Sprintf("%s: condition on %q requires strategy conditional", b.ID, m.Ref))
			}
			if _, err := parseCondition(m.When); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", b.ID, err))
			}
		}
	}
	for _, a := range d.Aggregators {
		for _, id := range a.Behaviors {
			claim(id, "behavior", a.ID)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: invalid workflow: %s", unit.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func fieldErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", unit.ErrInvalidInput, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		tag := fe.ActualTag()
		if fe.Param() != "" {
			tag += "=" + fe.Param()
		}
		problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), tag, fe.Value()))
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: invalid workflow: %s", unit.ErrInvalidInput, strings.Join(problems, "; "))
}
