// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the engine configuration.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// PIPELINE_* environment variables. The result is validated before use and
// satisfies pctx.Settings so units read it through the PipelineContext.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Failure modes.
const (
	FailureModeContinue = "continue"
	FailureModeFailFast = "fail-fast"
)

// Rollback scopes.
const (
	RollbackScopeAll        = "all"
	RollbackScopeAggregator = "aggregator"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIPELINE_"

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config is the engine configuration.
//
// Zero durations disable the corresponding timeout. Zero resource capacity
// components are unbounded.
type Config struct {
	MaxParallelExecutions  int           `yaml:"maxParallelExecutions" validate:"gte=1,lte=1024"`
	MaxStartsPerSecond     float64       `yaml:"maxStartsPerSecond" validate:"gte=0"`
	CommandTimeout         time.Duration `yaml:"commandTimeout" validate:"gte=0"`
	BehaviorTimeout        time.Duration `yaml:"behaviorTimeout" validate:"gte=0"`
	AggregatorTimeout      time.Duration `yaml:"aggregatorTimeout" validate:"gte=0"`
	MaxRetries             int           `yaml:"maxRetries" validate:"gte=0,lte=100"`
	RetryDelay             time.Duration `yaml:"retryDelay" validate:"gte=0"`
	RetryBackoffMultiplier float64       `yaml:"retryBackoffMultiplier" validate:"gte=1"`
	CancelGracePeriod      time.Duration `yaml:"cancelGracePeriod" validate:"gte=0"`
	SoftFailurePolicy      string        `yaml:"softFailurePolicy" validate:"oneof=report escalate ignore"`
	FailureMode            string        `yaml:"failureMode" validate:"oneof=continue fail-fast"`
	RollbackScope          string        `yaml:"rollbackScope" validate:"oneof=all aggregator"`
	HistoryLimit           int           `yaml:"historyLimit" validate:"gte=0"`
	MetricsRetention       int           `yaml:"metricsRetention" validate:"gte=1"`

	EnableDependencyResolution bool `yaml:"enableDependencyResolution"`
	EnableResourceManagement   bool `yaml:"enableResourceManagement"`
	EnableExecutionHistory     bool `yaml:"enableExecutionHistory"`

	// Resources is the capacity handed to the local resource manager.
	Resources Resources `yaml:"resources"`

	// Values holds free-form settings read by commands.
	Values map[string]any `yaml:"values"`
}

// Resources is the YAML form of a resource capacity.
type Resources struct {
	CPU         float64 `yaml:"cpu" validate:"gte=0"`
	MemoryMB    int64   `yaml:"memoryMB" validate:"gte=0"`
	DiskMB      int64   `yaml:"diskMB" validate:"gte=0"`
	NetworkMbps int64   `yaml:"networkMbps" validate:"gte=0"`
}

// Capacity converts r to unit requirements.
func (r Resources) Capacity() unit.ResourceRequirements {
	return unit.ResourceRequirements{
		CPU:         r.CPU,
		MemoryMB:    r.MemoryMB,
		DiskMB:      r.DiskMB,
		NetworkMbps: r.NetworkMbps,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxParallelExecutions:      pctx.DefaultMaxParallelExecutions,
		CommandTimeout:             5 * time.Minute,
		RetryDelay:                 100 * time.Millisecond,
		RetryBackoffMultiplier:     2.0,
		CancelGracePeriod:          5 * time.Second,
		SoftFailurePolicy:          "report",
		FailureMode:                FailureModeContinue,
		RollbackScope:              RollbackScopeAll,
		HistoryLimit:               1000,
		MetricsRetention:           100,
		EnableDependencyResolution: true,
		EnableExecutionHistory:     true,
		Values:                     map[string]any{},
	}
}

// Load builds a configuration from defaults, the file at path and the
// environment.
//
// Description:
//
//	An empty path skips the file layer. A path that does not exist is an
//	error: the caller asked for that file explicitly.
//
// Inputs:
//
//	path - YAML file path, or "".
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if the file cannot be read or parsed, an environment
//	        override is malformed, or validation fails.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a configuration from defaults and YAML data only.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %v", unit.ErrInvalidInput, err)
	}
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	return nil
}

// applyEnv overrides fields from PIPELINE_<UPPER_SNAKE_KEY> variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, f := range fields {
		raw, ok := lookup(EnvName(f.key))
		if !ok {
			continue
		}
		if err := f.set(c, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.key), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: environment overrides: %w", unit.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// EnvName returns the environment variable that overrides key, e.g.
// maxParallelExecutions -> PIPELINE_MAX_PARALLEL_EXECUTIONS.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for i, r := range key {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Set overrides one setting from its string form. Well-known keys are
// parsed into their typed field; anything else is stored in Values.
func (c *Config) Set(key, raw string) error {
	for _, f := range fields {
		if f.key == key {
			if err := f.set(c, raw); err != nil {
				return fmt.Errorf("%w: %s: %v", unit.ErrInvalidInput, key, err)
			}
			return nil
		}
	}
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	c.Values[key] = raw
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", unit.ErrInvalidInput, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.ActualTag()+paramSuffix(fe.Param()), fe.Value()))
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: invalid configuration: %s", unit.ErrInvalidInput, strings.Join(problems, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// Clone returns a deep copy of the top-level Values map and a copy of the
// typed fields.
func (c *Config) Clone() *Config {
	out := *c
	out.Values = make(map[string]any, len(c.Values))
	for k, v := range c.Values {
		out.Values[k] = v
	}
	return &out
}

// lookup returns the raw value stored under key.
func (c *Config) lookup(key string) (any, bool) {
	for _, f := range fields {
		if f.key == key {
			return f.get(c), true
		}
	}
	v, ok := c.Values[key]
	return v, ok
}

// GetString implements pctx.Settings.
func (c *Config) GetString(key string, def string) string {
	v, ok := c.lookup(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetInt implements pctx.Settings.
func (c *Config) GetInt(key string, def int) int {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// GetBool implements pctx.Settings.
func (c *Config) GetBool(key string, def bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	}
	return def
}

// GetFloat implements pctx.Settings.
func (c *Config) GetFloat(key string, def float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case int64:
		return float64(f)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil {
			return parsed
		}
	}
	return def
}

// GetDuration implements pctx.Settings. Strings use time.ParseDuration
// syntax; bare numbers are seconds.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case time.Duration:
		return d
	case int:
		return time.Duration(d) * time.Second
	case float64:
		return time.Duration(d * float64(time.Second))
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(d)); err == nil {
			return parsed
		}
	}
	return def
}

var _ pctx.Settings = (*Config)(nil)
