// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
)

// field binds a well-known settings key to its typed Config field.
type field struct {
	key string
	get func(c *Config) any
	set func(c *Config, raw string) error
}

var fields = []field{
	intField(pctx.KeyMaxParallelExecutions, func(c *Config) *int { return &c.MaxParallelExecutions }),
	floatField(pctx.KeyMaxStartsPerSecond, func(c *Config) *float64 { return &c.MaxStartsPerSecond }),
	durationField(pctx.KeyCommandTimeout, func(c *Config) *time.Duration { return &c.CommandTimeout }),
	durationField(pctx.KeyBehaviorTimeout, func(c *Config) *time.Duration { return &c.BehaviorTimeout }),
	durationField(pctx.KeyAggregatorTimeout, func(c *Config) *time.Duration { return &c.AggregatorTimeout }),
	intField(pctx.KeyMaxRetries, func(c *Config) *int { return &c.MaxRetries }),
	durationField(pctx.KeyRetryDelay, func(c *Config) *time.Duration { return &c.RetryDelay }),
	floatField(pctx.KeyRetryBackoffMultiplier, func(c *Config) *float64 { return &c.RetryBackoffMultiplier }),
	durationField(pctx.KeyCancelGracePeriod, func(c *Config) *time.Duration { return &c.CancelGracePeriod }),
	stringField(pctx.KeySoftFailurePolicy, func(c *Config) *string { return &c.SoftFailurePolicy }),
	stringField(pctx.KeyFailureMode, func(c *Config) *string { return &c.FailureMode }),
	stringField(pctx.KeyRollbackScope, func(c *Config) *string { return &c.RollbackScope }),
	intField(pctx.KeyHistoryLimit, func(c *Config) *int { return &c.HistoryLimit }),
	intField(pctx.KeyMetricsRetention, func(c *Config) *int { return &c.MetricsRetention }),
	boolField(pctx.KeyEnableDependencyResolution, func(c *Config) *bool { return &c.EnableDependencyResolution }),
	boolField(pctx.KeyEnableResourceManagement, func(c *Config) *bool { return &c.EnableResourceManagement }),
	boolField(pctx.KeyEnableExecutionHistory, func(c *Config) *bool { return &c.EnableExecutionHistory }),
}

// Keys returns the well-known keys in declaration order.
func Keys() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.key
	}
	return out
}

func intField(key string, ptr func(*Config) *int) field {
	return field{
		key: key,
		get: func(c *Config) any { return *ptr(c) },
		set: func(c *Config, raw string) error {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			*ptr(c) = v
			return nil
		},
	}
}

func floatField(key string, ptr func(*Config) *float64) field {
	return field{
		key: key,
		get: func(c *Config) any { return *ptr(c) },
		set: func(c *Config, raw string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return err
			}
			*ptr(c) = v
			return nil
		},
	}
}

func durationField(key string, ptr func(*Config) *time.Duration) field {
	return field{
		key: key,
		get: func(c *Config) any { return *ptr(c) },
		set: func(c *Config, raw string) error {
			v, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			*ptr(c) = v
			return nil
		},
	}
}

func boolField(key string, ptr func(*Config) *bool) field {
	return field{
		key: key,
		get: func(c *Config) any { return *ptr(c) },
		set: func(c *Config, raw string) error {
			v, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			*ptr(c) = v
			return nil
		},
	}
}

func stringField(key string, ptr func(*Config) *string) field {
	return field{
		key: key,
		get: func(c *Config) any { return *ptr(c) },
		set: func(c *Config, raw string) error {
			*ptr(c) = strings.TrimSpace(raw)
			return nil
		},
	}
}
