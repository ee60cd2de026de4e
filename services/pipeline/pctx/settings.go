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

// Well-known Settings keys. The config package answers these from its typed
// fields; any other key is looked up in its free-form values.
const (
	KeyMaxParallelExecutions  = "maxParallelExecutions"
	KeyCommandTimeout         = "commandTimeout"
	KeyBehaviorTimeout        = "behaviorTimeout"
	KeyAggregatorTimeout      = "aggregatorTimeout"
	KeyMaxRetries             = "maxRetries"
	KeyRetryDelay             = "retryDelay"
	KeyRetryBackoffMultiplier = "retryBackoffMultiplier"
	KeyCancelGracePeriod      = "cancelGracePeriod"
	KeySoftFailurePolicy      = "softFailurePolicy"
	KeyHistoryLimit           = "historyLimit"
	KeyMaxStartsPerSecond     = "maxStartsPerSecond"
	KeyFailureMode            = "failureMode"
	KeyRollbackScope          = "rollbackScope"
	KeyMetricsRetention       = "metricsRetention"

	KeyEnableDependencyResolution = "enableDependencyResolution"
	KeyEnableResourceManagement   = "enableResourceManagement"
	KeyEnableExecutionHistory     = "enableExecutionHistory"
)

// DefaultMaxParallelExecutions applies when no concurrency limit is
// configured.
const DefaultMaxParallelExecutions = 4
