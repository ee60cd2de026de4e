// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "pipeline_resources"
)

// Metrics holds the Prometheus collectors of a LocalManager.
//
// Labels: resource (cpu, memory_mb, disk_mb, network_mbps),
// result (granted, rejected, cancelled).
type Metrics struct {
	Capacity         *prometheus.GaugeVec
	InUse            *prometheus.GaugeVec
	AllocationsTotal *prometheus.CounterVec
	ReleasesTotal    prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Registering twice with the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "capacity",
			Help:      "Configured capacity per resource dimension",
		}, []string{"resource"}),

		InUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_use",
			Help:      "Currently allocated amount per resource dimension",
		}, []string{"resource"}),

		AllocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "allocations_total",
			Help:      "Allocation requests by result",
		}, []string{"result"}),

		ReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "releases_total",
			Help:      "Released allocations",
		}),
	}
}
