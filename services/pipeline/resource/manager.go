// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource grants stage-level resource allocations.
//
// The engine asks the Manager for a stage's joint requirements before the
// stage starts and releases the allocation at the stage barrier.
package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// Allocation is a granted share of the capacity.
type Allocation struct {
	ID           string                    `json:"id"`
	Requirements unit.ResourceRequirements `json:"requirements"`
	GrantedAt    time.Time                 `json:"granted_at"`
}

// Manager grants and reclaims allocations.
type Manager interface {
	// Allocate reserves req. It fails with unit.ErrResourceUnavailable when
	// the request cannot be satisfied.
	Allocate(ctx context.Context, req unit.ResourceRequirements) (Allocation, error)

	// Release returns an allocation. Releasing an unknown id is an error.
	Release(id string) error

	// Capacity is the total budget. Zero components are unbounded.
	Capacity() unit.ResourceRequirements

	// Available is the unallocated remainder of Capacity.
	Available() unit.ResourceRequirements
}

// Dimension names used in metrics and utilisation samples.
const (
	DimCPU     = "cpu"
	DimMemory  = "memory_mb"
	DimDisk    = "disk_mb"
	DimNetwork = "network_mbps"
)

// cpuScale converts fractional cores to semaphore weights.
const cpuScale = 1000

type dimension struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
}

// LocalManager is an in-process Manager backed by one weighted semaphore
// per bounded dimension.
//
// Thread Safety: safe for concurrent use.
type LocalManager struct {
	capacity unit.ResourceRequirements
	dims     []*dimension
	blocking bool
	metrics  *Metrics

	mu          sync.Mutex
	allocations map[string]Allocation
	inUse       unit.ResourceRequirements
}

// Option configures a LocalManager.
type Option func(*LocalManager)

// WithBlocking makes Allocate wait for capacity until ctx is done instead of
// failing immediately.
func WithBlocking() Option { return func(m *LocalManager) { m.blocking = true } }

// WithMetrics publishes capacity and usage to m.
func WithMetrics(metrics *Metrics) Option { return func(m *LocalManager) { m.metrics = metrics } }

// NewLocalManager creates a manager with the given capacity.
func NewLocalManager(capacity unit.ResourceRequirements, opts ...Option) *LocalManager {
	m := &LocalManager{
		capacity:    capacity,
		allocations: make(map[string]Allocation),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, d := range []*dimension{
		{name: DimCPU, capacity: int64(math.Round(capacity.CPU * cpuScale))},
		{name: DimMemory, capacity: capacity.MemoryMB},
		{name: DimDisk, capacity: capacity.DiskMB},
		{name: DimNetwork, capacity: capacity.NetworkMbps},
	} {
		if d.capacity > 0 {
			d.sem = semaphore.NewWeighted(d.capacity)
		}
		m.dims = append(m.dims, d)
		if m.metrics != nil {
			m.metrics.Capacity.WithLabelValues(d.name).Set(float64(d.capacity) / scaleOf(d.name))
		}
	}
	return m
}

func scaleOf(dim string) float64 {
	if dim == DimCPU {
		return cpuScale
	}
	return 1
}

func weights(req unit.ResourceRequirements) []int64 {
	return []int64{
		int64(math.Round(req.CPU * cpuScale)),
		req.MemoryMB,
		req.DiskMB,
		req.NetworkMbps,
	}
}

// Capacity returns the configured budget.
func (m *LocalManager) Capacity() unit.ResourceRequirements { return m.capacity }

// Available returns the unallocated budget. Unbounded dimensions report
// zero.
func (m *LocalManager) Available() unit.ResourceRequirements {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := unit.ResourceRequirements{}
	if m.capacity.CPU > 0 {
		avail.CPU = m.capacity.CPU - m.inUse.CPU
	}
	if m.capacity.MemoryMB > 0 {
		avail.MemoryMB = m.capacity.MemoryMB - m.inUse.MemoryMB
	}
	if m.capacity.DiskMB > 0 {
		avail.DiskMB = m.capacity.DiskMB - m.inUse.DiskMB
	}
	if m.capacity.NetworkMbps > 0 {
		avail.NetworkMbps = m.capacity.NetworkMbps - m.inUse.NetworkMbps
	}
	return avail
}

// Allocate reserves req across every bounded dimension.
//
// Description:
//
//	Dimensions are acquired in a fixed order and released on partial
//	failure, so concurrent callers cannot deadlock. A request larger than
//	the capacity of any dimension fails immediately even in blocking mode.
//
// Outputs:
//
//	Allocation - The grant.
//	error - Wraps unit.ErrResourceUnavailable, or ctx's error in blocking
//	        mode.
func (m *LocalManager) Allocate(ctx context.Context, req unit.ResourceRequirements) (Allocation, error) {
	if req.CPU < 0 || req.MemoryMB < 0 || req.DiskMB < 0 || req.NetworkMbps < 0 {
		return Allocation{}, fmt.Errorf("%w: negative resource request %s", unit.ErrInvalidInput, req)
	}
	if !req.Fits(m.capacity) {
		m.count("rejected")
		return Allocation{}, fmt.Errorf("%w: request %s exceeds capacity %s", unit.ErrResourceUnavailable, req, m.capacity)
	}

	w := weights(req)
	var acquired []int
	rollback := func() {
		for _, i := range acquired {
			m.dims[i].sem.Release(w[i])
		}
	}
	for i, d := range m.dims {
		if d.sem == nil || w[i] == 0 {
			continue
		}
		if m.blocking {
			if err := d.sem.Acquire(ctx, w[i]); err != nil {
				rollback()
				m.count("cancelled")
				return Allocation{}, fmt.Errorf("%w: waiting for %s: %v", unit.ErrResourceUnavailable, d.name, err)
			}
		} else if !d.sem.TryAcquire(w[i]) {
			rollback()
			m.count("rejected")
			return Allocation{}, fmt.Errorf("%w: insufficient %s for request %s (available %s)",
				unit.ErrResourceUnavailable, d.name, req, m.Available())
		}
		acquired = append(acquired, i)
	}

	a := Allocation{ID: uuid.NewString(), Requirements: req, GrantedAt: time.Now()}
	m.mu.Lock()
	m.allocations[a.ID] = a
	m.inUse = m.inUse.Add(req)
	m.publishLocked()
	m.mu.Unlock()
	m.count("granted")
	return a, nil
}

// Release returns the allocation with the given id.
func (m *LocalManager) Release(id string) error {
	m.mu.Lock()
	a, ok := m.allocations[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown allocation %q", unit.ErrInvalidInput, id)
	}
	delete(m.allocations, id)
	m.inUse = subtract(m.inUse, a.Requirements)
	m.publishLocked()
	m.mu.Unlock()

	w := weights(a.Requirements)
	for i, d := range m.dims {
		if d.sem != nil && w[i] > 0 {
			d.sem.Release(w[i])
		}
	}
	if m.metrics != nil {
		m.metrics.ReleasesTotal.Inc()
	}
	return nil
}

// Allocations returns the number of outstanding allocations.
func (m *LocalManager) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

// Utilization returns the allocated fraction of each bounded dimension.
func (m *LocalManager) Utilization() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Utilization(m.capacity, m.inUse)
}

// Utilization returns used/capacity per bounded dimension.
func Utilization(capacity, used unit.ResourceRequirements) map[string]float64 {
	out := make(map[string]float64, 4)
	if capacity.CPU > 0 {
		out[DimCPU] = used.CPU / capacity.CPU
	}
	if capacity.MemoryMB > 0 {
		out[DimMemory] = float64(used.MemoryMB) / float64(capacity.MemoryMB)
	}
	if capacity.DiskMB > 0 {
		out[DimDisk] = float64(used.DiskMB) / float64(capacity.DiskMB)
	}
	if capacity.NetworkMbps > 0 {
		out[DimNetwork] = float64(used.NetworkMbps) / float64(capacity.NetworkMbps)
	}
	return out
}

func (m *LocalManager) publishLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.InUse.WithLabelValues(DimCPU).Set(m.inUse.CPU)
	m.metrics.InUse.WithLabelValues(DimMemory).Set(float64(m.inUse.MemoryMB))
	m.metrics.InUse.WithLabelValues(DimDisk).Set(float64(m.inUse.DiskMB))
	m.metrics.InUse.WithLabelValues(DimNetwork).Set(float64(m.inUse.NetworkMbps))
}

func (m *LocalManager) count(result string) {
	if m.metrics != nil {
		m.metrics.AllocationsTotal.WithLabelValues(result).Inc()
	}
}

func subtract(a, b unit.ResourceRequirements) unit.ResourceRequirements {
	return unit.ResourceRequirements{
		CPU:         a.CPU - b.CPU,
		MemoryMB:    a.MemoryMB - b.MemoryMB,
		DiskMB:      a.DiskMB - b.DiskMB,
		NetworkMbps: a.NetworkMbps - b.NetworkMbps,
	}
}
