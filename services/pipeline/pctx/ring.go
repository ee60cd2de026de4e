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

// ring is a fixed-capacity circular buffer that overwrites its oldest
// element when full.
//
// # Thread Safety
//
// NOT safe for concurrent use; Context guards it with its history lock.
type ring[T any] struct {
	data    []T
	head    int // next write position
	tail    int // oldest element
	count   int
	dropped int // elements evicted since creation
}

// newRing creates a ring with the given capacity (minimum 1).
func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

// push appends item, evicting the oldest element when full.
//
// # Outputs
//
//   - bool: True if an element was evicted.
func (r *ring[T]) push(item T) bool {
	capacity := len(r.data)
	r.data[r.head] = item
	r.head = (r.head + 1) % capacity

	if r.count == capacity {
		r.tail = (r.tail + 1) % capacity
		r.dropped++
		return true
	}
	r.count++
	return false
}

// slice copies the elements from oldest to newest.
func (r *ring[T]) slice() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.data[(r.tail+i)%len(r.data)]
	}
	return result
}

// last returns up to n elements, newest first.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	result := make([]T, n)
	for i := 0; i < n; i++ {
		idx := r.head - 1 - i
		if idx < 0 {
			idx += len(r.data)
		}
		result[i] = r.data[idx]
	}
	return result
}

func (r *ring[T]) len() int { return r.count }

func (r *ring[T]) capacity() int { return len(r.data) }
