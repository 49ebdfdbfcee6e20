// Package ackring implements the AckRing of spec §4.C: a sparse
// out-of-order ack accumulator that collapses to a monotonic low-water
// mark. It is the sender-side analogue of the teacher's
// raft/tracker.Inflights sliding window, adapted from a dense
// send-order window to sparse out-of-order completion marking (writes
// to independent compute connections can complete in any order).
package ackring

import "fmt"

// Ring accumulates completions for a monotonically increasing sequence
// (timeslice indices) and exposes the largest contiguous acked prefix.
type Ring struct {
	capacity uint64
	marked   []bool
	low      uint64
}

// New creates a Ring with the given capacity. Capacity must be at least
// desc_ring_size/timeslice_size + 1 per spec §3, so that no two
// outstanding timeslices ever alias the same slot.
func New(capacity uint64) (*Ring, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("ackring: capacity must be positive")
	}
	return &Ring{capacity: capacity, marked: make([]bool, capacity)}, nil
}

// Mark records timeslice t as acked, out of order relative to other
// marks. If t is exactly the current low-water mark, low-water advances
// through any contiguous run of previously-marked slots.
func (r *Ring) Mark(t uint64) {
	if t < r.low {
		return // stale or duplicate mark
	}
	if t == r.low {
		r.low++
		for r.marked[r.low%r.capacity] {
			r.marked[r.low%r.capacity] = false
			r.low++
		}
		return
	}
	r.marked[t%r.capacity] = true
}

// LowWater returns the largest k such that timeslices [0,k) have all
// been marked (property: after marking any prefix [0..k], LowWater() >= k+1).
func (r *Ring) LowWater() uint64 { return r.low }

// Capacity returns the configured ring capacity.
func (r *Ring) Capacity() uint64 { return r.capacity }
