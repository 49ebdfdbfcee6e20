// Package timeslicemgr implements the TimesliceManager of spec §4.G:
// assignment of timeslice indices to compute connections, tracking of
// transmitted/rdma-acked/fully-acked state, and reassignment on
// connection failure. It plays the role the teacher's
// raft/tracker.ProgressMap plays for log replication — one progress
// record per remote target — adapted from "index the follower has
// replicated up to" to "which connection owns which timeslice, and how
// far along its lifecycle is it".
package timeslicemgr

import (
	"fmt"
	"time"

	"github.com/flesnet-go/tsbuilder/internal/metrics"
	"github.com/flesnet-go/tsbuilder/internal/sizedmap"
)

// TimesliceInfo is the per-(connection, timeslice) record of spec §3.
type TimesliceInfo struct {
	TransmitTime           time.Time
	Size                   uint64
	DescriptorIndexAtPeer  uint64
	RDMAAcked              bool
	RDMAAckedAt            time.Time
	CompletionAcked        bool
}

// FailedConnection is the external liveness signal of spec §4.J:
// {dead_connection_idx, trigger_timeslice}.
type FailedConnection struct {
	ConnIdx         uint32
	TriggerTimeslice uint64
}

type connState struct {
	// lastDesc is the next descriptor index to assign on this
	// connection (dense, monotone in transmit order).
	lastDesc uint64
	// tsInfo maps timeslice -> TimesliceInfo for timeslices transmitted
	// to this connection and not yet fully acked/evicted.
	tsInfo *sizedmap.Map[TimesliceInfo]
	// descToTS maps descriptor index at peer -> timeslice, so a status
	// message's last_acked_descriptor can be translated back.
	descToTS *sizedmap.Map[uint64]
	failed   bool
}

// Manager assigns timeslices to connections and tracks their lifecycle.
type Manager struct {
	numConns int
	// freq is the weighted compute distribution; freq[c] is the number
	// of consecutive timeslices routed to connection c in one round of
	// the assignment cycle. Uniform freq (all 1s) is plain round robin.
	freq []int
	// cycle is the round-robin/weighted virtual-to-physical mapping
	// built from freq, rebuilt whenever freq changes.
	cycle []int

	nextUnassigned uint64
	// assignment records, for every timeslice already assigned, which
	// connection owns it — needed so update_compute_distribution_frequency
	// can find already-transmitted timeslices whose owner changed.
	assignment map[uint64]uint32
	conns      []*connState

	pending map[uint32][]uint64 // per-connection queue of assigned-but-unsent timeslices
}

// New creates a Manager for numConns connections, each retaining up to
// historyCap TimesliceInfo/descriptor mappings (bounded per spec §2.B).
func New(numConns int, historyCap int) *Manager {
	m := &Manager{
		numConns:   numConns,
		freq:       make([]int, numConns),
		assignment: make(map[uint64]uint32),
		conns:      make([]*connState, numConns),
		pending:    make(map[uint32][]uint64),
	}
	for i := range m.freq {
		m.freq[i] = 1
	}
	for i := range m.conns {
		m.conns[i] = &connState{
			tsInfo:   sizedmap.New[TimesliceInfo](historyCap),
			descToTS: sizedmap.New[uint64](historyCap),
		}
	}
	m.rebuildCycle()
	return m
}

func (m *Manager) rebuildCycle() {
	m.cycle = m.cycle[:0]
	for c, f := range m.freq {
		for i := 0; i < f; i++ {
			m.cycle = append(m.cycle, c)
		}
	}
	if len(m.cycle) == 0 {
		for c := range m.freq {
			m.cycle = append(m.cycle, c)
		}
	}
}

func (m *Manager) connFor(ts uint64) uint32 {
	if c, ok := m.assignment[ts]; ok {
		return c
	}
	return uint32(m.cycle[ts%uint64(len(m.cycle))])
}

// PeekFor reports the next unsent timeslice assigned to connIdx, if any,
// without committing it: the assignment stream only advances once the
// caller confirms via Consume that the timeslice was actually handed to
// the connection. Callers that need to inspect a candidate timeslice
// (its size, its descriptors) before deciding whether the connection has
// credit and buffer space for it must Peek, decide, then Consume on
// success only — otherwise a rejected candidate would be silently lost.
func (m *Manager) PeekFor(connIdx uint32) (uint64, bool) {
	if q := m.pending[connIdx]; len(q) > 0 {
		return q[0], true
	}
	candidate := m.nextUnassigned
	if m.connFor(candidate) != connIdx {
		// This slot belongs to someone else in the stream; only advance
		// nextUnassigned when the owning connection actually claims it,
		// so callers polling out of turn don't starve others.
		return 0, false
	}
	return candidate, true
}

// Consume commits a timeslice previously returned by PeekFor(connIdx),
// advancing the assignment stream. Calling Consume with a ts that was
// not the most recent Peek result for connIdx is a no-op.
func (m *Manager) Consume(connIdx uint32, ts uint64) {
	if q := m.pending[connIdx]; len(q) > 0 {
		if q[0] == ts {
			m.pending[connIdx] = q[1:]
		}
		return
	}
	if ts == m.nextUnassigned {
		m.nextUnassigned++
	}
}

// NextFor returns the next unsent timeslice assigned to connIdx, if any,
// and immediately commits it. Equivalent to PeekFor followed by Consume;
// kept for callers that don't need the peek/commit split.
func (m *Manager) NextFor(connIdx uint32) (uint64, bool) {
	ts, ok := m.PeekFor(connIdx)
	if ok {
		m.Consume(connIdx, ts)
	}
	return ts, ok
}

// MarkTransmitted records that timeslice ts of size bytes was handed to
// connIdx for transmission (spec §4.G mark_transmitted).
func (m *Manager) MarkTransmitted(connIdx uint32, ts uint64, size uint64) {
	cs := m.conns[connIdx]
	descIdx := cs.lastDesc
	cs.lastDesc++
	m.assignment[ts] = connIdx
	cs.tsInfo.Put(ts, TimesliceInfo{TransmitTime: time.Now(), Size: size, DescriptorIndexAtPeer: descIdx})
	cs.descToTS.Put(descIdx, ts)
}

// MarkRDMAWriteAcked records the local write-completion latency for a
// timeslice. Returns false if ts is absent (already redistributed).
func (m *Manager) MarkRDMAWriteAcked(connIdx uint32, ts uint64) bool {
	cs := m.conns[connIdx]
	info, ok := cs.tsInfo.Get(ts)
	if !ok {
		return false
	}
	info.RDMAAcked = true
	info.RDMAAckedAt = time.Now()
	cs.tsInfo.Put(ts, info)
	metrics.AckLatencySeconds.WithLabelValues(fmt.Sprint(connIdx)).Observe(info.RDMAAckedAt.Sub(info.TransmitTime).Seconds())
	return true
}

// MarkCompletionAcked acknowledges all timeslices on connIdx whose
// descriptor index at the peer is <= upToDesc, returning their average
// transmit-to-ack latency.
func (m *Manager) MarkCompletionAcked(connIdx uint32, upToDesc uint64) time.Duration {
	cs := m.conns[connIdx]
	var total time.Duration
	var n int
	var acked []uint64
	cs.descToTS.AscendRange(0, upToDesc+1, func(descIdx uint64, ts uint64) bool {
		if info, ok := cs.tsInfo.Get(ts); ok {
			info.CompletionAcked = true
			total += time.Since(info.TransmitTime)
			n++
			acked = append(acked, ts)
			cs.tsInfo.Put(ts, info)
		}
		return true
	})
	for _, ts := range acked {
		cs.tsInfo.Delete(ts)
		delete(m.assignment, ts)
	}
	// descToTS entries at or below upToDesc are now stale; drop them so the
	// bounded map doesn't accrete every descriptor index forever.
	var toDrop []uint64
	cs.descToTS.AscendRange(0, upToDesc+1, func(descIdx uint64, ts uint64) bool {
		toDrop = append(toDrop, descIdx)
		return true
	})
	for _, d := range toDrop {
		cs.descToTS.Delete(d)
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// ConsiderRescheduleDecision un-marks as transmitted every timeslice
// that was sent to failed.ConnIdx at or after failed.TriggerTimeslice
// and returns them for redistribution, marking the connection failed so
// no future write is attempted against it (spec §4.G, §4.J, §8
// invariant 7).
func (m *Manager) ConsiderRescheduleDecision(failed FailedConnection) []uint64 {
	cs := m.conns[failed.ConnIdx]
	cs.failed = true

	var moved []uint64
	cs.tsInfo.Ascend(func(ts uint64, info TimesliceInfo) bool {
		if ts >= failed.TriggerTimeslice && !info.CompletionAcked {
			moved = append(moved, ts)
		}
		return true
	})
	for _, ts := range moved {
		cs.tsInfo.Delete(ts)
		delete(m.assignment, ts)
	}
	metrics.ReassignedTimeslices.WithLabelValues(fmt.Sprint(failed.ConnIdx)).Add(float64(len(moved)))

	// Redistribute to the remaining live connections round-robin,
	// queued so NextFor drains them before the regular stream.
	live := m.liveConns(failed.ConnIdx)
	if len(live) == 0 {
		return moved
	}
	for i, ts := range moved {
		target := live[i%len(live)]
		m.pending[target] = append(m.pending[target], ts)
	}
	return moved
}

func (m *Manager) liveConns(exclude uint32) []uint32 {
	var out []uint32
	for i, cs := range m.conns {
		if uint32(i) == exclude || cs.failed {
			continue
		}
		out = append(out, uint32(i))
	}
	return out
}

// UpdateComputeDistributionFrequency mutates the virtual-to-physical
// mapping and returns already-transmitted timeslices in [startTS,lastTS]
// that now belong to a different connection under the new frequency.
func (m *Manager) UpdateComputeDistributionFrequency(startTS, lastTS uint64, freq []int) []uint64 {
	m.freq = append([]int(nil), freq...)
	m.rebuildCycle()
	cycle := m.cycle

	var moved []uint64
	for ts := startTS; ts <= lastTS; ts++ {
		oldOwner, assigned := m.assignment[ts]
		if !assigned {
			continue
		}
		newOwner := uint32(cycle[ts%uint64(len(cycle))])
		if oldOwner != newOwner {
			m.assignment[ts] = newOwner
			moved = append(moved, ts)
		}
	}
	return moved
}

// GetLastTsBeforeBlockage returns the greatest timeslice on connIdx such
// that it and every tracked timeslice before it on the same connection
// are RDMA-acked: the walk stops at the first RDMA-un-acked timeslice.
// The peer's buffer window is not consulted.
func (m *Manager) GetLastTsBeforeBlockage(connIdx uint32) (uint64, bool) {
	cs := m.conns[connIdx]
	var last uint64
	found := false
	blocked := false
	cs.tsInfo.Ascend(func(ts uint64, info TimesliceInfo) bool {
		if !info.RDMAAcked {
			blocked = true
			return false
		}
		last, found = ts, true
		return true
	})
	_ = blocked
	return last, found
}

// NumConns returns the number of connections tracked.
func (m *Manager) NumConns() int { return m.numConns }
