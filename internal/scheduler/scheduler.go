// Package scheduler implements the IntervalScheduler of spec §4.H: a
// closed-loop controller that partitions each interval of timeslices
// into rounds, computes the next-fire time for each additional
// timeslice, and speeds up or slows down against the proposed finish
// deadline. It plays the role the teacher's raft ticker plays for
// heartbeat/election timeouts — a single-threaded, callback-driven
// timer — but paced against a negotiated deadline instead of a fixed
// interval, so it takes a clockwork.Clock the way etcdserver injects one
// for its raft ticker in tests.
package scheduler

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flesnet-go/tsbuilder/internal/metrics"
)

// SchedulerIntervalLength is the number of rounds an interval is divided
// into for pacing purposes (spec §4.H).
const SchedulerIntervalLength = 10

// AckThreshold is the fraction of timeslices in an interval that must be
// acked before the proposed-finish override is suppressed (spec §4.H).
const AckThreshold = 0.70

// IntervalMeta is the negotiated interval descriptor of spec §3.
type IntervalMeta struct {
	IntervalIndex      uint64
	StartTS            uint64
	EndTS              uint64
	ProposedStart      time.Time
	ProposedDuration   time.Duration
}

// ActualIntervalMeta is emitted back to compute nodes on completion.
type ActualIntervalMeta struct {
	IntervalIndex  uint64
	StartTS        uint64
	EndTS          uint64
	ActualStart    time.Time
	ActualDuration time.Duration
}

// runtime is the InputInterval runtime state of spec §3.
type runtime struct {
	meta IntervalMeta

	actualStart      time.Time
	countSentTS      uint64
	countAckedTS     uint64
	durationPerTS    time.Duration
	durationPerRound time.Duration
	numTSPerRound    uint64
}

func newRuntime(meta IntervalMeta, clock clockwork.Clock) *runtime {
	total := meta.EndTS - meta.StartTS + 1
	numPerRound := total / SchedulerIntervalLength
	if numPerRound == 0 {
		numPerRound = 1
	}
	return &runtime{
		meta:             meta,
		actualStart:      clock.Now(),
		durationPerTS:    time.Duration(int64(meta.ProposedDuration) / int64(total)),
		durationPerRound: time.Duration(int64(meta.ProposedDuration) / SchedulerIntervalLength),
		numTSPerRound:    numPerRound,
	}
}

// Scheduler drives one input connection's pacing across successive
// intervals.
type Scheduler struct {
	clock   clockwork.Clock
	log     *zap.Logger
	target  string
	current *runtime
	extend  time.Duration // interval_gap extension requested by a failure (spec §4.J)
}

// New creates a Scheduler for the named compute target.
func New(target string, clock clockwork.Clock, log *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{clock: clock, log: log, target: target}
}

// BeginInterval starts pacing a new interval. If the interval is too
// short to divide into SchedulerIntervalLength rounds, durationPerRound
// collapses to zero (spec §9 Open Question); rather than fire every
// timeslice in a silent busy loop, that regime is logged once here, at
// the point the interval begins.
func (s *Scheduler) BeginInterval(meta IntervalMeta) {
	s.current = newRuntime(meta, s.clock)
	if s.current.durationPerRound <= 0 {
		s.log.Warn("interval too short to divide into rounds, firing every timeslice immediately",
			zap.String("target", s.target),
			zap.Uint64("interval", meta.IntervalIndex),
			zap.Duration("proposed_duration", meta.ProposedDuration))
	}
}

// ProposedDuration returns the current interval's negotiated duration,
// including any extension granted by ExtendForFailure.
func (s *Scheduler) ProposedDuration() time.Duration {
	if s.current == nil {
		return 0
	}
	return s.current.meta.ProposedDuration
}

// ExtendForFailure absorbs the FailureOracle's requested extension into
// the currently-running interval's deadline (spec §4.J).
func (s *Scheduler) ExtendForFailure(gap time.Duration) {
	s.extend += gap
	if s.current != nil {
		s.current.meta.ProposedDuration += gap
	}
}

func (s *Scheduler) expectedSentTS() uint64 {
	r := s.current
	if r.durationPerTS <= 0 {
		return r.countSentTS // undefined regime (spec §9): don't project ahead
	}
	elapsed := s.clock.Since(r.actualStart)
	return uint64(elapsed / r.durationPerTS)
}

// NoteSent records that one additional timeslice has been sent in the
// current interval. A no-op before the first BeginInterval.
func (s *Scheduler) NoteSent() {
	if s.current == nil {
		return
	}
	s.current.countSentTS++
}

// NoteAcked records that one additional timeslice in the current
// interval reached full ack. A no-op before the first BeginInterval.
func (s *Scheduler) NoteAcked() {
	if s.current == nil {
		return
	}
	s.current.countAckedTS++
}

// AckFraction returns countAckedTS / total timeslices in the interval.
func (s *Scheduler) AckFraction() float64 {
	r := s.current
	if r == nil {
		return 0
	}
	total := r.meta.EndTS - r.meta.StartTS + 1
	if total == 0 {
		return 1
	}
	return float64(r.countAckedTS) / float64(total)
}

// GetNextFireTime returns the delay, relative to now, before the next
// timeslice send should be attempted (spec §4.H). Before any interval
// has been started it returns 0, imposing no pacing gate.
func (s *Scheduler) GetNextFireTime() time.Duration {
	r := s.current
	if r == nil {
		return 0
	}
	deadline := r.meta.ProposedStart.Add(r.meta.ProposedDuration)
	if !s.clock.Now().Before(deadline) && s.AckFraction() < AckThreshold {
		return 0 // deadline reached and not enough acked: fire immediately
	}

	expected := s.expectedSentTS()
	sent := r.countSentTS

	switch {
	case expected == sent:
		return r.durationPerRound
	case expected < sent:
		ahead := sent - expected - 1
		return r.durationPerRound + time.Duration(ahead)*r.durationPerTS
	case expected-sent >= r.numTSPerRound:
		return 0 // a full round behind: fire immediately
	default:
		behind := expected - sent
		d := r.durationPerRound - time.Duration(behind)*r.durationPerTS
		if d < 0 {
			return 0
		}
		return d
	}
}

// Complete reports whether the current interval satisfies its
// completion predicate (spec §4.H): all timeslices sent and the ack
// threshold reached. False before any interval has been started.
func (s *Scheduler) Complete() bool {
	r := s.current
	if r == nil {
		return false
	}
	total := r.meta.EndTS - r.meta.StartTS + 1
	return r.countSentTS == total && s.AckFraction() >= AckThreshold
}

// FinishInterval emits the actual IntervalMeta for the just-completed
// interval and records drift against the proposed duration. Returns
// the zero value without an active interval.
func (s *Scheduler) FinishInterval() ActualIntervalMeta {
	r := s.current
	if r == nil {
		return ActualIntervalMeta{}
	}
	actualDuration := s.clock.Since(r.actualStart)
	metrics.IntervalDriftSeconds.WithLabelValues(s.target).Observe((actualDuration - r.meta.ProposedDuration).Seconds())
	return ActualIntervalMeta{
		IntervalIndex:  r.meta.IntervalIndex,
		StartTS:        r.meta.StartTS,
		EndTS:          r.meta.EndTS,
		ActualStart:    r.actualStart,
		ActualDuration: actualDuration,
	}
}

// CheckDeadline validates the interval-deadline invariant of spec §8:
// actual_duration <= proposed_duration + interval_gap.
func (s *Scheduler) CheckDeadline(actual ActualIntervalMeta, proposedDuration, intervalGap time.Duration) error {
	if actual.ActualDuration > proposedDuration+intervalGap {
		return fmt.Errorf("scheduler: interval %d overran deadline: actual=%s proposed=%s gap=%s",
			actual.IntervalIndex, actual.ActualDuration, proposedDuration, intervalGap)
	}
	return nil
}
