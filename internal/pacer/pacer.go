// Package pacer implements the ComputePacer of spec §4.I: the
// compute-side aggregator that watches every input connection's
// contribution stream for an interval and proposes the local wall-clock
// time at which each input should send its first contribution of the
// next interval, correcting for per-input clock skew, the input's
// round-robin position, and slack owed to inputs ahead of it. It plays
// the same role the teacher's raft ticker plays on the follower side of
// a heartbeat exchange -- reactive to received timestamps rather than
// driving its own send schedule -- so it takes a clockwork.Clock for
// the same testability reason scheduler.Scheduler does.
package pacer

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flesnet-go/tsbuilder/internal/sizedmap"
)

// IntervalLength is INTERVAL_LENGTH from spec §4.I: the number of
// timeslices each input contributes within one interval before the
// interval index advances.
const IntervalLength = 10

// contributionHistory bounds how many past contributions per input this
// pacer retains, so a long-running compute node's memory use doesn't
// grow with total timeslices processed.
const contributionHistory = 4 * IntervalLength

// Contribution is one input's report of a single timeslice arrival
// (spec §4.I's `(T, sent_time_i, proposed_time_i, per_ts_duration_i)`
// tuple).
type Contribution struct {
	Timeslice     uint64
	SentAt        time.Time // input-node-local wall clock at send time
	ProposedAt    time.Time
	PerTSDuration time.Duration
}

type inputState struct {
	history      *sizedmap.Map[Contribution]
	received     uint64
	clockOffset  time.Duration
	bootstrapped bool
	minDuration  time.Duration
	alpha        float64 // α[i], spec §4.I step 9
}

// Pacer computes get_next_interval_sent_time (spec §4.I) for one
// compute node watching numInputs input connections, each assigned a
// round-robin residue of timeslices (input j owns every T with
// T mod numInputs == j).
type Pacer struct {
	clock  clockwork.Clock
	inputs []*inputState

	// θ (theta) adjustment history (spec §4.I "Theta adjustment"):
	// the previous two intervals' actual durations and whether the
	// most recent one completed.
	prevIntervalDuration     time.Duration
	prevPrevIntervalDuration time.Duration
	prevIntervalComplete     bool
}

// New creates a Pacer for numInputs input connections. alpha[i] is the
// per-input slack factor of spec §4.I step 9; a nil or short slice
// leaves the corresponding inputs at α=0.
func New(numInputs int, alpha []float64, clock clockwork.Clock) *Pacer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	inputs := make([]*inputState, numInputs)
	for i := range inputs {
		a := 0.0
		if i < len(alpha) {
			a = alpha[i]
		}
		inputs[i] = &inputState{history: sizedmap.New[Contribution](contributionHistory), alpha: a}
	}
	return &Pacer{clock: clock, inputs: inputs}
}

// Bootstrap records this compute node's clock-skew estimate against
// input i at the MPI-barrier-style startup rendezvous (spec §4.I
// "Clock-skew bootstrap"): clock_offset[i] = compute_local - input_i_local.
func (p *Pacer) Bootstrap(i int, computeLocal, inputLocal time.Time) {
	p.inputs[i].clockOffset = computeLocal.Sub(inputLocal)
	p.inputs[i].bootstrapped = true
}

// ClockOffset returns the current skew estimate for input i.
func (p *Pacer) ClockOffset(i int) time.Duration {
	return p.inputs[i].clockOffset
}

// ObserveContribution folds one input's arrival tuple into this
// pacer's per-input history. If the MPI-barrier bootstrap was never
// performed for this input, the first observed contribution's implied
// offset stands in for it, so the pacer degrades gracefully rather
// than proposing times relative to an unset zero offset.
func (p *Pacer) ObserveContribution(i int, c Contribution) {
	in := p.inputs[i]
	if !in.bootstrapped {
		in.clockOffset = p.clock.Now().Sub(c.SentAt)
		in.bootstrapped = true
	}
	in.history.Put(c.Timeslice, c)
	in.received++
	if in.minDuration == 0 || (c.PerTSDuration > 0 && c.PerTSDuration < in.minDuration) {
		in.minDuration = c.PerTSDuration
	}
}

// lastComplete returns T_last (spec §4.I step 1): the highest
// timeslice for which every input has now delivered its round-robin
// share, assuming in-order per-input delivery (spec §5's per-connection
// ordering guarantee). False if no input has contributed yet.
func (p *Pacer) lastComplete() (uint64, bool) {
	n := uint64(len(p.inputs))
	if n == 0 {
		return 0, false
	}
	minReceived := p.inputs[0].received
	for _, in := range p.inputs[1:] {
		if in.received < minReceived {
			minReceived = in.received
		}
	}
	if minReceived == 0 {
		return 0, false
	}
	return n*minReceived - 1, true
}

// GetNextIntervalSentTime computes the proposed send-time for input
// i's first contribution of the next interval (spec §4.I
// get_next_interval_sent_time, steps 1-10). Spec step 2-3 derive an
// interval-local index "c" from T_last itself (the round-robin residue
// that owns the last completed timeslice); both t_first_recv and
// t_last_recv are read from that same owning input's history, since
// under round-robin ownership no other input ever records an entry at
// a residue-c timeslice index. It returns the zero Time if no
// timeslice has completed across all inputs yet, or if the history
// needed for steps 6-7 has already been evicted.
func (p *Pacer) GetNextIntervalSentTime(i int) time.Time {
	n := uint64(len(p.inputs))
	tLast, ok := p.lastComplete()
	if !ok {
		return time.Time{}
	}

	// Step 2-3: interval_index and current_interval_start.
	intervalIndex := tLast / (IntervalLength * n)
	c := tLast % n
	currentIntervalStart := intervalIndex*IntervalLength*n + c

	// Step 4-5: count_received, count_to_next.
	countReceived := (tLast-currentIntervalStart)/n + 1
	countToNext := ((intervalIndex+1)*IntervalLength*n+c-tLast)/n - 1

	inC := p.inputs[c]
	first, ok := inC.history.Get(currentIntervalStart)
	if !ok {
		return time.Time{}
	}
	// Step 6: t_first_recv.
	tFirstRecv := first.SentAt.Add(inC.clockOffset)

	last, ok := inC.history.Get(tLast)
	if !ok {
		return time.Time{}
	}
	// Step 7: t_last_recv.
	tLastRecv := last.SentAt.Add(inC.clockOffset)

	// Step 8: avg_per_ts.
	avgPerTS := time.Duration(int64(tLastRecv.Sub(tFirstRecv)) / int64(countReceived))

	// Step 9: sum_input_gap, over inputs c..i-1 in ring order, scaled by (1 + α[i]).
	var sumInputGap time.Duration
	for j := c; j%n != uint64(i); j = (j + 1) % n {
		sumInputGap += p.inputs[j].minDuration
	}
	sumInputGap = time.Duration(float64(sumInputGap) * (1 + p.inputs[i].alpha))

	// Step 10: Proposed = t_last_recv + count_to_next*avg_per_ts + sum_input_gap - clock_offset[i].
	proposed := tLastRecv.
		Add(time.Duration(int64(countToNext) * int64(avgPerTS))).
		Add(sumInputGap).
		Add(-p.inputs[i].clockOffset)
	return proposed
}

// AdjustedIntervalDuration applies the θ (theta) duration multiplier of
// spec §4.I to minTSDuration for the interval about to be proposed: θ
// is 0 if the previous interval never completed, -0.1 if its actual
// duration was no longer than the one before it, and +0.1 otherwise.
func (p *Pacer) AdjustedIntervalDuration(minTSDuration time.Duration) time.Duration {
	theta := 0.0
	if p.prevIntervalComplete {
		if p.prevIntervalDuration <= p.prevPrevIntervalDuration {
			theta = -0.1
		} else {
			theta = 0.1
		}
	}
	return time.Duration(float64(minTSDuration) * (1 + theta))
}

// RecordIntervalOutcome folds a just-finished interval's actual
// duration and completion status into the θ adjustment history
// consulted by the next AdjustedIntervalDuration call.
func (p *Pacer) RecordIntervalOutcome(actualDuration time.Duration, complete bool) {
	p.prevPrevIntervalDuration = p.prevIntervalDuration
	p.prevIntervalDuration = actualDuration
	p.prevIntervalComplete = complete
}
