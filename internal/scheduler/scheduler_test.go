package scheduler

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestScheduler(t *testing.T) (*Scheduler, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := New("compute-0", clock, nil)
	s.BeginInterval(IntervalMeta{
		IntervalIndex:    1,
		StartTS:          0,
		EndTS:            99,
		ProposedStart:    clock.Now(),
		ProposedDuration: 10 * time.Second,
	})
	return s, clock
}

func TestOnScheduleFiresAtRoundDuration(t *testing.T) {
	s, _ := newTestScheduler(t)
	// duration_per_round = 10s/10 = 1s; nothing sent yet, nothing elapsed:
	// expected == sent == 0, so fire at exactly one round.
	if got, want := s.GetNextFireTime(), 1*time.Second; got != want {
		t.Fatalf("GetNextFireTime() = %s, want %s", got, want)
	}
}

func TestAheadOfScheduleSlowsDown(t *testing.T) {
	s, _ := newTestScheduler(t)
	// duration_per_ts = 10s/100 = 100ms. Send 5 without advancing the
	// clock: expected=0, sent=5, so we're 5 timeslices ahead.
	for i := 0; i < 5; i++ {
		s.NoteSent()
	}
	got := s.GetNextFireTime()
	want := s.current.durationPerRound + 4*s.current.durationPerTS
	if got != want {
		t.Fatalf("GetNextFireTime() = %s, want %s", got, want)
	}
}

func TestFullRoundBehindFiresImmediately(t *testing.T) {
	s, clock := newTestScheduler(t)
	// numTSPerRound = 100/10 = 10. Advance the clock by a full round's
	// worth of timeslices' duration without sending any.
	clock.Advance(10 * s.current.durationPerTS)
	if got := s.GetNextFireTime(); got != 0 {
		t.Fatalf("GetNextFireTime() = %s, want 0 (full round behind)", got)
	}
}

func TestSlightlyBehindSpeedsUp(t *testing.T) {
	s, clock := newTestScheduler(t)
	clock.Advance(3 * s.current.durationPerTS) // expected=3, sent=0
	got := s.GetNextFireTime()
	want := s.current.durationPerRound - 3*s.current.durationPerTS
	if got != want {
		t.Fatalf("GetNextFireTime() = %s, want %s", got, want)
	}
}

func TestDeadlineReachedWithLowAckFiresImmediately(t *testing.T) {
	s, clock := newTestScheduler(t)
	clock.Advance(10 * time.Second)
	if got := s.GetNextFireTime(); got != 0 {
		t.Fatalf("GetNextFireTime() = %s, want 0 past deadline with low ack fraction", got)
	}
}

func TestCompletePredicate(t *testing.T) {
	s, _ := newTestScheduler(t)
	for i := 0; i < 100; i++ {
		s.NoteSent()
	}
	if s.Complete() {
		t.Fatal("should not be complete with ack fraction below threshold")
	}
	for i := 0; i < 70; i++ {
		s.NoteAcked()
	}
	if !s.Complete() {
		t.Fatal("expected complete once all sent and >=70% acked")
	}
}

func TestFinishIntervalReportsDrift(t *testing.T) {
	s, clock := newTestScheduler(t)
	clock.Advance(12 * time.Second)
	actual := s.FinishInterval()
	if actual.ActualDuration != 12*time.Second {
		t.Fatalf("ActualDuration = %s, want 12s", actual.ActualDuration)
	}
	if err := s.CheckDeadline(actual, 10*time.Second, 1*time.Second); err == nil {
		t.Fatal("expected deadline violation: 12s > 10s+1s")
	}
	if err := s.CheckDeadline(actual, 10*time.Second, 5*time.Second); err != nil {
		t.Fatalf("expected no violation with a 5s gap: %v", err)
	}
}

func TestMethodsBeforeBeginIntervalDoNotPanic(t *testing.T) {
	s := New("compute-0", clockwork.NewFakeClock(), nil)
	s.NoteSent()
	s.NoteAcked()
	if got := s.GetNextFireTime(); got != 0 {
		t.Fatalf("GetNextFireTime() before BeginInterval = %s, want 0", got)
	}
	if s.Complete() {
		t.Fatal("Complete() before BeginInterval should be false")
	}
	if got := s.FinishInterval(); got != (ActualIntervalMeta{}) {
		t.Fatalf("FinishInterval() before BeginInterval = %+v, want zero value", got)
	}
}

func TestDurationPerRoundRoundsToZeroFiresImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New("compute-0", clock, nil)
	s.BeginInterval(IntervalMeta{
		IntervalIndex:    1,
		StartTS:          0,
		EndTS:            99,
		ProposedStart:    clock.Now(),
		ProposedDuration: 5 * time.Nanosecond,
	})
	if s.current.durationPerRound != 0 {
		t.Fatalf("durationPerRound = %s, want 0 for a sub-round-granularity interval", s.current.durationPerRound)
	}
	if got := s.GetNextFireTime(); got != 0 {
		t.Fatalf("GetNextFireTime() with durationPerRound==0 = %s, want 0", got)
	}
}

func TestExtendForFailurePushesDeadlineOut(t *testing.T) {
	s, clock := newTestScheduler(t)
	want := s.current.meta.ProposedDuration + 5*time.Second
	s.ExtendForFailure(5 * time.Second)
	if got := s.current.meta.ProposedDuration; got != want {
		t.Fatalf("ProposedDuration after extend = %s, want %s", got, want)
	}

	// At the original deadline (10s), the extended deadline (15s) must not
	// yet have been reached, so the past-deadline/low-ack override is not
	// yet armed even though nothing has been acked.
	clock.Advance(10 * time.Second)
	deadline := s.current.meta.ProposedStart.Add(s.current.meta.ProposedDuration)
	if !clock.Now().Before(deadline) {
		t.Fatal("test setup invalid: extended deadline already reached")
	}
}
