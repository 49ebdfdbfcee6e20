// Package failureoracle bridges external liveness signals into the
// TimesliceManager's reassignment path (spec §4.J). It plays the same
// role the teacher's rafthttp pipeline/stream probers play for peer
// health, but the signal source is external here: a gRPC watch stream
// from a cluster-wide liveness service, with a probing.Prober fallback
// for the case where that service itself is unreachable and only local
// heartbeat evidence is available.
package failureoracle

import (
	"context"
	"fmt"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/xiang90/probing"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/flesnet-go/tsbuilder/internal/scheduler"
	"github.com/flesnet-go/tsbuilder/internal/timeslicemgr"
)

// LivenessEvent is the message exchanged with the external liveness
// service: a connection has been declared dead as of trigger_timeslice,
// with interval_gap_ms of extra slack the scheduler should grant to
// intervals already in flight against it. It is hand-written rather
// than protoc-generated, since this bridge only ever marshals it
// through the grpc codec at one call site and never across a
// schema-evolution boundary; it still implements proto.Message so it
// composes with gogo/protobuf's codec and text formatting the way any
// generated message would.
type LivenessEvent struct {
	DeadConnIdx      uint32
	TriggerTimeslice uint64
	IntervalGapMS    int64
}

func (m *LivenessEvent) Reset()         { *m = LivenessEvent{} }
func (m *LivenessEvent) String() string { return proto.CompactTextString(m) }
func (m *LivenessEvent) ProtoMessage()  {}

// LivenessStream is the subset of the generated watch-stream client
// this bridge depends on, so it can be faked in tests without a real
// grpc.ClientConn.
type LivenessStream interface {
	Recv() (*LivenessEvent, error)
}

// LivenessServiceClient is the subset of the generated liveness-service
// stub this bridge depends on.
type LivenessServiceClient interface {
	Watch(ctx context.Context, opts ...grpc.CallOption) (LivenessStream, error)
}

// SchedulerFor resolves the scheduler.Scheduler pacing traffic to a
// given connection index, so an extension can be applied to the right
// in-flight interval.
type SchedulerFor func(connIdx uint32) *scheduler.Scheduler

// Bridge consumes LivenessEvents and drives Manager.ConsiderRescheduleDecision
// plus the corresponding scheduler deadline extension.
type Bridge struct {
	log        *zap.Logger
	client     LivenessServiceClient
	mgr        *timeslicemgr.Manager
	schedulers SchedulerFor

	prober      probing.Prober
	probedPeers map[string]string // id -> probe endpoint URL, for the local fallback
}

// New constructs a Bridge. prober may be nil if local heartbeat probing
// is not in use for this deployment.
func New(log *zap.Logger, client LivenessServiceClient, mgr *timeslicemgr.Manager, schedulers SchedulerFor, prober probing.Prober) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		log:         log,
		client:      client,
		mgr:         mgr,
		schedulers:  schedulers,
		prober:      prober,
		probedPeers: make(map[string]string),
	}
}

// Run consumes the liveness watch stream until ctx is cancelled or the
// stream errors, applying every event it receives. It is meant to run
// in its own goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	stream, err := b.client.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failureoracle: watch: %w", err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("failureoracle: recv: %w", err)
		}
		b.Apply(evt)
	}
}

// Apply processes a single liveness event: reassigns the dead
// connection's un-acked timeslices and extends the pacing deadline for
// intervals already in flight against it.
func (b *Bridge) Apply(evt *LivenessEvent) {
	moved := b.mgr.ConsiderRescheduleDecision(timeslicemgr.FailedConnection{
		ConnIdx:          evt.DeadConnIdx,
		TriggerTimeslice: evt.TriggerTimeslice,
	})
	b.log.Warn("connection declared dead by liveness oracle",
		zap.Uint32("conn", evt.DeadConnIdx),
		zap.Uint64("trigger_timeslice", evt.TriggerTimeslice),
		zap.Int("reassigned", len(moved)))

	gap := time.Duration(evt.IntervalGapMS) * time.Millisecond
	if b.schedulers == nil || gap <= 0 {
		return
	}
	if s := b.schedulers(evt.DeadConnIdx); s != nil {
		s.ExtendForFailure(gap)
	}
}

// WatchLocal registers id (a connection's peer identity) with the local
// probing.Prober fallback, so PollLocal can report it once its probe
// fails. No LivenessEvent is synthesized from probe failures; the caller
// decides what to do with the ids PollLocal returns.
func (b *Bridge) WatchLocal(id string, probeInterval time.Duration, endpoint string) error {
	if b.prober == nil {
		return fmt.Errorf("failureoracle: no local prober configured")
	}
	b.probedPeers[id] = endpoint
	return b.prober.AddHTTP(id, probeInterval, []string{endpoint})
}

// PollLocal checks every peer registered with WatchLocal and returns the
// ids whose probe currently reports unhealthy.
func (b *Bridge) PollLocal() []string {
	if b.prober == nil {
		return nil
	}
	var unhealthy []string
	for id := range b.probedPeers {
		status, err := b.prober.Status(id)
		if err != nil {
			continue
		}
		if status.Err() != nil {
			unhealthy = append(unhealthy, id)
		}
	}
	return unhealthy
}
