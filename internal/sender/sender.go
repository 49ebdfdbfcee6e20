// Package sender implements the InputChannelSender of spec §4.F: the
// event loop that pulls timeslices from the producer's ring, assigns
// each to a connection via timeslicemgr, builds a wrap-aware gather
// list, submits the write, and folds completions back into the ring's
// read-index and the manager's lifecycle tracking. It is the composition
// root that the teacher's rafthttp.Transport plays for its peer table:
// one object owning every connection, dispatching completions by index
// rather than by callback closures capturing each other.
package sender

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/flesnet-go/tsbuilder/internal/ackring"
	"github.com/flesnet-go/tsbuilder/internal/connection"
	"github.com/flesnet-go/tsbuilder/internal/metrics"
	"github.com/flesnet-go/tsbuilder/internal/ringbuf"
	"github.com/flesnet-go/tsbuilder/internal/timeslicemgr"
	"github.com/flesnet-go/tsbuilder/internal/transport"
	"github.com/flesnet-go/tsbuilder/internal/wire"
)

// DescElemLen is sizeof(MicrosliceDescriptor) on the wire: two uint64
// fields, offset and size.
const DescElemLen = 16

// Params are the fixed geometry constants of spec §3: timeslice_size and
// overlap_size in microslices, and T_max, the timeslice index bound.
type Params struct {
	TimesliceSize uint64
	OverlapSize   uint64
	TMax          uint64
}

// Sender drives one input channel's send loop across n connections.
type Sender struct {
	log    *zap.Logger
	params Params

	conns []*connection.Connection
	mgr   *timeslicemgr.Manager
	ring  *ringbuf.DualRingBuffer
	ack   *ackring.Ring

	nextRR   uint32 // round-robin cursor over conns for polling NextFor
	aborted  bool
	connDone int

	// OnTimesliceSent/OnTimesliceAcked let a scheduler.Scheduler observe
	// send/ack events without this package importing scheduler, mirroring
	// connection.Connection's OnWriteComplete/OnStatusRecv hooks.
	OnTimesliceSent  func(ts uint64, connIdx uint32)
	OnTimesliceAcked func(ts uint64, connIdx uint32)
}

// New constructs a Sender over an already-built connection set, manager,
// ring, and ack accumulator. ackCapacity should follow spec §3's rule:
// desc_ring_size/timeslice_size + 1.
func New(log *zap.Logger, params Params, conns []*connection.Connection, mgr *timeslicemgr.Manager, ring *ringbuf.DualRingBuffer, ackCapacity uint64) (*Sender, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ack, err := ackring.New(ackCapacity)
	if err != nil {
		return nil, err
	}
	return &Sender{log: log, params: params, conns: conns, mgr: mgr, ring: ring, ack: ack}, nil
}

// Connect drives every connection's fabric rendezvous. It does not wait
// for on_established; callers observe connection.Connection.State() to
// detect when the fleet is ready, mirroring how the fake fabric in tests
// establishes synchronously.
func (s *Sender) Connect(ctx context.Context) error {
	for _, c := range s.conns {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("sender: connect conn %d: %w", c.Index(), err)
		}
	}
	return nil
}

// SyncBufferPositions is called once after all connections establish
// (spec §4.F step 2).
func (s *Sender) SyncBufferPositions() {
	for _, c := range s.conns {
		c.TrySyncBufferPositions()
		if err := c.PostRecvStatus(); err != nil {
			s.log.Warn("post_recv_status failed", zap.Uint32("conn", c.Index()), zap.Error(err))
		}
	}
}

// ReportStatus logs the ring's used/sending/freeing/free percentages
// (spec §4.F step 3), formatting the raw byte counts with go-humanize so
// operators reading logs see "1.2 MB" rather than a bare integer.
func (s *Sender) ReportStatus() {
	dc := s.ring.DataCursors()
	size := s.ring.Data.Size()
	if size == 0 {
		return
	}
	used := dc.Written - dc.CachedAcked
	sending := dc.Sent - dc.Acked
	freeing := dc.Acked - dc.CachedAcked
	free := size - used

	pct := func(n uint64) float64 { return 100 * float64(n) / float64(size) }
	s.log.Info("input channel status",
		zap.String("used", humanize.Bytes(used)),
		zap.Float64("used_pct", pct(used)),
		zap.String("sending", humanize.Bytes(sending)),
		zap.Float64("sending_pct", pct(sending)),
		zap.String("freeing", humanize.Bytes(freeing)),
		zap.Float64("freeing_pct", pct(freeing)),
		zap.String("free", humanize.Bytes(free)),
		zap.Float64("free_pct", pct(free)))

	metrics.RingUsedFraction.WithLabelValues("data", "used").Set(pct(used) / 100)
	metrics.RingUsedFraction.WithLabelValues("data", "sending").Set(pct(sending) / 100)
	metrics.RingUsedFraction.WithLabelValues("data", "freeing").Set(pct(freeing) / 100)
	metrics.RingUsedFraction.WithLabelValues("data", "free").Set(pct(free) / 100)
}

// TrySendTimeslice attempts to send the next timeslice assigned to
// connIdx (spec §4.F try_send_timeslice, restated per-connection since
// timeslicemgr.Manager.NextFor already resolves T -> connection the
// other way around). Returns false without error on backpressure or
// producer under-run, exactly as the spec's predicate-return design
// note (§9) requires.
func (s *Sender) TrySendTimeslice(connIdx uint32) (bool, error) {
	ts, ok := s.mgr.PeekFor(connIdx)
	if !ok {
		return false, nil
	}

	descOffset := ts * s.params.TimesliceSize
	descLength := s.params.TimesliceSize + s.params.OverlapSize

	writtenDesc, _ := s.ring.WriteIndex()
	if writtenDesc < descOffset+descLength {
		metrics.SendFailures.WithLabelValues(fmt.Sprint(connIdx)).Inc()
		return false, nil // producer under-run
	}

	first := s.ring.Desc.At(descOffset)
	last := s.ring.Desc.At(descOffset + descLength - 1)
	dataOffset := first.Offset
	dataLength := (last.Offset + last.Size) - dataOffset

	c := s.conns[connIdx]
	if !c.WriteRequestAvailable() {
		metrics.SendFailures.WithLabelValues(fmt.Sprint(connIdx)).Inc()
		return false, nil
	}
	skip := c.SkipRequired(dataLength)
	if !c.CheckForBufferSpace(dataLength+skip, descLength) {
		metrics.SendFailures.WithLabelValues(fmt.Sprint(connIdx)).Inc()
		return false, nil
	}

	segments, err := s.buildGatherList(ts, descOffset, descLength, dataOffset, dataLength, skip)
	if err != nil {
		return false, fmt.Errorf("sender: build gather list ts=%d conn=%d: %w", ts, connIdx, err)
	}

	if _, err := c.SendData(segments, ts, uint32(descLength), uint32(dataLength), uint32(skip)); err != nil {
		return false, fmt.Errorf("sender: send_data ts=%d conn=%d: %w", ts, connIdx, err)
	}
	s.mgr.Consume(connIdx, ts)
	s.mgr.MarkTransmitted(connIdx, ts, dataLength)
	if err := s.ring.MarkSent(descOffset+descLength, dataOffset+dataLength); err != nil {
		return false, err
	}
	if s.OnTimesliceSent != nil {
		s.OnTimesliceSent(ts, connIdx)
	}
	return true, nil
}

// buildGatherList constructs the on-wire timeslice payload of spec §6: a
// marshaled PayloadHeader in segment 0, followed by the 1-2 descriptor
// segments and 0-2 data segments that reconstruct
// [dataOffset, dataOffset+dataLength) (spec §4.F, invariant 4).
func (s *Sender) buildGatherList(ts, descOffset, descLength, dataOffset, dataLength, skip uint64) ([][]byte, error) {
	header, err := wire.PayloadHeader{
		Timeslice:  ts,
		DescLength: uint32(descLength),
		DataLength: uint32(dataLength),
		Skip:       uint32(skip),
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	segments := [][]byte{header}
	for _, descs := range s.ring.Desc.Slice(descOffset, descLength) {
		segments = append(segments, encodeDescriptors(descs))
	}
	segments = append(segments, s.ring.Data.Slice(dataOffset, dataLength)...)
	return segments, nil
}

func encodeDescriptors(descs []ringbuf.MicrosliceDescriptor) []byte {
	buf := make([]byte, len(descs)*DescElemLen)
	for i, d := range descs {
		binary.LittleEndian.PutUint64(buf[i*DescElemLen:], d.Offset)
		binary.LittleEndian.PutUint64(buf[i*DescElemLen+8:], d.Size)
	}
	return buf
}

// PollNext advances the round-robin poll cursor and attempts one send
// against the next connection in turn, so the caller's main loop
// (spec §4.F step 4.a) makes even progress across every connection
// instead of starving later ones behind an always-ready first connection.
func (s *Sender) PollNext() (bool, error) {
	if len(s.conns) == 0 {
		return false, nil
	}
	connIdx := s.nextRR
	s.nextRR = (s.nextRR + 1) % uint32(len(s.conns))
	return s.TrySendTimeslice(connIdx)
}

// OnCompletion dispatches a fabric completion by wr_id (spec §4.F
// on_completion).
func (s *Sender) OnCompletion(c transport.Completion) error {
	ts, connIdx, kind := transport.UnpackWRID(c.WRID)
	switch kind {
	case transport.IDWriteDesc, transport.IDWriteData:
		return s.onCompleteWrite(ts, connIdx)
	case transport.IDReceiveStat:
		return s.onCompleteRecv(connIdx)
	case transport.IDSendHeartbeat:
		return nil // heartbeat sends carry no ring-buffer state to fold in
	default:
		return fmt.Errorf("sender: UnknownCompletion wr_id=%d kind=%d", c.WRID, kind)
	}
}

func (s *Sender) onCompleteWrite(ts uint64, connIdx uint32) error {
	if int(connIdx) >= len(s.conns) {
		return fmt.Errorf("sender: UnknownCompletion conn=%d", connIdx)
	}
	conn := s.conns[connIdx]
	conn.OnCompleteWrite(ts)
	s.mgr.MarkRDMAWriteAcked(connIdx, ts)
	s.ack.Mark(ts)

	ackedTS := s.ack.LowWater()
	ackedDesc := ackedTS * s.params.TimesliceSize
	var ackedData uint64
	if ackedDesc > 0 {
		ackedData = s.ring.Desc.At(ackedDesc).Offset
	}
	if err := s.ring.MarkAcked(ackedDesc, ackedData); err != nil {
		return err
	}
	if s.OnTimesliceAcked != nil {
		s.OnTimesliceAcked(ts, connIdx)
	}
	return s.maybePublishReadIndex()
}

// readIndexPublishFraction is the producer-buffer reclamation threshold
// of spec §4.F: publish lazily, once a quarter of either ring has
// accumulated since the last publication, to amortize cross-cache-line
// writes to the producer's read-index.
const readIndexPublishFraction = 4

func (s *Sender) maybePublishReadIndex() error {
	dc := s.ring.DescCursors()
	xc := s.ring.DataCursors()
	descDelta := dc.Acked - dc.CachedAcked
	dataDelta := xc.Acked - xc.CachedAcked
	if descDelta >= s.ring.Desc.Size()/readIndexPublishFraction || dataDelta >= s.ring.Data.Size()/readIndexPublishFraction {
		return s.ring.SetReadIndex(dc.Acked, xc.Acked)
	}
	return nil
}

// onCompleteRecv decodes the status message landed by the receive
// posted in SyncBufferPositions/PostRecvStatus (spec §4.F on_completion
// "conn[cn].on_complete_recv()"), folds its peer-ack cursors and
// abort/final flags into the connection, advances the manager's
// completion-ack bookkeeping past every timeslice the peer has now
// fully acknowledged, and re-arms the receive for the next status
// message.
func (s *Sender) onCompleteRecv(connIdx uint32) error {
	if int(connIdx) >= len(s.conns) {
		return fmt.Errorf("sender: UnknownCompletion conn=%d", connIdx)
	}
	conn := s.conns[connIdx]

	msg, err := conn.DecodeStatus()
	if err != nil {
		return fmt.Errorf("sender: decode status conn=%d: %w", connIdx, err)
	}
	if err := conn.OnCompleteRecv(msg); err != nil {
		return fmt.Errorf("sender: on_complete_recv conn=%d: %w", connIdx, err)
	}

	if descBytesPerSend := (s.params.TimesliceSize + s.params.OverlapSize) * DescElemLen; descBytesPerSend > 0 {
		if numAcked := msg.AckDesc / descBytesPerSend; numAcked > 0 {
			s.mgr.MarkCompletionAcked(connIdx, numAcked-1)
		}
	}

	if conn.AbortRequested() {
		s.aborted = true
	}
	if conn.Done() {
		s.connDone++
	}
	if !conn.Done() {
		if err := conn.PostRecvStatus(); err != nil {
			s.log.Warn("re-arm post_recv_status failed", zap.Uint32("conn", connIdx), zap.Error(err))
		}
	}
	return nil
}

// Aborted reports whether any connection has raised request_abort.
func (s *Sender) Aborted() bool { return s.aborted }

// AllDone reports whether every connection has fully drained.
func (s *Sender) AllDone() bool { return s.connDone >= len(s.conns) }

// Finalize announces shutdown intent to every connection (spec §4.F
// step 5); the caller must keep polling completions until AllDone.
func (s *Sender) Finalize(abort bool) {
	for _, c := range s.conns {
		c.Finalize(abort)
		if c.Done() {
			s.connDone++
		}
	}
}
