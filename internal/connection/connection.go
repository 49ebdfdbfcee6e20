// Package connection implements the per-target Connection of spec
// §4.E: credit tracking, gather-list submission, recv-side status
// message processing and heartbeat. It is the input-side analogue of
// the teacher's rafthttp.peer — one connection per remote target,
// driven entirely by the owning sender's event loop, never blocking.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/time/rate"

	"github.com/flesnet-go/tsbuilder/internal/metrics"
	"github.com/flesnet-go/tsbuilder/internal/transport"
	"github.com/flesnet-go/tsbuilder/internal/wire"
	"go.uber.org/zap"
)

// State is the connection's position in the state machine of spec §4.E:
// Idle -> Connecting -> Established -> Draining -> Closed, with a
// single Rejected -> Idle retry before Failed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateEstablished
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrPeerUnreachable is fatal: a second rejection after the one
	// automatic retry (spec §4.E on_rejected, §7 ConnectionRejected).
	ErrPeerUnreachable = errors.New("connection: peer unreachable after retry")
	// ErrNotEstablished guards operations that require an established
	// connection.
	ErrNotEstablished = errors.New("connection: not established")
	// ErrIncompatibleProtocol is fatal: the peer advertised a protocol
	// major version different from ours at on_established.
	ErrIncompatibleProtocol = errors.New("connection: incompatible protocol version")
)

// ProtocolVersion is this build's wire protocol version, exchanged
// during on_established so a rolling upgrade never pairs incompatible
// major versions across an input/compute connection.
var ProtocolVersion = semver.New("1.0.0")

// Config holds the per-connection tunables named in spec §4.E and its
// credit formula. MaxSendWR and NumCQE are the Open Question constants
// (spec §9): this package applies the spec's formula to whatever values
// the caller supplies, without inventing defaults.
type Config struct {
	Index       uint32
	PeerAddr    string
	MaxSendWR   int
	NumCQE      int
	NumCompute  int
	RetryFreq   rate.Limit // DialRetryFrequency analogue
	DescElemLen uint64     // sizeof(MicrosliceDescriptor) in bytes
}

// MaxPendingWrites applies spec §4.E's formula:
// min((max_send_wr-1)/3, (num_cqe-1)/n_compute).
func (c Config) MaxPendingWrites() int {
	if c.NumCompute <= 0 {
		return 0
	}
	a := (c.MaxSendWR - 1) / 3
	b := (c.NumCQE - 1) / c.NumCompute
	if a < b {
		return a
	}
	return b
}

// peerRing tracks one ring's worth of peer cursor state (either the
// descriptor ring or the data ring on the remote side).
type peerRing struct {
	capacity     uint64
	writeCursor  uint64
	ackCursor    uint64
}

func (r *peerRing) skipRequired(length uint64) uint64 {
	if r.capacity == 0 {
		return 0
	}
	pos := r.writeCursor % r.capacity
	if pos+length <= r.capacity {
		return 0
	}
	return r.capacity - pos
}

func (r *peerRing) hasSpace(length uint64) bool {
	if r.capacity == 0 {
		return length == 0
	}
	used := r.writeCursor - r.ackCursor
	return length <= r.capacity-used
}

// writeOffset returns the ring position a write of skip bytes of padding
// followed by the real payload lands at: the payload starts past the
// wrap point (position 0) whenever skip is non-zero, since skip is
// exactly the padding needed to reach capacity from the current cursor.
func (r *peerRing) writeOffset(skip uint64) uint64 {
	if r.capacity == 0 {
		return 0
	}
	return (r.writeCursor + skip) % r.capacity
}

func (r *peerRing) advanceWrite(length uint64) { r.writeCursor += length }
func (r *peerRing) advanceAck(to uint64) error {
	if to < r.ackCursor {
		return fmt.Errorf("connection: peer ack cursor went backwards: %d < %d", to, r.ackCursor)
	}
	if to > r.writeCursor {
		return fmt.Errorf("connection: peer ack cursor ahead of write cursor: %d > %d", to, r.writeCursor)
	}
	r.ackCursor = to
	return nil
}

// Connection is a single input-node-to-compute-node endpoint.
type Connection struct {
	cfg Config
	log *zap.Logger
	tr  transport.RemoteWriteTransport

	ep    transport.Endpoint
	state State

	rejectedOnce bool

	inFlightWrites   int
	maxPendingWrites int

	desc peerRing
	data peerRing

	abortRequested bool
	finalizing     bool
	done           bool

	rl *rate.Limiter

	// statusBuf is the landing buffer for the peer's status messages,
	// filled in place by the fabric before a receive completion is
	// delivered for the wr_id posted in PostRecvStatus.
	statusBuf []byte

	// OnWriteComplete/OnStatusRecv let the owning sender react to
	// completions without this package importing sender or
	// timeslicemgr (kept as narrow callback hooks, not back-pointers,
	// per spec §9's "no back-pointers" design note).
	OnWriteComplete func(timeslice uint64)
	OnStatusRecv    func(msg wire.StatusMessage)
}

// New constructs a Connection in StateIdle.
func New(cfg Config, log *zap.Logger, tr transport.RemoteWriteTransport) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		cfg:              cfg,
		log:              log,
		tr:               tr,
		state:            StateIdle,
		maxPendingWrites: cfg.MaxPendingWrites(),
		rl:               rate.NewLimiter(cfg.RetryFreq, 1),
	}
}

// Connect initiates the fabric-level rendezvous (spec §4.E connect()).
func (c *Connection) Connect(ctx context.Context) error {
	ep, err := c.tr.Endpoint(ctx, c.cfg.PeerAddr)
	if err != nil {
		if errors.Is(err, transport.ErrFabricUnreachable) {
			return transport.ErrFabricUnreachable
		}
		return err
	}
	c.ep = ep
	c.state = StateConnecting
	return nil
}

// OnEstablished transitions Connecting -> Established, validates the
// peer's advertised protocol version against ours, and records the
// peer's advertised buffer sizes, resetting credit accounting.
func (c *Connection) OnEstablished(peerVersion *semver.Version, peerDataCapacity, peerDescCapacity uint64) error {
	if c.state != StateConnecting {
		return fmt.Errorf("connection: on_established from state %s", c.state)
	}
	if peerVersion != nil && peerVersion.Major != ProtocolVersion.Major {
		c.state = StateFailed
		return fmt.Errorf("%w: peer=%s local=%s", ErrIncompatibleProtocol, peerVersion, ProtocolVersion)
	}
	c.data = peerRing{capacity: peerDataCapacity}
	c.desc = peerRing{capacity: peerDescCapacity}
	c.state = StateEstablished
	return nil
}

// OnRejected surfaces the connection rejection so exactly one retry may
// be scheduled; the second rejection is fatal (spec §4.E, §7).
func (c *Connection) OnRejected() error {
	if c.rejectedOnce {
		c.state = StateFailed
		c.log.Warn("connection rejected twice, giving up", zap.Uint32("conn", c.cfg.Index))
		return ErrPeerUnreachable
	}
	c.rejectedOnce = true
	c.state = StateIdle
	c.log.Info("connection rejected, will retry once", zap.Uint32("conn", c.cfg.Index))
	return nil
}

// WriteRequestAvailable reports whether another write may be posted.
func (c *Connection) WriteRequestAvailable() bool {
	avail := c.inFlightWrites < c.maxPendingWrites
	if !avail {
		metrics.CreditExhausted.WithLabelValues(fmt.Sprint(c.cfg.Index)).Inc()
	}
	return avail
}

// SkipRequired returns the padding needed to avoid straddling the peer
// data ring's wrap point when placing a write of dataLen bytes.
func (c *Connection) SkipRequired(dataLen uint64) uint64 {
	return c.data.skipRequired(dataLen)
}

// CheckForBufferSpace reports whether the peer has both dataLen bytes
// free in its data ring and descSlots free in its descriptor ring.
func (c *Connection) CheckForBufferSpace(dataLen uint64, descSlots uint64) bool {
	return c.data.hasSpace(dataLen) && c.desc.hasSpace(descSlots*c.cfg.DescElemLen)
}

// SendData submits one RDMA write carrying the caller's gather list
// (spec §4.E send_data), which itself already encodes the §6 payload
// header naming skip. When skip is non-zero the write's data straddles
// the peer ring's wrap point, so the padding is never transmitted;
// instead the write is relocated past it, landing at the peer's ring
// origin (spec §4.E: "a zero-payload marker write is coalesced into the
// next timeslice write to advance the peer cursor to zero"). SendData
// returns the wr_id used.
func (c *Connection) SendData(segments [][]byte, timeslice uint64, descLen, dataLen, skip uint32) (uint64, error) {
	if c.state != StateEstablished {
		return 0, ErrNotEstablished
	}
	wrID := transport.PackWRID(timeslice, c.cfg.Index, transport.IDWriteDesc)
	remoteAddr := c.data.writeOffset(uint64(skip))
	if err := c.tr.PostWrite(c.ep, segments, remoteAddr, 0, wrID); err != nil {
		return 0, err
	}
	c.inFlightWrites++
	total := uint64(dataLen) + uint64(skip)
	c.data.advanceWrite(total)
	c.desc.advanceWrite(uint64(descLen) * c.cfg.DescElemLen)
	return wrID, nil
}

// PostSendHeartbeat sends a liveness marker if the retry limiter allows
// it, so heartbeat traffic never floods a connection under backpressure.
func (c *Connection) PostSendHeartbeat(now time.Time) error {
	if c.state != StateEstablished {
		return nil
	}
	if !c.rl.AllowN(now, 1) {
		return nil
	}
	hb := wire.HeartbeatMessage{MessageID: c.data.writeCursor, TimestampUS: now.UnixMicro(), Alive: true}
	b, err := hb.MarshalBinary()
	if err != nil {
		return err
	}
	wrID := transport.PackWRID(0, c.cfg.Index, transport.IDSendHeartbeat)
	return c.tr.PostTaggedSend(c.ep, b, heartbeatTag, wrID)
}

const heartbeatTag = 0xBEEF

// statusTag identifies the dedicated tag status messages arrive on,
// playing the same role heartbeatTag plays for PostSendHeartbeat.
const statusTag = 0x57A7

// PostRecvStatus arms a receive for the peer's next status message. The
// fabric fills statusBuf in place before delivering the completion for
// the returned wr_id; the caller decodes it with DecodeStatus.
func (c *Connection) PostRecvStatus() error {
	if c.state != StateEstablished {
		return ErrNotEstablished
	}
	if c.statusBuf == nil {
		c.statusBuf = make([]byte, wire.StatusMessageSize)
	}
	wrID := transport.PackWRID(0, c.cfg.Index, transport.IDReceiveStat)
	return c.tr.PostTaggedRecv(c.ep, c.statusBuf, statusTag, wrID)
}

// DecodeStatus unmarshals the status message most recently landed by a
// completed PostRecvStatus.
func (c *Connection) DecodeStatus() (wire.StatusMessage, error) {
	var msg wire.StatusMessage
	if c.statusBuf == nil {
		return msg, fmt.Errorf("connection: decode_status before post_recv_status")
	}
	err := msg.UnmarshalBinary(c.statusBuf)
	return msg, err
}

// TrySyncBufferPositions is a non-blocking best-effort push of the
// current local view of peer cursors, used to keep both sides current
// without a dedicated round trip.
func (c *Connection) TrySyncBufferPositions() {
	// No-op beyond bookkeeping already performed in SendData/OnCompleteRecv:
	// the fabric carries the cursor state piggy-backed on status messages,
	// so there is nothing further to push here absent traffic.
}

// OnCompleteWrite processes a write-completion: decrements in-flight
// writes and notifies the owning sender via OnWriteComplete.
func (c *Connection) OnCompleteWrite(timeslice uint64) {
	if c.inFlightWrites > 0 {
		c.inFlightWrites--
	}
	if c.finalizing && c.inFlightWrites == 0 {
		c.done = true
		c.state = StateClosed
	}
	if c.OnWriteComplete != nil {
		c.OnWriteComplete(timeslice)
	}
}

// OnCompleteRecv consumes a status message from the peer, updating this
// connection's view of the peer's ack cursors and abort/final flags.
func (c *Connection) OnCompleteRecv(msg wire.StatusMessage) error {
	if err := c.data.advanceAck(msg.AckData); err != nil {
		return err
	}
	if err := c.desc.advanceAck(msg.AckDesc); err != nil {
		return err
	}
	if msg.RequestAbort {
		c.abortRequested = true
	}
	if msg.Final && c.inFlightWrites == 0 {
		c.done = true
	}
	if c.OnStatusRecv != nil {
		c.OnStatusRecv(msg)
	}
	return nil
}

// Finalize announces shutdown intent; done becomes true once all
// in-flight writes have drained.
func (c *Connection) Finalize(abort bool) {
	c.finalizing = true
	if abort {
		c.abortRequested = true
	}
	c.state = StateDraining
	if c.inFlightWrites == 0 {
		c.done = true
		c.state = StateClosed
	}
}

func (c *Connection) AbortRequested() bool { return c.abortRequested }
func (c *Connection) Done() bool           { return c.done }
func (c *Connection) State() State         { return c.state }
func (c *Connection) InFlightWrites() int  { return c.inFlightWrites }
func (c *Connection) Index() uint32        { return c.cfg.Index }

// Endpoint exposes the underlying fabric endpoint so the owning sender's
// event loop can poll its completion queue.
func (c *Connection) Endpoint() transport.Endpoint { return c.ep }

// PeerAckCursors exposes the connection's view of the peer's descriptor
// and data ack cursors, as last advanced by OnCompleteRecv.
func (c *Connection) PeerAckCursors() (desc, data uint64) {
	return c.desc.ackCursor, c.data.ackCursor
}
