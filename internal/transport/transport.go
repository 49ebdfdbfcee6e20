// Package transport declares the RemoteWriteTransport abstraction of
// spec §6: a one-sided, registered-memory remote-write fabric consumed
// by internal/connection and internal/sender. The fabric primitives
// themselves (endpoint creation, memory registration, completion-queue
// polling) are external collaborators — this package only names the
// narrow capability surface the core needs, mirroring how the teacher's
// rafthttp.Transporter interface names the capabilities rafthttp needs
// from net/http without owning the socket layer itself.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrFabricUnreachable is returned by Connect when initial address
// resolution fails (spec §4.E connect()).
var ErrFabricUnreachable = errors.New("transport: fabric unreachable")

// MRFlags describes the access flags requested when registering memory.
type MRFlags uint32

const (
	MRRemoteWrite MRFlags = 1 << iota
)

// MemoryRegion is an opaque handle to registered memory, returned by
// Domain.RegisterMemory and required by PostWrite's remote-key argument.
type MemoryRegion struct {
	LocalAddr  uintptr
	RemoteAddr uint64
	RemoteKey  uint32
}

// Domain represents an opened fabric domain, the scope within which
// memory regions are registered.
type Domain interface {
	RegisterMemory(region []byte, flags MRFlags) (MemoryRegion, error)
	CloseMemory(mr MemoryRegion) error
}

// CompletionStatus reports the outcome of a posted operation once it
// appears on the completion queue.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusError
)

// Completion is one entry drained from PollCQ.
type Completion struct {
	WRID   uint64
	Status CompletionStatus
	Err    error
}

// Endpoint is an opaque per-peer fabric endpoint.
type Endpoint interface {
	// String identifies the endpoint for logging.
	String() string
}

// RemoteWriteTransport is the external collaborator consumed by
// internal/connection and internal/sender (spec §6). Every method must
// be safe to call from the single-threaded sender event loop without
// blocking beyond the fabric's own I/O.
type RemoteWriteTransport interface {
	OpenDomain() (Domain, error)

	// Endpoint creates an endpoint and initiates connection to peer.
	// Returns ErrFabricUnreachable if the peer address cannot be
	// resolved.
	Endpoint(ctx context.Context, peer string) (Endpoint, error)
	Disconnect(ep Endpoint) error

	// PostWrite submits one RDMA write assembling segments in order at
	// remoteAddr/remoteKey, tagged with wrID for completion tracking.
	PostWrite(ep Endpoint, segments [][]byte, remoteAddr uint64, remoteKey uint32, wrID uint64) error

	// PostTaggedSend/PostTaggedRecv exchange fixed-layout control
	// messages (status, heartbeat) on a dedicated tag.
	PostTaggedSend(ep Endpoint, msg []byte, tag uint64, wrID uint64) error
	PostTaggedRecv(ep Endpoint, buf []byte, tag uint64, wrID uint64) error

	// PollCQ drains available completions for ep without blocking.
	PollCQ(ep Endpoint) ([]Completion, error)
}

// WRID kinds, packed into the low 8 bits of a work-request id below the
// connection index and timeslice, per spec §4.E send_data.
const (
	IDWriteData     uint32 = 0
	IDWriteDesc     uint32 = 1
	IDReceiveStat   uint32 = 2
	IDSendHeartbeat uint32 = 3
)

// PackWRID builds a wr_id encoding (timeslice, connIdx, kind), matching
// spec §4.E: wr_id = (T<<24) | (conn_idx<<8) | ID_WRITE_DESC.
func PackWRID(timeslice uint64, connIdx uint32, kind uint32) uint64 {
	return (timeslice << 24) | (uint64(connIdx) << 8) | uint64(kind)
}

// UnpackWRID reverses PackWRID.
func UnpackWRID(wrID uint64) (timeslice uint64, connIdx uint32, kind uint32) {
	return wrID >> 24, uint32((wrID >> 8) & 0xFFFF), uint32(wrID & 0xFF)
}

// FabricError wraps a non-success completion status, fatal per connection
// per spec §7.
type FabricError struct {
	ConnIdx uint32
	WRID    uint64
	Cause   error
}

func (e *FabricError) Error() string {
	return fmt.Sprintf("transport: fabric error on conn %d, wr_id %d: %v", e.ConnIdx, e.WRID, e.Cause)
}

func (e *FabricError) Unwrap() error { return e.Cause }
