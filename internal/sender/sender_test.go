package sender

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"github.com/flesnet-go/tsbuilder/internal/connection"
	"github.com/flesnet-go/tsbuilder/internal/ringbuf"
	"github.com/flesnet-go/tsbuilder/internal/timeslicemgr"
	"github.com/flesnet-go/tsbuilder/internal/transport"
	"github.com/flesnet-go/tsbuilder/internal/wire"
)

func newTestConn(t *testing.T, tr *transport.FakeTransport, idx uint32, maxSendWR, numCQE, numCompute int) *connection.Connection {
	t.Helper()
	cfg := connection.Config{
		Index:       idx,
		PeerAddr:    "compute-0",
		MaxSendWR:   maxSendWR,
		NumCQE:      numCQE,
		NumCompute:  numCompute,
		RetryFreq:   rate.Every(0),
		DescElemLen: DescElemLen,
	}
	c := connection.New(cfg, nil, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.OnEstablished(connection.ProtocolVersion, 1<<20, 1<<16); err != nil {
		t.Fatalf("OnEstablished: %v", err)
	}
	return c
}

// S1 from spec §8: single timeslice, no wrap. desc_ring=1024, data_ring
// =65536, timeslice_size=100, overlap_size=1, one connection. 101
// descriptors summing to 10100 bytes. Expect one write with 1 desc
// segment and 1 data segment, and acked_desc==100, acked_data==10100
// after completion.
func TestS1SingleTimesliceNoWrap(t *testing.T) {
	descElems := make([]ringbuf.MicrosliceDescriptor, 1024)
	for i := range descElems {
		descElems[i] = ringbuf.MicrosliceDescriptor{Offset: uint64(i) * 100, Size: 100}
	}
	descView, err := ringbuf.NewView(descElems)
	if err != nil {
		t.Fatalf("NewView(desc): %v", err)
	}
	dataView, err := ringbuf.NewView(make([]byte, 65536))
	if err != nil {
		t.Fatalf("NewView(data): %v", err)
	}
	ring := ringbuf.New(descView, dataView, nil, nil)
	if err := ring.Observe(1024, 65536); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	tr := transport.NewFakeTransport()
	conn := newTestConn(t, tr, 0, 495, 1_000_000, 1)
	mgr := timeslicemgr.New(1, 0)

	s, err := New(nil, Params{TimesliceSize: 100, OverlapSize: 1, TMax: 1000}, []*connection.Connection{conn}, mgr, ring, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	segments, err := s.buildGatherList(0, 0, 101, 0, 10100, 0)
	if err != nil {
		t.Fatalf("buildGatherList: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("gather list has %d segments, want 3 (header + 1 desc + 1 data)", len(segments))
	}
	if got := len(segments[0]); got != wire.PayloadHeaderSize {
		t.Fatalf("header segment len = %d, want %d", got, wire.PayloadHeaderSize)
	}
	if got := len(segments[1]); got != 101*DescElemLen {
		t.Fatalf("desc segment len = %d, want %d", got, 101*DescElemLen)
	}
	if got := len(segments[2]); got != 10100 {
		t.Fatalf("data segment len = %d, want 10100", got)
	}

	ok, err := s.TrySendTimeslice(0)
	if err != nil || !ok {
		t.Fatalf("TrySendTimeslice(0) = (%v,%v), want (true,nil)", ok, err)
	}

	wrID := transport.PackWRID(0, 0, transport.IDWriteDesc)
	if err := s.OnCompletion(transport.Completion{WRID: wrID}); err != nil {
		t.Fatalf("OnCompletion: %v", err)
	}

	dc := ring.DescCursors()
	xc := ring.DataCursors()
	if dc.Acked != 100 {
		t.Fatalf("acked_desc = %d, want 100", dc.Acked)
	}
	if xc.Acked != 10100 {
		t.Fatalf("acked_data = %d, want 10100", xc.Acked)
	}
}

// S2 from spec §8: data ring wraps, descriptors don't. Expect 1 desc
// segment and 2 data segments (50, 150) that concatenate to the logical
// 200-byte span.
func TestS2DataWrapOnly(t *testing.T) {
	descElems := make([]ringbuf.MicrosliceDescriptor, 8)
	descView, _ := ringbuf.NewView(descElems)
	dataView, _ := ringbuf.NewView(make([]byte, 256))
	ring := ringbuf.New(descView, dataView, nil, nil)

	s := &Sender{ring: ring}
	segments, err := s.buildGatherList(0, 0, 2, 206, 200, 0)
	if err != nil {
		t.Fatalf("buildGatherList: %v", err)
	}
	if len(segments) != 4 {
		t.Fatalf("gather list has %d segments, want 4 (header + 1 desc + 2 data)", len(segments))
	}
	if got := len(segments[2]); got != 50 {
		t.Fatalf("first data segment len = %d, want 50", got)
	}
	if got := len(segments[3]); got != 150 {
		t.Fatalf("second data segment len = %d, want 150", got)
	}
}

// S3 from spec §8: both rings wrap. Expect 2 desc segments and 2 data
// segments, num_sge == 4.
func TestS3BothRingsWrap(t *testing.T) {
	descElems := make([]ringbuf.MicrosliceDescriptor, 8)
	descView, _ := ringbuf.NewView(descElems)
	dataView, _ := ringbuf.NewView(make([]byte, 256))
	ring := ringbuf.New(descView, dataView, nil, nil)

	s := &Sender{ring: ring}
	// desc ring size 8, desc_offset = 8 - 4/2 = 6, desc_length = 4: wraps
	// (6,7,0,1). data similarly wraps.
	segments, err := s.buildGatherList(0, 6, 4, 206, 200, 0)
	if err != nil {
		t.Fatalf("buildGatherList: %v", err)
	}
	if len(segments) != 5 {
		t.Fatalf("gather list has %d segments, want 5 (header + num_sge==4)", len(segments))
	}
	descBytes := len(segments[1]) + len(segments[2])
	if want := 4 * DescElemLen; descBytes != want {
		t.Fatalf("total desc bytes = %d, want %d", descBytes, want)
	}
	dataBytes := len(segments[3]) + len(segments[4])
	if dataBytes != 200 {
		t.Fatalf("total data bytes = %d, want 200", dataBytes)
	}
}

// S4 from spec §8: fill max_pending_writes writes, then the next
// try_send_timeslice returns false without submitting; after one
// on_complete_write, the next call submits (and does not skip the
// timeslice that was held back).
func TestS4Backpressure(t *testing.T) {
	descElems := make([]ringbuf.MicrosliceDescriptor, 16)
	for i := range descElems {
		descElems[i] = ringbuf.MicrosliceDescriptor{Offset: uint64(i) * 10, Size: 10}
	}
	descView, _ := ringbuf.NewView(descElems)
	dataView, _ := ringbuf.NewView(make([]byte, 1024))
	ring := ringbuf.New(descView, dataView, nil, nil)
	if err := ring.Observe(16, 160); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	tr := transport.NewFakeTransport()
	// max_send_wr=4 => (4-1)/3=1 => credit for exactly one in-flight write.
	conn := newTestConn(t, tr, 0, 4, 100, 1)
	mgr := timeslicemgr.New(1, 0)
	s, err := New(nil, Params{TimesliceSize: 2, OverlapSize: 0, TMax: 8}, []*connection.Connection{conn}, mgr, ring, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := s.TrySendTimeslice(0)
	if err != nil || !ok {
		t.Fatalf("first send = (%v,%v), want (true,nil)", ok, err)
	}

	ok, err = s.TrySendTimeslice(0)
	if err != nil || ok {
		t.Fatalf("second send under exhausted credit = (%v,%v), want (false,nil)", ok, err)
	}

	// The held-back timeslice (T=1) must not have been lost to the
	// assignment stream: PeekFor must still report it, not T=2.
	if peek, has := mgr.PeekFor(0); !has || peek != 1 {
		t.Fatalf("PeekFor(0) = (%d,%v), want (1,true): backpressure must not consume the candidate", peek, has)
	}

	wrID := transport.PackWRID(0, 0, transport.IDWriteDesc)
	if err := s.OnCompletion(transport.Completion{WRID: wrID}); err != nil {
		t.Fatalf("OnCompletion: %v", err)
	}

	ok, err = s.TrySendTimeslice(0)
	if err != nil || !ok {
		t.Fatalf("send after credit frees up = (%v,%v), want (true,nil)", ok, err)
	}
}
