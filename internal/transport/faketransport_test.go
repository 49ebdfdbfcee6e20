package transport

import (
	"context"
	"testing"
)

func TestFakeTransportWriteAndPoll(t *testing.T) {
	tr := NewFakeTransport()
	ep, err := tr.Endpoint(context.Background(), "compute-0")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	wrID := PackWRID(0, 0, IDWriteDesc)
	if err := tr.PostWrite(ep, [][]byte{[]byte("hello"), []byte(" world")}, 0, 1, wrID); err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	comps, err := tr.PollCQ(ep)
	if err != nil {
		t.Fatalf("PollCQ: %v", err)
	}
	if len(comps) != 1 || comps[0].WRID != wrID || comps[0].Status != StatusSuccess {
		t.Fatalf("completions = %+v", comps)
	}
	got := tr.LandingBuffer(ep)[:11]
	if string(got) != "hello world" {
		t.Fatalf("landing buffer = %q, want %q", got, "hello world")
	}
}

func TestFakeTransportUnreachable(t *testing.T) {
	tr := NewFakeTransport()
	if _, err := tr.Endpoint(context.Background(), ""); err != ErrFabricUnreachable {
		t.Fatalf("err = %v, want ErrFabricUnreachable", err)
	}
}

func TestPackUnpackWRID(t *testing.T) {
	ts, conn, kind := uint64(1234), uint32(7), IDWriteDesc
	packed := PackWRID(ts, conn, kind)
	gotTS, gotConn, gotKind := UnpackWRID(packed)
	if gotTS != ts || gotConn != conn || gotKind != kind {
		t.Fatalf("unpack = (%d,%d,%d), want (%d,%d,%d)", gotTS, gotConn, gotKind, ts, conn, kind)
	}
}
