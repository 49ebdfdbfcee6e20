package ringbuf

import "testing"

func newTestBuffer(t *testing.T, descSize, dataSize uint64) *DualRingBuffer {
	t.Helper()
	desc, err := NewView(make([]MicrosliceDescriptor, descSize))
	if err != nil {
		t.Fatalf("desc view: %v", err)
	}
	data, err := NewView(make([]byte, dataSize))
	if err != nil {
		t.Fatalf("data view: %v", err)
	}
	return New(desc, data, nil, nil)
}

func TestNewViewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewView(make([]byte, 100)); err == nil {
		t.Fatal("expected error for non-power-of-two capacity")
	}
}

func TestSliceSingleSegment(t *testing.T) {
	v, _ := NewView(make([]byte, 1024))
	segs := v.Slice(10, 20)
	if len(segs) != 1 || len(segs[0]) != 20 {
		t.Fatalf("got %d segments, lens %v", len(segs), segLens(segs))
	}
}

func TestSliceWrapsIntoTwoSegments(t *testing.T) {
	v, _ := NewView(make([]byte, 1024))
	// offset near the end of the ring so the range wraps.
	segs := v.Slice(1024-50, 200)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if len(segs[0]) != 50 || len(segs[1]) != 150 {
		t.Fatalf("segment lengths = %v, want [50 150]", segLens(segs))
	}
}

func TestWraps(t *testing.T) {
	mask := uint64(1023)
	if Wraps(10, 20, mask) {
		t.Fatal("small in-range slice should not wrap")
	}
	if !Wraps(1024-50, 200, mask) {
		t.Fatal("expected wrap detection")
	}
}

func TestSetReadIndexMonotone(t *testing.T) {
	d := newTestBuffer(t, 1024, 65536)
	if err := d.Observe(200, 20000); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := d.MarkSent(200, 20000); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := d.MarkAcked(100, 10000); err != nil {
		t.Fatalf("mark acked: %v", err)
	}
	if err := d.SetReadIndex(50, 5000); err != nil {
		t.Fatalf("set read index: %v", err)
	}
	// idempotent for the same argument
	if err := d.SetReadIndex(50, 5000); err != nil {
		t.Fatalf("idempotent set read index: %v", err)
	}
	// going backwards is rejected
	if err := d.SetReadIndex(10, 10); err == nil {
		t.Fatal("expected error for non-monotone read index")
	}
	// publishing ahead of what's been acked is rejected
	if err := d.SetReadIndex(100, 10001); err == nil {
		t.Fatal("expected error for read index ahead of acked")
	}
}

func segLens(segs [][]byte) []int {
	out := make([]int, len(segs))
	for i, s := range segs {
		out[i] = len(s)
	}
	return out
}
