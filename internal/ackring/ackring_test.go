package ackring

import "testing"

// S5 from spec §8: three connections send T=0,1,2; complete order 2,0,1.
// Expected acked_desc trajectory (scaled by timeslice_size elsewhere) is
// 0 -> 0 -> 1 -> 3 in terms of LowWater.
func TestOutOfOrderAcksCollapse(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.LowWater() != 0 {
		t.Fatalf("initial LowWater = %d, want 0", r.LowWater())
	}
	r.Mark(2)
	if r.LowWater() != 0 {
		t.Fatalf("after Mark(2), LowWater = %d, want 0", r.LowWater())
	}
	r.Mark(0)
	if r.LowWater() != 1 {
		t.Fatalf("after Mark(0), LowWater = %d, want 1", r.LowWater())
	}
	r.Mark(1)
	if r.LowWater() != 3 {
		t.Fatalf("after Mark(1), LowWater = %d, want 3", r.LowWater())
	}
}

func TestPrefixInvariant(t *testing.T) {
	r, _ := New(16)
	order := []uint64{3, 1, 0, 2, 5, 4}
	for _, t2 := range order {
		r.Mark(t2)
	}
	if r.LowWater() < 6 {
		t.Fatalf("LowWater() = %d, want >= 6 after marking prefix [0,6)", r.LowWater())
	}
}

func TestDuplicateMarkIsNoOp(t *testing.T) {
	r, _ := New(8)
	r.Mark(0)
	r.Mark(0)
	if r.LowWater() != 1 {
		t.Fatalf("LowWater() = %d, want 1", r.LowWater())
	}
}
