package sizedmap

import "testing"

func TestPutGetContains(t *testing.T) {
	m := New[string](0)
	m.Put(5, "five")
	m.Put(1, "one")
	if v, ok := m.Get(5); !ok || v != "five" {
		t.Fatalf("Get(5) = %q, %v", v, ok)
	}
	if !m.Contains(1) {
		t.Fatal("expected key 1 to be present")
	}
	if m.Contains(99) {
		t.Fatal("did not expect key 99")
	}
}

func TestBoundedEvictsSmallestKey(t *testing.T) {
	m := New[int](3)
	for i := uint64(0); i < 3; i++ {
		if _, evicted := m.Put(i, int(i)); evicted {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	evictedKey, evicted := m.Put(3, 3)
	if !evicted || evictedKey != 0 {
		t.Fatalf("Put(3) evicted=%v key=%d, want evicted=true key=0", evicted, evictedKey)
	}
	if m.Contains(0) {
		t.Fatal("key 0 should have been evicted")
	}
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}
}

func TestFirstLastKey(t *testing.T) {
	m := New[int](0)
	if _, ok := m.FirstKey(); ok {
		t.Fatal("expected no first key on empty map")
	}
	m.Put(10, 1)
	m.Put(2, 2)
	m.Put(7, 3)
	if k, _ := m.FirstKey(); k != 2 {
		t.Fatalf("FirstKey() = %d, want 2", k)
	}
	if k, _ := m.LastKey(); k != 10 {
		t.Fatalf("LastKey() = %d, want 10", k)
	}
}

func TestAscendOrder(t *testing.T) {
	m := New[int](0)
	for _, k := range []uint64{5, 1, 3, 2, 4} {
		m.Put(k, int(k))
	}
	var seen []uint64
	m.Ascend(func(k uint64, v int) bool {
		seen = append(seen, k)
		return true
	})
	want := []uint64{1, 2, 3, 4, 5}
	if len(seen) != len(want) {
		t.Fatalf("Ascend visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Ascend order = %v, want %v", seen, want)
		}
	}
}

func TestDelete(t *testing.T) {
	m := New[int](0)
	m.Put(1, 1)
	if _, ok := m.Delete(1); !ok {
		t.Fatal("expected delete to find key 1")
	}
	if m.Contains(1) {
		t.Fatal("key 1 should be gone")
	}
	if _, ok := m.Delete(1); ok {
		t.Fatal("second delete should report not found")
	}
}
