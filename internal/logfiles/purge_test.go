package logfiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPurgeOnceRemovesOldestBeyondMax(t *testing.T) {
	dir := t.TempDir()
	names := []string{"interval-0000.log", "interval-0001.log", "interval-0002.log"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	if err := purgeOnce(nil, dir, ".log", 1); err != nil {
		t.Fatalf("purgeOnce: %v", err)
	}

	remaining, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1", len(remaining))
	}
	if remaining[0].Name() != "interval-0002.log" {
		t.Fatalf("remaining file = %s, want interval-0002.log (highest index kept)", remaining[0].Name())
	}
}

func TestPurgeStopsOnSignal(t *testing.T) {
	dir := t.TempDir()
	stop := make(chan struct{})
	errC := Purge(nil, dir, ".log", 10, time.Hour, stop)
	close(stop)
	select {
	case err := <-errC:
		t.Fatalf("unexpected error after stop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
