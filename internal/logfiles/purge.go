// Package logfiles prunes per-interval log files (spec §3's "Interval
// runtime objects live from first use through generate-log-files").
// Adapted from the teacher's pkg/fileutil purge helper, dropping its
// dependency on the file-locking helpers that were never part of this
// pack's retrieval (ReadDir/TryLockFile): a plain os.ReadDir plus
// os.Remove is sufficient here since interval log files are owned
// exclusively by the process writing them, never shared across nodes.
package logfiles

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Purge periodically scans dirname for files with the given suffix and
// removes the oldest (by name, which sorts by interval index since
// filenames are zero-padded) once the count exceeds max. It runs until
// stop is closed, reporting errors on the returned channel.
func Purge(log *zap.Logger, dirname, suffix string, max uint, interval time.Duration, stop <-chan struct{}) <-chan error {
	errC := make(chan error, 1)
	go func() {
		for {
			if err := purgeOnce(log, dirname, suffix, max); err != nil {
				errC <- err
				return
			}
			select {
			case <-time.After(interval):
			case <-stop:
				return
			}
		}
	}()
	return errC
}

func purgeOnce(log *zap.Logger, dirname, suffix string, max uint) error {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for len(names) > int(max) {
		f := filepath.Join(dirname, names[0])
		if err := os.Remove(f); err != nil {
			return err
		}
		if log != nil {
			log.Info("purged interval log", zap.String("path", f))
		}
		names = names[1:]
	}
	return nil
}
