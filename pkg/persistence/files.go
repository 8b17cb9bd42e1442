package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	dataExt   = ".data"
	indexExt  = ".index"
	filterExt = ".filter"
	tmpExt    = ".tmp"
)

func tableFileName(seq uint64, ext string) string {
	return strconv.FormatUint(seq, 10) + ext
}

func DataPath(dir string, seq uint64) string {
	return filepath.Join(dir, tableFileName(seq, dataExt))
}

func IndexPath(dir string, seq uint64) string {
	return filepath.Join(dir, tableFileName(seq, indexExt))
}

func FilterPath(dir string, seq uint64) string {
	return filepath.Join(dir, tableFileName(seq, filterExt))
}

// parseTableFile extracts the sequence number from a table file name.
func parseTableFile(name string) (uint64, bool) {
	for _, ext := range []string{dataExt, indexExt, filterExt} {
		if base, ok := strings.CutSuffix(name, ext); ok {
			seq, err := strconv.ParseUint(base, 10, 64)
			return seq, err == nil
		}
	}
	return 0, false
}

// removeTableFiles deletes every final and temporary file of seq.
func removeTableFiles(dir string, seq uint64) error {
	var errs []error
	for _, p := range []string{DataPath(dir, seq), IndexPath(dir, seq), FilterPath(dir, seq)} {
		for _, name := range []string{p, p + tmpExt} {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SyncDir makes directory entry changes in dir durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// cleanupDir removes temporaries and table files whose sequence is not in
// live. It returns the number of removed files.
func cleanupDir(dir string, live map[uint64]struct{}) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read dir %s: %w", dir, err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()

		orphan := strings.HasSuffix(name, tmpExt)
		if !orphan {
			seq, ok := parseTableFile(name)
			if !ok {
				continue
			}
			_, isLive := live[seq]
			orphan = !isLive
		}
		if !orphan {
			continue
		}

		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		slog.Debug("removed orphan file", "dir", dir, "file", name)
		removed++
	}

	return removed, nil
}
