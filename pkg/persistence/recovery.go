package persistence

import (
	"fmt"
	"log/slog"
	"os"

	"lsmkv/pkg/dberrors"
)

// Recovered is the durable state found in a data directory.
type Recovered struct {
	Manifest *Manifest
	// Tables are ordered freshest first, each holding one reference.
	Tables []*SSTable
	// MaxSeq is the highest sequence number in use, or zero.
	MaxSeq uint64
}

// Recover prepares dir for use: it loads or creates the manifest, removes
// temporaries and table files the manifest does not list, and opens every
// live table.
func Recover(dir string) (*Recovered, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	md := manifest.Data()

	live := make(map[uint64]struct{}, len(md.Tables))
	for _, t := range md.Tables {
		live[t.Seq] = struct{}{}
	}

	removed, err := cleanupDir(dir, live)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		slog.Info("removed orphan files", "dir", dir, "count", removed)
	}

	for _, t := range md.Tables {
		for _, p := range []string{DataPath(dir, t.Seq), IndexPath(dir, t.Seq)} {
			ok, err := fileExists(p)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("manifest table %d is missing %s: %w", t.Seq, p, dberrors.ErrCorrupt)
			}
		}
	}

	rec := &Recovered{Manifest: manifest}
	for _, t := range md.Tables {
		table, err := OpenSSTable(dir, t.Seq)
		if err != nil {
			for _, opened := range rec.Tables {
				opened.Unref()
			}
			return nil, err
		}
		rec.Tables = append(rec.Tables, table)
		rec.MaxSeq = max(rec.MaxSeq, t.Seq)
	}

	slog.Info("recovered data dir",
		"dir", dir,
		"id", md.ID,
		"tables", len(rec.Tables),
		"next_sequence", max(md.NextSeq, rec.MaxSeq+1),
	)

	return rec, nil
}
