package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"lsmkv/pkg/dberrors"
)

const (
	ManifestFileName = "MANIFEST"
	manifestVersion  = 1
)

// Manifest is the durable list of live sorted tables.
type Manifest struct {
	mu       sync.Mutex
	dir      string
	filePath string
	metadata ManifestData
}

// ManifestData is the JSON document stored in MANIFEST.
type ManifestData struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	NextSeq uint64 `json:"next_sequence"`
	// WALSegment is the oldest write-ahead log segment whose entries are not
	// yet in a listed table. Older segments must not be replayed.
	WALSegment uint64 `json:"wal_segment,omitempty"`
	// Tables are ordered freshest first.
	Tables []TableMeta `json:"tables"`
}

// TableMeta describes one live sorted table.
type TableMeta struct {
	Seq        uint64 `json:"seq"`
	Entries    int    `json:"entries"`
	Tombstones int    `json:"tombstones"`
	Size       int64  `json:"size"`
}

// LoadManifest reads MANIFEST from dir, creating a fresh one with a new
// database id if none exists.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{
		dir:      dir,
		filePath: filepath.Join(dir, ManifestFileName),
	}

	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		m.metadata = ManifestData{
			ID:      uuid.NewString(),
			Version: manifestVersion,
			NextSeq: 1,
		}
		slog.Info("creating new manifest", "dir", dir, "id", m.metadata.ID)
		if err := m.save(m.metadata); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %v: %w", err, dberrors.ErrCorrupt)
	}
	if _, err := uuid.Parse(m.metadata.ID); err != nil {
		return nil, fmt.Errorf("manifest id %q: %v: %w", m.metadata.ID, err, dberrors.ErrCorrupt)
	}

	seen := make(map[uint64]struct{}, len(m.metadata.Tables))
	for i, t := range m.metadata.Tables {
		if _, dup := seen[t.Seq]; dup {
			return nil, fmt.Errorf("manifest lists table %d twice: %w", t.Seq, dberrors.ErrCorrupt)
		}
		seen[t.Seq] = struct{}{}
		if i > 0 && t.Seq >= m.metadata.Tables[i-1].Seq {
			return nil, fmt.Errorf("manifest tables out of order at %d: %w", t.Seq, dberrors.ErrCorrupt)
		}
	}

	return m, nil
}

// Data returns a copy of the current manifest contents.
func (m *Manifest) Data() ManifestData {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.metadata
	d.Tables = append([]TableMeta(nil), m.metadata.Tables...)
	return d
}

func (m *Manifest) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.ID
}

// Apply durably replaces the live table list. The in-memory state changes
// only if the write succeeds.
func (m *Manifest) Apply(nextSeq uint64, tables []TableMeta) error {
	return m.ApplyFlush(nextSeq, 0, tables)
}

// ApplyFlush is Apply for a flush that persisted every WAL segment older
// than walSegment.
func (m *Manifest) ApplyFlush(nextSeq, walSegment uint64, tables []TableMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.metadata
	next.NextSeq = max(nextSeq, m.metadata.NextSeq)
	next.WALSegment = max(walSegment, m.metadata.WALSegment)
	next.Tables = append([]TableMeta(nil), tables...)

	if err := m.save(next); err != nil {
		return err
	}
	m.metadata = next
	return nil
}

// save writes MANIFEST.tmp, syncs it and renames it over MANIFEST.
func (m *Manifest) save(data ManifestData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + tmpExt
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tmp, m.filePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	return SyncDir(m.dir)
}
