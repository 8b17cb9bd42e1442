package store

import (
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/persistence"
)

const (
	metricFlushes            = "lsmkv_flushes_total"
	metricFlushErrors        = "lsmkv_flush_errors_total"
	metricFlushDuration      = "lsmkv_flush_duration_seconds"
	metricCompactions        = "lsmkv_compactions_total"
	metricCompactionErrors   = "lsmkv_compaction_errors_total"
	metricCompactionDuration = "lsmkv_compaction_duration_seconds"
	metricBackpressure       = "lsmkv_backpressure_total"
	metricSSTables           = "lsmkv_sstables"
)

// Stats is a point-in-time summary of the engine state.
type Stats struct {
	ID string `json:"id"`

	ActiveMemtableBytes   int64 `json:"active_memtable_bytes"`
	ActiveMemtableKeys    int   `json:"active_memtable_keys"`
	FlushingMemtableBytes int64 `json:"flushing_memtable_bytes"`
	FlushingMemtableKeys  int   `json:"flushing_memtable_keys"`

	// Tables are ordered freshest first.
	Tables []persistence.TableMeta `json:"tables"`
	// PendingDeletions are obsolete tables still pinned by readers.
	PendingDeletions []uint64 `json:"pending_deletions"`

	NextSequence uint64 `json:"next_sequence"`
	Flushes      uint64 `json:"flushes"`
	Compactions  uint64 `json:"compactions"`
}

func (s *Store) Stats() (Stats, error) {
	ts, ok := s.acquire()
	if !ok {
		return Stats{}, dberrors.ErrClosed
	}
	defer ts.unref()

	st := Stats{
		ID:                  s.manifest.ID(),
		ActiveMemtableBytes: ts.active.Size(),
		ActiveMemtableKeys:  ts.active.Len(),
		Tables:              tableMetas(ts.tables),
		NextSequence:        s.seqN.Val() + 1,
		Flushes:             s.flushes.Load(),
		Compactions:         s.compactions.Load(),
	}
	if ts.flushing != nil {
		st.FlushingMemtableBytes = ts.flushing.Size()
		st.FlushingMemtableKeys = ts.flushing.Len()
	}

	s.obsolete.Range(func(seq uint64) bool {
		st.PendingDeletions = append(st.PendingDeletions, seq)
		return true
	})

	return st, nil
}
