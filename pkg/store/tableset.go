package store

import (
	"log/slog"
	"sync/atomic"

	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

// tableSet is an immutable view of everything a read has to consult.
// The store owns one reference; readers add their own while they use it.
type tableSet struct {
	refs atomic.Int64

	active   *memtable.Memtable
	flushing *memtable.Memtable
	// freshest first
	tables []*persistence.SSTable

	// write-ahead log segments of the memtables, nil without a WAL
	activeLog   *wal.WAL
	flushingLog *wal.WAL
}

func newTableSet(active, flushing *memtable.Memtable, tables []*persistence.SSTable) *tableSet {
	ts := &tableSet{
		active:   active,
		flushing: flushing,
		tables:   tables,
	}
	for _, t := range tables {
		t.Ref()
	}
	ts.refs.Store(1)
	return ts
}

// put applies e to the active memtable and queues it on the WAL if there is
// one. The returned commit is nil without a WAL.
func (ts *tableSet) put(e types.Entry) (*wal.Commit, error) {
	if ts.activeLog == nil {
		return nil, ts.active.Put(e)
	}
	return ts.activeLog.Append(e, func() error {
		return ts.active.Put(e)
	})
}

// tryRef fails once the set has been released for good.
func (ts *tableSet) tryRef() bool {
	for {
		refs := ts.refs.Load()
		if refs <= 0 {
			return false
		}
		if ts.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (ts *tableSet) unref() {
	if ts.refs.Add(-1) != 0 {
		return
	}
	for _, t := range ts.tables {
		t.Unref()
	}
}

// acquire returns a referenced snapshot of the current table set. It fails
// only after Close has released the store's reference.
func (s *Store) acquire() (*tableSet, bool) {
	for {
		ts := s.current.Load()
		if ts.tryRef() {
			return ts, true
		}
		if s.closed.Load() {
			return nil, false
		}
	}
}

// install publishes a new table set built from the current memtables and
// tables. It takes the write lock only for the pointer swap.
func (s *Store) install(tables []*persistence.SSTable, clearFlushing bool) {
	s.mu.Lock()
	cur := s.current.Load()

	flushing, flushingLog := cur.flushing, cur.flushingLog
	var persisted *wal.WAL
	if clearFlushing {
		flushing, flushingLog = nil, nil
		persisted = cur.flushingLog
		if s.flushDone != nil {
			close(s.flushDone)
			s.flushDone = nil
		}
	}

	next := newTableSet(cur.active, flushing, tables)
	next.activeLog, next.flushingLog = cur.activeLog, flushingLog
	s.current.Store(next)
	s.mu.Unlock()

	cur.unref()
	s.metrics.SetGauge(metricSSTables, nil, float64(len(tables)))

	if persisted != nil {
		if err := persisted.Remove(); err != nil {
			slog.Warn("failed to remove persisted WAL segment", "segment", persisted.ID(), "error", err)
		}
	}
}
