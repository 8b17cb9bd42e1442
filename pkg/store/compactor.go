package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/persistence"
)

func (s *Store) backgroundCompact(ctx context.Context, _ struct{}) error {
	s.compactPending.Store(false)
	return s.compactOnce(ctx)
}

// compactOnce runs a compaction unless one is already running.
func (s *Store) compactOnce(ctx context.Context) error {
	if !s.compactRunning.CompareAndSwap(false, true) {
		slog.Debug("compaction already running")
		return nil
	}
	defer s.compactRunning.Store(false)

	return s.compact(ctx)
}

// compact merges every sorted table present at the start into at most one
// new table. Tables flushed meanwhile stay in front of the result.
func (s *Store) compact(ctx context.Context) error {
	// no flush holds an allocated but unpublished sequence while flushMu is
	// held, so seq is fresher than every input and older than any later flush
	s.flushMu.Lock()
	snap, ok := s.acquire()
	if !ok {
		s.flushMu.Unlock()
		return nil
	}
	inputs := snap.tables
	if !needsCompaction(inputs) {
		s.flushMu.Unlock()
		snap.unref()
		return nil
	}
	seq := s.seqN.Next()
	s.flushMu.Unlock()
	defer snap.unref()

	start := time.Now()

	sources := make([]iterator.Iterator, len(inputs))
	for i, t := range inputs {
		sources[i] = t.Range(nil, nil)
	}
	merged := iterator.SkipTombstones(iterator.NewMerging(sources...))
	table, err := persistence.WriteSSTable(ctx, s.dir, seq, merged, s.writerOptions())
	if cerr := merged.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, persistence.ErrEmptyTable) {
		cleanupFailed(table)
		s.metrics.IncCounter(metricCompactionErrors, nil, 1)
		return fmt.Errorf("failed to compact into table %d: %w", seq, err)
	}

	if err := s.publishCompaction(ctx, inputs, table); err != nil {
		cleanupFailed(table)
		s.metrics.IncCounter(metricCompactionErrors, nil, 1)
		return fmt.Errorf("failed to publish compacted table %d: %w", seq, err)
	}

	elapsed := time.Since(start)
	s.compactions.Add(1)
	s.metrics.IncCounter(metricCompactions, nil, 1)
	s.metrics.ObserveHistogram(metricCompactionDuration, nil, elapsed.Seconds())

	attrs := []any{"inputs", len(inputs), "duration", elapsed}
	if table != nil {
		attrs = append(attrs, "seq", seq, "entries", table.Len(), "size", table.Size())
	} else {
		attrs = append(attrs, "seq", "none")
	}
	slog.Info("compaction finished", attrs...)

	return nil
}

// needsCompaction reports false for an empty list and for a single table
// without tombstones, which is already compact.
func needsCompaction(tables []*persistence.SSTable) bool {
	switch len(tables) {
	case 0:
		return false
	case 1:
		return tables[0].Tombstones() > 0
	default:
		return true
	}
}

// publishCompaction swaps inputs for table, which may be nil when every
// input entry was deleted.
func (s *Store) publishCompaction(ctx context.Context, inputs []*persistence.SSTable, table *persistence.SSTable) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cur := s.current.Load()
	// only flushes add tables while a compaction runs, and they prepend
	newer := len(cur.tables) - len(inputs)
	if newer < 0 || !sameTables(cur.tables[newer:], inputs) {
		return fmt.Errorf("table list changed during compaction")
	}

	tables := make([]*persistence.SSTable, 0, newer+1)
	tables = append(tables, cur.tables[:newer]...)
	if table != nil {
		table.OnRelease(s.released)
		tables = append(tables, table)
	}

	if err := s.manifest.Apply(s.seqN.Val()+1, tableMetas(tables)); err != nil {
		return err
	}

	// inputs must be marked before the old set lets go of them
	for _, t := range inputs {
		s.obsolete.Add(t.Seq())
		t.MarkObsolete()
	}

	s.install(tables, false)
	if table != nil {
		table.Unref()
	}

	return nil
}

func sameTables(a, b []*persistence.SSTable) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
