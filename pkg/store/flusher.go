package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/wal"
)

const flushRetryDelay = 100 * time.Millisecond

// backgroundFlush runs on the flusher listener. A failure leaves the frozen
// memtable in place and schedules another attempt.
func (s *Store) backgroundFlush(ctx context.Context, _ struct{}) error {
	s.flushPending.Store(false)

	err := s.flush(ctx, false)
	if err != nil && ctx.Err() == nil {
		time.AfterFunc(flushRetryDelay, s.scheduleFlush)
	}
	return err
}

// flush writes the flushing memtable, if one is left over from a failed
// attempt, then rotates the active memtable and writes it too. Without force
// the active memtable is only rotated above the flush threshold.
func (s *Store) flush(ctx context.Context, force bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if pending := s.current.Load().flushing; pending != nil {
		slog.Info("retrying flush of frozen memtable", "bytes", pending.Size())
		if err := s.flushFrozen(ctx, pending); err != nil {
			return err
		}
	}

	frozen, err := s.rotate(force)
	if err != nil || frozen == nil {
		return err
	}

	return s.flushFrozen(ctx, frozen)
}

// rotate freezes the active memtable and installs a fresh one with a fresh
// WAL segment. It returns nil if there is nothing to flush. Must be called
// with flushMu held.
func (s *Store) rotate(force bool) (*memtable.Memtable, error) {
	// only writers touch the active memtable meanwhile, and they only grow it
	if !s.shouldRotate(s.current.Load().active, force) {
		return nil, nil
	}

	var seg *wal.WAL
	if s.walDir != "" {
		var err error
		if seg, err = wal.Create(s.walDir, s.nextLogID, s.cfg.Persistence.WAL.Sync); err != nil {
			return nil, fmt.Errorf("failed to create WAL segment: %w", err)
		}
		s.nextLogID++
	}

	s.mu.Lock()
	cur := s.current.Load()
	active := cur.active

	active.Freeze()
	s.flushDone = make(chan struct{})
	next := newTableSet(memtable.New(), active, cur.tables)
	next.activeLog, next.flushingLog = seg, cur.activeLog
	s.current.Store(next)
	s.mu.Unlock()

	cur.unref()

	slog.Debug("memtable rotated", "bytes", active.Size(), "keys", active.Len())

	return active, nil
}

func (s *Store) shouldRotate(active *memtable.Memtable, force bool) bool {
	if active.Empty() {
		return false
	}
	return force || active.Size() > s.cfg.Memtable.FlushThresholdBytes
}

// flushFrozen persists mt as a new sorted table and publishes it in place of
// the flushing memtable. Must be called with flushMu held.
func (s *Store) flushFrozen(ctx context.Context, mt *memtable.Memtable) error {
	start := time.Now()
	seq := s.seqN.Next()

	table, err := persistence.WriteSSTable(ctx, s.dir, seq, mt.Range(nil, nil), s.writerOptions())
	if err != nil && !errors.Is(err, persistence.ErrEmptyTable) {
		s.metrics.IncCounter(metricFlushErrors, nil, 1)
		return fmt.Errorf("failed to flush memtable: %w", err)
	}

	if err := s.publishFlush(ctx, table); err != nil {
		cleanupFailed(table)
		s.metrics.IncCounter(metricFlushErrors, nil, 1)
		return fmt.Errorf("failed to publish flushed table %d: %w", seq, err)
	}

	elapsed := time.Since(start)
	s.flushes.Add(1)
	s.metrics.IncCounter(metricFlushes, nil, 1)
	s.metrics.ObserveHistogram(metricFlushDuration, nil, elapsed.Seconds())

	slog.Info("memtable flushed",
		"seq", seq,
		"keys", mt.Len(),
		"bytes", mt.Size(),
		"duration", elapsed,
	)

	return nil
}

func (s *Store) publishFlush(ctx context.Context, table *persistence.SSTable) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cur := s.current.Load()
	tables := cur.tables
	if table != nil {
		table.OnRelease(s.released)
		tables = make([]*persistence.SSTable, 0, len(cur.tables)+1)
		tables = append(tables, table)
		tables = append(tables, cur.tables...)

		if err := s.manifest.ApplyFlush(s.seqN.Val()+1, s.liveLogID(cur), tableMetas(tables)); err != nil {
			return err
		}
	}

	s.install(tables, true)
	if table != nil {
		// the installed table set holds the reference from now on
		table.Unref()
	}

	s.maybeScheduleCompaction(len(tables))

	return nil
}

// liveLogID is the oldest WAL segment still needed once the flushing
// memtable of cur is persisted. Zero without a WAL.
func (s *Store) liveLogID(cur *tableSet) uint64 {
	if cur.activeLog != nil {
		return cur.activeLog.ID()
	}
	return s.nextLogID
}

func tableMetas(tables []*persistence.SSTable) []persistence.TableMeta {
	metas := make([]persistence.TableMeta, len(tables))
	for i, t := range tables {
		metas[i] = t.Meta()
	}
	return metas
}
