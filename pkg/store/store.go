package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

// walDirName is the subdirectory of the data dir holding WAL segments.
const walDirName = "wal"

type iClock interface {
	Val() uint64
	Next() uint64
	Observe(t uint64)
}

type iSeqSet interface {
	Add(v uint64) bool
	Remove(v uint64) bool
	Len() int
	Range(f func(v uint64) bool)
}

type Option func(*Store)

// WithMetrics reports engine metrics to c.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) {
		s.metrics = c
	}
}

// Store is the LSM engine: one active memtable, at most one memtable being
// flushed and a list of sorted tables, freshest first.
type Store struct {
	cfg      config.DB
	dir      string
	manifest *persistence.Manifest
	seqN     iClock
	metrics  metrics.Collector

	// mu is held shared by writers while they put into the active memtable
	// and exclusively for table set swaps.
	mu        sync.RWMutex
	current   atomic.Pointer[tableSet]
	flushDone chan struct{}
	closed    atomic.Bool

	// flushMu serializes flushes and orders sequence allocation with
	// compaction snapshots. It also guards nextLogID.
	flushMu sync.Mutex
	// walDir is empty when the WAL is disabled.
	walDir    string
	nextLogID uint64
	// publishMu serializes manifest updates with table list changes.
	publishMu      sync.Mutex
	compactRunning atomic.Bool
	inflight       sync.WaitGroup

	flushCh        chan struct{}
	compactCh      chan struct{}
	flushPending   atomic.Bool
	compactPending atomic.Bool
	// flusher and compactor
	jobs []listener.Job

	// obsolete tables waiting for their last reader
	obsolete iSeqSet

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Open recovers the data directory and starts background flush and
// compaction workers.
func Open(cfg config.DB, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}

	rec, err := persistence.Recover(cfg.Persistence.RootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to recover %s: %w", cfg.Persistence.RootPath, err)
	}

	md := rec.Manifest.Data()
	s := &Store{
		cfg:       cfg,
		dir:       cfg.Persistence.RootPath,
		manifest:  rec.Manifest,
		seqN:      clock.NewSequence(max(md.NextSeq, 1) - 1),
		metrics:   metrics.Nop{},
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		obsolete:  skipset.New[uint64](),
	}
	for _, opt := range opts {
		opt(s)
	}
	// never reuse the sequence of a listed table, even if next_sequence lags
	s.seqN.Observe(rec.MaxSeq)

	for _, t := range rec.Tables {
		t.OnRelease(s.released)
	}
	s.current.Store(newTableSet(memtable.New(), nil, rec.Tables))
	// the table set holds its own references now
	for _, t := range rec.Tables {
		t.Unref()
	}
	s.metrics.SetGauge(metricSSTables, nil, float64(len(rec.Tables)))

	if cfg.Persistence.WAL.Enabled {
		if err := s.openWAL(); err != nil {
			s.current.Load().unref()
			return nil, err
		}
	}

	ctx := context.Background()
	s.jobs = []listener.Job{
		listener.New("flusher", s.flushCh, s.backgroundFlush),
		listener.New("compactor", s.compactCh, s.backgroundCompact),
	}
	for _, job := range s.jobs {
		job.Start(ctx)
	}

	slog.Info("store opened",
		"dir", s.dir,
		"id", md.ID,
		"tables", len(s.current.Load().tables),
		"next_sequence", s.seqN.Val()+1,
		"wal", cfg.Persistence.WAL.Enabled,
	)

	s.maybeScheduleCompaction(len(s.current.Load().tables))

	return s, nil
}

// ID is the database identity stored in the manifest.
func (s *Store) ID() string {
	return s.manifest.ID()
}

// Get returns the newest value for key. Deleted and never-written keys are
// both reported as absent.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	ts, ok := s.acquire()
	if !ok {
		return nil, false, dberrors.ErrClosed
	}
	defer ts.unref()

	e, found, err := ts.lookup(key)
	if err != nil || !found || e.Tombstone {
		return nil, false, err
	}

	return append([]byte{}, e.Value...), true, nil
}

// lookup consults sources newest first. The first one holding key decides,
// even if it holds a tombstone.
func (ts *tableSet) lookup(key []byte) (types.Entry, bool, error) {
	if e, ok := ts.active.Get(key); ok {
		return e, true, nil
	}
	if ts.flushing != nil {
		if e, ok := ts.flushing.Get(key); ok {
			return e, true, nil
		}
	}
	for _, t := range ts.tables {
		e, ok, err := t.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to get from sstable %d: %w", t.Seq(), err)
		}
		if ok {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// Scan iterates live entries in [from, to) in ascending order. A nil bound is
// unbounded. The iterator pins its snapshot until Close; entries it returns
// are copies.
func (s *Store) Scan(ctx context.Context, from, to []byte) (iterator.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts, ok := s.acquire()
	if !ok {
		return nil, dberrors.ErrClosed
	}

	if from != nil && to != nil && types.Compare(from, to) >= 0 {
		ts.unref()
		return iterator.FromSlice(nil), nil
	}

	sources := make([]iterator.Iterator, 0, len(ts.tables)+2)
	sources = append(sources, ts.active.Range(from, to))
	if ts.flushing != nil {
		sources = append(sources, ts.flushing.Range(from, to))
	}
	for _, t := range ts.tables {
		sources = append(sources, t.Range(from, to))
	}

	it := iterator.SkipTombstones(iterator.NewMerging(sources...))
	return iterator.OnClose(iterator.Cloning(it), ts.unref), nil
}

// Upsert writes e into the active memtable. The caller's slices are copied.
// With a synced WAL it returns once the entry's log batch is on disk; the
// wait happens after the store lock is released.
func (s *Store) Upsert(ctx context.Context, e types.Entry) error {
	e = e.Clone()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.RLock()
		if s.closed.Load() {
			s.mu.RUnlock()
			return dberrors.ErrClosed
		}

		ts := s.current.Load()
		if hard := s.cfg.Memtable.HardLimitBytes; hard > 0 && ts.flushing != nil && ts.active.Size() >= hard {
			wait := s.flushDone
			s.mu.RUnlock()

			s.metrics.IncCounter(metricBackpressure, map[string]string{"policy": s.cfg.Memtable.Backpressure}, 1)
			if s.cfg.Memtable.Backpressure == config.BackpressureReject {
				return dberrors.ErrBackpressure
			}

			// a previous background flush may have failed
			s.scheduleFlush()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		commit, err := ts.put(e)
		size := ts.active.Size()
		s.mu.RUnlock()

		if err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
		if size > s.cfg.Memtable.FlushThresholdBytes {
			s.scheduleFlush()
		}
		if commit != nil && s.cfg.Persistence.WAL.Sync {
			if err := commit.Wait(); err != nil {
				return fmt.Errorf("failed to log entry: %w", err)
			}
		}
		return nil
	}
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Upsert(ctx, types.Put(key, value))
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Upsert(ctx, types.Tombstone(key))
}

// enter registers a maintenance call so that Close can wait for it.
func (s *Store) enter() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

// Flush makes every write issued before the call durable. It waits for an
// in-flight flush rather than returning early.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.inflight.Done()

	return s.flush(ctx, true)
}

// Compact merges all sorted tables into one, dropping shadowed entries and
// tombstones. It is a no-op while another compaction runs.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.inflight.Done()

	return s.compactOnce(ctx)
}

// Close stops background work, flushes buffered writes and releases the
// store's snapshot. Calling Close again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.mu.Unlock()

	for _, job := range s.jobs {
		job.Stop()
	}
	s.inflight.Wait()

	err := s.flush(context.Background(), true)
	if err != nil {
		err = fmt.Errorf("failed to flush on close: %w", err)
	}

	ts := s.current.Load()
	s.closeWAL(ts)
	ts.unref()

	slog.Info("store closed", "dir", s.dir, "error", err)

	return err
}

// openWAL replays the segments left by the previous run, persists what they
// hold and starts a segment for the active memtable.
func (s *Store) openWAL() error {
	dir := filepath.Join(s.dir, walDirName)

	all, err := wal.List(dir)
	if err != nil {
		return err
	}

	watermark := s.manifest.Data().WALSegment
	var ids []uint64
	for _, id := range all {
		if id >= watermark {
			ids = append(ids, id)
			continue
		}
		slog.Info("removing persisted WAL segment", "segment", id)
		if err := wal.Remove(dir, id); err != nil {
			return err
		}
	}

	s.nextLogID = max(watermark, 1)
	if len(ids) > 0 {
		s.nextLogID = ids[len(ids)-1] + 1
	}

	replayed := memtable.New()
	for _, id := range ids {
		n, err := wal.Replay(dir, id, replayed.Put)
		if err != nil {
			return fmt.Errorf("failed to replay WAL segment %d: %w", id, err)
		}
		slog.Info("WAL segment replayed", "segment", id, "entries", n)
	}

	if !replayed.Empty() {
		replayed.Freeze()
		cur := s.current.Load()
		s.current.Store(newTableSet(cur.active, replayed, cur.tables))
		cur.unref()

		slog.Info("persisting replayed WAL",
			"segments", len(ids),
			"keys", replayed.Len(),
			"bytes", replayed.Size(),
		)
		s.flushMu.Lock()
		err := s.flushFrozen(context.Background(), replayed)
		s.flushMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to persist replayed WAL: %w", err)
		}
	}
	for _, id := range ids {
		if err := wal.Remove(dir, id); err != nil {
			return err
		}
	}

	seg, err := wal.Create(dir, s.nextLogID, s.cfg.Persistence.WAL.Sync)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment: %w", err)
	}
	s.nextLogID++

	s.walDir = dir
	s.current.Load().activeLog = seg

	return nil
}

// closeWAL releases the segments of ts. Segments whose memtable still holds
// data stay on disk for the next Open.
func (s *Store) closeWAL(ts *tableSet) {
	if ts.activeLog != nil {
		closeFn := ts.activeLog.Close
		if ts.active.Empty() {
			closeFn = ts.activeLog.Remove
		}
		if err := closeFn(); err != nil {
			slog.Warn("failed to close WAL segment", "segment", ts.activeLog.ID(), "error", err)
		}
	}
	if ts.flushingLog != nil {
		if err := ts.flushingLog.Close(); err != nil {
			slog.Warn("failed to close WAL segment", "segment", ts.flushingLog.ID(), "error", err)
		}
	}
}

func (s *Store) released(seq uint64) {
	s.obsolete.Remove(seq)
}

func (s *Store) writerOptions() persistence.WriterOptions {
	return persistence.WriterOptions{
		FilterEnabled: s.cfg.Persistence.BloomFilter.Enabled,
		FPRate:        s.cfg.Persistence.BloomFilter.FPRate,
	}
}

func (s *Store) scheduleFlush() {
	if !s.flushPending.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.flushCh <- struct{}{}:
	default:
		s.flushPending.Store(false)
	}
}

func (s *Store) maybeScheduleCompaction(tables int) {
	threshold := s.cfg.Compaction.Threshold
	if threshold <= 0 || tables < threshold {
		return
	}
	if !s.compactPending.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.compactCh <- struct{}{}:
	default:
		s.compactPending.Store(false)
	}
}

// cleanupFailed removes the files of a table that never got published.
func cleanupFailed(t *persistence.SSTable) {
	if t == nil {
		return
	}
	t.MarkObsolete()
	t.Unref()
}
