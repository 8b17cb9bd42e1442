package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

const (
	lenSize        = 8
	tombstoneLen   = -1
	indexEntrySize = 8
)

// SSTable is an immutable sorted run backed by mapped data, index and
// optional filter files.
//
// Keys and values returned by Get and Range alias the mapping and stay valid
// only while the caller holds a reference.
type SSTable struct {
	dir string
	seq uint64

	data   *mappedFile
	index  *mappedFile
	filter *mappedFile
	bloom  *BloomFilter

	count      int
	tombstones int
	size       int64

	refs      atomic.Int32
	obsolete  atomic.Bool
	onRelease func(seq uint64)
}

// OpenSSTable maps the files of table seq in dir. The returned table holds
// one reference owned by the caller.
func OpenSSTable(dir string, seq uint64) (*SSTable, error) {
	s := &SSTable{dir: dir, seq: seq}

	var err error
	if s.data, err = mapFile(DataPath(dir, seq)); err != nil {
		return nil, fmt.Errorf("failed to open sstable %d data: %w", seq, err)
	}
	if s.index, err = mapFile(IndexPath(dir, seq)); err != nil {
		s.unmap()
		return nil, fmt.Errorf("failed to open sstable %d index: %w", seq, err)
	}

	hasFilter, err := fileExists(FilterPath(dir, seq))
	if err != nil {
		s.unmap()
		return nil, err
	}
	if hasFilter {
		if s.filter, err = mapFile(FilterPath(dir, seq)); err != nil {
			s.unmap()
			return nil, fmt.Errorf("failed to open sstable %d filter: %w", seq, err)
		}
		if s.bloom, err = DecodeBloomFilter(s.filter.data); err != nil {
			s.unmap()
			return nil, fmt.Errorf("sstable %d: %w", seq, err)
		}
	}

	if err := s.validate(); err != nil {
		s.unmap()
		return nil, fmt.Errorf("sstable %d: %w", seq, err)
	}

	s.size = int64(s.data.Len() + s.index.Len())
	if s.filter != nil {
		s.size += int64(s.filter.Len())
	}
	s.refs.Store(1)

	return s, nil
}

// validate checks that every index offset points at a well-formed record and
// counts tombstones.
func (s *SSTable) validate() error {
	if s.index.Len()%indexEntrySize != 0 {
		return fmt.Errorf("index length %d is not a multiple of %d: %w",
			s.index.Len(), indexEntrySize, dberrors.ErrCorrupt)
	}

	s.count = s.index.Len() / indexEntrySize
	for i := 0; i < s.count; i++ {
		e, err := s.recordAt(i)
		if err != nil {
			return err
		}
		if e.Tombstone {
			s.tombstones++
		}
	}

	return nil
}

func (s *SSTable) offsetAt(i int) int64 {
	return int64(binary.LittleEndian.Uint64(s.index.data[i*indexEntrySize:]))
}

func (s *SSTable) keyAt(i int) ([]byte, error) {
	data := s.data.data
	off := s.offsetAt(i)
	if off < 0 || off+lenSize > int64(len(data)) {
		return nil, fmt.Errorf("record %d offset %d out of range: %w", i, off, dberrors.ErrCorrupt)
	}

	keyLen := int64(binary.LittleEndian.Uint64(data[off:]))
	start := off + lenSize
	if keyLen < 0 || keyLen > int64(len(data))-start {
		return nil, fmt.Errorf("record %d key length %d out of range: %w", i, keyLen, dberrors.ErrCorrupt)
	}

	return data[start : start+keyLen : start+keyLen], nil
}

func (s *SSTable) recordAt(i int) (types.Entry, error) {
	key, err := s.keyAt(i)
	if err != nil {
		return types.Entry{}, err
	}

	data := s.data.data
	off := s.offsetAt(i) + lenSize + int64(len(key))
	if off+lenSize > int64(len(data)) {
		return types.Entry{}, fmt.Errorf("record %d truncated: %w", i, dberrors.ErrCorrupt)
	}

	valueLen := int64(binary.LittleEndian.Uint64(data[off:]))
	if valueLen == tombstoneLen {
		return types.Tombstone(key), nil
	}

	start := off + lenSize
	if valueLen < 0 || valueLen > int64(len(data))-start {
		return types.Entry{}, fmt.Errorf("record %d value length %d out of range: %w", i, valueLen, dberrors.ErrCorrupt)
	}

	return types.Put(key, data[start:start+valueLen:start+valueLen]), nil
}

// lowerBound returns the first record index whose key is >= key.
func (s *SSTable) lowerBound(key []byte) (int, error) {
	var firstErr error
	i := sort.Search(s.count, func(i int) bool {
		k, err := s.keyAt(i)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		return types.Compare(k, key) >= 0
	})
	return i, firstErr
}

// Get looks key up. The returned entry may be a tombstone.
func (s *SSTable) Get(key []byte) (types.Entry, bool, error) {
	if s.bloom != nil && !s.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}

	i, err := s.lowerBound(key)
	if err != nil {
		return types.Entry{}, false, err
	}
	if i >= s.count {
		return types.Entry{}, false, nil
	}

	e, err := s.recordAt(i)
	if err != nil {
		return types.Entry{}, false, err
	}
	if types.Compare(e.Key, key) != 0 {
		return types.Entry{}, false, nil
	}

	return e, true, nil
}

// Range iterates over [from, to). A nil bound is unbounded.
func (s *SSTable) Range(from, to []byte) iterator.Iterator {
	it := &SSTableIterator{table: s, hi: s.count}

	if from != nil {
		lo, err := s.lowerBound(from)
		if err != nil {
			it.err = err
			return it
		}
		it.pos = lo
	}
	if to != nil {
		hi, err := s.lowerBound(to)
		if err != nil {
			it.err = err
			return it
		}
		it.hi = hi
	}

	it.load()
	return it
}

func (s *SSTable) Seq() uint64 { return s.seq }

func (s *SSTable) Len() int { return s.count }

func (s *SSTable) Tombstones() int { return s.tombstones }

// Size is the on-disk footprint of all files of the table.
func (s *SSTable) Size() int64 { return s.size }

func (s *SSTable) HasFilter() bool { return s.bloom != nil }

// Meta describes the table for the manifest.
func (s *SSTable) Meta() TableMeta {
	return TableMeta{
		Seq:        s.seq,
		Entries:    s.count,
		Tombstones: s.tombstones,
		Size:       s.size,
	}
}

func (s *SSTable) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference. The last one unmaps the files and, for an
// obsolete table, deletes them.
func (s *SSTable) Unref() {
	refs := s.refs.Add(-1)
	switch {
	case refs > 0:
		return
	case refs < 0:
		slog.Error("sstable reference count went negative", "seq", s.seq, "refs", refs)
		return
	}

	if err := s.unmap(); err != nil {
		slog.Warn("failed to unmap sstable", "seq", s.seq, "error", err)
	}

	if s.obsolete.Load() {
		if err := removeTableFiles(s.dir, s.seq); err != nil {
			slog.Warn("failed to remove obsolete sstable", "seq", s.seq, "error", err)
		} else {
			slog.Debug("removed obsolete sstable", "seq", s.seq)
		}
	}

	if s.onRelease != nil {
		s.onRelease(s.seq)
	}
}

// MarkObsolete schedules the files for deletion once the last reference is
// dropped.
func (s *SSTable) MarkObsolete() {
	s.obsolete.Store(true)
}

func (s *SSTable) Obsolete() bool {
	return s.obsolete.Load()
}

// OnRelease installs a hook called after the last reference is dropped.
// Must be set before the table is shared.
func (s *SSTable) OnRelease(fn func(seq uint64)) {
	s.onRelease = fn
}

func (s *SSTable) unmap() error {
	return errors.Join(s.data.Close(), s.index.Close(), s.filter.Close())
}

// SSTableIterator walks records [pos, hi) in key order, decoding lazily.
type SSTableIterator struct {
	table *SSTable
	pos   int
	hi    int
	cur   types.Entry
	err   error
}

func (it *SSTableIterator) load() {
	if it.pos >= it.hi {
		return
	}
	it.cur, it.err = it.table.recordAt(it.pos)
}

func (it *SSTableIterator) Valid() bool {
	return it.err == nil && it.pos < it.hi
}

func (it *SSTableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.load()
}

func (it *SSTableIterator) Entry() types.Entry {
	return it.cur
}

func (it *SSTableIterator) Err() error {
	return it.err
}

func (it *SSTableIterator) Close() error {
	it.pos = it.hi
	return nil
}
