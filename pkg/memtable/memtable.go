package memtable

import (
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

var (
	ErrFrozen = errors.New("memtable is frozen")
)

type concurrentMap = skipmap.FuncMap[[]byte, types.Entry]

// Memtable is the mutable in-memory write buffer. Writes are last-write-wins
// per key; the size counter only grows until the table is replaced.
type Memtable struct {
	size   atomic.Int64
	frozen atomic.Bool

	underlying *concurrentMap
}

func New() *Memtable {
	return &Memtable{
		underlying: skipmap.NewFunc[[]byte, types.Entry](types.Less),
	}
}

// Put stores e, replacing any previous entry for the same key. The caller
// owns the key and value slices of e and must not modify them afterwards.
func (mt *Memtable) Put(e types.Entry) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}
	if e.Key == nil {
		e.Key = []byte{}
	}

	mt.underlying.Store(e.Key, e)
	mt.size.Add(e.Size())

	return nil
}

// Get returns the entry for key, which may be a tombstone.
func (mt *Memtable) Get(key []byte) (types.Entry, bool) {
	if key == nil {
		key = []byte{}
	}
	return mt.underlying.Load(key)
}

// Range returns the entries in [from, to) in ascending key order. A nil bound
// is unbounded. The result is a point-in-time copy of the matching entries.
func (mt *Memtable) Range(from, to []byte) iterator.Iterator {
	if from != nil && to != nil && types.Compare(from, to) >= 0 {
		return iterator.FromSlice(nil)
	}

	// skipmap has no seek, the walk always starts at the smallest key
	var result []types.Entry
	mt.underlying.Range(func(key []byte, e types.Entry) bool {
		if from != nil && types.Compare(key, from) < 0 {
			return true
		}
		if to != nil && types.Compare(key, to) >= 0 {
			return false
		}
		result = append(result, e)
		return true
	})

	return iterator.FromSlice(result)
}

// Size is the sum of key and value lengths over every Put so far,
// overwrites included.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

func (mt *Memtable) Empty() bool {
	return mt.underlying.Len() == 0
}

// Freeze turns the table read-only. Subsequent puts fail with ErrFrozen.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}
