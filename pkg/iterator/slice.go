package iterator

import "lsmkv/pkg/types"

type sliceIterator struct {
	entries []types.Entry
	pos     int
}

// FromSlice iterates over entries, which must already be sorted by key.
func FromSlice(entries []types.Entry) Iterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Valid() bool { return it.pos < len(it.entries) }

func (it *sliceIterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *sliceIterator) Entry() types.Entry { return it.entries[it.pos] }

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.entries = nil
	it.pos = 0
	return nil
}
