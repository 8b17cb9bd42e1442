package iterator

import (
	"errors"

	"lsmkv/pkg/types"
)

// mergingIterator performs a k-way merge. The position of a source in
// sources is its recency rank: lower rank is newer and shadows older sources
// holding the same key.
type mergingIterator struct {
	sources []Iterator
	heap    rankHeap
	err     error
}

type rankHeap struct {
	ranks   []int
	sources []Iterator
}

func (h *rankHeap) less(i, j int) bool {
	a, b := h.ranks[i], h.ranks[j]
	cmp := types.Compare(h.sources[a].Entry().Key, h.sources[b].Entry().Key)
	if cmp != 0 {
		return cmp < 0
	}
	return a < b
}

func (h *rankHeap) swap(i, j int) {
	h.ranks[i], h.ranks[j] = h.ranks[j], h.ranks[i]
}

func (h *rankHeap) down(i int) {
	n := len(h.ranks)
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}

func (h *rankHeap) init() {
	n := len(h.ranks)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i)
	}
}

func (h *rankHeap) popTop() {
	n := len(h.ranks) - 1
	h.swap(0, n)
	h.ranks = h.ranks[:n]
	if n > 0 {
		h.down(0)
	}
}

// NewMerging merges sorted sources into one sorted stream with unique keys.
// sources[0] is the freshest source; for a key present in several sources
// only the entry of the lowest-indexed one is produced. Tombstones are kept.
func NewMerging(sources ...Iterator) Iterator {
	m := &mergingIterator{
		sources: sources,
		heap:    rankHeap{sources: sources},
	}

	for i, src := range sources {
		if err := src.Err(); err != nil {
			m.err = err
			return m
		}
		if src.Valid() {
			m.heap.ranks = append(m.heap.ranks, i)
		}
	}
	m.heap.init()

	return m
}

func (m *mergingIterator) Valid() bool {
	return m.err == nil && len(m.heap.ranks) > 0
}

func (m *mergingIterator) Entry() types.Entry {
	return m.sources[m.heap.ranks[0]].Entry()
}

func (m *mergingIterator) Next() {
	if !m.Valid() {
		return
	}

	key := m.Entry().Key
	m.advanceTop()

	// skip shadowed entries for the same key
	for m.Valid() && types.Compare(m.Entry().Key, key) == 0 {
		m.advanceTop()
	}
}

func (m *mergingIterator) advanceTop() {
	src := m.sources[m.heap.ranks[0]]
	src.Next()

	if err := src.Err(); err != nil {
		m.err = err
		return
	}
	if src.Valid() {
		m.heap.down(0)
		return
	}
	m.heap.popTop()
}

func (m *mergingIterator) Err() error {
	return m.err
}

func (m *mergingIterator) Close() error {
	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.heap.ranks = nil
	return errors.Join(errs...)
}
