package iterator

import "lsmkv/pkg/types"

// Iterator walks a sorted sequence of entries. A fresh iterator is already
// positioned on its first entry, if any.
type Iterator interface {
	// Valid reports whether the iterator points to an entry.
	Valid() bool
	// Next advances to the following entry.
	Next()
	// Entry returns the current entry. Only meaningful while Valid.
	Entry() types.Entry
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]types.Entry, error) {
	var out []types.Entry
	for ; it.Valid(); it.Next() {
		out = append(out, it.Entry())
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}
