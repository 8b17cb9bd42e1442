package db

import (
	"context"
	"errors"

	"lsmkv/pkg/types"
)

// ErrStopSearch may be returned by a SearchCallback to end the search early
// without an error.
var ErrStopSearch = errors.New("stop search")

// SearchOptions tune SearchRange.
type SearchOptions struct {
	// Limit caps the number of results. Zero means no limit.
	Limit int
	// Prefix, if set, restricts results to keys starting with it.
	Prefix types.Key
}

// SearchResult is a single key/value pair produced by SearchRange.
type SearchResult struct {
	Key   types.Key
	Value types.Value
}

type SearchCallback func(SearchResult) error

// SearchRange performs a range search over [start, end) and feeds every live
// entry to callback. It returns the number of results delivered.
func SearchRange(ctx context.Context, d DB, start, end types.Key, opts SearchOptions, callback SearchCallback) (int, error) {
	if opts.Prefix != nil {
		if start == nil || types.Compare(start, opts.Prefix) < 0 {
			start = opts.Prefix
		}
		if upper := prefixEnd(opts.Prefix); upper != nil && (end == nil || types.Compare(upper, end) < 0) {
			end = upper
		}
	}

	iter, err := d.Scan(ctx, start, end)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for ; iter.Valid() && (opts.Limit == 0 || count < opts.Limit); iter.Next() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		e := iter.Entry()
		if opts.Prefix != nil && !hasPrefix(e.Key, opts.Prefix) {
			continue
		}

		err := callback(SearchResult{Key: e.Key, Value: e.Value})
		if errors.Is(err, ErrStopSearch) {
			return count, nil
		}
		if err != nil {
			return count, err
		}

		count++
	}

	return count, iter.Err()
}

// hasPrefix checks if key has the given prefix.
func hasPrefix(key, prefix types.Key) bool {
	if len(prefix) > len(key) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil if there is none.
func prefixEnd(prefix types.Key) types.Key {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
