package db

import (
	"context"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// DB is the public key-value API.
type DB interface {
	// Get returns the value for key and whether it exists. Deleted keys do
	// not exist.
	Get(ctx context.Context, key types.Key) (types.Value, bool, error)
	// Scan iterates live entries in [from, to) in key order. A nil bound is
	// unbounded. The iterator must be closed.
	Scan(ctx context.Context, from, to types.Key) (iterator.Iterator, error)

	Upsert(ctx context.Context, e types.Entry) error
	Put(ctx context.Context, key types.Key, value types.Value) error
	Delete(ctx context.Context, key types.Key) error

	// Maintenance
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	Close() error
}
