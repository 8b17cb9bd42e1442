package persistence

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spaolacci/murmur3"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

var (
	ErrEmptyTable = errors.New("no entries to write")
)

const (
	writeBufferSize = 64 << 10
	// ctx is polled once per this many records
	cancelCheckInterval = 1024
)

type WriterOptions struct {
	FilterEnabled bool
	FPRate        float64
}

type tableFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
	n    int64
}

func createTableFile(path string) (*tableFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &tableFile{path: path, f: f, w: bufio.NewWriterSize(f, writeBufferSize)}, nil
}

func (tf *tableFile) write(p []byte) error {
	n, err := tf.w.Write(p)
	tf.n += int64(n)
	return err
}

func (tf *tableFile) writeInt64(v int64) error {
	var buf [lenSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return tf.write(buf[:])
}

// finish flushes, fsyncs and closes the file.
func (tf *tableFile) finish() error {
	if err := tf.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", tf.path, err)
	}
	if err := tf.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tf.path, err)
	}
	err := tf.f.Close()
	tf.f = nil
	return err
}

func (tf *tableFile) abort() {
	if tf != nil && tf.f != nil {
		_ = tf.f.Close()
		tf.f = nil
	}
}

// WriteSSTable streams src into table seq under dir and opens the result.
// src must be sorted by key with no duplicates. The files are written under
// temporary names, synced, then renamed filter, index, data. On any failure
// every file of seq is removed. An empty src yields ErrEmptyTable.
func WriteSSTable(ctx context.Context, dir string, seq uint64, src iterator.Iterator, opts WriterOptions) (_ *SSTable, err error) {
	var data, index, filter *tableFile
	defer func() {
		if err == nil {
			return
		}
		data.abort()
		index.abort()
		filter.abort()
		if rmErr := removeTableFiles(dir, seq); rmErr != nil {
			slog.Warn("failed to clean up sstable files", "seq", seq, "error", rmErr)
		}
	}()

	if data, err = createTableFile(DataPath(dir, seq) + tmpExt); err != nil {
		return nil, err
	}
	if index, err = createTableFile(IndexPath(dir, seq) + tmpExt); err != nil {
		return nil, err
	}

	var (
		prevKey []byte
		hashes  [][2]uint64
		count   int
	)

	for ; src.Valid(); src.Next() {
		e := src.Entry()

		if count > 0 && types.Compare(prevKey, e.Key) >= 0 {
			return nil, fmt.Errorf("sstable %d: key %q not above previous %q: %w",
				seq, e.Key, prevKey, dberrors.ErrCorrupt)
		}
		prevKey = append(prevKey[:0], e.Key...)

		if count%cancelCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return nil, err
			}
		}

		if err = index.writeInt64(data.n); err != nil {
			return nil, fmt.Errorf("failed to write index: %w", err)
		}
		if err = writeRecord(data, e); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}

		if opts.FilterEnabled {
			h1, h2 := murmur3.Sum128(e.Key)
			hashes = append(hashes, [2]uint64{h1, h2})
		}
		count++
	}
	if err = src.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sstable source: %w", err)
	}
	if count == 0 {
		err = ErrEmptyTable
		return nil, err
	}

	if opts.FilterEnabled {
		if filter, err = createTableFile(FilterPath(dir, seq) + tmpExt); err != nil {
			return nil, err
		}
		bf := NewBloomFilter(count, opts.FPRate)
		for _, h := range hashes {
			bf.addHash(h[0], h[1])
		}
		if _, err = bf.WriteTo(filter.w); err != nil {
			return nil, fmt.Errorf("failed to write filter: %w", err)
		}
	}

	for _, tf := range []*tableFile{filter, index, data} {
		if tf == nil {
			continue
		}
		if err = tf.finish(); err != nil {
			return nil, err
		}
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	// data last: a data file under its final name implies the rest is in place
	for _, tf := range []*tableFile{filter, index, data} {
		if tf == nil {
			continue
		}
		final := tf.path[:len(tf.path)-len(tmpExt)]
		if err = os.Rename(tf.path, final); err != nil {
			return nil, fmt.Errorf("failed to publish %s: %w", final, err)
		}
	}
	if err = SyncDir(dir); err != nil {
		return nil, err
	}

	table, err := OpenSSTable(dir, seq)
	if err != nil {
		return nil, err
	}

	slog.Debug("sstable written", "seq", seq, "entries", count, "tombstones", table.Tombstones(), "size", table.Size())

	return table, nil
}

func writeRecord(tf *tableFile, e types.Entry) error {
	if err := tf.writeInt64(int64(len(e.Key))); err != nil {
		return err
	}
	if err := tf.write(e.Key); err != nil {
		return err
	}
	if e.Tombstone {
		return tf.writeInt64(tombstoneLen)
	}
	if err := tf.writeInt64(int64(len(e.Value))); err != nil {
		return err
	}
	return tf.write(e.Value)
}
