package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
)

const (
	fileExt = ".wal"

	metaTombstone uint64 = 1 << 0

	// seq(8) meta(8) keyLen(4)
	headerSize = 20
	// valueLen(4) crc(4) around the value
	trailerSize = 8
)

var (
	errTruncated = errors.New("truncated record")
	errChecksum  = errors.New("checksum mismatch")
)

// WAL is a write-ahead log segment. Every memtable owns one segment, which
// is removed once the memtable is persisted as a sorted table.
//
// Appends are encoded into a pending batch; a committer goroutine writes
// each batch with a single write call and, with sync, a single fsync.
type WAL struct {
	committer *listener.Listener[struct{}]
	commitCh  chan struct{}

	// mu guards the pending batch and the fields below it.
	mu      sync.Mutex
	pending []byte
	batch   *Commit
	seqNum  uint64
	err     error
	closed  bool

	// writeMu serializes batch writes with Close.
	writeMu  sync.Mutex
	file     *os.File
	path     string
	id       uint64
	sync     bool
	syncFile func(*os.File) error
}

// Commit completes once the batch holding an entry is written, and synced
// when the segment syncs.
type Commit struct {
	done chan struct{}
	err  error
}

// Wait blocks until the entry's batch is written and returns the write error.
func (c *Commit) Wait() error {
	<-c.done
	return c.err
}

// Path returns the file name of segment id.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, fileExt))
}

// Create starts a new empty segment and its committer. With sync every batch
// is fsynced before its commits complete.
func Create(dir string, id uint64, sync bool) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	path := Path(dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}
	if err := persistence.SyncDir(dir); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}

	w := &WAL{
		commitCh: make(chan struct{}, 1),
		file:     file,
		path:     path,
		id:       id,
		sync:     sync,
		syncFile: (*os.File).Sync,
	}
	w.committer = listener.New(fmt.Sprintf("wal-%d", id), w.commitCh, w.commit)
	w.committer.Start(context.Background())

	return w, nil
}

func (w *WAL) ID() uint64 {
	return w.id
}

// Append runs apply and, if it succeeds, adds e to the pending batch while
// still holding the segment lock, so the log order matches the order in
// which entries were applied. Append never touches the file; the returned
// Commit reports when e reached it.
func (w *WAL) Append(e types.Entry, apply func() error) (*Commit, error) {
	if len(e.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("key too large: %d", len(e.Key))
	}
	if len(e.Value) > math.MaxUint32 {
		return nil, fmt.Errorf("value too large: %d", len(e.Value))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("WAL segment %d is closed", w.id)
	}
	if w.err != nil {
		return nil, fmt.Errorf("WAL segment %d failed: %w", w.id, w.err)
	}

	if err := apply(); err != nil {
		return nil, err
	}

	w.seqNum++
	w.pending = appendRecord(w.pending, w.seqNum, e)
	if w.batch == nil {
		w.batch = &Commit{done: make(chan struct{})}
	}

	select {
	case w.commitCh <- struct{}{}:
	default:
	}

	return w.batch, nil
}

// commit writes the pending batch. It runs on the committer and once more
// from Close.
func (w *WAL) commit(context.Context, struct{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	buf, c := w.pending, w.batch
	w.pending, w.batch = nil, nil
	w.mu.Unlock()

	if c == nil {
		return nil
	}

	err := w.write(buf)
	if err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
	}

	c.err = err
	close(c.done)

	return err
}

func (w *WAL) write(buf []byte) error {
	if w.file == nil {
		return fmt.Errorf("WAL segment %d is closed", w.id)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL batch: %w", err)
	}
	if w.sync {
		if err := w.syncFile(w.file); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}
	return nil
}

// Close writes what is still pending, syncs and closes the file. Calling
// Close again is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.committer.Stop()
	if err := w.commit(context.Background(), struct{}{}); err != nil {
		slog.Warn("failed to write WAL batch on close", "segment", w.id, "error", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to sync WAL on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	w.file = nil

	return nil
}

// Remove closes the segment and deletes its file.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		slog.Warn("failed to close WAL segment before removal", "segment", w.id, "error", err)
	}
	return Remove(filepath.Dir(w.path), w.id)
}

// Remove deletes segment id. A missing segment is not an error.
func Remove(dir string, id uint64) error {
	if err := os.Remove(Path(dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove WAL segment %d: %w", id, err)
	}
	return nil
}

// List returns the ids of the segments in dir in ascending order. A missing
// dir holds no segments.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL dir %s: %w", dir, err)
	}

	var ids []uint64
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, nil
}

// Replay feeds every entry of segment id to callback in log order.
//
// A cut off record, or a damaged one followed only by zero bytes, is a torn
// tail left by a crash: it is dropped with a warning together with the rest
// of the file. A damaged record followed by more data, or an intact record
// out of sequence, is ErrCorrupt.
func Replay(dir string, id uint64, callback func(types.Entry) error) (int, error) {
	data, err := os.ReadFile(Path(dir, id))
	if err != nil {
		return 0, fmt.Errorf("failed to read WAL segment %d: %w", id, err)
	}

	n := 0
	for off := 0; off < len(data); {
		rest := data[off:]
		seqNum, e, size, err := decodeRecord(rest)
		if err != nil {
			if !tornTail(rest, size, err) {
				return n, fmt.Errorf("%w: WAL segment %d record %d: %v", dberrors.ErrCorrupt, id, n+1, err)
			}
			slog.Warn("dropping torn WAL tail",
				"segment", id,
				"after", n,
				"bytes", len(rest),
				"reason", err,
			)
			break
		}
		if seqNum != uint64(n)+1 {
			return n, fmt.Errorf("%w: WAL segment %d has record %d at position %d", dberrors.ErrCorrupt, id, seqNum, n+1)
		}

		if err := callback(e); err != nil {
			return n, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		n++
		off += size
	}

	return n, nil
}

// tornTail reports whether a record that failed to decode with err ends the
// usable part of the segment.
func tornTail(rest []byte, size int, err error) bool {
	if errors.Is(err, errTruncated) {
		return true
	}
	return allZero(rest[size:])
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// appendRecord encodes
// seqNum(8) meta(8) keyLen(4) key valueLen(4) value crc(4)
// where crc covers everything before it.
func appendRecord(buf []byte, seqNum uint64, e types.Entry) []byte {
	var meta uint64
	if e.Tombstone {
		meta |= metaTombstone
	}

	start := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, seqNum)
	buf = binary.LittleEndian.AppendUint64(buf, meta)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)

	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start:]))
}

// decodeRecord decodes the record at the start of b and returns its encoded
// size. On errChecksum the size is still the one the header declares.
func decodeRecord(b []byte) (uint64, types.Entry, int, error) {
	if len(b) < headerSize {
		return 0, types.Entry{}, 0, errTruncated
	}
	seqNum := binary.LittleEndian.Uint64(b[0:])
	meta := binary.LittleEndian.Uint64(b[8:])
	keyLen := int(binary.LittleEndian.Uint32(b[16:]))

	vlenAt := headerSize + keyLen
	if len(b) < vlenAt+4 {
		return 0, types.Entry{}, 0, errTruncated
	}
	valueLen := int(binary.LittleEndian.Uint32(b[vlenAt:]))

	size := vlenAt + valueLen + trailerSize
	if len(b) < size {
		return 0, types.Entry{}, 0, errTruncated
	}

	if crc32.ChecksumIEEE(b[:size-4]) != binary.LittleEndian.Uint32(b[size-4:]) {
		return 0, types.Entry{}, size, errChecksum
	}

	key := slices.Clone(b[headerSize:vlenAt])
	if meta&metaTombstone != 0 {
		return seqNum, types.Tombstone(key), size, nil
	}
	value := slices.Clone(b[vlenAt+4 : vlenAt+4+valueLen])
	return seqNum, types.Put(key, value), size, nil
}
