package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

func appendAll(t *testing.T, w *WAL, entries ...types.Entry) {
	t.Helper()
	for _, e := range entries {
		c, err := w.Append(e, func() error { return nil })
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := c.Wait(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}
}

func replayAll(t *testing.T, dir string, id uint64) []types.Entry {
	t.Helper()
	var got []types.Entry
	n, err := Replay(dir, id, func(e types.Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != len(got) {
		t.Fatalf("Replay reported %d entries, callback saw %d", n, len(got))
	}
	return got
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 7, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	want := []types.Entry{
		types.Put([]byte("a"), []byte("1")),
		types.Put([]byte(""), []byte("")),
		types.Tombstone([]byte("a")),
		types.Put([]byte("b"), []byte("value")),
	}
	appendAll(t, w, want...)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := replayAll(t, dir, 7)
	if len(got) != len(want) {
		t.Fatalf("replayed %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if types.Compare(got[i].Key, want[i].Key) != 0 ||
			types.Compare(got[i].Value, want[i].Value) != 0 ||
			got[i].Tombstone != want[i].Tombstone {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWAL_AppendRunsApply(t *testing.T) {
	w, err := Create(t.TempDir(), 1, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	applied := 0
	c, err := w.Append(types.Put([]byte("k"), []byte("v")), func() error {
		applied++
		return nil
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("apply ran %d times", applied)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	boom := errors.New("boom")
	if _, err := w.Append(types.Put([]byte("x"), []byte("v")), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// an entry that failed to apply is not logged
	got := replayAll(t, filepath.Dir(w.path), 1)
	if len(got) != 1 || string(got[0].Key) != "k" {
		t.Fatalf("unexpected replay %+v", got)
	}
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := Create(t.TempDir(), 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := w.Append(types.Put([]byte("k"), nil), func() error { return nil }); err == nil {
		t.Fatal("expected append on a closed segment to fail")
	}
}

func TestWAL_CreateExisting(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 3, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	if _, err := Create(dir, 3, false); err == nil {
		t.Fatal("expected creating an existing segment to fail")
	}
}

func TestReplay_TornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	appendAll(t, w,
		types.Put([]byte("a"), []byte("1")),
		types.Put([]byte("b"), []byte("2")),
	)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := Path(dir, 1)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	for _, cut := range []int64{1, 3, 10} {
		if err := os.Truncate(path, info.Size()-cut); err != nil {
			t.Fatalf("Truncate failed: %v", err)
		}
		got := replayAll(t, dir, 1)
		if len(got) != 1 || string(got[0].Key) != "a" {
			t.Fatalf("cut %d: expected only the first entry, got %+v", cut, got)
		}
	}
}

func TestReplay_ZeroFilledTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	appendAll(t, w,
		types.Put([]byte("a"), []byte("1")),
		types.Put([]byte("b"), []byte("2")),
	)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := Path(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	// a crash may extend the file without writing its last blocks
	for _, zeros := range []int{1, 27, 28, 64, 4096} {
		tail := append(bytes.Clone(data), make([]byte, zeros)...)
		if err := os.WriteFile(path, tail, 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if got := replayAll(t, dir, 1); len(got) != 2 {
			t.Fatalf("%d zero bytes: expected both entries, got %+v", zeros, got)
		}
	}

	// the last record itself zeroed out
	second := len(data) / 2
	zeroed := append(bytes.Clone(data[:second]), make([]byte, len(data)-second)...)
	if err := os.WriteFile(path, zeroed, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if got := replayAll(t, dir, 1); len(got) != 1 || string(got[0].Key) != "a" {
		t.Fatalf("expected only the first entry, got %+v", got)
	}
}

func TestReplay_CorruptRecordBeforeValidOnes(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	appendAll(t, w,
		types.Put([]byte("a"), []byte("1")),
		types.Put([]byte("b"), []byte("2")),
	)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := Path(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// value byte of the first record
	data[headerSize+1+4] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	n, err := Replay(dir, 1, func(types.Entry) error { return nil })
	if !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if n != 0 {
		t.Fatalf("replayed %d entries before the damaged record", n)
	}

	// the same damage on the last record is a torn tail
	data[headerSize+1+4] ^= 0xff
	data[len(data)-trailerSize/2-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if got := replayAll(t, dir, 1); len(got) != 1 {
		t.Fatalf("expected only the first entry, got %+v", got)
	}
}

func TestReplay_OutOfOrderRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	appendAll(t, w, types.Put([]byte("a"), []byte("1")))
	w.seqNum = 5
	appendAll(t, w, types.Put([]byte("b"), []byte("2")))
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = Replay(dir, 1, func(types.Entry) error { return nil })
	if !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestWAL_AppendDuringSlowSync(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	syncing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w.syncFile = func(f *os.File) error {
		once.Do(func() {
			close(syncing)
			<-release
		})
		return f.Sync()
	}

	first, err := w.Append(types.Put([]byte("a"), []byte("1")), func() error { return nil })
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	select {
	case <-syncing:
	case <-time.After(5 * time.Second):
		t.Fatal("the first batch was never synced")
	}

	type result struct {
		c   *Commit
		err error
	}
	appended := make(chan result, 1)
	go func() {
		c, err := w.Append(types.Put([]byte("b"), []byte("2")), func() error { return nil })
		appended <- result{c, err}
	}()

	var second result
	select {
	case second = <-appended:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("Append waited for a sync in progress")
	}
	if second.err != nil {
		t.Fatalf("Append failed: %v", second.err)
	}
	if second.c == first {
		t.Fatal("an entry appended during a sync joined the batch being synced")
	}
	select {
	case <-first.done:
		t.Fatal("the first commit completed before its sync")
	default:
	}

	close(release)
	if err := first.Wait(); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if err := second.c.Wait(); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := replayAll(t, dir, 1); len(got) != 2 {
		t.Fatalf("expected both entries, got %+v", got)
	}
}

func TestWAL_CloseWritesPending(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var commits []*Commit
	for i := 0; i < 100; i++ {
		c, err := w.Append(types.Put([]byte{byte(i)}, []byte("v")), func() error { return nil })
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		commits = append(commits, c)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, c := range commits {
		if err := c.Wait(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}
	if got := replayAll(t, dir, 1); len(got) != 100 {
		t.Fatalf("replayed %d entries, want 100", len(got))
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()

	ids, err := List(filepath.Join(dir, "absent"))
	if err != nil || len(ids) != 0 {
		t.Fatalf("missing dir: ids %v, err %v", ids, err)
	}

	for _, id := range []uint64{12, 3, 7} {
		w, err := Create(dir, id, false)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
	for _, junk := range []string{"notes.txt", "x.wal", "5.wal.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, junk), nil, 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	ids, err = List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 7 || ids[2] != 12 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(Path(dir, 1)); !os.IsNotExist(err) {
		t.Fatalf("segment file still present, stat error %v", err)
	}
	if err := Remove(dir, 1); err != nil {
		t.Fatalf("removing a missing segment must succeed, got %v", err)
	}
}
