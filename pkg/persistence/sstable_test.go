package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

var defaultOpts = WriterOptions{FilterEnabled: true, FPRate: DefaultFPRate}

func writeTable(t *testing.T, dir string, seq uint64, entries []types.Entry, opts WriterOptions) *SSTable {
	t.Helper()
	table, err := WriteSSTable(context.Background(), dir, seq, iterator.FromSlice(entries), opts)
	if err != nil {
		t.Fatalf("WriteSSTable failed: %v", err)
	}
	t.Cleanup(table.Unref)
	return table
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestSSTable_BinaryLayout(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 7, []types.Entry{
		types.Put([]byte("a"), []byte("1")),
		types.Tombstone([]byte("b")),
		types.Put([]byte("c"), []byte{}),
	}, WriterOptions{})

	data, err := os.ReadFile(DataPath(dir, 7))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	le := func(v int64) []byte {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return b[:]
	}

	var want []byte
	want = append(want, le(1)...)
	want = append(want, 'a')
	want = append(want, le(1)...)
	want = append(want, '1')
	want = append(want, le(1)...)
	want = append(want, 'b')
	want = append(want, le(-1)...)
	want = append(want, le(1)...)
	want = append(want, 'c')
	want = append(want, le(0)...)

	if string(data) != string(want) {
		t.Fatalf("data file mismatch:\n got %x\nwant %x", data, want)
	}

	index, err := os.ReadFile(IndexPath(dir, 7))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var wantIndex []byte
	for _, off := range []int64{0, 18, 35} {
		wantIndex = append(wantIndex, le(off)...)
	}
	if string(index) != string(wantIndex) {
		t.Fatalf("index file mismatch:\n got %x\nwant %x", index, wantIndex)
	}

	if _, err := os.Stat(FilterPath(dir, 7)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("filter must not exist when disabled, stat err=%v", err)
	}
}

func TestSSTable_Get(t *testing.T) {
	dir := t.TempDir()

	var entries []types.Entry
	for i := 0; i < 1000; i += 2 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if i%10 == 0 {
			entries = append(entries, types.Tombstone(key))
		} else {
			entries = append(entries, types.Put(key, []byte(fmt.Sprintf("val-%d", i))))
		}
	}

	for _, opts := range []WriterOptions{defaultOpts, {}} {
		t.Run(fmt.Sprintf("filter=%v", opts.FilterEnabled), func(t *testing.T) {
			seq := uint64(1)
			if !opts.FilterEnabled {
				seq = 2
			}
			table := writeTable(t, dir, seq, entries, opts)

			if table.Len() != 500 || table.Tombstones() != 100 {
				t.Fatalf("expected 500 entries / 100 tombstones, got %d / %d", table.Len(), table.Tombstones())
			}
			if table.HasFilter() != opts.FilterEnabled {
				t.Fatalf("HasFilter=%v", table.HasFilter())
			}

			for i := 0; i < 1000; i++ {
				key := []byte(fmt.Sprintf("key-%04d", i))
				e, ok, err := table.Get(key)
				if err != nil {
					t.Fatalf("Get(%s) failed: %v", key, err)
				}
				switch {
				case i%2 == 1:
					if ok {
						t.Fatalf("unexpected hit for %s", key)
					}
				case i%10 == 0:
					if !ok || !e.Tombstone {
						t.Fatalf("expected tombstone for %s, got %+v ok=%v", key, e, ok)
					}
				default:
					if !ok || string(e.Value) != fmt.Sprintf("val-%d", i) {
						t.Fatalf("unexpected value for %s: %+v ok=%v", key, e, ok)
					}
				}
			}

			if _, ok, _ := table.Get([]byte("zzz")); ok {
				t.Fatal("unexpected hit past the last key")
			}
			if _, ok, _ := table.Get([]byte("")); ok {
				t.Fatal("unexpected hit before the first key")
			}
		})
	}
}

func TestSSTable_Range(t *testing.T) {
	dir := t.TempDir()
	table := writeTable(t, dir, 1, []types.Entry{
		types.Put([]byte("b"), []byte("1")),
		types.Tombstone([]byte("d")),
		types.Put([]byte("f"), []byte("3")),
		types.Put([]byte("h"), []byte("4")),
	}, defaultOpts)

	cases := []struct {
		name     string
		from, to []byte
		want     []string
	}{
		{"Unbounded", nil, nil, []string{"b", "d", "f", "h"}},
		{"BetweenKeys", []byte("c"), []byte("g"), []string{"d", "f"}},
		{"TombstoneAsLowerBound", []byte("d"), nil, []string{"d", "f", "h"}},
		{"UpperExclusive", nil, []byte("f"), []string{"b", "d"}},
		{"BeforeAll", []byte("a"), []byte("b"), nil},
		{"AfterAll", []byte("i"), nil, nil},
		{"Inverted", []byte("g"), []byte("c"), nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := iterator.Collect(table.Range(tc.from, tc.to))
			if err != nil {
				t.Fatalf("Collect failed: %v", err)
			}
			if len(entries) != len(tc.want) {
				t.Fatalf("expected %v, got %d entries", tc.want, len(entries))
			}
			for i := range entries {
				if string(entries[i].Key) != tc.want[i] {
					t.Fatalf("position %d: expected %s, got %s", i, tc.want[i], entries[i].Key)
				}
			}
		})
	}
}

func TestWriteSSTable_Failures(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		dir := t.TempDir()
		_, err := WriteSSTable(context.Background(), dir, 1, iterator.FromSlice(nil), defaultOpts)
		if !errors.Is(err, ErrEmptyTable) {
			t.Fatalf("expected ErrEmptyTable, got %v", err)
		}
		if names := dirNames(t, dir); len(names) != 0 {
			t.Fatalf("expected empty dir, got %v", names)
		}
	})

	t.Run("Unsorted", func(t *testing.T) {
		dir := t.TempDir()
		_, err := WriteSSTable(context.Background(), dir, 1, iterator.FromSlice([]types.Entry{
			types.Put([]byte("b"), nil),
			types.Put([]byte("a"), nil),
		}), defaultOpts)
		if !errors.Is(err, dberrors.ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt, got %v", err)
		}
		if names := dirNames(t, dir); len(names) != 0 {
			t.Fatalf("expected empty dir, got %v", names)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		dir := t.TempDir()
		_, err := WriteSSTable(context.Background(), dir, 1, iterator.FromSlice([]types.Entry{
			types.Put([]byte("a"), nil),
			types.Put([]byte("a"), nil),
		}), defaultOpts)
		if !errors.Is(err, dberrors.ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := WriteSSTable(ctx, dir, 1, iterator.FromSlice([]types.Entry{
			types.Put([]byte("a"), nil),
		}), defaultOpts)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if names := dirNames(t, dir); len(names) != 0 {
			t.Fatalf("expected empty dir, got %v", names)
		}
	})
}

func TestOpenSSTable_Corrupt(t *testing.T) {
	dir := t.TempDir()
	table, err := WriteSSTable(context.Background(), dir, 1, iterator.FromSlice([]types.Entry{
		types.Put([]byte("a"), []byte("1")),
	}), WriterOptions{})
	if err != nil {
		t.Fatalf("WriteSSTable failed: %v", err)
	}
	table.Unref()

	t.Run("IndexLength", func(t *testing.T) {
		if err := os.WriteFile(IndexPath(dir, 1), []byte{0, 0, 0}, 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := OpenSSTable(dir, 1); !errors.Is(err, dberrors.ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("OffsetOutOfRange", func(t *testing.T) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], 1<<20)
		if err := os.WriteFile(IndexPath(dir, 1), b[:], 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := OpenSSTable(dir, 1); !errors.Is(err, dberrors.ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestSSTable_ObsoleteRemovedOnLastUnref(t *testing.T) {
	dir := t.TempDir()
	table, err := WriteSSTable(context.Background(), dir, 3, iterator.FromSlice([]types.Entry{
		types.Put([]byte("a"), []byte("1")),
	}), defaultOpts)
	if err != nil {
		t.Fatalf("WriteSSTable failed: %v", err)
	}

	released := uint64(0)
	table.OnRelease(func(seq uint64) { released = seq })

	table.Ref()
	table.MarkObsolete()
	table.Unref()

	if _, err := os.Stat(DataPath(dir, 3)); err != nil {
		t.Fatalf("files must survive while referenced: %v", err)
	}

	table.Unref()

	if names := dirNames(t, dir); len(names) != 0 {
		t.Fatalf("expected files removed, got %v", names)
	}
	if released != 3 {
		t.Fatalf("release hook not called, got %d", released)
	}
}

func TestRecover(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	rec, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(rec.Tables) != 0 || rec.MaxSeq != 0 {
		t.Fatalf("fresh dir must be empty, got %d tables", len(rec.Tables))
	}
	id := rec.Manifest.ID()

	older := writeTable(t, dir, 1, []types.Entry{types.Put([]byte("a"), []byte("old"))}, defaultOpts)
	newer := writeTable(t, dir, 2, []types.Entry{types.Put([]byte("a"), []byte("new"))}, defaultOpts)
	if err := rec.Manifest.Apply(3, []TableMeta{newer.Meta(), older.Meta()}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// leftovers of an interrupted publication
	writeTable(t, dir, 4, []types.Entry{types.Put([]byte("z"), nil)}, defaultOpts)
	for _, name := range []string{"5.data.tmp", "MANIFEST.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	rec, err = Recover(dir)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer func() {
		for _, table := range rec.Tables {
			table.Unref()
		}
	}()

	if rec.Manifest.ID() != id {
		t.Fatalf("database id changed: %s != %s", rec.Manifest.ID(), id)
	}
	if len(rec.Tables) != 2 || rec.Tables[0].Seq() != 2 || rec.Tables[1].Seq() != 1 {
		t.Fatalf("unexpected tables after recovery")
	}
	if rec.MaxSeq != 2 || rec.Manifest.Data().NextSeq != 3 {
		t.Fatalf("unexpected sequence state: max=%d next=%d", rec.MaxSeq, rec.Manifest.Data().NextSeq)
	}

	for _, name := range dirNames(t, dir) {
		switch name {
		case ManifestFileName, "1.data", "1.index", "1.filter", "2.data", "2.index", "2.filter":
		default:
			t.Fatalf("unexpected file %s left after recovery", name)
		}
	}
}

func TestRecover_MissingTableFile(t *testing.T) {
	dir := t.TempDir()

	rec, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	table := writeTable(t, dir, 1, []types.Entry{types.Put([]byte("a"), nil)}, defaultOpts)
	if err := rec.Manifest.Apply(2, []TableMeta{table.Meta()}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := os.Remove(IndexPath(dir, 1)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := Recover(dir); !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
