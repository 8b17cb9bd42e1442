package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber identifies a sorted table. Higher numbers are fresher.
type SequenceNumber = uint64

// Entry is a key with either a value or a tombstone.
// Entries are never mutated after construction.
type Entry struct {
	Key       Key
	Value     Value
	Tombstone bool
}

// Put builds a live entry. A nil or empty value is still a present value.
func Put(key Key, value Value) Entry {
	return Entry{Key: key, Value: value}
}

// Tombstone builds a deletion marker for key.
func Tombstone(key Key) Entry {
	return Entry{Key: key, Tombstone: true}
}

// Size is the memtable accounting size: key bytes plus value bytes.
func (e Entry) Size() int64 {
	return int64(len(e.Key)) + int64(len(e.Value))
}

// Clone returns a deep copy that does not alias e.
func (e Entry) Clone() Entry {
	c := Entry{
		Key:       append([]byte{}, e.Key...),
		Tombstone: e.Tombstone,
	}
	if !e.Tombstone {
		c.Value = append([]byte{}, e.Value...)
	}
	return c
}

// Compare orders keys by the first mismatching byte; on a common prefix the
// shorter key sorts first.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// Less reports whether a sorts before b.
func Less(a, b Key) bool {
	return bytes.Compare(a, b) < 0
}
