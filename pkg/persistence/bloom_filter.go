package persistence

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/spaolacci/murmur3"

	"lsmkv/pkg/dberrors"
)

const (
	DefaultFPRate = 0.01

	maxHashFunctions = 30
	filterHeaderSize = 16
)

// BloomFilter answers "definitely absent" or "maybe present" for a key.
// Probes use double hashing over a 128-bit murmur3 digest.
type BloomFilter struct {
	bits     *bitset.BitSet
	bitCount uint64
	hashes   uint64
}

// OptimalParams returns the bit count and hash function count for n keys at
// false positive rate p.
func OptimalParams(n int, p float64) (bitCount, hashes uint64) {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFPRate
	}

	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 1 {
		m = 1
	}
	k := math.Round(math.Ln2 * m / float64(n))
	k = math.Max(1, math.Min(maxHashFunctions, k))

	return uint64(m), uint64(k)
}

// NewBloomFilter sizes a filter for expectedItems keys.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	m, k := OptimalParams(expectedItems, falsePositiveRate)
	return &BloomFilter{
		bits:     bitset.New(uint(m)),
		bitCount: m,
		hashes:   k,
	}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.addHash(murmur3.Sum128(key))
}

func (bf *BloomFilter) addHash(h1, h2 uint64) {
	for i := uint64(0); i < bf.hashes; i++ {
		bf.bits.Set(uint((h1 + i*h2) % bf.bitCount))
	}
}

// MayContain reports false only if key was never added.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < bf.hashes; i++ {
		if !bf.bits.Test(uint((h1 + i*h2) % bf.bitCount)) {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) BitCount() uint64 { return bf.bitCount }

func (bf *BloomFilter) HashFunctions() uint64 { return bf.hashes }

// WriteTo serializes the filter as bitCount, hash count and the bit words,
// all little-endian.
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	words := bf.bits.Words()
	want := int((bf.bitCount + 63) / 64)

	buf := make([]byte, filterHeaderSize+8*want)
	binary.LittleEndian.PutUint64(buf[0:], bf.bitCount)
	binary.LittleEndian.PutUint64(buf[8:], bf.hashes)
	for i := 0; i < want && i < len(words); i++ {
		binary.LittleEndian.PutUint64(buf[filterHeaderSize+8*i:], words[i])
	}

	n, err := w.Write(buf)
	return int64(n), err
}

// DecodeBloomFilter parses a serialized filter.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < filterHeaderSize {
		return nil, fmt.Errorf("filter too short (%d bytes): %w", len(data), dberrors.ErrCorrupt)
	}

	bitCount := binary.LittleEndian.Uint64(data[0:])
	hashes := binary.LittleEndian.Uint64(data[8:])
	if bitCount == 0 || hashes == 0 || hashes > maxHashFunctions {
		return nil, fmt.Errorf("filter header m=%d k=%d: %w", bitCount, hashes, dberrors.ErrCorrupt)
	}

	nWords := (bitCount + 63) / 64
	if uint64(len(data)-filterHeaderSize) != nWords*8 {
		return nil, fmt.Errorf("filter body is %d bytes, want %d: %w",
			len(data)-filterHeaderSize, nWords*8, dberrors.ErrCorrupt)
	}

	words := make([]uint64, nWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[filterHeaderSize+8*i:])
	}

	return &BloomFilter{
		bits:     bitset.FromWithLength(uint(bitCount), words),
		bitCount: bitCount,
		hashes:   hashes,
	}, nil
}
