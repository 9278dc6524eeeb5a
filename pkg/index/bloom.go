package index

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	minBloomFilterBytes = 10_000
	maxBloomFilterBytes = 256_000_000
	maxBloomHashCount   = 16
)

// BloomFilter is a probabilistic set of stream hashes.
// - False positives possible (may say a stream exists when it doesn't)
// - False negatives impossible
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	hashCount int
}

// NewBloomFilter creates an empty filter of numBits bits using hashCount
// hash functions.
func NewBloomFilter(numBits uint64, hashCount int) *BloomFilter {
	if numBits < 8 {
		numBits = 8
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > maxBloomHashCount {
		hashCount = maxBloomHashCount
	}
	return &BloomFilter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		hashCount: hashCount,
	}
}

// newBloomFilterForTable sizes a filter for a table of entryCount entries:
// a quarter of a byte per entry, clamped to [10KB, 256MB].
func newBloomFilterForTable(entryCount int64) *BloomFilter {
	size := min(max(entryCount/4, minBloomFilterBytes), maxBloomFilterBytes)
	numBits := uint64(size) * 8

	// k = (m/n) * ln(2); streams usually repeat, so entryCount overestimates n
	n := float64(max(entryCount, 1))
	k := int(math.Round(float64(numBits) / n * math.Ln2))
	return NewBloomFilter(numBits, k)
}

// Add adds a key to the filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain returns false only if key was definitely never added
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// AddStream adds a stream hash, keyed by its 8 little-endian bytes.
func (bf *BloomFilter) AddStream(stream uint64) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], stream)
	bf.Add(key[:])
}

// MayContainStream checks a stream hash added with AddStream.
func (bf *BloomFilter) MayContainStream(stream uint64) bool {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], stream)
	return bf.MayContain(key[:])
}

// bloomHashes derives the two hashes used for double hashing:
// hash(key, i) = h1 + i*h2
func bloomHashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)

	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write([]byte{0xFF}) // Different seed for h2
	h2 := d.Sum64()

	// Keep h2 odd so successive probes do not collapse onto one bit
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

// NumBits returns the size of the filter in bits
func (bf *BloomFilter) NumBits() uint64 {
	return bf.numBits
}

// HashCount returns the number of hash functions
func (bf *BloomFilter) HashCount() int {
	return bf.hashCount
}

// EstimateFalsePositiveRate estimates the false positive rate after
// itemCount distinct keys: p = (1 - e^(-k*n/m))^k
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	k := float64(bf.hashCount)
	n := float64(itemCount)
	m := float64(bf.numBits)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}
