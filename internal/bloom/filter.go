// Package bloom provides the bloom filter stored in output sidecars, used to
// test whether an event number may be present in an output without opening
// it.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// Algorithm names the hashing scheme recorded in serialized filters.
const Algorithm = "murmur3_128"

// BloomFilter is a probabilistic set with no false negatives: once an item
// is added, Contains always reports true for it. Not safe for concurrent
// writes.
type BloomFilter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with numBits (rounded up to a multiple of 64) and
// numHashes hash functions.
func New(numBits, numHashes int) *BloomFilter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	numWords := (numBits + 63) / 64
	return &BloomFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates sizes a filter for expectedItems at the target false
// positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *BloomFilter {
	return New(OptimalParameters(expectedItems, targetFPR))
}

// OptimalParameters returns m = -n ln(p) / ln(2)^2 bits and
// k = (m/n) ln(2) hashes.
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add adds an item.
func (bf *BloomFilter) Add(item []byte) {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < bf.numHashes; i++ {
		pos := (h1 + i*h2) % bf.numBits
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

// Contains reports whether item may have been added.
func (bf *BloomFilter) Contains(item []byte) bool {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < bf.numHashes; i++ {
		pos := (h1 + i*h2) % bf.numBits
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// AddKey adds a uint64 key, hashed as its 8 little-endian bytes.
func (bf *BloomFilter) AddKey(key uint64) {
	bf.Add(binary.LittleEndian.AppendUint64(nil, key))
}

// ContainsKey reports whether key may have been added.
func (bf *BloomFilter) ContainsKey(key uint64) bool {
	return bf.Contains(binary.LittleEndian.AppendUint64(nil, key))
}

// NumBits returns the number of bits in the filter.
func (bf *BloomFilter) NumBits() int { return int(bf.numBits) }

// NumHashes returns the number of hash functions used.
func (bf *BloomFilter) NumHashes() int { return int(bf.numHashes) }

// Count returns the number of items added.
func (bf *BloomFilter) Count() uint64 { return bf.count }

// FalsePositiveRate estimates the current false positive rate,
// (1 - e^(-kn/m))^k.
func (bf *BloomFilter) FalsePositiveRate() float64 {
	if bf.count == 0 {
		return 0
	}
	k := float64(bf.numHashes)
	n := float64(bf.count)
	m := float64(bf.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
