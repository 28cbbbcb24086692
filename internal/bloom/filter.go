// Package bloom provides a probabilistic membership set used as a fast
// negative check in front of ledger lookups.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over byte keys. It never reports a false
// negative: once Add(k) returns, MayContain(k) is true.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
	capacity  int
	targetFPR float64
}

// New creates a filter sized for capacity items at the target false
// positive rate.
func New(capacity int, targetFPR float64) *Filter {
	if capacity <= 0 {
		capacity = 1024
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}
	numBits, numHashes := OptimalParameters(capacity, targetFPR)
	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
		capacity:  capacity,
		targetFPR: targetFPR,
	}
}

// OptimalParameters returns the bit count m = -n*ln(p)/ln(2)^2 and hash
// count k = (m/n)*ln(2) for n items at false positive rate p.
func OptimalParameters(n int, p float64) (numBits, numHashes int) {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	k := (m / float64(n)) * math.Ln2

	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add inserts key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports whether key might have been added. False means
// definitely absent.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Saturated reports whether more items were added than the filter was
// sized for. Callers should rebuild with a larger capacity.
func (f *Filter) Saturated() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count > uint64(f.capacity)
}

// Capacity returns the item count the filter was sized for.
func (f *Filter) Capacity() int {
	return f.capacity
}

// TargetFPR returns the configured false positive rate.
func (f *Filter) TargetFPR() float64 {
	return f.targetFPR
}

// FalsePositiveRate estimates the current rate as (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
