// Package histogram implements a lock-free, Prometheus-style histogram for
// extremely high-frequency observations with consistent, non-blocking
// collection. Observers pay exactly three atomic read-modify-write
// operations per sample; a collector never blocks an observer and never
// duplicates a counter.
package histogram

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// cacheLineSize is the assumed CPU cache line width. 64 bytes covers every
// common x86_64 and arm64 target; platforms with adjacent-line prefetch
// (ARM big.LITTLE) may want 128, but this package follows the teacher's own
// convention of hardcoding 64 rather than probing the host at runtime.
const cacheLineSize = 64

// wordsPerLine is how many atomic.Uint64 words fit in one cache line.
const wordsPerLine = cacheLineSize / 8

// waitingFlagBit is the high bit of countAndFlag: set by a stalled collector
// to request a wake from the next observer landing on this shard.
const waitingFlagBit = uint64(1) << 63

// shard is one of a Histogram's two structurally identical counter groups.
// Observers write to whichever shard is currently active; a collector reads
// both.
//
// countAndFlag, sum, and the buckets all live in one slice, words, allocated
// as a single contiguous block and then hand-aligned to a cache-line
// boundary in newShard — not a struct of a scalar pair plus a separately
// heap-allocated buckets slice, which would scatter an observation's three
// RMWs across two unrelated allocations no alignment trick can bring back
// together. words[0] is countAndFlag, words[1] is sum, words[2:] are the
// buckets in order. For a histogram whose buckets don't fit in the
// remaining wordsPerLine-2 slots of that first line, per spec.md §4.1 the
// overflow buckets spill into the following line(s): only the lowest
// bucket indices are guaranteed to share a line with countAndFlag and sum.
//
// Go's sync/atomic operations carry sequentially-consistent synchronization
// guarantees (stronger than the plain acquire/release pairing the spec asks
// for), so every operation below uses the stdlib atomic types directly:
// there is no separate "relaxed" store available, but the spec's ordering
// requirements are satisfied a fortiori.
type shard struct {
	words []atomic.Uint64
}

// newShard allocates one block of numBuckets+2 words, then returns a
// cache-line-aligned sub-slice of it: words[0] is countAndFlag, words[1] is
// sum, words[2:] are the buckets. The over-allocation by up to
// wordsPerLine-1 extra words is the slop needed to find an aligned start
// inside a single make() call, mirroring the teacher's own use of
// unsafe.Pointer arithmetic for lock-free layouts
// (internal/cache/cache_engine_v3.go's LockFreeRingBuffer,
// internal/tenant/tenantmanager_v3.go's atomic map swap).
func newShard(numBuckets int) *shard {
	need := numBuckets + 2
	raw := make([]atomic.Uint64, need+wordsPerLine-1)

	base := uintptr(unsafe.Pointer(&raw[0]))
	misalignment := int(base % cacheLineSize)
	offset := 0
	if misalignment != 0 {
		offset = (cacheLineSize - misalignment) / 8
	}

	return &shard{words: raw[offset : offset+need]}
}

// addBucket is RMW 1: a relaxed increment of bucket i.
func (s *shard) addBucket(i int) {
	s.words[2+i].Add(1)
}

// addSum is RMW 2: a CAS-loop float add committed with release ordering.
// CAS retries are internal to this call and are not counted against the
// three-RMW observer budget.
func (s *shard) addSum(v float64) {
	for {
		old := s.words[1].Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if s.words[1].CompareAndSwap(old, next) {
			return
		}
	}
}

// incCount is RMW 3: a release-ordered fetch-add of 1 on the low 63 bits of
// countAndFlag. It returns the prior word so the caller can check whether
// the waiting flag was set and, if so, fire the waker.
func (s *shard) incCount() uint64 {
	return s.words[0].Add(1) - 1
}

// loadCountAndFlag is an acquire-ordered read of the full count+flag word.
func (s *shard) loadCountAndFlag() uint64 {
	return s.words[0].Load()
}

// loadSum is an acquire-ordered read of sum, converted back to float64.
func (s *shard) loadSum() float64 {
	return math.Float64frombits(s.words[1].Load())
}

// loadBucket is a relaxed read of a single bucket counter.
func (s *shard) loadBucket(i int) uint64 {
	return s.words[2+i].Load()
}

// setWaitingFlag atomically sets the high bit of countAndFlag and returns
// the prior word. Safe to call repeatedly; a no-op if already set.
func (s *shard) setWaitingFlag() uint64 {
	for {
		old := s.words[0].Load()
		if old&waitingFlagBit != 0 {
			return old
		}
		if s.words[0].CompareAndSwap(old, old|waitingFlagBit) {
			return old
		}
	}
}

// clearWaitingFlag atomically clears the high bit of countAndFlag.
func (s *shard) clearWaitingFlag() {
	for {
		old := s.words[0].Load()
		if old&waitingFlagBit == 0 {
			return
		}
		if s.words[0].CompareAndSwap(old, old&^waitingFlagBit) {
			return
		}
	}
}

// count strips the waiting flag bit from a countAndFlag word.
func count(word uint64) uint64 {
	return word &^ waitingFlagBit
}
