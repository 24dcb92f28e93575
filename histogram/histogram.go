package histogram

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
)

// NaNPolicy selects how Observe handles a NaN value.
type NaNPolicy int

const (
	// NaNReject is the default: observing NaN is a contract violation and
	// panics.
	NaNReject NaNPolicy = iota
	// NaNBucket absorbs NaN into a dedicated extra bucket, counted but
	// excluded from the returned snapshot's bucket vector and from sum.
	NaNBucket
)

// Sentinel errors for histogram construction contract violations.
var (
	ErrEmptyBounds     = errors.New("histogram: bounds must be non-empty")
	ErrNonFiniteBound  = errors.New("histogram: bounds must be finite")
	ErrBoundsNotSorted = errors.New("histogram: bounds must be strictly increasing")
)

// spinBudget is the number of Gosched-paced retries a collector attempts
// before registering with the Waiter and asking the shard to flag it for a
// wake. Not load-bearing for correctness (see DESIGN.md's Open Question
// decision); tunable within the spec's suggested 8-64 range.
const spinBudget = 32

// Snapshot is the immutable result of Collect: self-consistent by
// construction. Buckets holds raw per-bucket counts (not cumulative) — the
// host layer performs cumulation if its exposition format requires it.
type Snapshot struct {
	Buckets []uint64
	Count   uint64
	Sum     float64
}

// Histogram is a fixed set of cumulative buckets plus aggregate count and
// sum counters, observed via a lock-free three-RMW path and collected via a
// wait-free-for-observers consistent-snapshot protocol.
type Histogram struct {
	bounds     []float64
	nanPolicy  NaNPolicy
	numBuckets int // len(bounds)+1, plus 1 more if nanPolicy == NaNBucket

	shards [2]*shard
	active atomic.Uint32 // 0 or 1; many-reader (observers), single-writer (collector)

	collectGuard sync.Mutex // serializes collectors only, never observers
	waiter       *Waiter
}

// New constructs a Histogram over a non-empty, strictly increasing sequence
// of finite upper bounds. bounds[k-1] is the last finite bound; the
// histogram conceptually extends it with a +Inf bucket.
func New(bounds []float64, nanPolicy NaNPolicy) (*Histogram, error) {
	if len(bounds) == 0 {
		return nil, ErrEmptyBounds
	}
	for i, b := range bounds {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, fmt.Errorf("%w: bound %d is %v", ErrNonFiniteBound, i, b)
		}
		if i > 0 && !(bounds[i-1] < b) {
			return nil, fmt.Errorf("%w: bound %d (%v) does not exceed bound %d (%v)", ErrBoundsNotSorted, i, b, i-1, bounds[i-1])
		}
	}

	n := len(bounds) + 1
	if nanPolicy == NaNBucket {
		n++
	}

	h := &Histogram{
		bounds:     append([]float64(nil), bounds...),
		nanPolicy:  nanPolicy,
		numBuckets: n,
		waiter:     newWaiter(),
	}
	h.shards[0] = newShard(n)
	h.shards[1] = newShard(n)
	return h, nil
}

// MustNew is New, panicking on a contract violation. Intended for
// package-level histogram variables initialized at startup.
func MustNew(bounds []float64, nanPolicy NaNPolicy) *Histogram {
	h, err := New(bounds, nanPolicy)
	if err != nil {
		panic(err)
	}
	return h
}

// nanBucketIndex is the index of the dedicated NaN bucket, valid only when
// the histogram was constructed with NaNBucket.
func (h *Histogram) nanBucketIndex() int {
	return len(h.bounds) + 1
}

// bucketIndex finds the least j in [0, k] with v <= bounds[j], treating
// bound k as +Inf. Binary search over the sorted bounds; not itself an RMW.
func (h *Histogram) bucketIndex(v float64) int {
	lo, hi := 0, len(h.bounds)
	for lo < hi {
		mid := (lo + hi) / 2
		if v <= h.bounds[mid] {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (h *Histogram) activeShard() *shard {
	return h.shards[h.active.Load()]
}

// Observe records a single sample. Exactly three atomic RMWs on the active
// shard (on one cache line unless the bucket index lies past the first line,
// see shard), no spinning. The only exception is the rare waker
// fire, taken only when a stalled collector has set the waiting flag: it
// briefly locks Waiter.mu to flip one bool and signal, an O(1) hold with no
// unbounded wait, not a second lock-free guarantee on top of the three RMWs.
func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) {
		h.observeNaN()
		return
	}
	i := h.bucketIndex(v)
	s := h.activeShard()
	s.addBucket(i)  // RMW 1
	s.addSum(v)     // RMW 2
	prior := s.incCount() // RMW 3
	if prior&waitingFlagBit != 0 {
		h.waiter.wake()
	}
}

func (h *Histogram) observeNaN() {
	if h.nanPolicy != NaNBucket {
		panic("histogram: observed NaN with NaN rejection policy")
	}
	s := h.activeShard()
	s.addBucket(h.nanBucketIndex())
	// addSum is skipped: sum stays NaN-free by construction.
	prior := s.incCount()
	if prior&waitingFlagBit != 0 {
		h.waiter.wake()
	}
}

// Collect produces a self-consistent Snapshot. Enters under collectGuard
// (rare contention among collectors only), toggles the active bit, then
// reads the now-cold shard before the now-hot shard — giving in-flight
// observers on the cold shard more time to complete before the hot read —
// and returns their componentwise sum.
func (h *Histogram) Collect() Snapshot {
	h.collectGuard.Lock()
	defer h.collectGuard.Unlock()

	oldActive := h.active.Load()
	newActive := 1 - oldActive
	h.active.Store(newActive)

	cold := h.shards[oldActive]
	hot := h.shards[newActive]

	coldBuckets, coldSum, coldCount := h.consistentRead(cold)
	hotBuckets, hotSum, hotCount := h.consistentRead(hot)

	merged := make([]uint64, h.numBuckets)
	for i := range merged {
		merged[i] = coldBuckets[i] + hotBuckets[i]
	}

	out := Snapshot{
		Count: coldCount + hotCount,
		Sum:   coldSum + hotSum,
	}
	if h.nanPolicy == NaNBucket {
		out.Buckets = merged[:h.nanBucketIndex()]
	} else {
		out.Buckets = merged
	}
	return out
}

// tryRead takes one consistent-read attempt: acquire-read count+flag and
// sum, relaxed-read every bucket, and check whether the bucket sum matches
// the count. ok is false when an observation was caught in flight.
func (h *Histogram) tryRead(s *shard) (buckets []uint64, sum float64, c uint64, ok bool) {
	word := s.loadCountAndFlag()
	c = count(word)
	sum = s.loadSum()
	buckets = make([]uint64, h.numBuckets)
	var total uint64
	for i := range buckets {
		buckets[i] = s.loadBucket(i)
		total += buckets[i]
	}
	ok = total == c
	return
}

// consistentRead implements spec.md §4.4.1: spin briefly on an inconsistent
// read, then register with the Waiter and ask the shard to flag the next
// observer for a wake, re-checking once more before actually parking (this
// closes the race where the in-flight observation completes between spin
// exhaustion and the flag install).
func (h *Histogram) consistentRead(s *shard) ([]uint64, float64, uint64) {
	attempts := 0
	for {
		if buckets, sum, c, ok := h.tryRead(s); ok {
			return buckets, sum, c
		}

		attempts++
		if attempts <= spinBudget {
			runtime.Gosched()
			continue
		}

		h.waiter.register()
		s.setWaitingFlag()
		if buckets, sum, c, ok := h.tryRead(s); ok {
			s.clearWaitingFlag()
			h.waiter.clear()
			return buckets, sum, c
		}
		h.waiter.wait()
		s.clearWaitingFlag()
		h.waiter.clear()
		attempts = 0
	}
}
