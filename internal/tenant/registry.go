// Package tenant provides a multi-tenant registry of label-keyed
// histograms. Adapted from the teacher repository's
// internal/tenant/tenantmanager_v2.go and tenantmanager_v3.go
// (ShardedTenantStore, TenantCacheShard, TenantQuotaUsage, fastHash-style
// FNV sharding): the map value type is retargeted from a cached
// object-storage tenant config to a histogram.HistogramVec, and the atomic
// quota counters from storage/bandwidth usage to per-tenant observation
// rate.
package tenant

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abiolaogu/enterprise-histogram/histogram"
)

// ShardCount mirrors the teacher's TenantShardCount: a power-of-two shard
// count keeps FNV-hash-to-shard selection a cheap mask instead of a modulo.
const ShardCount = 128

// TenantConfig is the subset of the teacher's TenantConfig this package can
// act on: a tenant identity plus an optional observation rate limit. The
// original's storage/bandwidth quotas and database-backed persistence have
// no home in an in-memory metrics registry (see DESIGN.md).
type TenantConfig struct {
	ID               string
	Name             string
	RequestRateLimit int64 // observations/sec; 0 = unlimited
}

// QuotaUsage tracks a tenant's current-second observation count with a
// fixed-window limiter, same "atomics for the hot counters, no lock on the
// Observe path" split as the teacher's TenantQuotaUsage. window packs the
// window's start-of-second timestamp (high 32 bits) and the count observed
// within it (low 32 bits) into a single word so a window rollover and the
// increment that follows it commit as one atomic operation — two separate
// atomics (a CAS on the timestamp, then a Store(0) on the count) leave a gap
// where a concurrent Observe can land between the CAS and the Store and
// either get counted against the not-yet-reset window or have its increment
// wiped out by the delayed Store(0).
type QuotaUsage struct {
	window     atomic.Uint64
	totalCount atomic.Int64
}

// allow increments the running totals and reports whether this observation
// falls within the configured per-second limit (0 = unlimited, always
// allowed).
func (q *QuotaUsage) allow(limit int64) bool {
	q.totalCount.Add(1)
	if limit <= 0 {
		return true
	}
	now := uint64(time.Now().Unix())
	for {
		old := q.window.Load()
		windowStart, windowCount := old>>32, old&0xffffffff
		if windowStart != now {
			windowStart, windowCount = now, 0
		}
		windowCount++
		next := windowStart<<32 | (windowCount & 0xffffffff)
		if q.window.CompareAndSwap(old, next) {
			return int64(windowCount) <= limit
		}
	}
}

type tenantEntry struct {
	config atomic.Pointer[TenantConfig]
	vec    *histogram.HistogramVec
	quota  QuotaUsage
}

type tenantShard struct {
	mu      sync.RWMutex
	tenants map[string]*tenantEntry
}

// Registry shards tenants across ShardCount buckets exactly like the
// teacher's ShardedTenantStore; each shard holds a map of tenant entries,
// each with its own histogram.HistogramVec, config and quota, instead of
// map[string]*TenantConfig.
type Registry struct {
	shards     []*tenantShard
	shardMask  uint32
	bounds     []float64
	labelNames []string
	nanPolicy  histogram.NaNPolicy
	log        *logrus.Entry
}

// NewRegistry constructs an empty multi-tenant registry. Every tenant's
// HistogramVec shares bounds, labelNames, and nanPolicy.
func NewRegistry(labelNames []string, bounds []float64, nanPolicy histogram.NaNPolicy, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Registry{
		shards:     make([]*tenantShard, ShardCount),
		shardMask:  uint32(ShardCount - 1),
		bounds:     append([]float64(nil), bounds...),
		labelNames: append([]string(nil), labelNames...),
		nanPolicy:  nanPolicy,
		log:        log,
	}
	for i := range r.shards {
		r.shards[i] = &tenantShard{tenants: make(map[string]*tenantEntry)}
	}
	return r
}

func (r *Registry) shardFor(tenantID string) *tenantShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return r.shards[h.Sum32()&r.shardMask]
}

// entry returns tenantID's entry, creating it on first use. A non-nil config
// is installed on the entry whether it already existed or was just created,
// so a later RegisterTenant call for a known tenant (e.g. to change a rate
// limit) actually takes effect instead of being silently dropped.
func (r *Registry) entry(tenantID string, config *TenantConfig) *tenantEntry {
	shard := r.shardFor(tenantID)

	shard.mu.RLock()
	e, ok := shard.tenants[tenantID]
	shard.mu.RUnlock()
	if ok {
		if config != nil {
			e.config.Store(config)
		}
		return e
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.tenants[tenantID]; ok {
		if config != nil {
			e.config.Store(config)
		}
		return e
	}
	if config == nil {
		config = &TenantConfig{ID: tenantID}
	}
	e = &tenantEntry{
		vec: histogram.NewVec(r.labelNames, r.bounds, r.nanPolicy),
	}
	e.config.Store(config)
	shard.tenants[tenantID] = e
	return e
}

// RegisterTenant installs an explicit config (e.g. a rate limit) for a
// tenant, whether called before the tenant's first observation or later to
// change an already-registered tenant's settings.
func (r *Registry) RegisterTenant(config *TenantConfig) {
	r.entry(config.ID, config)
}

// Observe records a sample for tenantID under the given label values,
// subject to the tenant's configured rate limit. It reports whether the
// observation was accepted (false means it was dropped for exceeding the
// limit) — this rejection is a host-layer policy decision, not part of the
// lock-free core's contract: histogram.Histogram.Observe itself never
// rejects or blocks.
func (r *Registry) Observe(tenantID string, labelValues []string, v float64) bool {
	e := r.entry(tenantID, nil)
	config := e.config.Load()
	if !e.quota.allow(config.RequestRateLimit) {
		r.log.WithFields(logrus.Fields{
			"tenant": tenantID,
			"limit":  config.RequestRateLimit,
		}).Debug("observation dropped: tenant rate limit exceeded")
		return false
	}
	e.vec.WithLabelValues(labelValues...).Observe(v)
	return true
}

// TenantSnapshot pairs a tenant ID with its collected label snapshots.
type TenantSnapshot struct {
	TenantID  string
	Snapshots []histogram.LabeledSnapshot
}

// CollectAll collects every registered tenant's HistogramVec concurrently,
// one goroutine per tenant, the same fan-out CollectAll itself uses
// per-child — so a tenant whose HistogramVec is mid-collect never makes
// every other tenant's rollup wait behind it. No ordering guarantee across
// tenants, same independence spec.md §5 notes across histograms in general.
func (r *Registry) CollectAll() []TenantSnapshot {
	var ids []string
	var entries []*tenantEntry
	for _, shard := range r.shards {
		shard.mu.RLock()
		for id, e := range shard.tenants {
			ids = append(ids, id)
			entries = append(entries, e)
		}
		shard.mu.RUnlock()
	}

	out := make([]TenantSnapshot, len(entries))
	var wg sync.WaitGroup
	wg.Add(len(entries))
	for i, e := range entries {
		i, e := i, e
		go func() {
			defer wg.Done()
			out[i] = TenantSnapshot{
				TenantID:  ids[i],
				Snapshots: e.vec.CollectAll(),
			}
		}()
	}
	wg.Wait()
	return out
}

// ObservationCount returns the running total of accepted-or-rejected
// Observe calls for tenantID, 0 if the tenant has never been observed.
func (r *Registry) ObservationCount(tenantID string) int64 {
	shard := r.shardFor(tenantID)
	shard.mu.RLock()
	e, ok := shard.tenants[tenantID]
	shard.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.quota.totalCount.Load()
}
