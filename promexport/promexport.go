// Package promexport is the thin external layer spec.md §1 explicitly
// excludes from the histogram core: it converts a histogram.Snapshot's raw,
// per-bucket counts into the cumulative bucket form Prometheus's exposition
// format requires, and implements prometheus.Collector so a
// *histogram.Histogram or *histogram.HistogramVec can be registered with an
// ordinary prometheus.Registry and served over promhttp.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/abiolaogu/enterprise-histogram/histogram"
)

// cumulativeBuckets turns raw per-bucket counts into the
// upper-bound -> cumulative-count map prometheus.NewConstHistogram expects.
// raw always has len(bounds)+1 entries (the last is the +Inf bucket, whose
// cumulative count equals the total and is carried implicitly by the count
// argument rather than this map, per client_golang's own convention).
func cumulativeBuckets(bounds []float64, raw []uint64) map[float64]uint64 {
	out := make(map[float64]uint64, len(bounds))
	var running uint64
	for i, b := range bounds {
		running += raw[i]
		out[b] = running
	}
	return out
}

// Collector adapts a single *histogram.Histogram to prometheus.Collector.
type Collector struct {
	desc   *prometheus.Desc
	bounds []float64
	h      *histogram.Histogram
}

// NewCollector builds a Collector exposing h under fqName with the given
// help text. bounds must be the same slice the histogram was constructed
// with; the collector has no way to recover it from histogram.Histogram
// itself (the core keeps bounds private, per spec.md's scope boundary).
func NewCollector(fqName, help string, bounds []float64, h *histogram.Histogram) *Collector {
	return &Collector{
		desc:   prometheus.NewDesc(fqName, help, nil, nil),
		bounds: append([]float64(nil), bounds...),
		h:      h,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.h.Collect()
	buckets := cumulativeBuckets(c.bounds, s.Buckets)
	m, err := prometheus.NewConstHistogram(c.desc, s.Count, s.Sum, buckets)
	if err != nil {
		// A malformed const histogram (e.g. non-monotonic cumulative
		// buckets) indicates an internal bug, not a transient condition;
		// skip the scrape cycle rather than panic the whole registry.
		return
	}
	ch <- m
}

// VecCollector adapts a *histogram.HistogramVec to prometheus.Collector,
// emitting one histogram metric per observed label combination.
type VecCollector struct {
	desc   *prometheus.Desc
	bounds []float64
	v      *histogram.HistogramVec
}

func NewVecCollector(fqName, help string, bounds []float64, v *histogram.HistogramVec) *VecCollector {
	return &VecCollector{
		desc:   prometheus.NewDesc(fqName, help, v.LabelNames(), nil),
		bounds: append([]float64(nil), bounds...),
		v:      v,
	}
}

func (c *VecCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *VecCollector) Collect(ch chan<- prometheus.Metric) {
	names := c.v.LabelNames()
	for _, ls := range c.v.CollectAll() {
		values := make([]string, len(names))
		for i, name := range names {
			values[i] = ls.Labels[name]
		}
		buckets := cumulativeBuckets(c.bounds, ls.Snapshot.Buckets)
		m, err := prometheus.NewConstHistogram(c.desc, ls.Snapshot.Count, ls.Snapshot.Sum, buckets, values...)
		if err != nil {
			continue
		}
		ch <- m
	}
}
