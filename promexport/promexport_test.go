package promexport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/abiolaogu/enterprise-histogram/histogram"
)

func gatherOne(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollectorExposesCumulativeBuckets(t *testing.T) {
	bounds := []float64{1.0, 2.5, 5.0}
	h := histogram.MustNew(bounds, histogram.NaNReject)
	for _, v := range []float64{0.5, 1.0, 2.0, 2.5, 3.0, 10.0} {
		h.Observe(v)
	}

	reg := prometheus.NewPedanticRegistry()
	c := NewCollector("test_latency_seconds", "test histogram", bounds, h)
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fam := gatherOne(t, reg, "test_latency_seconds")
	metric := fam.GetMetric()[0].GetHistogram()
	if metric.GetSampleCount() != 6 {
		t.Errorf("sample count = %d, want 6", metric.GetSampleCount())
	}
	if metric.GetSampleSum() != 19.0 {
		t.Errorf("sample sum = %v, want 19.0", metric.GetSampleSum())
	}

	want := map[float64]uint64{1.0: 2, 2.5: 4, 5.0: 5} // cumulative
	for _, b := range metric.GetBucket() {
		if got, ok := want[b.GetUpperBound()]; !ok || got != b.GetCumulativeCount() {
			t.Errorf("bucket %v cumulative = %d, want %d", b.GetUpperBound(), b.GetCumulativeCount(), want[b.GetUpperBound()])
		}
	}
}

func TestVecCollectorExposesLabels(t *testing.T) {
	bounds := []float64{1.0, 5.0}
	v := histogram.NewVec([]string{"route"}, bounds, histogram.NaNReject)
	v.WithLabelValues("/a").Observe(0.5)
	v.WithLabelValues("/b").Observe(2.0)

	reg := prometheus.NewPedanticRegistry()
	c := NewVecCollector("test_vec_seconds", "test vec histogram", bounds, v)
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fam := gatherOne(t, reg, "test_vec_seconds")
	if len(fam.GetMetric()) != 2 {
		t.Fatalf("len(metrics) = %d, want 2", len(fam.GetMetric()))
	}
	seen := map[string]uint64{}
	for _, m := range fam.GetMetric() {
		var route string
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "route" {
				route = lp.GetValue()
			}
		}
		seen[route] = m.GetHistogram().GetSampleCount()
	}
	if seen["/a"] != 1 || seen["/b"] != 1 {
		t.Errorf("unexpected per-route counts: %+v", seen)
	}
}
