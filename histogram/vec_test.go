package histogram

import (
	"sync"
	"testing"
)

func TestVecWithLabelValuesCreatesAndReuses(t *testing.T) {
	v := NewVec([]string{"method", "route"}, []float64{1, 5}, NaNReject)
	a := v.WithLabelValues("GET", "/healthz")
	b := v.WithLabelValues("GET", "/healthz")
	if a != b {
		t.Fatal("WithLabelValues should return the same Histogram for the same label tuple")
	}
	c := v.WithLabelValues("POST", "/healthz")
	if a == c {
		t.Fatal("WithLabelValues should return distinct Histograms for distinct label tuples")
	}
}

func TestVecConcurrentFirstUseCreatesExactlyOneChild(t *testing.T) {
	v := NewVec([]string{"tenant"}, []float64{1, 2, 3}, NaNReject)
	const n = 200
	results := make([]*Histogram, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = v.WithLabelValues("acme")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent first use raced into two distinct child histograms")
		}
	}
}

func TestVecCollectAllLabelsMatch(t *testing.T) {
	v := NewVec([]string{"method", "route"}, []float64{1, 5}, NaNReject)
	v.WithLabelValues("GET", "/a").Observe(0.5)
	v.WithLabelValues("POST", "/b").Observe(2.0)
	v.WithLabelValues("POST", "/b").Observe(2.0)

	snaps := v.CollectAll()
	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}

	byRoute := make(map[string]LabeledSnapshot)
	for _, s := range snaps {
		byRoute[s.Labels["route"]] = s
	}

	a, ok := byRoute["/a"]
	if !ok {
		t.Fatal("missing snapshot for route /a")
	}
	if a.Labels["method"] != "GET" || a.Snapshot.Count != 1 {
		t.Fatalf("unexpected snapshot for /a: %+v", a)
	}

	b, ok := byRoute["/b"]
	if !ok {
		t.Fatal("missing snapshot for route /b")
	}
	if b.Labels["method"] != "POST" || b.Snapshot.Count != 2 {
		t.Fatalf("unexpected snapshot for /b: %+v", b)
	}
}
