package alerting

import (
	"sync"
	"testing"

	"github.com/abiolaogu/enterprise-histogram/histogram"
)

func TestEstimateQuantileMatchesSingleThreadScenario(t *testing.T) {
	bounds := []float64{1.0, 2.5, 5.0}
	h := histogram.MustNew(bounds, histogram.NaNReject)
	for _, v := range []float64{0.5, 1.0, 2.0, 2.5, 3.0, 10.0} {
		h.Observe(v)
	}
	s := h.Collect()

	p50 := EstimateQuantile(s, bounds, 0.5)
	if p50 < 0 || p50 > 5.0 {
		t.Errorf("p50 = %v, expected within observed bucket range", p50)
	}

	p99 := EstimateQuantile(s, bounds, 0.99)
	if p99 != bounds[len(bounds)-1] {
		t.Errorf("p99 = %v, want %v (falls in +Inf bucket)", p99, bounds[len(bounds)-1])
	}
}

func TestEstimateQuantileEmptyHistogram(t *testing.T) {
	bounds := []float64{1.0, 2.0}
	h := histogram.MustNew(bounds, histogram.NaNReject)
	s := h.Collect()
	if got := EstimateQuantile(s, bounds, 0.5); got != 0 {
		t.Errorf("quantile of empty histogram = %v, want 0", got)
	}
}

func TestAnomalyDetectorFlagsDeviation(t *testing.T) {
	ad := NewAnomalyDetector(50) // 50% deviation threshold
	ad.UpdateBaseline("p99", 100)
	ad.UpdateBaseline("p99", 100)
	ad.UpdateBaseline("p99", 100)

	anomaly, deviation := ad.DetectAnomaly("p99", 105)
	if anomaly {
		t.Errorf("105 should not be anomalous relative to baseline ~100 with 50%% threshold, deviation=%v", deviation)
	}

	anomaly, deviation = ad.DetectAnomaly("p99", 300)
	if !anomaly {
		t.Errorf("300 should be anomalous relative to baseline ~100, deviation=%v", deviation)
	}
}

func TestAnomalyDetectorUnknownMetric(t *testing.T) {
	ad := NewAnomalyDetector(50)
	if anomaly, _ := ad.DetectAnomaly("unknown", 1); anomaly {
		t.Error("unknown metric should never be flagged anomalous")
	}
}

type fakeSource struct{ values map[string]float64 }

func (f fakeSource) MetricValue(name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

type countingSubscriber struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (c *countingSubscriber) OnAlert(a *Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func TestAlertManagerFiresAndNotifies(t *testing.T) {
	am := NewAlertManager(nil)
	if err := am.RegisterRule(&AlertRule{
		ID:      "high_p99",
		Name:    "p99 too high",
		Enabled: true,
		Severity: "critical",
		Condition: AlertCondition{Metric: "p99_seconds", Operator: ">", Threshold: 1.0},
	}); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	sub := &countingSubscriber{}
	am.Subscribe("test", sub)

	am.EvaluateRules(fakeSource{values: map[string]float64{"p99_seconds": 2.5}})

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(sub.alerts))
	}
	if sub.alerts[0].Value != 2.5 {
		t.Errorf("alert value = %v, want 2.5", sub.alerts[0].Value)
	}
}

func TestAlertManagerDoesNotFireBelowThreshold(t *testing.T) {
	am := NewAlertManager(nil)
	am.RegisterRule(&AlertRule{
		ID:        "high_p99",
		Enabled:   true,
		Condition: AlertCondition{Metric: "p99_seconds", Operator: ">", Threshold: 1.0},
	})
	sub := &countingSubscriber{}
	am.Subscribe("test", sub)

	am.EvaluateRules(fakeSource{values: map[string]float64{"p99_seconds": 0.1}})

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.alerts) != 0 {
		t.Fatalf("len(alerts) = %d, want 0", len(sub.alerts))
	}
}

func TestAlertManagerRejectsDuplicateRuleID(t *testing.T) {
	am := NewAlertManager(nil)
	rule := &AlertRule{ID: "dup", Condition: AlertCondition{Metric: "x", Operator: ">", Threshold: 1}}
	if err := am.RegisterRule(rule); err != nil {
		t.Fatalf("first RegisterRule: %v", err)
	}
	if err := am.RegisterRule(rule); err == nil {
		t.Fatal("expected error registering duplicate rule ID")
	}
}
