// Command histogramd runs a small demo/load daemon around the histogram
// package: it drives synthetic observers at a configurable rate, serves the
// result over /metrics, periodically evaluates alert rules, and replicates
// each collected snapshot to a logging sink. It exists to exercise every
// package in this module end to end, the way the teacher's cmd/server/main.go
// exercised its cache/replication/tenant stack end to end.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/abiolaogu/enterprise-histogram/histogram"
	"github.com/abiolaogu/enterprise-histogram/internal/alerting"
	"github.com/abiolaogu/enterprise-histogram/internal/replicate"
	"github.com/abiolaogu/enterprise-histogram/internal/tenant"
	"github.com/abiolaogu/enterprise-histogram/internal/tracing"
	"github.com/abiolaogu/enterprise-histogram/promexport"
)

const (
	Version = "1.0.0"

	defaultPort      = 9100
	defaultObservers = 8
	metricName       = "histogramd_request_duration_seconds"
	defaultBoundsCSV = "0.005,0.01,0.025,0.05,0.1,0.25,0.5,1,2.5,5,10"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	log := logrus.WithField("component", "histogramd")
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	fmt.Printf("histogramd v%s\n", Version)
	fmt.Printf("CPUs: %d, GOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	bounds, err := parseBounds(envOr("HISTOGRAMD_BOUNDS", defaultBoundsCSV))
	if err != nil {
		log.Fatalf("invalid HISTOGRAMD_BOUNDS: %v", err)
	}
	nanPolicy := histogram.NaNReject
	if envOr("HISTOGRAMD_NAN_POLICY", "reject") == "bucket" {
		nanPolicy = histogram.NaNBucket
	}
	port := envOrInt("HISTOGRAMD_PORT", defaultPort)
	observers := envOrInt("HISTOGRAMD_OBSERVERS", defaultObservers)

	jaegerEndpoint := os.Getenv("JAEGER_ENDPOINT")
	if err := tracing.InitTracing(jaegerEndpoint); err != nil {
		log.Warnf("failed to initialize tracing: %v", err)
	}

	registry := tenant.NewRegistry([]string{"route"}, bounds, nanPolicy, log)
	registry.RegisterTenant(&tenant.TenantConfig{ID: "demo", Name: "demo tenant", RequestRateLimit: 0})

	reg := prometheus.NewRegistry()
	routeVec := histogram.MustNew(bounds, nanPolicy)
	if err := reg.Register(promexport.NewCollector(metricName, "synthetic request duration", bounds, routeVec)); err != nil {
		log.Fatalf("failed to register collector: %v", err)
	}

	detector := alerting.NewAnomalyDetector(50) // flag >50% deviation from EMA
	alertManager := alerting.NewAlertManager(log)
	if err := alertManager.RegisterRule(&alerting.AlertRule{
		ID:   "p99-high",
		Name: "p99 latency high",
		Condition: alerting.AlertCondition{
			Metric:    "p99_seconds",
			Operator:  ">",
			Threshold: 5.0,
		},
		Severity: "warning",
		Enabled:  true,
	}); err != nil {
		log.Fatalf("failed to register alert rule: %v", err)
	}
	alertManager.Subscribe("log", logAlertSubscriber{log: log})

	replicator := replicate.NewReplicator(replicate.DefaultRetryPolicy(), log)
	replicator.Register(logSink{log: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting synthetic observers")
	for i := 0; i < observers; i++ {
		go runObserver(ctx, routeVec, registry)
	}

	log.Info("starting periodic collector")
	go runCollector(ctx, metricName, routeVec, bounds, registry, detector, alertManager, replicator, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handleHealth)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Infof("serving /metrics on :%d", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown error: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Errorf("tracing shutdown error: %v", err)
	}

	log.Info("stopped")
}

// runObserver drives both the bare Histogram behind the /metrics collector and the
// multi-tenant registry at a steady synthetic rate, mimicking the teacher's
// handleUpload/handleDownload request volume with a goroutine-per-worker
// generator instead of real HTTP traffic.
func runObserver(ctx context.Context, h *histogram.Histogram, registry *tenant.Registry) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	routes := []string{"/login", "/checkout", "/search"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := rnd.ExpFloat64() * 0.2
			h.Observe(v)
			route := routes[rnd.Intn(len(routes))]
			registry.Observe("demo", []string{route}, v)
		}
	}
}

// runCollector periodically collects the aggregate histogram, feeds a
// quantile estimate into the anomaly detector and alert manager, replicates
// the snapshot to every registered sink, and rolls up the multi-tenant
// registry so the per-tenant work runObserver does on the hot path actually
// has a reader, the way the teacher's periodic stats loop in cmd/server
// drains its ShardedTenantStore instead of leaving it write-only.
func runCollector(ctx context.Context, name string, h *histogram.Histogram, bounds []float64, registry *tenant.Registry, detector *alerting.AnomalyDetector, alertManager *alerting.AlertManager, replicator *replicate.Replicator, log *logrus.Entry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var snap histogram.Snapshot
			tracing.TraceCollect(ctx, name, func() (uint64, float64) {
				snap = h.Collect()
				return snap.Count, snap.Sum
			})

			p99 := alerting.EstimateQuantile(snap, bounds, 0.99)
			if anomalous, deviation := detector.DetectAnomaly("p99_seconds", p99); anomalous {
				log.WithField("deviation_pct", deviation).Warn("p99 latency anomaly detected")
			}
			detector.UpdateBaseline("p99_seconds", p99)
			alertManager.EvaluateRules(staticSource{name: "p99_seconds", value: p99})

			err := tracing.TracePublish(ctx, name, func(ctx context.Context) error {
				return replicator.Publish(ctx, name, snap)
			})
			if err != nil {
				log.Warnf("snapshot replication had failures: %v", err)
			}

			reportTenants(registry, log)
		}
	}
}

// reportTenants drains the multi-tenant registry's per-route snapshots and
// logs each tenant's accepted-observation total alongside its count of all
// Observe calls (rate-limited ones included), the consumer runCollector's
// doc and DESIGN.md describe runObserver's registry.Observe calls as
// eventually feeding.
func reportTenants(registry *tenant.Registry, log *logrus.Entry) {
	for _, ts := range registry.CollectAll() {
		var total uint64
		for _, labeled := range ts.Snapshots {
			total += labeled.Snapshot.Count
		}
		log.WithFields(logrus.Fields{
			"tenant":      ts.TenantID,
			"routes":      len(ts.Snapshots),
			"total_count": total,
			"all_calls":   registry.ObservationCount(ts.TenantID),
		}).Debug("tenant registry rollup")
	}
}

type staticSource struct {
	name  string
	value float64
}

func (s staticSource) MetricValue(name string) (float64, bool) {
	if name != s.name {
		return 0, false
	}
	return s.value, true
}

type logAlertSubscriber struct {
	log *logrus.Entry
}

func (l logAlertSubscriber) OnAlert(alert *alerting.Alert) {
	l.log.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"rule":     alert.RuleID,
		"severity": alert.Severity,
	}).Warn(alert.Message)
}

type logSink struct {
	log *logrus.Entry
}

func (logSink) Name() string { return "log" }

func (s logSink) Publish(_ context.Context, metric string, snap histogram.Snapshot) error {
	s.log.WithFields(logrus.Fields{
		"metric": metric,
		"count":  snap.Count,
		"sum":    snap.Sum,
	}).Debug("snapshot replicated")
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func parseBounds(csv string) ([]float64, error) {
	parts := strings.Split(csv, ",")
	bounds := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing bound %q: %w", p, err)
		}
		bounds = append(bounds, v)
	}
	return bounds, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
