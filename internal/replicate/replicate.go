// Package replicate fans a single collected histogram.Snapshot out to
// multiple metric sinks concurrently, retrying a failing sink with
// exponential backoff. Adapted from the teacher repository's
// replication_engine_v2.go / internal/replication/replication_engine_v1.go
// (RetryPolicy, worker-pool sync.WaitGroup fan-out), retargeted from
// cross-region object replication to cross-sink metric snapshot
// replication. The conflict-resolution/version-vector machinery the
// teacher used for competing object writes has no analogue here — a
// Snapshot is an immutable value, not a versioned object — and is dropped.
package replicate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/abiolaogu/enterprise-histogram/histogram"
)

// Sink is one metric-snapshot destination: a Prometheus collector's cache,
// a structured-log sink, an OTel gauge exporter, and so on.
type Sink interface {
	Name() string
	Publish(ctx context.Context, metric string, s histogram.Snapshot) error
}

// RetryPolicy mirrors the shape of the teacher's ReplicationConfig retry
// settings.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy is a conservative default: 3 attempts, 50ms base
// backoff doubling up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffMax: 2 * time.Second}
}

// Replicator publishes a Snapshot to every registered Sink. A slow or
// failing sink never blocks the others: each Publish call runs its sinks
// concurrently and retries independently.
type Replicator struct {
	mu     sync.RWMutex
	sinks  []Sink
	policy RetryPolicy
	log    *logrus.Entry
}

func NewReplicator(policy RetryPolicy, log *logrus.Entry) *Replicator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Replicator{policy: policy, log: log}
}

// Register adds a sink. Safe to call concurrently with Publish.
func (r *Replicator) Register(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Publish fans s out to every registered sink concurrently, retrying each
// failing sink up to the configured policy. Returns a merged error
// describing every sink that ultimately failed, or nil if all succeeded.
func (r *Replicator) Publish(ctx context.Context, metric string, s histogram.Snapshot) error {
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()

	errs := make([]error, len(sinks))
	var wg sync.WaitGroup
	wg.Add(len(sinks))
	for i, sink := range sinks {
		i, sink := i, sink
		go func() {
			defer wg.Done()
			errs[i] = r.publishWithRetry(ctx, sink, metric, s)
		}()
	}
	wg.Wait()

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", sinks[i].Name(), err))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("replicate: %d/%d sinks failed: %s", len(failures), len(sinks), strings.Join(failures, "; "))
}

func (r *Replicator) publishWithRetry(ctx context.Context, sink Sink, metric string, s histogram.Snapshot) error {
	attemptID := uuid.NewString()
	backoff := r.policy.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := sink.Publish(ctx, metric, s)
		if err == nil {
			return nil
		}
		lastErr = err
		r.log.WithFields(logrus.Fields{
			"sink":       sink.Name(),
			"attempt":    attempt,
			"attempt_id": attemptID,
			"error":      err,
		}).Warn("snapshot publish attempt failed")

		if attempt == r.policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.policy.BackoffMax {
			backoff = r.policy.BackoffMax
		}
	}
	return lastErr
}
