package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/n1ur0/off-the-grid/internal/metrics"
	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

// CounterStore keeps hourly outcome buckets per webhook.
type CounterStore interface {
	Record(ctx context.Context, webhookID string, success bool, latency time.Duration, at time.Time) error
	// Window sums every bucket whose hour overlaps [from, to].
	Window(ctx context.Context, webhookID string, from, to time.Time) (model.WindowStats, error)
}

type HealthConfig struct {
	// FailureRateThreshold is compared with a strict greater-than.
	FailureRateThreshold float64
	MinSamples           int64
	Window               time.Duration
	// Retention bounds how long hourly buckets are kept.
	Retention time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{FailureRateThreshold: 0.9, MinSamples: 20, Window: 24 * time.Hour, Retention: 30 * 24 * time.Hour}
}

// Tracker records attempt outcomes and moves persistently failing webhooks to failed.
type Tracker struct {
	Counters CounterStore
	Store    store.Store
	Config   HealthConfig
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
}

func NewTracker(c CounterStore, s store.Store, cfg HealthConfig, clock clockwork.Clock, log logrus.FieldLogger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{Counters: c, Store: s, Config: cfg, Clock: clock, Log: log}
}

// RecordOutcome counts one finished attempt. Errors are logged, never returned.
func (t *Tracker) RecordOutcome(ctx context.Context, webhookID string, success bool, latency time.Duration) {
	now := t.Clock.Now()
	log := t.Log.WithField("webhook_id", webhookID)
	if err := t.Counters.Record(ctx, webhookID, success, latency, now); err != nil {
		log.WithError(err).Warn("record health counters failed")
	}
	if err := t.Store.IncrementDeliveryCounters(ctx, webhookID, success, now); err != nil {
		log.WithError(err).Warn("increment delivery counters failed")
	}
}

// Stats returns the counters over the trailing window.
func (t *Tracker) Stats(ctx context.Context, webhookID string, window time.Duration) (model.WindowStats, error) {
	now := t.Clock.Now()
	return t.Counters.Window(ctx, webhookID, now.Add(-window), now)
}

// Evaluate disables an active webhook whose windowed failure rate is above the threshold.
// It reports whether the status changed.
func (t *Tracker) Evaluate(ctx context.Context, webhookID string) (bool, error) {
	st, err := t.Stats(ctx, webhookID, t.Config.Window)
	if err != nil {
		return false, err
	}
	if st.Total < t.Config.MinSamples || st.FailureRate() <= t.Config.FailureRateThreshold {
		return false, nil
	}
	w, err := t.Store.GetWebhook(ctx, webhookID)
	if err != nil {
		return false, err
	}
	if w.Status != model.WebhookActive {
		return false, nil
	}
	// an owner may have paused or disabled it since the read above
	changed, err := t.Store.SetWebhookStatus(ctx, webhookID, model.WebhookActive, model.WebhookFailed)
	if err != nil || !changed {
		return false, err
	}
	metrics.WebhooksAutoDisabled.Inc()
	t.Log.WithFields(logrus.Fields{
		"webhook_id":   webhookID,
		"owner_id":     w.OwnerID,
		"failure_rate": st.FailureRate(),
		"samples":      st.Total,
	}).Warn("webhook disabled by health check")
	return true, nil
}

type hourBucket struct {
	success, failure    int64
	latencySum, samples int64
}

type memSeries struct {
	mu          sync.Mutex
	buckets     map[int64]*hourBucket
	lastSuccess *time.Time
	lastFailure *time.Time
}

// MemoryCounters is a process local CounterStore. Each webhook has its own lock.
type MemoryCounters struct {
	retention time.Duration
	mu        sync.Mutex
	series    map[string]*memSeries
}

func NewMemoryCounters(retention time.Duration) *MemoryCounters {
	return &MemoryCounters{retention: retention, series: map[string]*memSeries{}}
}

func (m *MemoryCounters) get(webhookID string) *memSeries {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[webhookID]
	if !ok {
		s = &memSeries{buckets: map[int64]*hourBucket{}}
		m.series[webhookID] = s
	}
	return s
}

func (m *MemoryCounters) Record(_ context.Context, webhookID string, success bool, latency time.Duration, at time.Time) error {
	s := m.get(webhookID)
	hour := at.Truncate(time.Hour).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[hour]
	if !ok {
		b = &hourBucket{}
		s.buckets[hour] = b
	}
	ts := at
	if success {
		b.success++
		s.lastSuccess = &ts
	} else {
		b.failure++
		s.lastFailure = &ts
	}
	if latency > 0 {
		b.latencySum += latency.Milliseconds()
		b.samples++
	}
	if m.retention > 0 {
		cutoff := at.Add(-m.retention).Truncate(time.Hour).Unix()
		for h := range s.buckets {
			if h < cutoff {
				delete(s.buckets, h)
			}
		}
	}
	return nil
}

func (m *MemoryCounters) Window(_ context.Context, webhookID string, from, to time.Time) (model.WindowStats, error) {
	s := m.get(webhookID)
	lo, hi := from.Truncate(time.Hour).Unix(), to.Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.WindowStats
	for h, b := range s.buckets {
		if h < lo || h > hi {
			continue
		}
		out.Successful += b.success
		out.Failed += b.failure
		out.LatencySumMs += b.latencySum
		out.LatencySamples += b.samples
	}
	out.Total = out.Successful + out.Failed
	out.LastSuccessAt = copyTime(s.lastSuccess)
	out.LastFailureAt = copyTime(s.lastFailure)
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
