package webhooks

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/n1ur0/off-the-grid/internal/metrics"
	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

// Abandon reasons, also used as the metrics label.
const (
	ReasonExhausted       = "exhausted"
	ReasonPermanent       = "permanent"
	ReasonShutdown        = "shutdown"
	ReasonWebhookNotFound = "webhook_not_found"
	ReasonWebhookInactive = "webhook_inactive"
	ReasonEnqueue         = "enqueue"
)

var reasonMessages = map[string]string{
	ReasonExhausted:       "max attempts exhausted",
	ReasonPermanent:       "permanent client error",
	ReasonShutdown:        "dispatcher shutdown",
	ReasonWebhookNotFound: "webhook not found",
	ReasonWebhookInactive: "webhook not active",
	ReasonEnqueue:         "delivery queue unavailable",
}

// Delay is the backoff before the attempt following attempt number n (1 based):
// base * multiplier^(n-1), capped at the policy maximum.
func Delay(p model.RetryPolicy, n int) time.Duration {
	p = p.WithDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// applyJitter spreads d by up to ±frac, clamped to [0, ceiling]. r is uniform in [0, 1).
func applyJitter(d time.Duration, frac float64, ceiling time.Duration, r float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := time.Duration(float64(d) * (1 + frac*(2*r-1)))
	if j < 0 {
		j = 0
	}
	if j > ceiling {
		j = ceiling
	}
	return j
}

// Scheduler decides between another attempt and abandonment after a failure.
type Scheduler struct {
	Store    store.Store
	Queue    *DelayQueue
	Health   *Tracker
	Notifier Notifier
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
	// Jitter is the fraction of the delay randomized in each direction.
	Jitter float64
	rand   func() float64
}

func NewScheduler(s store.Store, q *DelayQueue, h *Tracker, clock clockwork.Clock, log logrus.FieldLogger, jitter float64) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{Store: s, Queue: q, Health: h, Clock: clock, Log: log, Jitter: jitter, rand: rand.Float64}
}

// Schedule queues the next attempt of a failed delivery, or abandons it when attempts
// are used up or the failure is permanent.
func (s *Scheduler) Schedule(ctx context.Context, d model.Delivery, policy model.RetryPolicy, permanent bool) error {
	if permanent {
		return s.Abandon(ctx, d, ReasonPermanent)
	}
	if d.AttemptCount >= d.MaxAttempts {
		return s.Abandon(ctx, d, ReasonExhausted)
	}
	policy = policy.WithDefaults()
	delay := applyJitter(Delay(policy, d.AttemptCount), s.Jitter, policy.MaxDelay, s.rand())
	next := s.Clock.Now().Add(delay)
	d.NextRetryAt = &next
	d.Status = model.DeliveryRetrying
	d.UpdatedAt = s.Clock.Now()
	if err := s.Store.SaveDelivery(ctx, d); err != nil {
		s.Log.WithError(err).WithField("delivery_id", d.ID).Warn("persist retry state failed")
	}
	s.Queue.Push(d)
	metrics.RetriesScheduled.Inc()
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(s.Queue.Len()))
	s.Log.WithFields(logrus.Fields{
		"delivery_id": d.ID,
		"webhook_id":  d.WebhookID,
		"attempt":     d.AttemptCount,
		"delay":       delay.String(),
	}).Info("delivery retry scheduled")
	notify(ctx, s.Notifier, d)
	return nil
}

// Abandon marks d terminal. Exhausted and permanent failures trigger a health evaluation
// without counting the failure a second time.
func (s *Scheduler) Abandon(ctx context.Context, d model.Delivery, reason string) error {
	msg := reasonMessages[reason]
	if msg == "" {
		msg = reason
	}
	if d.ErrorMessage != "" {
		msg = msg + ": " + d.ErrorMessage
	}
	d.ErrorMessage = msg
	d.Status = model.DeliveryAbandoned
	d.NextRetryAt = nil
	d.UpdatedAt = s.Clock.Now()
	err := s.Store.SaveDelivery(ctx, d)
	if err != nil {
		s.Log.WithError(err).WithField("delivery_id", d.ID).Warn("persist abandoned delivery failed")
	}
	metrics.DeliveriesAbandoned.WithLabelValues(reason).Inc()
	metrics.WebhookDeliveries.WithLabelValues(d.EventType, string(model.DeliveryAbandoned)).Inc()
	s.Log.WithFields(logrus.Fields{
		"delivery_id": d.ID,
		"webhook_id":  d.WebhookID,
		"attempts":    d.AttemptCount,
		"reason":      reason,
	}).Warn("delivery abandoned")
	if (reason == ReasonExhausted || reason == ReasonPermanent) && s.Health != nil {
		if _, herr := s.Health.Evaluate(ctx, d.WebhookID); herr != nil {
			s.Log.WithError(herr).WithField("webhook_id", d.WebhookID).Warn("health evaluation failed")
		}
	}
	notify(ctx, s.Notifier, d)
	return err
}
