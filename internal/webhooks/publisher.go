package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/n1ur0/off-the-grid/internal/metrics"
	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

var ErrEmptyEventType = errors.New("event type is required")

// Enqueuer accepts new deliveries for sending.
type Enqueuer interface {
	Enqueue(ctx context.Context, d model.Delivery) error
}

// Publisher is the event bus: it fans an event out to every matching active webhook.
type Publisher struct {
	Store store.Store
	Queue Enqueuer
	Retry *Scheduler
	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func NewPublisher(s store.Store, d *Dispatcher) *Publisher {
	return &Publisher{Store: s, Queue: d, Retry: d.Retry, Clock: d.Clock, Log: d.Log}
}

// BuildBody is the signed wire body. Keys are sorted by the canonical encoder.
func BuildBody(webhookID string, e model.Event) ([]byte, error) {
	data := e.Payload
	if data == nil {
		data = map[string]any{}
	}
	return CanonicalJSON(map[string]any{
		"data":       data,
		"event":      e.Type,
		"event_id":   e.ID,
		"timestamp":  e.EmittedAt.UTC().Format(time.RFC3339Nano),
		"webhook_id": webhookID,
	})
}

// EmitEvent records a new event and emits it. It returns the event ID and the
// number of deliveries created.
func (p *Publisher) EmitEvent(ctx context.Context, eventType string, payload map[string]any, ownerID, correlationID string) (string, int, error) {
	if eventType == "" {
		return "", 0, ErrEmptyEventType
	}
	e := model.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       payload,
		OwnerScope:    ownerID,
		CorrelationID: correlationID,
		EmittedAt:     p.Clock.Now().UTC(),
	}
	if err := p.Store.InsertEvent(ctx, e); err != nil {
		return "", 0, fmt.Errorf("insert event: %w", err)
	}
	n, err := p.Emit(ctx, e)
	return e.ID, n, err
}

// Emit creates and enqueues one pending delivery per matching webhook. Zero matches is
// not an error. Registry state is read at call time.
func (p *Publisher) Emit(ctx context.Context, e model.Event) (int, error) {
	hooks, err := p.Store.ListActiveWebhooksForEvent(ctx, e.Type)
	if err != nil {
		return 0, fmt.Errorf("resolve webhooks for %s: %w", e.Type, err)
	}
	metrics.EventsEmitted.WithLabelValues(e.Type).Inc()
	log := p.Log.WithFields(logrus.Fields{"event_id": e.ID, "event_type": e.Type})

	var errs []error
	count := 0
	for _, w := range hooks {
		if w.Status != model.WebhookActive || !Matches(w, e) {
			continue
		}
		body, err := BuildBody(w.ID, e)
		if err != nil {
			log.WithError(err).WithField("webhook_id", w.ID).Warn("encode delivery body failed")
			errs = append(errs, err)
			continue
		}
		now := p.Clock.Now()
		del := model.Delivery{
			ID:          uuid.NewString(),
			WebhookID:   w.ID,
			EventID:     e.ID,
			EventType:   e.Type,
			OwnerID:     w.OwnerID,
			URL:         w.URL,
			Payload:     body,
			Status:      model.DeliveryPending,
			MaxAttempts: w.RetryPolicy.WithDefaults().MaxAttempts,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.Store.CreateDelivery(ctx, del); err != nil {
			log.WithError(err).WithField("webhook_id", w.ID).Warn("create delivery failed")
			errs = append(errs, err)
			continue
		}
		metrics.DeliveriesCreated.WithLabelValues(e.Type).Inc()
		if err := p.Queue.Enqueue(ctx, del); err != nil {
			del.ErrorMessage = err.Error()
			if p.Retry != nil {
				_ = p.Retry.Abandon(context.WithoutCancel(ctx), del, ReasonEnqueue)
			}
			errs = append(errs, fmt.Errorf("enqueue delivery %s: %w", del.ID, err))
			continue
		}
		count++
	}
	log.WithField("deliveries", count).Debug("event emitted")
	return count, errors.Join(errs...)
}
