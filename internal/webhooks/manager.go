package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

const (
	MaxDescriptionLength = 500
	MaxRetryAttempts     = 10
	MaxStatsHours        = 8760
)

var (
	ErrInvalidURL         = errors.New("url must be an absolute http or https URL")
	ErrNoEvents           = errors.New("at least one event type is required")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrInvalidDescription = errors.New("description must be at most 500 characters")
	ErrInvalidStatus      = errors.New("status must be active, paused or disabled")
	ErrInvalidHours       = errors.New("hours must be between 1 and 8760")
	ErrNotRedeliverable   = errors.New("only abandoned deliveries can be redelivered")
)

// IsValidation reports whether err was caused by a bad request rather than the system.
func IsValidation(err error) bool {
	for _, target := range []error{ErrInvalidURL, ErrNoEvents, ErrInvalidRetryPolicy, ErrInvalidDescription,
		ErrInvalidStatus, ErrInvalidHours, ErrInvalidSecret, ErrEmptyEventType} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Manager implements the owner facing registry operations on top of the engine.
type Manager struct {
	Store      store.Store
	Publisher  *Publisher
	Dispatcher *Dispatcher
	Health     *Tracker
	Clock      clockwork.Clock
	Log        logrus.FieldLogger
	// DefaultPolicy applies when a registration carries no retry_config.
	DefaultPolicy model.RetryPolicy
}

func NewManager(s store.Store, pub *Publisher, d *Dispatcher, h *Tracker) *Manager {
	return &Manager{Store: s, Publisher: pub, Dispatcher: d, Health: h, Clock: d.Clock, Log: d.Log,
		DefaultPolicy: model.DefaultRetryPolicy()}
}

func (m *Manager) Register(ctx context.Context, ownerID string, req model.WebhookRequest) (model.Webhook, error) {
	if err := validateURL(req.URL); err != nil {
		return model.Webhook{}, err
	}
	events, err := normalizeEvents(req.Events)
	if err != nil {
		return model.Webhook{}, err
	}
	if err := ValidateSecret(req.Secret); err != nil {
		return model.Webhook{}, err
	}
	if len(req.Description) > MaxDescriptionLength {
		return model.Webhook{}, ErrInvalidDescription
	}
	policy := m.DefaultPolicy.WithDefaults()
	if req.RetryPolicy != nil {
		policy = req.RetryPolicy.WithDefaults()
	}
	if err := validateRetryPolicy(policy); err != nil {
		return model.Webhook{}, err
	}
	now := m.Clock.Now().UTC()
	w := model.Webhook{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		URL:         req.URL,
		Events:      events,
		Secret:      req.Secret,
		Status:      model.WebhookActive,
		Filter:      req.Filter,
		RetryPolicy: policy,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w, err = m.Store.CreateWebhook(ctx, w)
	if err != nil {
		return model.Webhook{}, err
	}
	m.Log.WithFields(logrus.Fields{"webhook_id": w.ID, "owner_id": ownerID, "events": events}).Info("webhook registered")
	return w, nil
}

// Get returns the owner's webhook. Another owner's webhook reads as not found.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (model.Webhook, error) {
	w, err := m.Store.GetWebhook(ctx, id)
	if err != nil {
		return model.Webhook{}, err
	}
	if w.OwnerID != ownerID {
		return model.Webhook{}, store.ErrNotFound
	}
	return w, nil
}

func (m *Manager) Update(ctx context.Context, ownerID, id string, upd model.WebhookUpdate) (model.Webhook, error) {
	w, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return model.Webhook{}, err
	}
	if upd.URL != nil {
		if err := validateURL(*upd.URL); err != nil {
			return model.Webhook{}, err
		}
		w.URL = *upd.URL
	}
	if upd.Events != nil {
		events, err := normalizeEvents(upd.Events)
		if err != nil {
			return model.Webhook{}, err
		}
		w.Events = events
	}
	if upd.Secret != nil {
		if err := ValidateSecret(*upd.Secret); err != nil {
			return model.Webhook{}, err
		}
		w.Secret = *upd.Secret
	}
	if upd.Status != nil {
		switch *upd.Status {
		case model.WebhookActive, model.WebhookPaused, model.WebhookDisabled:
		default:
			return model.Webhook{}, ErrInvalidStatus
		}
	}
	if upd.Filter != nil {
		w.Filter = upd.Filter
		if upd.Filter.Empty() {
			w.Filter = nil
		}
	}
	if upd.RetryPolicy != nil {
		policy := upd.RetryPolicy.WithDefaults()
		if err := validateRetryPolicy(policy); err != nil {
			return model.Webhook{}, err
		}
		w.RetryPolicy = policy
	}
	if upd.Description != nil {
		if len(*upd.Description) > MaxDescriptionLength {
			return model.Webhook{}, ErrInvalidDescription
		}
		w.Description = *upd.Description
	}
	w.UpdatedAt = m.Clock.Now().UTC()
	w, err = m.Store.UpdateWebhook(ctx, w)
	if err != nil {
		return model.Webhook{}, err
	}
	if upd.Status != nil {
		if _, err := m.Store.SetWebhookStatus(ctx, id, "", *upd.Status); err != nil {
			return model.Webhook{}, err
		}
		w.Status = *upd.Status
	}
	m.Log.WithFields(logrus.Fields{"webhook_id": id, "owner_id": ownerID, "status": w.Status}).Info("webhook updated")
	return w, nil
}

// Delete removes the registration. Queued deliveries are abandoned when a worker reaches them.
func (m *Manager) Delete(ctx context.Context, ownerID, id string) error {
	if err := m.Store.DeleteWebhook(ctx, ownerID, id); err != nil {
		return err
	}
	m.Log.WithFields(logrus.Fields{"webhook_id": id, "owner_id": ownerID}).Info("webhook deleted")
	return nil
}

// List pages through the owner's webhooks; page is 1 based.
func (m *Manager) List(ctx context.Context, ownerID string, status model.WebhookStatus, page, pageSize int) ([]model.Webhook, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return m.Store.ListWebhooks(ctx, ownerID, status, (page-1)*pageSize, pageSize)
}

func (m *Manager) Deliveries(ctx context.Context, ownerID, webhookID string, status model.DeliveryStatus, cursor string, limit int) ([]model.Delivery, string, error) {
	if _, err := m.Get(ctx, ownerID, webhookID); err != nil {
		return nil, "", err
	}
	return m.Store.ListDeliveries(ctx, webhookID, status, cursor, limit)
}

func (m *Manager) Stats(ctx context.Context, ownerID, webhookID string, hours int) (model.Stats, error) {
	if hours < 1 || hours > MaxStatsHours {
		return model.Stats{}, ErrInvalidHours
	}
	w, err := m.Get(ctx, ownerID, webhookID)
	if err != nil {
		return model.Stats{}, err
	}
	ws, err := m.Health.Stats(ctx, webhookID, time.Duration(hours)*time.Hour)
	if err != nil {
		return model.Stats{}, err
	}
	return model.Stats{
		WebhookID:            webhookID,
		WindowHours:          hours,
		TotalDeliveries:      ws.Total,
		SuccessfulDeliveries: ws.Successful,
		FailedDeliveries:     ws.Failed,
		SuccessRate:          ws.SuccessRate(),
		AvgResponseTimeMs:    ws.AvgResponseTimeMs(),
		LastSuccessAt:        ws.LastSuccessAt,
		LastFailureAt:        ws.LastFailureAt,
		CurrentStatus:        w.Status,
		EventsSubscribed:     w.Events,
	}, nil
}

// Test sends one signed sample event. It works regardless of the webhook status.
func (m *Manager) Test(ctx context.Context, ownerID, webhookID string, req model.TestRequest) (model.TestResult, error) {
	w, err := m.Get(ctx, ownerID, webhookID)
	if err != nil {
		return model.TestResult{}, err
	}
	eventType := req.EventType
	if eventType == "" && len(w.Events) > 0 {
		eventType = w.Events[0]
	}
	data := req.TestData
	if data == nil {
		data = map[string]any{"test": true, "message": "This is a test webhook delivery"}
	}
	e := model.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    data,
		OwnerScope: ownerID,
		Source:     "test",
		EmittedAt:  m.Clock.Now().UTC(),
	}
	res := m.Dispatcher.TestDelivery(ctx, w, e)
	m.Log.WithFields(logrus.Fields{"webhook_id": webhookID, "status": res.Status, "status_code": res.ResponseCode}).Info("test delivery sent")
	return res, nil
}

// Redeliver resets an abandoned delivery and queues it again.
func (m *Manager) Redeliver(ctx context.Context, ownerID, webhookID, deliveryID string) (model.Delivery, error) {
	if _, err := m.Get(ctx, ownerID, webhookID); err != nil {
		return model.Delivery{}, err
	}
	d, err := m.Store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return model.Delivery{}, err
	}
	if d.WebhookID != webhookID {
		return model.Delivery{}, store.ErrNotFound
	}
	if d.Status != model.DeliveryAbandoned {
		return model.Delivery{}, ErrNotRedeliverable
	}
	now := m.Clock.Now()
	d.Status = model.DeliveryPending
	d.AttemptCount = 0
	d.ErrorMessage = ""
	d.ResponseCode = 0
	d.ResponseBody = ""
	d.NextRetryAt = nil
	d.ScheduledAt = now
	d.UpdatedAt = now
	ok, err := m.Store.SaveDeliveryIf(ctx, d, model.DeliveryAbandoned)
	if err != nil {
		return model.Delivery{}, err
	}
	if !ok {
		// a concurrent redeliver already took it
		return model.Delivery{}, ErrNotRedeliverable
	}
	if err := m.Dispatcher.Enqueue(ctx, d); err != nil {
		d.ErrorMessage = err.Error()
		_ = m.Dispatcher.Retry.Abandon(context.WithoutCancel(ctx), d, ReasonEnqueue)
		return model.Delivery{}, fmt.Errorf("enqueue redelivery: %w", err)
	}
	m.Log.WithFields(logrus.Fields{"delivery_id": d.ID, "webhook_id": webhookID}).Info("delivery requeued")
	return d, nil
}

// Trigger emits an event on behalf of a caller. The owner scope defaults to the caller.
func (m *Manager) Trigger(ctx context.Context, ownerID string, req model.TriggerRequest) (string, int, error) {
	scope := req.UserID
	if scope == "" {
		scope = ownerID
	}
	return m.Publisher.EmitEvent(ctx, strings.TrimSpace(req.EventType), req.Data, scope, req.CorrelationID)
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidURL
	}
	return nil
}

func normalizeEvents(in []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrNoEvents
	}
	return out, nil
}

func validateRetryPolicy(p model.RetryPolicy) error {
	switch {
	case p.MaxAttempts < 1 || p.MaxAttempts > MaxRetryAttempts:
		return fmt.Errorf("%w: max_attempts must be between 1 and %d", ErrInvalidRetryPolicy, MaxRetryAttempts)
	case p.BaseDelay <= 0 || p.MaxDelay <= 0:
		return fmt.Errorf("%w: delays must be positive", ErrInvalidRetryPolicy)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: max delay is below the initial delay", ErrInvalidRetryPolicy)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier must be at least 1", ErrInvalidRetryPolicy)
	}
	return nil
}
