package store

import (
    "context"
    "errors"
    "time"

    "github.com/n1ur0/off-the-grid/internal/model"
)

// Store is the persistence interface used by the delivery engine and the API server.
type Store interface {
    // Webhook registry
    CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
    GetWebhook(ctx context.Context, id string) (model.Webhook, error)
    // UpdateWebhook writes the owner editable fields. Status is only changed through SetWebhookStatus.
    UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
    DeleteWebhook(ctx context.Context, ownerID, id string) error
    ListWebhooks(ctx context.Context, ownerID string, status model.WebhookStatus, offset, limit int) (items []model.Webhook, total int, err error)
    ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]model.Webhook, error)
    // SetWebhookStatus moves the webhook to status when its current status is from. An empty
    // from matches any status. It reports whether the row changed.
    SetWebhookStatus(ctx context.Context, id string, from, status model.WebhookStatus) (bool, error)
    // IncrementDeliveryCounters bumps the lifetime success or failure count and LastDeliveryAt.
    IncrementDeliveryCounters(ctx context.Context, id string, success bool, at time.Time) error

    // Events
    InsertEvent(ctx context.Context, e model.Event) error

    // Deliveries
    CreateDelivery(ctx context.Context, d model.Delivery) error
    SaveDelivery(ctx context.Context, d model.Delivery) error
    // SaveDeliveryIf saves d only while the stored status is still from.
    SaveDeliveryIf(ctx context.Context, d model.Delivery, from model.DeliveryStatus) (bool, error)
    GetDelivery(ctx context.Context, id string) (model.Delivery, error)
    // ListDeliveries returns newest first; cursor is the last delivery ID of the previous page.
    ListDeliveries(ctx context.Context, webhookID string, status model.DeliveryStatus, cursor string, limit int) (items []model.Delivery, nextCursor string, err error)
    // PurgeDeliveries removes terminal deliveries created before the cutoff.
    PurgeDeliveries(ctx context.Context, before time.Time) (int64, error)

    Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

const (
    DefaultListLimit = 50
    MaxListLimit     = 500
)

func clampLimit(limit int) int {
    if limit <= 0 { return DefaultListLimit }
    if limit > MaxListLimit { return MaxListLimit }
    return limit
}
