package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/n1ur0/off-the-grid/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu         sync.RWMutex
    webhooks   map[string]model.Webhook   // id -> webhook
    byOwner    map[string][]string        // owner -> webhook ids, registration order
    events     map[string]model.Event     // id -> event
    deliveries map[string]model.Delivery  // id -> delivery
    byWebhook  map[string][]string        // webhook -> delivery ids, creation order
}

func NewMemory() *Memory {
    return &Memory{
        webhooks: map[string]model.Webhook{},
        byOwner: map[string][]string{},
        events: map[string]model.Event{},
        deliveries: map[string]model.Delivery{},
        byWebhook: map[string][]string{},
    }
}

func (m *Memory) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    w = cloneWebhook(w)
    m.webhooks[w.ID] = w
    m.byOwner[w.OwnerID] = append(m.byOwner[w.OwnerID], w.ID)
    return cloneWebhook(w), nil
}

func (m *Memory) GetWebhook(ctx context.Context, id string) (model.Webhook, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    w, ok := m.webhooks[id]
    if !ok { return model.Webhook{}, ErrNotFound }
    return cloneWebhook(w), nil
}

// UpdateWebhook replaces registration fields; counters and CreatedAt are kept from the stored row.
func (m *Memory) UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    cur, ok := m.webhooks[w.ID]
    if !ok || cur.OwnerID != w.OwnerID { return model.Webhook{}, ErrNotFound }
    w = cloneWebhook(w)
    w.CreatedAt = cur.CreatedAt
    w.Status = cur.Status
    w.SuccessCount = cur.SuccessCount
    w.FailureCount = cur.FailureCount
    w.LastDeliveryAt = cur.LastDeliveryAt
    m.webhooks[w.ID] = w
    return cloneWebhook(w), nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, ownerID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    w, ok := m.webhooks[id]
    if !ok || w.OwnerID != ownerID { return ErrNotFound }
    delete(m.webhooks, id)
    ids := m.byOwner[ownerID]
    for i, v := range ids {
        if v == id { m.byOwner[ownerID] = append(ids[:i:i], ids[i+1:]...); break }
    }
    return nil
}

func (m *Memory) ListWebhooks(ctx context.Context, ownerID string, status model.WebhookStatus, offset, limit int) ([]model.Webhook, int, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    limit = clampLimit(limit)
    if offset < 0 { offset = 0 }
    matched := []model.Webhook{}
    for _, id := range m.byOwner[ownerID] {
        w := m.webhooks[id]
        if status == "" || w.Status == status { matched = append(matched, w) }
    }
    total := len(matched)
    out := []model.Webhook{}
    for i := offset; i < total && len(out) < limit; i++ {
        out = append(out, cloneWebhook(matched[i]))
    }
    return out, total, nil
}

func (m *Memory) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]model.Webhook, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    var out []model.Webhook
    for _, w := range m.webhooks {
        if w.Status == model.WebhookActive && w.Subscribes(eventType) { out = append(out, cloneWebhook(w)) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
    return out, nil
}

func (m *Memory) SetWebhookStatus(ctx context.Context, id string, from, status model.WebhookStatus) (bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    w, ok := m.webhooks[id]
    if !ok { return false, ErrNotFound }
    if from != "" && w.Status != from { return false, nil }
    w.Status = status
    w.UpdatedAt = time.Now().UTC()
    m.webhooks[id] = w
    return true, nil
}

func (m *Memory) IncrementDeliveryCounters(ctx context.Context, id string, success bool, at time.Time) error {
    m.mu.Lock(); defer m.mu.Unlock()
    w, ok := m.webhooks[id]
    if !ok { return ErrNotFound }
    if success { w.SuccessCount++ } else { w.FailureCount++ }
    t := at
    w.LastDeliveryAt = &t
    m.webhooks[id] = w
    return nil
}

func (m *Memory) InsertEvent(ctx context.Context, e model.Event) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.events[e.ID] = e
    return nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d model.Delivery) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.deliveries[d.ID] = cloneDelivery(d)
    m.byWebhook[d.WebhookID] = append(m.byWebhook[d.WebhookID], d.ID)
    return nil
}

func (m *Memory) SaveDelivery(ctx context.Context, d model.Delivery) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.deliveries[d.ID]; !ok { return ErrNotFound }
    m.deliveries[d.ID] = cloneDelivery(d)
    return nil
}

func (m *Memory) SaveDeliveryIf(ctx context.Context, d model.Delivery, from model.DeliveryStatus) (bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    cur, ok := m.deliveries[d.ID]
    if !ok { return false, ErrNotFound }
    if cur.Status != from { return false, nil }
    m.deliveries[d.ID] = cloneDelivery(d)
    return true, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    return cloneDelivery(d), nil
}

func (m *Memory) ListDeliveries(ctx context.Context, webhookID string, status model.DeliveryStatus, cursor string, limit int) ([]model.Delivery, string, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    limit = clampLimit(limit)
    ids := m.byWebhook[webhookID]
    start := len(ids) - 1
    if cursor != "" {
        for i := len(ids) - 1; i >= 0; i-- {
            if ids[i] == cursor { start = i - 1; break }
        }
    }
    out := []model.Delivery{}
    var last string
    for i := start; i >= 0 && len(out) < limit; i-- {
        d, ok := m.deliveries[ids[i]]
        if !ok { continue }
        if status == "" || d.Status == status { out = append(out, cloneDelivery(d)); last = d.ID }
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) PurgeDeliveries(ctx context.Context, before time.Time) (int64, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var n int64
    for wid, ids := range m.byWebhook {
        kept := ids[:0]
        for _, id := range ids {
            d, ok := m.deliveries[id]
            if ok && d.Status.Terminal() && d.CreatedAt.Before(before) {
                delete(m.deliveries, id)
                n++
                continue
            }
            if ok { kept = append(kept, id) }
        }
        m.byWebhook[wid] = kept
    }
    return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func cloneWebhook(w model.Webhook) model.Webhook {
    w.Events = append([]string(nil), w.Events...)
    if w.Filter != nil {
        f := *w.Filter
        w.Filter = &f
    }
    if w.LastDeliveryAt != nil {
        t := *w.LastDeliveryAt
        w.LastDeliveryAt = &t
    }
    return w
}

func cloneDelivery(d model.Delivery) model.Delivery {
    d.Payload = append([]byte(nil), d.Payload...)
    if d.Headers != nil {
        h := make(map[string]string, len(d.Headers))
        for k, v := range d.Headers { h[k] = v }
        d.Headers = h
    }
    return d
}
