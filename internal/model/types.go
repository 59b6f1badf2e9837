package model

import (
    "encoding/json"
    "time"
)

// WebhookStatus is the registration state of a webhook.
type WebhookStatus string

const (
    WebhookActive   WebhookStatus = "active"
    WebhookPaused   WebhookStatus = "paused"
    WebhookDisabled WebhookStatus = "disabled"
    // WebhookFailed is set by the health tracker; only the owner can reactivate.
    WebhookFailed WebhookStatus = "failed"
)

func (s WebhookStatus) Valid() bool {
    switch s {
    case WebhookActive, WebhookPaused, WebhookDisabled, WebhookFailed:
        return true
    }
    return false
}

// DeliveryStatus is the lifecycle state of a delivery.
type DeliveryStatus string

const (
    DeliveryPending   DeliveryStatus = "pending"
    DeliverySuccess   DeliveryStatus = "success"
    DeliveryFailed    DeliveryStatus = "failed"
    DeliveryRetrying  DeliveryStatus = "retrying"
    DeliveryAbandoned DeliveryStatus = "abandoned"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
    return s == DeliverySuccess || s == DeliveryAbandoned
}

// Webhook is a registered endpoint receiving event notifications.
type Webhook struct {
    ID             string        `json:"id"`
    OwnerID        string        `json:"owner_id"`
    URL            string        `json:"url"`
    Events         []string      `json:"events"`
    Secret         string        `json:"secret,omitempty"`
    Status         WebhookStatus `json:"status"`
    Filter         *Filter       `json:"filters,omitempty"`
    RetryPolicy    RetryPolicy   `json:"retry_config"`
    Description    string        `json:"description,omitempty"`
    SuccessCount   int64         `json:"delivery_success_count"`
    FailureCount   int64         `json:"delivery_failure_count"`
    CreatedAt      time.Time     `json:"created_at"`
    UpdatedAt      time.Time     `json:"updated_at"`
    LastDeliveryAt *time.Time    `json:"last_delivery_at,omitempty"`
}

// Subscribes reports whether the webhook lists the event type.
func (w Webhook) Subscribes(eventType string) bool {
    for _, e := range w.Events {
        if e == eventType {
            return true
        }
    }
    return false
}

// Redacted returns a copy without the signing secret, for API responses.
func (w Webhook) Redacted() Webhook {
    w.Secret = ""
    return w
}

// RetryPolicy controls exponential backoff for a webhook's deliveries.
type RetryPolicy struct {
    MaxAttempts       int
    BaseDelay         time.Duration
    MaxDelay          time.Duration
    BackoffMultiplier float64
}

// DefaultRetryPolicy: 3 attempts, 1m, 2m, 4m... capped at 1h.
func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, BackoffMultiplier: 2}
}

type retryPolicyJSON struct {
    MaxAttempts         int     `json:"max_attempts"`
    InitialDelaySeconds float64 `json:"initial_delay_seconds"`
    MaxDelaySeconds     float64 `json:"max_delay_seconds"`
    BackoffMultiplier   float64 `json:"backoff_multiplier"`
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
    return json.Marshal(retryPolicyJSON{
        MaxAttempts:         p.MaxAttempts,
        InitialDelaySeconds: p.BaseDelay.Seconds(),
        MaxDelaySeconds:     p.MaxDelay.Seconds(),
        BackoffMultiplier:   p.BackoffMultiplier,
    })
}

func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
    var raw retryPolicyJSON
    if err := json.Unmarshal(b, &raw); err != nil {
        return err
    }
    p.MaxAttempts = raw.MaxAttempts
    p.BaseDelay = time.Duration(raw.InitialDelaySeconds * float64(time.Second))
    p.MaxDelay = time.Duration(raw.MaxDelaySeconds * float64(time.Second))
    p.BackoffMultiplier = raw.BackoffMultiplier
    return nil
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
    d := DefaultRetryPolicy()
    if p.MaxAttempts == 0 { p.MaxAttempts = d.MaxAttempts }
    if p.BaseDelay == 0 { p.BaseDelay = d.BaseDelay }
    if p.MaxDelay == 0 { p.MaxDelay = d.MaxDelay }
    if p.BackoffMultiplier == 0 { p.BackoffMultiplier = d.BackoffMultiplier }
    return p
}

// Filter narrows which events a webhook receives. All present clauses must match.
// Paths are dot separated keys into the event payload.
type Filter struct {
    OwnOnly bool             `json:"own_only,omitempty"`
    Equals  map[string]any   `json:"equals,omitempty"`
    In      map[string][]any `json:"in,omitempty"`
    Exists  []string         `json:"exists,omitempty"`
}

// Empty reports whether the filter has no clauses.
func (f *Filter) Empty() bool {
    return f == nil || (!f.OwnOnly && len(f.Equals) == 0 && len(f.In) == 0 && len(f.Exists) == 0)
}

// Event is an immutable notification emitted by another subsystem.
type Event struct {
    ID            string         `json:"id"`
    Type          string         `json:"event_type"`
    Payload       map[string]any `json:"data"`
    OwnerScope    string         `json:"user_id,omitempty"`
    Source        string         `json:"source,omitempty"`
    CorrelationID string         `json:"correlation_id,omitempty"`
    EmittedAt     time.Time      `json:"timestamp"`
}

// Delivery is the attempt sequence of one event to one webhook.
type Delivery struct {
    ID             string            `json:"id"`
    WebhookID      string            `json:"webhook_id"`
    EventID        string            `json:"event_id"`
    EventType      string            `json:"event_type"`
    OwnerID        string            `json:"owner_id"`
    URL            string            `json:"url"`
    Payload        json.RawMessage   `json:"payload"`
    Headers        map[string]string `json:"headers,omitempty"`
    Status         DeliveryStatus    `json:"status"`
    AttemptCount   int               `json:"attempt_count"`
    MaxAttempts    int               `json:"max_attempts"`
    ResponseCode   int               `json:"response_status_code,omitempty"`
    ResponseBody   string            `json:"response_body,omitempty"`
    ResponseTimeMs int64             `json:"response_time_ms,omitempty"`
    ErrorMessage   string            `json:"error_message,omitempty"`
    ScheduledAt    time.Time         `json:"scheduled_at"`
    DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
    NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
    CreatedAt      time.Time         `json:"created_at"`
    UpdatedAt      time.Time         `json:"updated_at"`
}

// WindowStats are the health tracker's counters for one webhook over a window.
type WindowStats struct {
    Total          int64
    Successful     int64
    Failed         int64
    LatencySumMs   int64
    LatencySamples int64
    LastSuccessAt  *time.Time
    LastFailureAt  *time.Time
}

// SuccessRate is successful/total, 0 when there were no deliveries.
func (s WindowStats) SuccessRate() float64 {
    if s.Total == 0 { return 0 }
    return float64(s.Successful) / float64(s.Total)
}

// FailureRate is failed/total, 0 when there were no deliveries.
func (s WindowStats) FailureRate() float64 {
    if s.Total == 0 { return 0 }
    return float64(s.Failed) / float64(s.Total)
}

// AvgResponseTimeMs is nil when no latency was recorded.
func (s WindowStats) AvgResponseTimeMs() *float64 {
    if s.LatencySamples == 0 { return nil }
    v := float64(s.LatencySumMs) / float64(s.LatencySamples)
    return &v
}

// Stats is the owner facing statistics document for a webhook.
type Stats struct {
    WebhookID            string        `json:"webhook_id"`
    WindowHours          int           `json:"time_window_hours"`
    TotalDeliveries      int64         `json:"total_deliveries"`
    SuccessfulDeliveries int64         `json:"successful_deliveries"`
    FailedDeliveries     int64         `json:"failed_deliveries"`
    SuccessRate          float64       `json:"success_rate"`
    AvgResponseTimeMs    *float64      `json:"avg_response_time_ms"`
    LastSuccessAt        *time.Time    `json:"last_success_at"`
    LastFailureAt        *time.Time    `json:"last_failure_at"`
    CurrentStatus        WebhookStatus `json:"current_status"`
    EventsSubscribed     []string      `json:"events_subscribed"`
}

// TestResult reports the outcome of a single manual test attempt.
type TestResult struct {
    TestID         string         `json:"test_id"`
    WebhookID      string         `json:"webhook_id"`
    EventType      string         `json:"event_type"`
    Status         DeliveryStatus `json:"status"`
    ResponseCode   int            `json:"response_status_code,omitempty"`
    ResponseTimeMs int64          `json:"response_time_ms"`
    ResponseBody   string         `json:"response_body,omitempty"`
    Error          string         `json:"error,omitempty"`
    Timestamp      time.Time      `json:"timestamp"`
}

// DeliveryUpdate is pushed to live stream subscribers on each state change.
type DeliveryUpdate struct {
    DeliveryID   string         `json:"delivery_id"`
    WebhookID    string         `json:"webhook_id"`
    EventID      string         `json:"event_id"`
    EventType    string         `json:"event_type"`
    Status       DeliveryStatus `json:"status"`
    AttemptCount int            `json:"attempt_count"`
    ResponseCode int            `json:"response_status_code,omitempty"`
    Error        string         `json:"error,omitempty"`
    At           time.Time      `json:"at"`
}

// Registration and update requests

type WebhookRequest struct {
    URL         string       `json:"url"`
    Events      []string     `json:"events"`
    Secret      string       `json:"secret"`
    Filter      *Filter      `json:"filters,omitempty"`
    RetryPolicy *RetryPolicy `json:"retry_config,omitempty"`
    Description string       `json:"description,omitempty"`
}

// WebhookUpdate carries a partial update; nil fields are left unchanged.
type WebhookUpdate struct {
    URL         *string        `json:"url,omitempty"`
    Events      []string       `json:"events,omitempty"`
    Secret      *string        `json:"secret,omitempty"`
    Status      *WebhookStatus `json:"status,omitempty"`
    Filter      *Filter        `json:"filters,omitempty"`
    RetryPolicy *RetryPolicy   `json:"retry_config,omitempty"`
    Description *string        `json:"description,omitempty"`
}

type TestRequest struct {
    EventType string         `json:"event_type"`
    TestData  map[string]any `json:"test_data"`
}

type TriggerRequest struct {
    EventType     string         `json:"event_type"`
    Data          map[string]any `json:"data"`
    UserID        string         `json:"user_id,omitempty"`
    CorrelationID string         `json:"correlation_id,omitempty"`
}

// EventTypeInfo describes a known event type.
type EventTypeInfo struct {
    EventType   string `json:"event_type"`
    Description string `json:"description"`
    Category    string `json:"category"`
}
