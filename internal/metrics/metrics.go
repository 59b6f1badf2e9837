package metrics

import (
    "net/http"
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route template, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )
    // RateLimited counts requests rejected by the per-owner limiter
    RateLimited = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected by rate limiting."},
    )

    // WebhookDeliveries counts delivery attempt outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery outcomes by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks attempt latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
        []string{"event_type", "status"},
    )
    // EventsEmitted counts events accepted by the bus and the deliveries they produced
    EventsEmitted = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_events_emitted_total", Help: "Events emitted by type."},
        []string{"event_type"},
    )
    DeliveriesCreated = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_created_total", Help: "Deliveries created by event type."},
        []string{"event_type"},
    )
    RetriesScheduled = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_retries_scheduled_total", Help: "Delivery retries scheduled."},
    )
    // DeliveriesAbandoned counts terminal failures by reason (exhausted, permanent, shutdown, ...)
    DeliveriesAbandoned = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_abandoned_total", Help: "Deliveries abandoned by reason."},
        []string{"reason"},
    )
    // QueueDepth reports the delivery and retry queue lengths
    QueueDepth = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{Name: "webhook_queue_depth", Help: "Deliveries waiting per queue."},
        []string{"queue"},
    )
    WebhooksAutoDisabled = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_auto_disabled_total", Help: "Webhooks set to failed by the health tracker."},
    )
    PanicsRecovered = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_worker_panics_total", Help: "Panics recovered inside delivery workers."},
    )
    DeliveriesPurged = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_deliveries_purged_total", Help: "Terminal delivery records removed by retention."},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(RateLimited)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        Registry.MustRegister(EventsEmitted)
        Registry.MustRegister(DeliveriesCreated)
        Registry.MustRegister(RetriesScheduled)
        Registry.MustRegister(DeliveriesAbandoned)
        Registry.MustRegister(QueueDepth)
        Registry.MustRegister(WebhooksAutoDisabled)
        Registry.MustRegister(PanicsRecovered)
        Registry.MustRegister(DeliveriesPurged)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
    return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

var regOnce sync.Once
