// Package api implements the HTTP surface of the webhook delivery service.
package api

import (
    "context"
    "net/http"

    "github.com/gorilla/mux"
    "github.com/gorilla/websocket"
    "github.com/sirupsen/logrus"

    "github.com/n1ur0/off-the-grid/internal/auth"
    "github.com/n1ur0/off-the-grid/internal/config"
    "github.com/n1ur0/off-the-grid/internal/metrics"
    "github.com/n1ur0/off-the-grid/internal/store"
    "github.com/n1ur0/off-the-grid/internal/stream"
    "github.com/n1ur0/off-the-grid/internal/webhooks"
)

// Pinger is any dependency checked by the readiness probe.
type Pinger interface {
    Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// QueueReporter exposes the dispatcher backlog for the debug endpoint.
type QueueReporter interface {
    QueueDepths() (delivery, retry int)
}

type Server struct {
    Manager *webhooks.Manager
    Store   store.Store
    Broker  stream.Broker
    Auth    *auth.Verifier
    Queue   QueueReporter
    // Ready lists extra readiness checks by name, e.g. "redis".
    Ready  map[string]Pinger
    Config config.Config
    Log    logrus.FieldLogger

    limiter  *ownerLimiter
    upgrader websocket.Upgrader
}

type Deps struct {
    Manager *webhooks.Manager
    Store   store.Store
    Broker  stream.Broker
    Auth    *auth.Verifier
    Queue   QueueReporter
    Ready   map[string]Pinger
    Config  config.Config
    Log     logrus.FieldLogger
}

func NewServer(d Deps) *Server {
    if d.Log == nil { d.Log = logrus.StandardLogger() }
    if d.Auth == nil { d.Auth = auth.NewVerifier(d.Config.Auth) }
    if d.Broker == nil { d.Broker = stream.NewMemory() }
    s := &Server{
        Manager: d.Manager,
        Store:   d.Store,
        Broker:  d.Broker,
        Auth:    d.Auth,
        Queue:   d.Queue,
        Ready:   d.Ready,
        Config:  d.Config,
        Log:     d.Log,
        limiter: newOwnerLimiter(d.Config.RateLimit.RPS, d.Config.RateLimit.Burst),
    }
    s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
    return s
}

// Routes builds the router with logging, metrics and recovery around every request.
func (s *Server) Routes() http.Handler {
    r := mux.NewRouter()
    r.Use(s.recoverer, s.accessLog)

    r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
    r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
    r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
    r.HandleFunc("/openapi.yaml", s.OpenAPIHandler).Methods(http.MethodGet)
    r.HandleFunc("/openapi.json", s.OpenAPIJSONHandler).Methods(http.MethodGet)
    r.HandleFunc("/docs", s.DocsHandler).Methods(http.MethodGet)
    r.Handle("/debug/info", s.authenticate(http.HandlerFunc(s.DebugJSON))).Methods(http.MethodGet)
    r.HandleFunc("/v1/webhooks/verify", s.VerifyHandler).Methods(http.MethodPost)
    r.HandleFunc("/v1/webhooks/event-types", s.EventTypesHandler).Methods(http.MethodGet)

    v1 := r.PathPrefix("/v1").Subrouter()
    v1.Use(s.authenticate, s.rateLimit)
    v1.HandleFunc("/webhooks/stream", s.StreamHandler).Methods(http.MethodGet)
    v1.HandleFunc("/webhooks/events/trigger", s.TriggerHandler).Methods(http.MethodPost)
    v1.HandleFunc("/webhooks", s.CreateWebhookHandler).Methods(http.MethodPost)
    v1.HandleFunc("/webhooks", s.ListWebhooksHandler).Methods(http.MethodGet)
    v1.HandleFunc("/webhooks/{id}", s.GetWebhookHandler).Methods(http.MethodGet)
    v1.HandleFunc("/webhooks/{id}", s.UpdateWebhookHandler).Methods(http.MethodPut)
    v1.HandleFunc("/webhooks/{id}", s.DeleteWebhookHandler).Methods(http.MethodDelete)
    v1.HandleFunc("/webhooks/{id}/test", s.TestWebhookHandler).Methods(http.MethodPost)
    v1.HandleFunc("/webhooks/{id}/deliveries", s.ListDeliveriesHandler).Methods(http.MethodGet)
    v1.HandleFunc("/webhooks/{id}/deliveries/{deliveryId}/redeliver", s.RedeliverHandler).Methods(http.MethodPost)
    v1.HandleFunc("/webhooks/{id}/stats", s.StatsHandler).Methods(http.MethodGet)

    r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    })
    r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
    })
    return r
}
