package api

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/gorilla/mux"

    "github.com/n1ur0/off-the-grid/internal/model"
    "github.com/n1ur0/off-the-grid/internal/store"
    "github.com/n1ur0/off-the-grid/internal/webhooks"
)

type listWebhooksResponse struct {
    Webhooks   []model.Webhook `json:"webhooks"`
    TotalCount int             `json:"total_count"`
    Page       int             `json:"page"`
    PageSize   int             `json:"page_size"`
}

func redactAll(in []model.Webhook) []model.Webhook {
    out := make([]model.Webhook, len(in))
    for i, w := range in { out[i] = w.Redacted() }
    return out
}

// CreateWebhookHandler handles POST /v1/webhooks
func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    var req model.WebhookRequest
    if err := decodeJSON(r, &req, false); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    hook, err := s.Manager.Register(r.Context(), p.OwnerID, req)
    if err != nil { s.writeError(w, r, "Create webhook failed", err); return }
    w.Header().Set("Location", "/v1/webhooks/"+hook.ID)
    writeJSON(w, http.StatusCreated, hook.Redacted())
}

// ListWebhooksHandler handles GET /v1/webhooks?status=&page=&page_size=
func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    status, err := webhookStatusQuery(r)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    page, err := intQuery(r, "page", 1, 1, 1_000_000)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    size, err := intQuery(r, "page_size", 20, 1, 100)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    items, total, err := s.Manager.List(r.Context(), p.OwnerID, status, page, size)
    if err != nil { s.writeError(w, r, "List webhooks failed", err); return }
    writeJSON(w, http.StatusOK, listWebhooksResponse{Webhooks: redactAll(items), TotalCount: total, Page: page, PageSize: size})
}

func (s *Server) GetWebhookHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    hook, err := s.Manager.Get(r.Context(), p.OwnerID, mux.Vars(r)["id"])
    if err != nil { s.writeError(w, r, "Get webhook failed", err); return }
    writeJSON(w, http.StatusOK, hook.Redacted())
}

func (s *Server) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    var upd model.WebhookUpdate
    if err := decodeJSON(r, &upd, false); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    hook, err := s.Manager.Update(r.Context(), p.OwnerID, mux.Vars(r)["id"], upd)
    if err != nil { s.writeError(w, r, "Update webhook failed", err); return }
    writeJSON(w, http.StatusOK, hook.Redacted())
}

func (s *Server) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    if err := s.Manager.Delete(r.Context(), p.OwnerID, mux.Vars(r)["id"]); err != nil {
        s.writeError(w, r, "Delete webhook failed", err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

// TestWebhookHandler handles POST /v1/webhooks/{id}/test. The body is optional.
func (s *Server) TestWebhookHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    var req model.TestRequest
    if err := decodeJSON(r, &req, true); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    res, err := s.Manager.Test(r.Context(), p.OwnerID, mux.Vars(r)["id"], req)
    if err != nil { s.writeError(w, r, "Test webhook failed", err); return }
    writeJSON(w, http.StatusOK, res)
}

// ListDeliveriesHandler handles GET /v1/webhooks/{id}/deliveries?status=&cursor=&limit=
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    status, err := deliveryStatusQuery(r)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    limit, err := intQuery(r, "limit", store.DefaultListLimit, 1, store.MaxListLimit)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    items, next, err := s.Manager.Deliveries(r.Context(), p.OwnerID, mux.Vars(r)["id"], status, r.URL.Query().Get("cursor"), limit)
    if err != nil { s.writeError(w, r, "List deliveries failed", err); return }
    writeJSON(w, http.StatusOK, map[string]any{"deliveries": items, "next_cursor": next})
}

func (s *Server) RedeliverHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    vars := mux.Vars(r)
    d, err := s.Manager.Redeliver(r.Context(), p.OwnerID, vars["id"], vars["deliveryId"])
    if err != nil { s.writeError(w, r, "Redeliver failed", err); return }
    writeJSON(w, http.StatusAccepted, d)
}

// StatsHandler handles GET /v1/webhooks/{id}/stats?hours=24
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    hours, err := intQuery(r, "hours", 24, 1, webhooks.MaxStatsHours)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path); return }
    st, err := s.Manager.Stats(r.Context(), p.OwnerID, mux.Vars(r)["id"], hours)
    if err != nil { s.writeError(w, r, "Stats failed", err); return }
    writeJSON(w, http.StatusOK, st)
}

// TriggerHandler handles POST /v1/webhooks/events/trigger. Only admins may emit on
// behalf of another owner.
func (s *Server) TriggerHandler(w http.ResponseWriter, r *http.Request) {
    p := principalFrom(r.Context())
    var req model.TriggerRequest
    if err := decodeJSON(r, &req, false); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if req.UserID != "" && req.UserID != p.OwnerID && !p.IsAdmin() {
        writeProblem(w, http.StatusForbidden, "Forbidden", "admin required to trigger events for another user", r.URL.Path)
        return
    }
    id, n, err := s.Manager.Trigger(r.Context(), p.OwnerID, req)
    if err != nil && id == "" { s.writeError(w, r, "Trigger event failed", err); return }
    if err != nil {
        // the event exists; some deliveries could not be queued
        s.Log.WithError(err).WithField("event_id", id).Warn("trigger partially failed")
    }
    writeJSON(w, http.StatusAccepted, map[string]any{"event_id": id, "deliveries": n})
}

// VerifyHandler echoes a challenge so endpoint owners can check reachability.
func (s *Server) VerifyHandler(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Challenge string `json:"challenge"`
    }
    if err := decodeJSON(r, &req, false); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if strings.TrimSpace(req.Challenge) == "" {
        writeProblem(w, http.StatusBadRequest, "Missing challenge", "challenge is required", r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"challenge": req.Challenge})
}

func (s *Server) EventTypesHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{"event_types": webhooks.EventTypes()})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store and every configured dependency.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    checks := map[string]Pinger{"store": s.Store}
    for name, p := range s.Ready { checks[name] = p }
    for name, p := range checks {
        if p == nil { continue }
        if err := p.Ping(ctx); err != nil {
            writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
