package api

import (
    "net/http"
    "time"

    "github.com/n1ur0/off-the-grid/internal/buildinfo"
)

// DebugJSON reports build and runtime settings to admins. Secrets are never included.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    if !principalFrom(r.Context()).IsAdmin() {
        writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
        return
    }
    c := s.Config
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "port":             c.Server.Port,
            "auth_mode":        c.Auth.Mode,
            "allow_origins":    c.Server.AllowOrigins,
            "rate_rps":         c.RateLimit.RPS,
            "rate_burst":       c.RateLimit.Burst,
            "delivery_workers": c.Webhooks.DeliveryWorkers,
            "retry_workers":    c.Webhooks.RetryWorkers,
            "max_attempts":     c.Webhooks.MaxAttempts,
            "timeout":          c.Webhooks.Timeout.String(),
            "health_threshold": c.Webhooks.Health.FailureRateThreshold,
            "has_database_url": c.Database.URL != "",
            "has_redis_url":    c.Redis.URL != "",
        },
    }
    if s.Queue != nil {
        delivery, retry := s.Queue.QueueDepths()
        info["queue"] = map[string]int{"delivery": delivery, "retry": retry}
    }
    writeJSON(w, http.StatusOK, info)
}
