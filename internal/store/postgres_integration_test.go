//go:build postgres_integration

package store

import (
    "os"
    "testing"
    "time"

    "github.com/google/uuid"

    "github.com/n1ur0/off-the-grid/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    defer p.Close()
    if err := p.Ping(t.Context()); err != nil { t.Fatalf("Ping: %v", err) }
    if err := p.Migrate(t.Context()); err != nil { t.Fatalf("Migrate: %v", err) }

    now := time.Now().UTC()
    w := model.Webhook{ID: uuid.NewString(), OwnerID: "it_owner", URL: "https://example.com/hook", Events: []string{"grid.created"},
        Secret: "0123456789abcdef", Status: model.WebhookActive, RetryPolicy: model.DefaultRetryPolicy(), CreatedAt: now, UpdatedAt: now}
    if _, err := p.CreateWebhook(t.Context(), w); err != nil { t.Fatalf("CreateWebhook: %v", err) }
    defer func() { _ = p.DeleteWebhook(t.Context(), w.OwnerID, w.ID) }()
    subs, err := p.ListActiveWebhooksForEvent(t.Context(), "grid.created")
    if err != nil { t.Fatalf("ListActiveWebhooksForEvent: %v", err) }
    found := false
    for _, s := range subs { if s.ID == w.ID { found = true } }
    if !found { t.Fatalf("registered webhook not matched") }
}
