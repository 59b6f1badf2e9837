package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n1ur0/off-the-grid/internal/model"
)

var webhookColumns = []string{"id", "owner_id", "url", "events", "secret", "status", "filters", "retry_config", "description", "success_count", "failure_count", "created_at", "updated_at", "last_delivery_at"}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresDB(db), mock
}

func TestPostgresGetWebhookNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhooks WHERE id=$1")).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows(webhookColumns))

	_, err := p.GetWebhook(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListActiveWebhooksForEvent(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows(webhookColumns).AddRow(
		"w1", "alice", "https://example.com/hook", []byte(`["grid.created","grid.redeemed"]`), "0123456789abcdef", "active",
		[]byte(`{"own_only":true}`), []byte(`{"max_attempts":5,"initial_delay_seconds":30,"max_delay_seconds":600,"backoff_multiplier":3}`),
		"desk alerts", int64(4), int64(1), now, now, nil,
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status='active' AND events @> $1::jsonb")).
		WithArgs(`["grid.created"]`).
		WillReturnRows(rows)

	got, err := p.ListActiveWebhooksForEvent(context.Background(), "grid.created")
	require.NoError(t, err)
	require.Len(t, got, 1)
	w := got[0]
	assert.Equal(t, []string{"grid.created", "grid.redeemed"}, w.Events)
	assert.Equal(t, model.WebhookActive, w.Status)
	require.NotNil(t, w.Filter)
	assert.True(t, w.Filter.OwnOnly)
	assert.Equal(t, 5, w.RetryPolicy.MaxAttempts)
	assert.Equal(t, 30*time.Second, w.RetryPolicy.BaseDelay)
	assert.Equal(t, 10*time.Minute, w.RetryPolicy.MaxDelay)
	assert.EqualValues(t, 4, w.SuccessCount)
	assert.Nil(t, w.LastDeliveryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateWebhookWithoutFilter(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()
	w := model.Webhook{ID: "w1", OwnerID: "alice", URL: "https://example.com/hook", Events: []string{"grid.created"},
		Secret: "0123456789abcdef", Status: model.WebhookActive, RetryPolicy: model.DefaultRetryPolicy(), CreatedAt: now, UpdatedAt: now}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhooks")).
		WithArgs("w1", "alice", "https://example.com/hook", `["grid.created"]`, "0123456789abcdef", "active", nil, sqlmock.AnyArg(), "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := p.CreateWebhook(context.Background(), w)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementDeliveryCounters(t *testing.T) {
	p, mock := newMockPostgres(t)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("SET success_count=success_count+1")).
		WithArgs("w1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET failure_count=failure_count+1")).
		WithArgs("gone", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.IncrementDeliveryCounters(context.Background(), "w1", true, at))
	assert.ErrorIs(t, p.IncrementDeliveryCounters(context.Background(), "gone", false, at), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveDeliveryMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_deliveries SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SaveDelivery(context.Background(), model.Delivery{ID: "d1", Status: model.DeliveryFailed})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListDeliveriesWithCursor(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()
	cols := []string{"id", "webhook_id", "event_id", "event_type", "owner_id", "url", "payload", "headers", "status", "attempt_count", "max_attempts",
		"response_code", "response_body", "response_time_ms", "error_message", "scheduled_at", "delivered_at", "next_retry_at", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("d2", "w1", "e2", "grid.created", "alice", "https://example.com/hook", []byte(`{"event":"grid.created"}`), []byte(`{"X-Webhook-Attempt":"2"}`),
			"retrying", 2, 3, int64(500), "boom", int64(12), "HTTP 500", now, nil, now.Add(time.Minute), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE webhook_id=$1 AND status=$2 AND (created_at, id) < (SELECT created_at, id FROM webhook_deliveries WHERE id=$3) ORDER BY created_at DESC, id DESC LIMIT $4")).
		WithArgs("w1", "retrying", "d3", 1).
		WillReturnRows(rows)

	items, next, err := p.ListDeliveries(context.Background(), "w1", model.DeliveryRetrying, "d3", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	d := items[0]
	assert.Equal(t, "d2", next)
	assert.Equal(t, 500, d.ResponseCode)
	assert.Equal(t, "2", d.Headers["X-Webhook-Attempt"])
	assert.Nil(t, d.DeliveredAt)
	require.NotNil(t, d.NextRetryAt)
	assert.JSONEq(t, `{"event":"grid.created"}`, string(d.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurgeDeliveries(t *testing.T) {
	p, mock := newMockPostgres(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM webhook_deliveries WHERE status IN ('success','abandoned') AND created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := p.PurgeDeliveries(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateRunsEmbeddedFiles(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS webhooks").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetWebhookStatusConditional(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhooks SET status=$2, updated_at=now() WHERE id=$1 AND ($3::text = '' OR status=$3::text)")).
		WithArgs("w1", "failed", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM webhooks WHERE id=$1)")).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhooks SET status=$2")).
		WithArgs("gone", "failed", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	changed, err := p.SetWebhookStatus(context.Background(), "w1", model.WebhookActive, model.WebhookFailed)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = p.SetWebhookStatus(context.Background(), "gone", model.WebhookActive, model.WebhookFailed)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveDeliveryIfGuardsStatus(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$1 AND status=$13")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$1 AND status=$13")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	d := model.Delivery{ID: "d1", Status: model.DeliveryPending}
	ok, err := p.SaveDeliveryIf(context.Background(), d, model.DeliveryAbandoned)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.SaveDeliveryIf(context.Background(), d, model.DeliveryAbandoned)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
