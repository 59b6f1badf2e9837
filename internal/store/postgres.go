package store

import (
    "context"
    "database/sql"
    "embed"
    "encoding/json"
    "errors"
    "fmt"
    "io/fs"
    "sort"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "github.com/n1ur0/off-the-grid/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an existing handle (tests, shared pools).
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Files are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
    names, err := fs.Glob(migrationFS, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, name := range names {
        b, err := migrationFS.ReadFile(name)
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", name, err)
        }
    }
    return nil
}

const webhookCols = `id, owner_id, url, events, secret, status, filters, retry_config, description, success_count, failure_count, created_at, updated_at, last_delivery_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanWebhook(row rowScanner) (model.Webhook, error) {
    var w model.Webhook
    var events, filters, retry []byte
    var status string
    var last sql.NullTime
    if err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &events, &w.Secret, &status, &filters, &retry, &w.Description, &w.SuccessCount, &w.FailureCount, &w.CreatedAt, &w.UpdatedAt, &last); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Webhook{}, ErrNotFound }
        return model.Webhook{}, err
    }
    w.Status = model.WebhookStatus(status)
    if err := json.Unmarshal(events, &w.Events); err != nil { return model.Webhook{}, fmt.Errorf("decode events: %w", err) }
    if len(filters) > 0 && string(filters) != "null" {
        w.Filter = &model.Filter{}
        if err := json.Unmarshal(filters, w.Filter); err != nil { return model.Webhook{}, fmt.Errorf("decode filters: %w", err) }
    }
    if err := json.Unmarshal(retry, &w.RetryPolicy); err != nil { return model.Webhook{}, fmt.Errorf("decode retry_config: %w", err) }
    if last.Valid { t := last.Time; w.LastDeliveryAt = &t }
    return w, nil
}

func webhookJSON(w model.Webhook) (events, filters, retry any, err error) {
    ev, err := json.Marshal(w.Events)
    if err != nil { return nil, nil, nil, err }
    rc, err := json.Marshal(w.RetryPolicy)
    if err != nil { return nil, nil, nil, err }
    if !w.Filter.Empty() {
        fb, err := json.Marshal(w.Filter)
        if err != nil { return nil, nil, nil, err }
        filters = string(fb)
    }
    return string(ev), filters, string(rc), nil
}

func (p *Postgres) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
    ev, fl, rc, err := webhookJSON(w)
    if err != nil { return model.Webhook{}, err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO webhooks (id, owner_id, url, events, secret, status, filters, retry_config, description, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
        w.ID, w.OwnerID, w.URL, ev, w.Secret, string(w.Status), fl, rc, w.Description, w.CreatedAt, w.UpdatedAt)
    if err != nil { return model.Webhook{}, err }
    return w, nil
}

func (p *Postgres) GetWebhook(ctx context.Context, id string) (model.Webhook, error) {
    return scanWebhook(p.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id=$1`, id))
}

func (p *Postgres) UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
    ev, fl, rc, err := webhookJSON(w)
    if err != nil { return model.Webhook{}, err }
    row := p.db.QueryRowContext(ctx, `UPDATE webhooks SET url=$3, events=$4, secret=$5, filters=$6, retry_config=$7, description=$8, updated_at=$9
        WHERE id=$1 AND owner_id=$2 RETURNING `+webhookCols,
        w.ID, w.OwnerID, w.URL, ev, w.Secret, fl, rc, w.Description, w.UpdatedAt)
    return scanWebhook(row)
}

func (p *Postgres) DeleteWebhook(ctx context.Context, ownerID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE owner_id=$1 AND id=$2`, ownerID, id)
    if err != nil { return err }
    return expectRow(res)
}

func (p *Postgres) ListWebhooks(ctx context.Context, ownerID string, status model.WebhookStatus, offset, limit int) ([]model.Webhook, int, error) {
    limit = clampLimit(limit)
    if offset < 0 { offset = 0 }
    where := ` WHERE owner_id=$1`
    args := []any{ownerID}
    if status != "" {
        where += ` AND status=$2`
        args = append(args, string(status))
    }
    var total int
    if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM webhooks`+where, args...).Scan(&total); err != nil {
        return nil, 0, err
    }
    q := `SELECT ` + webhookCols + ` FROM webhooks` + where + fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
    rows, err := p.db.QueryContext(ctx, q, append(args, limit, offset)...)
    if err != nil { return nil, 0, err }
    defer rows.Close()
    out := []model.Webhook{}
    for rows.Next() {
        w, err := scanWebhook(rows)
        if err != nil { return nil, 0, err }
        out = append(out, w)
    }
    return out, total, rows.Err()
}

func (p *Postgres) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]model.Webhook, error) {
    want, _ := json.Marshal([]string{eventType})
    rows, err := p.db.QueryContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE status='active' AND events @> $1::jsonb ORDER BY created_at`, string(want))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Webhook{}
    for rows.Next() {
        w, err := scanWebhook(rows)
        if err != nil { return nil, err }
        out = append(out, w)
    }
    return out, rows.Err()
}

func (p *Postgres) SetWebhookStatus(ctx context.Context, id string, from, status model.WebhookStatus) (bool, error) {
    res, err := p.db.ExecContext(ctx, `UPDATE webhooks SET status=$2, updated_at=now() WHERE id=$1 AND ($3::text = '' OR status=$3::text)`,
        id, string(status), string(from))
    if err != nil { return false, err }
    n, err := res.RowsAffected()
    if err != nil { return false, err }
    if n > 0 { return true, nil }
    // distinguish a missing webhook from a status that no longer matches
    var exists bool
    if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM webhooks WHERE id=$1)`, id).Scan(&exists); err != nil {
        return false, err
    }
    if !exists { return false, ErrNotFound }
    return false, nil
}

func (p *Postgres) IncrementDeliveryCounters(ctx context.Context, id string, success bool, at time.Time) error {
    q := `UPDATE webhooks SET failure_count=failure_count+1, last_delivery_at=$2 WHERE id=$1`
    if success {
        q = `UPDATE webhooks SET success_count=success_count+1, last_delivery_at=$2 WHERE id=$1`
    }
    res, err := p.db.ExecContext(ctx, q, id, at)
    if err != nil { return err }
    return expectRow(res)
}

func (p *Postgres) InsertEvent(ctx context.Context, e model.Event) error {
    payload, err := json.Marshal(e.Payload)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO webhook_events (id, event_type, payload, owner_scope, source, correlation_id, emitted_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
        e.ID, e.Type, string(payload), nullIfEmpty(e.OwnerScope), nullIfEmpty(e.Source), nullIfEmpty(e.CorrelationID), e.EmittedAt)
    return err
}

const deliveryCols = `id, webhook_id, event_id, event_type, owner_id, url, payload, headers, status, attempt_count, max_attempts, response_code, response_body, response_time_ms, error_message, scheduled_at, delivered_at, next_retry_at, created_at, updated_at`

func scanDelivery(row rowScanner) (model.Delivery, error) {
    var d model.Delivery
    var payload, headers []byte
    var status string
    var code, latency sql.NullInt64
    var body, errMsg sql.NullString
    var delivered, next sql.NullTime
    if err := row.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.OwnerID, &d.URL, &payload, &headers, &status, &d.AttemptCount, &d.MaxAttempts,
        &code, &body, &latency, &errMsg, &d.ScheduledAt, &delivered, &next, &d.CreatedAt, &d.UpdatedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Delivery{}, ErrNotFound }
        return model.Delivery{}, err
    }
    d.Payload = payload
    d.Status = model.DeliveryStatus(status)
    if len(headers) > 0 { _ = json.Unmarshal(headers, &d.Headers) }
    d.ResponseCode = int(code.Int64)
    d.ResponseBody = body.String
    d.ResponseTimeMs = latency.Int64
    d.ErrorMessage = errMsg.String
    if delivered.Valid { t := delivered.Time; d.DeliveredAt = &t }
    if next.Valid { t := next.Time; d.NextRetryAt = &t }
    return d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, d model.Delivery) error {
    headers, err := headersJSON(d.Headers)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (`+deliveryCols+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
        d.ID, d.WebhookID, d.EventID, d.EventType, d.OwnerID, d.URL, []byte(d.Payload), headers, string(d.Status), d.AttemptCount, d.MaxAttempts,
        nullIfZero(int64(d.ResponseCode)), nullIfEmpty(d.ResponseBody), nullIfZero(d.ResponseTimeMs), nullIfEmpty(d.ErrorMessage),
        d.ScheduledAt, nullTime(d.DeliveredAt), nullTime(d.NextRetryAt), d.CreatedAt, d.UpdatedAt)
    return err
}

const saveDeliverySQL = `UPDATE webhook_deliveries SET headers=$2, status=$3, attempt_count=$4, response_code=$5, response_body=$6, response_time_ms=$7,
        error_message=$8, scheduled_at=$9, delivered_at=$10, next_retry_at=$11, updated_at=$12 WHERE id=$1`

func saveDeliveryArgs(d model.Delivery) ([]any, error) {
    headers, err := headersJSON(d.Headers)
    if err != nil { return nil, err }
    return []any{d.ID, headers, string(d.Status), d.AttemptCount, nullIfZero(int64(d.ResponseCode)), nullIfEmpty(d.ResponseBody), nullIfZero(d.ResponseTimeMs),
        nullIfEmpty(d.ErrorMessage), d.ScheduledAt, nullTime(d.DeliveredAt), nullTime(d.NextRetryAt), d.UpdatedAt}, nil
}

func (p *Postgres) SaveDelivery(ctx context.Context, d model.Delivery) error {
    args, err := saveDeliveryArgs(d)
    if err != nil { return err }
    res, err := p.db.ExecContext(ctx, saveDeliverySQL, args...)
    if err != nil { return err }
    return expectRow(res)
}

func (p *Postgres) SaveDeliveryIf(ctx context.Context, d model.Delivery, from model.DeliveryStatus) (bool, error) {
    args, err := saveDeliveryArgs(d)
    if err != nil { return false, err }
    res, err := p.db.ExecContext(ctx, saveDeliverySQL+` AND status=$13`, append(args, string(from))...)
    if err != nil { return false, err }
    n, err := res.RowsAffected()
    if err != nil { return false, err }
    return n > 0, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id=$1`, id))
}

func (p *Postgres) ListDeliveries(ctx context.Context, webhookID string, status model.DeliveryStatus, cursor string, limit int) ([]model.Delivery, string, error) {
    limit = clampLimit(limit)
    q := `SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE webhook_id=$1`
    args := []any{webhookID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, string(status)); idx++ }
    if cursor != "" {
        q += ` AND (created_at, id) < (SELECT created_at, id FROM webhook_deliveries WHERE id=$` + fmt.Sprint(idx) + `)`
        args = append(args, cursor); idx++
    }
    q += ` ORDER BY created_at DESC, id DESC LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Delivery{}
    var last string
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, "", err }
        out = append(out, d)
        last = d.ID
    }
    if err := rows.Err(); err != nil { return nil, "", err }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) PurgeDeliveries(ctx context.Context, before time.Time) (int64, error) {
    res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE status IN ('success','abandoned') AND created_at < $1`, before)
    if err != nil { return 0, err }
    return res.RowsAffected()
}

func expectRow(res sql.Result) error {
    n, err := res.RowsAffected()
    if err != nil { return err }
    if n == 0 { return ErrNotFound }
    return nil
}

func headersJSON(h map[string]string) (any, error) {
    if len(h) == 0 { return nil, nil }
    b, err := json.Marshal(h)
    if err != nil { return nil, err }
    return string(b), nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
func nullIfZero(n int64) any { if n == 0 { return nil }; return n }
func nullTime(t *time.Time) any { if t == nil { return nil }; return *t }
