package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

type captureQueue struct {
	got []model.Delivery
	err error
}

func (c *captureQueue) Enqueue(_ context.Context, d model.Delivery) error {
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, d)
	return nil
}

func newTestPublisher(t *testing.T) (*Publisher, *captureQueue, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	log := quietLogger()
	q := &captureQueue{}
	sched := NewScheduler(mem, NewDelayQueue(clock), nil, clock, log, 0)
	return &Publisher{Store: mem, Queue: q, Retry: sched, Clock: clock, Log: log}, q, mem
}

func addHook(t *testing.T, mem *store.Memory, id, owner string, status model.WebhookStatus, f *model.Filter, events ...string) {
	t.Helper()
	_, err := mem.CreateWebhook(context.Background(), model.Webhook{
		ID: id, OwnerID: owner, URL: "https://" + id + ".example.com/hook", Events: events,
		Secret: testSecret, Status: status, Filter: f,
		RetryPolicy: model.RetryPolicy{MaxAttempts: 5},
	})
	require.NoError(t, err)
}

func TestEmitFansOutToMatchingWebhooks(t *testing.T) {
	p, q, mem := newTestPublisher(t)
	addHook(t, mem, "a", "alice", model.WebhookActive, nil, EventGridCreated, EventGridRedeemed)
	addHook(t, mem, "b", "bob", model.WebhookActive, &model.Filter{Equals: map[string]any{"token_pair": "ERG/SigUSD"}}, EventGridCreated)
	addHook(t, mem, "c", "carol", model.WebhookPaused, nil, EventGridCreated)
	addHook(t, mem, "d", "dave", model.WebhookActive, nil, EventGridOrderFilled)

	e := testEvent()
	n, err := p.Emit(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.got, 1)

	d := q.got[0]
	assert.Equal(t, "a", d.WebhookID)
	assert.Equal(t, "alice", d.OwnerID)
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Zero(t, d.AttemptCount)

	stored, err := mem.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Payload, stored.Payload)
}

func TestEmitNoSubscribers(t *testing.T) {
	p, q, _ := newTestPublisher(t)
	n, err := p.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.got)
}

func TestEmitEnqueueFailureAbandons(t *testing.T) {
	p, q, mem := newTestPublisher(t)
	q.err = ErrDispatcherStopped
	addHook(t, mem, "a", "alice", model.WebhookActive, nil, EventGridCreated)

	n, err := p.Emit(context.Background(), testEvent())
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, ErrDispatcherStopped))

	items, _, err := mem.ListDeliveries(context.Background(), "a", "", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.DeliveryAbandoned, items[0].Status)
	assert.Equal(t, "delivery queue unavailable: dispatcher stopped", items[0].ErrorMessage)
}

func TestEmitEvent(t *testing.T) {
	p, q, mem := newTestPublisher(t)
	addHook(t, mem, "a", "alice", model.WebhookActive, &model.Filter{OwnOnly: true}, EventBotAPIError)

	_, _, err := p.EmitEvent(context.Background(), "", nil, "alice", "")
	assert.ErrorIs(t, err, ErrEmptyEventType)

	id, n, err := p.EmitEvent(context.Background(), EventBotAPIError, map[string]any{"bot_id": "b1"}, "bob", "corr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Zero(t, n, "own_only hook ignores other owners")

	id, n, err = p.EmitEvent(context.Background(), EventBotAPIError, map[string]any{"bot_id": "b1"}, "alice", "corr-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.got, 1)
	assert.Equal(t, id, q.got[0].EventID)
}

func TestBuildBody(t *testing.T) {
	e := testEvent()
	body, err := BuildBody("w1", e)
	require.NoError(t, err)
	assert.Equal(t,
		`{"data":{"grid_identity":"g1"},"event":"grid.created","event_id":"evt-1","timestamp":"2026-05-01T12:00:00Z","webhook_id":"w1"}`,
		string(body))

	e.Payload = nil
	body, err = BuildBody("w1", e)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, map[string]any{}, decoded["data"])

	sig, err := SignBytes(body, testSecret)
	require.NoError(t, err)
	assert.True(t, Verify(body, sig, testSecret))
}
