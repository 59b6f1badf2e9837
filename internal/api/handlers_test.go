package api

import (
    "bytes"
    "context"
    "encoding/json"
    "io"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "github.com/jonboulle/clockwork"
    "github.com/sirupsen/logrus"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/n1ur0/off-the-grid/internal/config"
    "github.com/n1ur0/off-the-grid/internal/model"
    "github.com/n1ur0/off-the-grid/internal/store"
    "github.com/n1ur0/off-the-grid/internal/stream"
    "github.com/n1ur0/off-the-grid/internal/webhooks"
)

const (
    alice      = "alice:user"
    admin      = "admin:admin"
    testSecret = "0123456789abcdef"
)

type testEnv struct {
    srv    *Server
    h      http.Handler
    store  *store.Memory
    broker *stream.Memory
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
    t.Helper()
    cfg := config.Default()
    cfg.RateLimit.RPS = 0
    for _, m := range mutate { m(&cfg) }
    log := logrus.New()
    log.SetOutput(io.Discard)
    st := store.NewMemory()
    clock := clockwork.NewRealClock()
    tr := webhooks.NewTracker(webhooks.NewMemoryCounters(cfg.Webhooks.Health.Retention), st, webhooks.DefaultHealthConfig(), clock, log)
    d := webhooks.NewDispatcher(st, tr, webhooks.DefaultConfig(), clock, log)
    br := stream.NewMemory()
    d.SetNotifier(br)
    mgr := webhooks.NewManager(st, webhooks.NewPublisher(st, d), d, tr)
    s := NewServer(Deps{Manager: mgr, Store: st, Broker: br, Queue: d, Config: cfg, Log: log})
    return &testEnv{srv: s, h: s.Routes(), store: st, broker: br}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
    t.Helper()
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        require.NoError(t, err)
        rd = bytes.NewReader(b)
    }
    req := httptest.NewRequest(method, path, rd)
    if token != "" { req.Header.Set("Authorization", "Bearer "+token) }
    rr := httptest.NewRecorder()
    e.h.ServeHTTP(rr, req)
    return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
    t.Helper()
    var v T
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
    return v
}

func (e *testEnv) create(t *testing.T, token string) model.Webhook {
    t.Helper()
    rr := e.do(t, http.MethodPost, "/v1/webhooks", token, model.WebhookRequest{
        URL: "https://example.com/hook", Events: []string{webhooks.EventGridCreated}, Secret: testSecret,
    })
    require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
    return decode[model.Webhook](t, rr)
}

func TestHealthReady(t *testing.T) {
    e := newTestServer(t)
    assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
    assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestReadyReportsFailingDependency(t *testing.T) {
    e := newTestServer(t)
    e.srv.Ready = map[string]Pinger{"redis": PingFunc(func(context.Context) error { return io.ErrUnexpectedEOF })}
    rr := e.do(t, http.MethodGet, "/readyz", "", nil)
    assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
    assert.Contains(t, rr.Body.String(), "redis")
}

func TestRequiresAuth(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/v1/webhooks", "", nil)
    assert.Equal(t, http.StatusUnauthorized, rr.Code)
    assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
    assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestDevHeaderAuth(t *testing.T) {
    e := newTestServer(t)
    req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
    req.Header.Set("X-User-Id", "alice")
    rr := httptest.NewRecorder()
    e.h.ServeHTTP(rr, req)
    assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookCRUD(t *testing.T) {
    e := newTestServer(t)
    hook := e.create(t, alice)
    assert.Equal(t, "alice", hook.OwnerID)
    assert.Equal(t, model.WebhookActive, hook.Status)
    assert.Empty(t, hook.Secret, "secret must not be echoed")

    rr := e.do(t, http.MethodGet, "/v1/webhooks?page=1&page_size=10", alice, nil)
    require.Equal(t, http.StatusOK, rr.Code)
    list := decode[listWebhooksResponse](t, rr)
    assert.Equal(t, 1, list.TotalCount)
    assert.Equal(t, 10, list.PageSize)
    require.Len(t, list.Webhooks, 1)
    assert.Empty(t, list.Webhooks[0].Secret)

    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID, alice, nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Equal(t, hook.ID, decode[model.Webhook](t, rr).ID)

    paused := model.WebhookPaused
    rr = e.do(t, http.MethodPut, "/v1/webhooks/"+hook.ID, alice, model.WebhookUpdate{Status: &paused})
    require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    assert.Equal(t, model.WebhookPaused, decode[model.Webhook](t, rr).Status)

    rr = e.do(t, http.MethodDelete, "/v1/webhooks/"+hook.ID, alice, nil)
    assert.Equal(t, http.StatusNoContent, rr.Code)
    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID, alice, nil)
    assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateValidation(t *testing.T) {
    e := newTestServer(t)
    cases := map[string]model.WebhookRequest{
        "bad url":      {URL: "ftp://x", Events: []string{"grid.created"}, Secret: testSecret},
        "no events":    {URL: "https://example.com", Secret: testSecret},
        "short secret": {URL: "https://example.com", Events: []string{"grid.created"}, Secret: "short"},
    }
    for name, req := range cases {
        t.Run(name, func(t *testing.T) {
            rr := e.do(t, http.MethodPost, "/v1/webhooks", alice, req)
            assert.Equal(t, http.StatusBadRequest, rr.Code)
            p := decode[Problem](t, rr)
            assert.Equal(t, http.StatusBadRequest, p.Status)
            assert.NotEmpty(t, p.Detail)
        })
    }

    req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", strings.NewReader("{"))
    req.Header.Set("Authorization", "Bearer "+alice)
    rr := httptest.NewRecorder()
    e.h.ServeHTTP(rr, req)
    assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOtherOwnerSeesNotFound(t *testing.T) {
    e := newTestServer(t)
    hook := e.create(t, alice)
    for _, method := range []string{http.MethodGet, http.MethodDelete} {
        rr := e.do(t, method, "/v1/webhooks/"+hook.ID, "bob", nil)
        assert.Equal(t, http.StatusNotFound, rr.Code, method)
    }
    rr := e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/stats", "bob", nil)
    assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatsHours(t *testing.T) {
    e := newTestServer(t)
    hook := e.create(t, alice)
    rr := e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/stats?hours=0", alice, nil)
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/stats?hours=9000", alice, nil)
    assert.Equal(t, http.StatusBadRequest, rr.Code)

    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/stats", alice, nil)
    require.Equal(t, http.StatusOK, rr.Code)
    st := decode[model.Stats](t, rr)
    assert.Equal(t, 24, st.WindowHours)
    assert.Equal(t, int64(0), st.TotalDeliveries)
    assert.Equal(t, []string{webhooks.EventGridCreated}, st.EventsSubscribed)
}

func TestListDeliveriesQueryValidation(t *testing.T) {
    e := newTestServer(t)
    hook := e.create(t, alice)
    rr := e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/deliveries?status=bogus", alice, nil)
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/deliveries?limit=500", alice, nil)
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    rr = e.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/deliveries", alice, nil)
    assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRedeliverRequiresAbandoned(t *testing.T) {
    e := newTestServer(t)
    hook := e.create(t, alice)
    now := time.Now().UTC()
    d := model.Delivery{
        ID: "d1", WebhookID: hook.ID, EventID: "evt-1", EventType: webhooks.EventGridCreated, OwnerID: "alice",
        URL: hook.URL, Payload: json.RawMessage(`{}`), Status: model.DeliverySuccess, AttemptCount: 1,
        MaxAttempts: 3, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
    }
    require.NoError(t, e.store.CreateDelivery(context.Background(), d))

    rr := e.do(t, http.MethodPost, "/v1/webhooks/"+hook.ID+"/deliveries/d1/redeliver", alice, nil)
    assert.Equal(t, http.StatusConflict, rr.Code)

    d.Status = model.DeliveryAbandoned
    require.NoError(t, e.store.SaveDelivery(context.Background(), d))
    rr = e.do(t, http.MethodPost, "/v1/webhooks/"+hook.ID+"/deliveries/d1/redeliver", alice, nil)
    require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
    got := decode[model.Delivery](t, rr)
    assert.Equal(t, model.DeliveryPending, got.Status)
    assert.Equal(t, 0, got.AttemptCount)
}

func TestTriggerScope(t *testing.T) {
    e := newTestServer(t)
    e.create(t, alice)

    body := model.TriggerRequest{EventType: webhooks.EventGridCreated, Data: map[string]any{"grid_identity": "g1"}, UserID: "bob"}
    rr := e.do(t, http.MethodPost, "/v1/webhooks/events/trigger", alice, body)
    assert.Equal(t, http.StatusForbidden, rr.Code)

    rr = e.do(t, http.MethodPost, "/v1/webhooks/events/trigger", admin, body)
    assert.Equal(t, http.StatusAccepted, rr.Code)

    body.UserID = ""
    rr = e.do(t, http.MethodPost, "/v1/webhooks/events/trigger", alice, body)
    require.Equal(t, http.StatusAccepted, rr.Code)
    res := decode[map[string]any](t, rr)
    assert.NotEmpty(t, res["event_id"])
    assert.EqualValues(t, 1, res["deliveries"])

    rr = e.do(t, http.MethodPost, "/v1/webhooks/events/trigger", alice, model.TriggerRequest{EventType: "  "})
    assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerifyAndEventTypes(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodPost, "/v1/webhooks/verify", "", map[string]string{"challenge": "abc123"})
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Equal(t, "abc123", decode[map[string]string](t, rr)["challenge"])

    rr = e.do(t, http.MethodPost, "/v1/webhooks/verify", "", map[string]string{})
    assert.Equal(t, http.StatusBadRequest, rr.Code)

    rr = e.do(t, http.MethodGet, "/v1/webhooks/event-types", "", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    types := decode[struct {
        EventTypes []model.EventTypeInfo `json:"event_types"`
    }](t, rr)
    assert.Len(t, types.EventTypes, len(webhooks.EventTypes()))
}

func TestRateLimitPerOwner(t *testing.T) {
    e := newTestServer(t, func(c *config.Config) { c.RateLimit.RPS = 0.001; c.RateLimit.Burst = 2 })
    for i := 0; i < 2; i++ {
        assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks", alice, nil).Code)
    }
    rr := e.do(t, http.MethodGet, "/v1/webhooks", alice, nil)
    assert.Equal(t, http.StatusTooManyRequests, rr.Code)
    assert.NotEmpty(t, rr.Header().Get("Retry-After"))
    assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks", "bob", nil).Code)
}

func TestDebugInfoAdminOnly(t *testing.T) {
    e := newTestServer(t, func(c *config.Config) { c.Auth.HMACSecret = "do-not-leak" })
    assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/debug/info", alice, nil).Code)
    rr := e.do(t, http.MethodGet, "/debug/info", admin, nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.NotContains(t, rr.Body.String(), "do-not-leak")
    info := decode[map[string]any](t, rr)
    assert.Contains(t, info, "build")
    assert.Contains(t, info, "queue")
}

func TestOpenAPIDocs(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/openapi.yaml", "", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Contains(t, rr.Body.String(), "openapi:")

    rr = e.do(t, http.MethodGet, "/openapi.json", "", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    doc := decode[map[string]any](t, rr)
    assert.Contains(t, doc["paths"], "/v1/webhooks")

    rr = e.do(t, http.MethodGet, "/docs", "", nil)
    assert.Equal(t, http.StatusOK, rr.Code)
    assert.Contains(t, rr.Body.String(), "/openapi.yaml")
}

func TestUnknownRouteIsProblem(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/nope", "", nil)
    assert.Equal(t, http.StatusNotFound, rr.Code)
    assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestStreamDeliversOwnerUpdates(t *testing.T) {
    e := newTestServer(t)
    ts := httptest.NewServer(e.h)
    defer ts.Close()

    url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/webhooks/stream?token=alice"
    conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
    require.NoError(t, err)
    defer conn.Close()
    assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
    _ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

    var ack wsMessage
    require.NoError(t, conn.ReadJSON(&ack))
    assert.Equal(t, "connection_ack", ack.Type)
    require.Eventually(t, func() bool { return e.broker.Subscribers("alice") == 1 }, time.Second, 10*time.Millisecond)

    e.broker.Publish("bob", model.DeliveryUpdate{DeliveryID: "other"})
    e.broker.Publish("alice", model.DeliveryUpdate{DeliveryID: "d1", Status: model.DeliverySuccess})

    var msg wsMessage
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "delivery", msg.Type)
    require.NotNil(t, msg.Payload)
    assert.Equal(t, "d1", msg.Payload.DeliveryID)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "pong", msg.Type)

    require.NoError(t, conn.Close())
    require.Eventually(t, func() bool { return e.broker.Subscribers("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
    e := newTestServer(t)
    ts := httptest.NewServer(e.h)
    defer ts.Close()

    url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/webhooks/stream?token=alice"
    hdr := http.Header{"Origin": []string{"https://evil.example"}}
    _, resp, err := websocket.DefaultDialer.Dial(url, hdr)
    require.Error(t, err)
    require.NotNil(t, resp)
    assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
