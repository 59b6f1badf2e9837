package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/n1ur0/off-the-grid/internal/metrics"
	"github.com/n1ur0/off-the-grid/internal/model"
	"github.com/n1ur0/off-the-grid/internal/store"
)

const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEvent      = "X-Webhook-Event"
	HeaderWebhookID  = "X-Webhook-ID"
	HeaderDelivery   = "X-Webhook-Delivery"
	HeaderAttempt    = "X-Webhook-Attempt"
	DefaultUserAgent = "Off-The-Grid-Webhook/1.0"

	maxResponseBody = 4 << 10
)

// ErrDispatcherStopped is returned by Enqueue once Run has returned.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type Config struct {
	DeliveryWorkers int
	RetryWorkers    int
	QueueSize       int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// PermanentClientErrors abandons on 4xx other than 408 and 429 instead of retrying.
	PermanentClientErrors bool
	Jitter                float64
	UserAgent             string
}

func DefaultConfig() Config {
	return Config{
		DeliveryWorkers:       5,
		RetryWorkers:          2,
		QueueSize:             1000,
		Timeout:               30 * time.Second,
		PermanentClientErrors: true,
		Jitter:                0.1,
		UserAgent:             DefaultUserAgent,
	}
}

// Notifier receives every delivery state change, keyed by the webhook owner.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, u model.DeliveryUpdate)
}

func notify(ctx context.Context, n Notifier, d model.Delivery) {
	if n == nil {
		return
	}
	n.Notify(ctx, d.OwnerID, model.DeliveryUpdate{
		DeliveryID:   d.ID,
		WebhookID:    d.WebhookID,
		EventID:      d.EventID,
		EventType:    d.EventType,
		Status:       d.Status,
		AttemptCount: d.AttemptCount,
		ResponseCode: d.ResponseCode,
		Error:        d.ErrorMessage,
		At:           d.UpdatedAt,
	})
}

// Dispatcher owns the delivery queue and the pools of delivery and retry workers.
type Dispatcher struct {
	Store    store.Store
	HTTP     *http.Client
	Health   *Tracker
	Retry    *Scheduler
	Notifier Notifier
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
	Config   Config

	queue    chan model.Delivery
	delayed  *DelayQueue
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(s store.Store, h *Tracker, cfg Config, clock clockwork.Clock, log logrus.FieldLogger) *Dispatcher {
	def := DefaultConfig()
	if cfg.DeliveryWorkers <= 0 {
		cfg.DeliveryWorkers = def.DeliveryWorkers
	}
	if cfg.RetryWorkers <= 0 {
		cfg.RetryWorkers = def.RetryWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	delayed := NewDelayQueue(clock)
	return &Dispatcher{
		Store:  s,
		HTTP: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Health:  h,
		Retry:   NewScheduler(s, delayed, h, clock, log, cfg.Jitter),
		Clock:   clock,
		Log:     log,
		Config:  cfg,
		queue:   make(chan model.Delivery, cfg.QueueSize),
		delayed: delayed,
		stopped: make(chan struct{}),
	}
}

// SetNotifier wires live updates for both the dispatcher and its scheduler.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.Notifier = n
	d.Retry.Notifier = n
}

// Run starts the worker pools and blocks until ctx is cancelled. In-flight attempts
// finish; anything still queued is abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Log.WithFields(logrus.Fields{
		"delivery_workers": d.Config.DeliveryWorkers,
		"retry_workers":    d.Config.RetryWorkers,
		"queue_size":       d.Config.QueueSize,
	}).Info("webhook dispatcher started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.Config.DeliveryWorkers; i++ {
		g.Go(func() error {
			d.deliveryWorker(gctx)
			return nil
		})
	}
	for i := 0; i < d.Config.RetryWorkers; i++ {
		g.Go(func() error {
			d.retryWorker(gctx)
			return nil
		})
	}
	err := g.Wait()
	d.stopOnce.Do(func() { close(d.stopped) })
	d.drain()
	d.Log.Info("webhook dispatcher stopped")
	return err
}

// Enqueue blocks while the queue is full. On error the caller owns the delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, del model.Delivery) error {
	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.queue <- del:
		metrics.QueueDepth.WithLabelValues("delivery").Set(float64(len(d.queue)))
		return nil
	case <-d.stopped:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepths reports the delivery channel and retry heap lengths.
func (d *Dispatcher) QueueDepths() (delivery, retry int) {
	return len(d.queue), d.delayed.Len()
}

func (d *Dispatcher) deliveryWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case del := <-d.queue:
			metrics.QueueDepth.WithLabelValues("delivery").Set(float64(len(d.queue)))
			d.process(ctx, del)
		}
	}
}

func (d *Dispatcher) retryWorker(ctx context.Context) {
	for {
		del, err := d.delayed.Pop(ctx)
		if err != nil {
			return
		}
		metrics.QueueDepth.WithLabelValues("retry").Set(float64(d.delayed.Len()))
		d.process(ctx, del)
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	n := 0
	for {
		select {
		case del := <-d.queue:
			_ = d.Retry.Abandon(ctx, del, ReasonShutdown)
			n++
			continue
		default:
		}
		break
	}
	for _, del := range d.delayed.Drain() {
		_ = d.Retry.Abandon(ctx, del, ReasonShutdown)
		n++
	}
	metrics.QueueDepth.WithLabelValues("delivery").Set(0)
	metrics.QueueDepth.WithLabelValues("retry").Set(0)
	if n > 0 {
		d.Log.WithField("abandoned", n).Warn("queued deliveries abandoned at shutdown")
	}
}

// process runs one attempt. Shutdown cancellation does not reach the attempt.
func (d *Dispatcher) process(parent context.Context, del model.Delivery) {
	ctx := context.WithoutCancel(parent)
	log := d.Log.WithFields(logrus.Fields{"delivery_id": del.ID, "webhook_id": del.WebhookID, "event_type": del.EventType})
	policy := model.DefaultRetryPolicy()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			log.WithField("panic", r).Errorf("delivery attempt panicked\n%s", debug.Stack())
			del.Status = model.DeliveryFailed
			del.ErrorMessage = fmt.Sprintf("internal error: %v", r)
			_ = d.Retry.Schedule(ctx, del, policy, false)
		}
	}()

	w, err := d.Store.GetWebhook(ctx, del.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		_ = d.Retry.Abandon(ctx, del, ReasonWebhookNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Warn("load webhook failed")
		del.AttemptCount++
		del.Status = model.DeliveryFailed
		del.ErrorMessage = "load webhook: " + err.Error()
		_ = d.Retry.Schedule(ctx, del, policy, false)
		return
	}
	// the live policy governs both the attempt budget and the backoff
	policy = w.RetryPolicy.WithDefaults()
	del.MaxAttempts = policy.MaxAttempts
	if w.Status != model.WebhookActive {
		del.ErrorMessage = "status " + string(w.Status)
		_ = d.Retry.Abandon(ctx, del, ReasonWebhookInactive)
		return
	}

	del.AttemptCount++
	if del.AttemptCount > 1 {
		del.Status = model.DeliveryRetrying
	} else {
		del.Status = model.DeliveryPending
	}
	del.URL = w.URL
	headers, err := signedHeaders(d.Config.UserAgent, w, del.ID, del.EventType, del.AttemptCount, del.Payload)
	if err != nil {
		del.Status = model.DeliveryFailed
		del.ErrorMessage = err.Error()
		del.UpdatedAt = d.Clock.Now()
		_ = d.Retry.Schedule(ctx, del, policy, true)
		return
	}
	del.Headers = headers
	res := d.send(ctx, del.URL, del.Payload, headers)
	d.complete(ctx, log, w, del, res)
}

func (d *Dispatcher) complete(ctx context.Context, log logrus.FieldLogger, w model.Webhook, del model.Delivery, res attemptResult) {
	now := d.Clock.Now()
	success, permanent := classify(res, d.Config.PermanentClientErrors)
	del.ResponseCode = res.code
	del.ResponseBody = res.body
	del.ResponseTimeMs = res.latency.Milliseconds()
	del.UpdatedAt = now

	status := model.DeliveryFailed
	if success {
		status = model.DeliverySuccess
	}
	metrics.WebhookDeliveries.WithLabelValues(del.EventType, string(status)).Inc()
	metrics.WebhookLatency.WithLabelValues(del.EventType, string(status)).Observe(float64(res.latency.Milliseconds()))

	if success {
		del.Status = model.DeliverySuccess
		del.DeliveredAt = &now
		del.NextRetryAt = nil
		del.ErrorMessage = ""
		if err := d.Store.SaveDelivery(ctx, del); err != nil {
			log.WithError(err).Warn("persist delivery failed")
		}
		d.Health.RecordOutcome(ctx, w.ID, true, res.latency)
		log.WithFields(logrus.Fields{"status_code": res.code, "attempt": del.AttemptCount, "latency_ms": del.ResponseTimeMs}).Info("webhook delivered")
		notify(ctx, d.Notifier, del)
		return
	}

	del.Status = model.DeliveryFailed
	del.ErrorMessage = res.describe()
	if err := d.Store.SaveDelivery(ctx, del); err != nil {
		log.WithError(err).Warn("persist delivery failed")
	}
	var latency time.Duration
	if res.err == nil {
		latency = res.latency
	}
	d.Health.RecordOutcome(ctx, w.ID, false, latency)
	if _, err := d.Health.Evaluate(ctx, w.ID); err != nil {
		log.WithError(err).Warn("health evaluation failed")
	}
	log.WithFields(logrus.Fields{"status_code": res.code, "attempt": del.AttemptCount, "error": del.ErrorMessage}).Warn("webhook delivery failed")
	notify(ctx, d.Notifier, del)
	_ = d.Retry.Schedule(ctx, del, w.RetryPolicy.WithDefaults(), permanent)
}

// TestDelivery makes one synchronous attempt outside the retry lifecycle. Nothing is
// persisted and health counters are untouched.
func (d *Dispatcher) TestDelivery(ctx context.Context, w model.Webhook, e model.Event) model.TestResult {
	out := model.TestResult{TestID: uuid.NewString(), WebhookID: w.ID, EventType: e.Type, Timestamp: d.Clock.Now().UTC()}
	body, err := BuildBody(w.ID, e)
	if err == nil {
		var headers map[string]string
		if headers, err = signedHeaders(d.Config.UserAgent, w, out.TestID, e.Type, 1, body); err == nil {
			res := d.send(ctx, w.URL, body, headers)
			ok, _ := classify(res, d.Config.PermanentClientErrors)
			out.ResponseCode = res.code
			out.ResponseBody = res.body
			out.ResponseTimeMs = res.latency.Milliseconds()
			out.Status = model.DeliveryFailed
			if ok {
				out.Status = model.DeliverySuccess
			} else {
				out.Error = res.describe()
			}
			return out
		}
	}
	out.Status = model.DeliveryFailed
	out.Error = err.Error()
	return out
}

// signedHeaders are the request headers for one attempt, signature over body.
func signedHeaders(userAgent string, w model.Webhook, deliveryID, eventType string, attempt int, body []byte) (map[string]string, error) {
	sig, err := SignBytes(body, w.Secret)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    userAgent,
		HeaderSignature: sig,
		HeaderEvent:     eventType,
		HeaderWebhookID: w.ID,
		HeaderDelivery:  deliveryID,
		HeaderAttempt:   strconv.Itoa(attempt),
	}, nil
}

type attemptResult struct {
	code    int
	body    string
	latency time.Duration
	err     error
	// invalid is set when the request could not be built at all.
	invalid bool
}

func (r attemptResult) describe() string {
	if r.err != nil {
		return "request failed: " + r.err.Error()
	}
	return fmt.Sprintf("HTTP %d", r.code)
}

func (d *Dispatcher) send(ctx context.Context, url string, body []byte, headers map[string]string) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, d.Config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: err, invalid: true}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := d.HTTP.Do(req)
	res := attemptResult{latency: time.Since(start)}
	if err != nil {
		res.err = err
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	res.code = resp.StatusCode
	res.body = responseText(b)
	return res
}

// responseText makes a truncated body safe for a TEXT column: a rune split by the cut is
// dropped along with any other invalid UTF-8 and NUL bytes.
func responseText(b []byte) string {
	return strings.ReplaceAll(strings.ToValidUTF8(string(b), ""), "\x00", "")
}

// classify maps an attempt to success, or failure that is either retryable or permanent.
func classify(r attemptResult, permanentClientErrors bool) (success, permanent bool) {
	switch {
	case r.invalid:
		return false, true
	case r.err != nil:
		return false, false
	case r.code >= 200 && r.code < 300:
		return true, false
	case r.code == http.StatusRequestTimeout || r.code == http.StatusTooManyRequests:
		return false, false
	case r.code >= 400 && r.code < 500:
		return false, permanentClientErrors
	default:
		return false, false
	}
}
