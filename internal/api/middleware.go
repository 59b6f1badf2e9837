package api

import (
    "bufio"
    "errors"
    "fmt"
    "math"
    "net"
    "net/http"
    "runtime/debug"
    "strconv"
    "sync"
    "time"

    "github.com/gorilla/mux"
    "github.com/sirupsen/logrus"
    "golang.org/x/time/rate"

    "github.com/n1ur0/off-the-grid/internal/metrics"
)

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, errors.New("hijack not supported") }
    r.status = http.StatusSwitchingProtocols
    return h.Hijack()
}

func routeTemplate(r *http.Request) string {
    if route := mux.CurrentRoute(r); route != nil {
        if tpl, err := route.GetPathTemplate(); err == nil { return tpl }
    }
    return "unmatched"
}

// accessLog logs one line per request and records the HTTP metrics by route template.
func (s *Server) accessLog(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        path := routeTemplate(r)
        code := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
        fields := logrus.Fields{
            "method":      r.Method,
            "path":        r.URL.Path,
            "status":      rec.status,
            "duration_ms": dur.Milliseconds(),
            "remote":      r.RemoteAddr,
        }
        s.Log.WithFields(fields).Info("http request")
    })
}

func (s *Server) recoverer(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        defer func() {
            if v := recover(); v != nil {
                if v == http.ErrAbortHandler { panic(v) }
                metrics.PanicsRecovered.Inc()
                s.Log.WithField("panic", v).Errorf("handler panicked\n%s", debug.Stack())
                writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "", r.URL.Path)
            }
        }()
        next.ServeHTTP(w, r)
    })
}

// ownerLimiter keeps one token bucket per owner.
type ownerLimiter struct {
    mu     sync.Mutex
    limit  rate.Limit
    burst  int
    owners map[string]*rate.Limiter
}

func newOwnerLimiter(rps float64, burst int) *ownerLimiter {
    if rps <= 0 { return nil }
    return &ownerLimiter{limit: rate.Limit(rps), burst: burst, owners: map[string]*rate.Limiter{}}
}

func (l *ownerLimiter) get(owner string) *rate.Limiter {
    l.mu.Lock(); defer l.mu.Unlock()
    lim, ok := l.owners[owner]
    if !ok {
        lim = rate.NewLimiter(l.limit, l.burst)
        l.owners[owner] = lim
    }
    return lim
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if s.limiter == nil { next.ServeHTTP(w, r); return }
        owner := principalFrom(r.Context()).OwnerID
        res := s.limiter.get(owner).Reserve()
        if delay := res.Delay(); !res.OK() || delay > 0 {
            res.Cancel()
            metrics.RateLimited.Inc()
            if res.OK() { w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds())))) }
            writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", fmt.Sprintf("rate limit of %g requests per second exceeded", float64(s.limiter.limit)), r.URL.Path)
            return
        }
        next.ServeHTTP(w, r)
    })
}
