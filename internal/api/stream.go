package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n1ur0/off-the-grid/internal/model"
)

const (
	streamPingInterval = 20 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
)

type wsMessage struct {
	Type    string                `json:"type"`
	Payload *model.DeliveryUpdate `json:"payload,omitempty"`
}

// checkOrigin allows configured origins, or a same-host origin when none are configured.
// Non-browser clients without an Origin header are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.Config.Server.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	if len(s.Config.Server.AllowOrigins) > 0 {
		return false
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// StreamHandler handles GET /v1/webhooks/stream: a websocket carrying every delivery
// state change for the caller's webhooks.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(p.OwnerID)
	defer s.Broker.Unsubscribe(p.OwnerID, ch)
	log := s.Log.WithField("owner_id", p.OwnerID)
	log.Debug("delivery stream opened")

	// The read loop only watches for close and client pings; all writes happen below.
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(streamReadTimeout)) })
	pings := make(chan struct{}, 1)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
			if msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Debug("delivery stream closed")
			return
		case <-r.Context().Done():
			return
		case <-pings:
			if err := write(wsMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: "delivery", Payload: &u}); err != nil {
				return
			}
		}
	}
}
