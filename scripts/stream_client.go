// Package main runs a demo client: it starts a local receiver, registers it, watches the
// delivery stream and triggers one event.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n1ur0/off-the-grid/internal/webhooks"
)

const demoSecret = "demo-secret-0123456789"

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	token := os.Getenv("TOKEN")
	if token == "" {
		token = "demo:user"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Local receiver that checks every signature
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			ok := webhooks.Verify(body, r.Header.Get(webhooks.HeaderSignature), demoSecret)
			log.Printf("receiver <- %s attempt=%s signature_ok=%v %s",
				r.Header.Get(webhooks.HeaderEvent), r.Header.Get(webhooks.HeaderAttempt), ok, body)
			w.WriteHeader(http.StatusOK)
		}))
	}()
	receiver := "http://" + ln.Addr().String() + "/hook"

	var hook struct {
		ID string `json:"id"`
	}
	if err := call(base+"/v1/webhooks", token, map[string]any{
		"url":    receiver,
		"events": []string{webhooks.EventGridCreated},
		"secret": demoSecret,
	}, &hook); err != nil {
		log.Fatal(err)
	}
	log.Printf("Webhook ID: %s", hook.ID)
	defer func() {
		req, _ := http.NewRequest(http.MethodDelete, base+"/v1/webhooks/"+hook.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, _ = http.DefaultClient.Do(req)
	}()

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/webhooks/stream", RawQuery: url.Values{"token": {token}}.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	time.Sleep(300 * time.Millisecond)
	var trig map[string]any
	if err := call(base+"/v1/webhooks/events/trigger", token, map[string]any{
		"event_type": webhooks.EventGridCreated,
		"data":       map[string]any{"grid_identity": "demo-grid", "token_pair": "ERG/SigUSD"},
	}, &trig); err != nil {
		log.Fatal(err)
	}
	log.Printf("triggered: %v", trig)

	select {
	case <-time.After(3 * time.Second):
	case <-done:
	}
}

func call(u, token string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s %s", u, resp.Status, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
