// Package websocket provides the live event tail for the simulator.
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/tail        — events for one queue
//	GET /tail                      — events for every queue
//
// The server pushes one JSON frame per broker event:
//
//	{"type":"dispatched","queue":"orders","acked":5,"total":5,"elapsed_ms":12,"at":1700000000123}
//
// The connection is read-only for the client; inbound frames are consumed and
// discarded so pings and close frames are processed.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"

	"github.com/cloudflare/miniflare-sub009/internal/broker"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the event tail endpoint. When the route carries a {name}
// path value, only that queue's events are streamed.
type Handler struct {
	Broker *broker.Broker
	Log    *slog.Logger
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the feed closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	log := h.Log
	if log == nil {
		log = slog.Default()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := h.Broker.Feed().Subscribe()
	defer cancel()

	// Drain inbound frames so control messages are handled; any read error
	// means the client went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return // feed closed
			}
			if name != "" && e.Queue != name {
				continue
			}
			data, _ := json.Marshal(e)
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
