// Package http provides the HTTP transport layer for the simulator.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /queues
//	POST   /queues/{name}/messages
//	POST   /queues/{name}/batch
//	GET    /queues/{name}/tail        (WebSocket)
//	GET    /tail                      (WebSocket, all queues)
//	GET    /kv/{namespace}/values/{key...}
//	PUT    /kv/{namespace}/values/{key...}
//	DELETE /kv/{namespace}/values/{key...}
//	GET    /kv/{namespace}/keys
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudflare/miniflare-sub009/internal/broker"
	"github.com/cloudflare/miniflare-sub009/internal/config"
	"github.com/cloudflare/miniflare-sub009/internal/kv"
	"github.com/cloudflare/miniflare-sub009/internal/metrics"
	transportws "github.com/cloudflare/miniflare-sub009/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with the simulator's route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. store and reg may be nil; the corresponding routes
// answer 501 or are not mounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, store *kv.Store, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{broker: b, kv: store}
	ws := &transportws.Handler{Broker: b, Log: log}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Queues
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("POST /queues/{name}/messages", h.sendMessage)
	mux.HandleFunc("POST /queues/{name}/batch", h.sendBatch)

	// Event tail
	mux.Handle("GET /queues/{name}/tail", ws)
	mux.Handle("GET /tail", ws)

	// KV
	mux.HandleFunc("GET /kv/{namespace}/values/{key...}", h.kvGet)
	mux.HandleFunc("PUT /kv/{namespace}/values/{key...}", h.kvPut)
	mux.HandleFunc("DELETE /kv/{namespace}/values/{key...}", h.kvDelete)
	mux.HandleFunc("GET /kv/{namespace}/keys", h.kvList)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Producers.MaxRate), cfg.Producers.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8787").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
