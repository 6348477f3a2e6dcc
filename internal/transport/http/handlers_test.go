package http_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudflare/miniflare-sub009/internal/broker"
	"github.com/cloudflare/miniflare-sub009/internal/clock"
	"github.com/cloudflare/miniflare-sub009/internal/config"
	"github.com/cloudflare/miniflare-sub009/internal/ids"
	"github.com/cloudflare/miniflare-sub009/internal/kv"
	"github.com/cloudflare/miniflare-sub009/internal/metrics"
	"github.com/cloudflare/miniflare-sub009/internal/queue"
	transporthttp "github.com/cloudflare/miniflare-sub009/internal/transport/http"
)

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := broker.New(cfg,
		broker.WithClock(clock.NewFake()),
		broker.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var reg metrics.Registry
	srv := httptest.NewServer(transporthttp.New(b, store, cfg, &reg, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.Default())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t, config.Default())

	resp, err := http.Post(srv.URL+"/queues/orders/messages?contentType=text",
		"text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &body)
	if !ids.Valid(body.ID) {
		t.Fatalf("id %q is not a valid ULID", body.ID)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	srv := newTestServer(t, config.Default())

	resp, err := http.Post(srv.URL+"/queues/orders/messages?contentType=v8",
		"text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid content type: status = %d, want 400", resp.StatusCode)
	}

	huge := bytes.Repeat([]byte("a"), queue.MaxMessageSize+1)
	resp, err = http.Post(srv.URL+"/queues/orders/messages", "application/octet-stream", bytes.NewReader(huge))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized message: status = %d, want 413", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/queues/bad%20name/messages", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid queue name: status = %d, want 400", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSendBatch(t *testing.T) {
	srv := newTestServer(t, config.Default())

	req := map[string]any{
		"messages": []map[string]string{
			{"body": base64.StdEncoding.EncodeToString([]byte("one")), "contentType": "text"},
			{"body": base64.StdEncoding.EncodeToString([]byte(`{"k":1}`)), "contentType": "json"},
		},
	}
	resp := postJSON(t, srv.URL+"/queues/orders/batch", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	decodeBody(t, resp, &body)
	if len(body.IDs) != 2 {
		t.Fatalf("ids = %v", body.IDs)
	}
}

func TestSendBatch_Rejections(t *testing.T) {
	srv := newTestServer(t, config.Default())

	// Too many messages.
	msgs := make([]map[string]string, queue.MaxBatchMessages+1)
	for i := range msgs {
		msgs[i] = map[string]string{"body": "", "contentType": "text"}
	}
	resp := postJSON(t, srv.URL+"/queues/orders/batch", map[string]any{"messages": msgs})
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized batch: status = %d, want 413", resp.StatusCode)
	}

	// Not valid base64.
	resp = postJSON(t, srv.URL+"/queues/orders/batch", map[string]any{
		"messages": []map[string]string{{"body": "***", "contentType": "text"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad base64: status = %d, want 400", resp.StatusCode)
	}
}

func TestListQueues(t *testing.T) {
	cfg := config.Default()
	cfg.Queues = []config.QueueConfig{{Name: "declared"}}
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/queues")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Queues []queue.BufferStat `json:"queues"`
	}
	decodeBody(t, resp, &body)
	if len(body.Queues) != 1 || body.Queues[0].Name != "declared" {
		t.Fatalf("queues = %+v", body.Queues)
	}
}

func TestKVRoundTrip(t *testing.T) {
	srv := newTestServer(t, config.Default())
	client := srv.Client()

	put, err := http.NewRequest(http.MethodPut, srv.URL+"/kv/app/values/user:1", strings.NewReader("alice"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(put)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/kv/app/values/user:1")
	if err != nil {
		t.Fatal(err)
	}
	value, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(value) != "alice" {
		t.Fatalf("GET = %d %q", resp.StatusCode, value)
	}

	resp, err = http.Get(srv.URL + "/kv/app/keys?prefix=user:")
	if err != nil {
		t.Fatal(err)
	}
	var keys struct {
		Keys []kv.Key `json:"keys"`
	}
	decodeBody(t, resp, &keys)
	if len(keys.Keys) != 1 || keys.Keys[0].Name != "user:1" {
		t.Fatalf("keys = %+v", keys.Keys)
	}

	del, err := http.NewRequest(http.MethodDelete, srv.URL+"/kv/app/values/user:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = client.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/kv/app/values/user:1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete = %d, want 404", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Api-Key", "sekret")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Producers.MaxRate = 1
	cfg.Producers.Burst = 2
	srv := newTestServer(t, cfg)

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limiter never engaged")
	}
}

// brokenReader fails every read, standing in for a producer that disconnects
// mid-request.
type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestBodyReadErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(config.Default(),
		broker.WithClock(clock.NewFake()),
		broker.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	var reg metrics.Registry
	h := transporthttp.New(b, nil, config.Default(), &reg, logger).Handler()

	// A failed read is the client's problem, not an oversized body.
	req := httptest.NewRequest(http.MethodPost, "/queues/orders/messages", brokenReader{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken body: status = %d, want 400", rec.Code)
	}

	// Tripping the max-body limit still answers 413.
	huge := bytes.Repeat([]byte("a"), 32<<20+1)
	req = httptest.NewRequest(http.MethodPost, "/queues/orders/messages", bytes.NewReader(huge))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("over max body: status = %d, want 413", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, config.Default())

	// Generate some traffic first so the registry has something to render.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "miniflare_http_requests_total") {
		t.Fatalf("metrics body missing request counter:\n%s", body)
	}
}
