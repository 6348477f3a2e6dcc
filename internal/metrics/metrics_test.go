package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudflare/miniflare-sub009/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_MessageCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Inc("orders")
	reg.Enqueued.Inc("orders")
	reg.Enqueued.Add("orders", 3)

	got := int64(0)
	reg.Enqueued.Each(func(k string, v int64) {
		if k == "orders" {
			got = v
		}
	})
	if got != 5 {
		t.Fatalf("Enqueued count = %d, want 5", got)
	}
}

func TestRegistry_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reqKey := metrics.HTTPKey("POST", "/queues/orders/messages", "200")
	durKey := metrics.HTTPDurKey("POST", "/queues/orders/messages")

	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPDurMs.Add(durKey, 42)
	reg.HTTPDurMs.Add(durKey, 18)
	reg.HTTPDurCnt.Inc(durKey)
	reg.HTTPDurCnt.Inc(durKey)

	reqCount := int64(0)
	reg.HTTPReqs.Each(func(k string, v int64) {
		if k == reqKey {
			reqCount = v
		}
	})
	if reqCount != 2 {
		t.Fatalf("HTTPReqs count = %d, want 2", reqCount)
	}

	durSum := int64(0)
	reg.HTTPDurMs.Each(func(k string, v int64) {
		if k == durKey {
			durSum = v
		}
	})
	if durSum != 60 {
		t.Fatalf("HTTPDurMs sum = %d, want 60", durSum)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.Enqueued.Inc("q")

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_QueueCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Add("invoices", 5)
	reg.Enqueued.Inc("events")
	reg.DeadLettered.Add(metrics.DLQKey("invoices", "invoices-dlq"), 2)

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP miniflare_queue_messages_enqueued_total")
	mustContain(t, body, "# TYPE miniflare_queue_messages_enqueued_total counter")
	mustContain(t, body, `queue="invoices"`)
	mustContain(t, body, `queue="events"`)
	mustContain(t, body, `dlq="invoices-dlq"`)
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP miniflare_http_requests_total")
	mustContain(t, body, `method="GET"`)
	mustContain(t, body, `path="/health"`)
	mustContain(t, body, `status="200"`)
	mustContain(t, body, "miniflare_http_request_duration_milliseconds_sum")
	mustContain(t, body, "miniflare_http_request_duration_milliseconds_count")
}

func TestHandler_MultipleMetricFamilies(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Add("jobs", 10)
	reg.Dispatched.Add("jobs", 12)
	reg.Acked.Add("jobs", 8)
	reg.Retried.Add("jobs", 2)
	reg.Dropped.Add("jobs", 1)

	body := scrape(t, &reg)

	mustContain(t, body, "miniflare_queue_messages_enqueued_total")
	mustContain(t, body, "miniflare_queue_messages_dispatched_total")
	mustContain(t, body, "miniflare_queue_messages_acked_total")
	mustContain(t, body, "miniflare_queue_messages_retried_total")
	mustContain(t, body, "miniflare_queue_messages_dropped_total")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			reg.Enqueued.Inc("load")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	got := int64(0)
	reg.Enqueued.Each(func(k string, v int64) {
		if k == "load" {
			got = v
		}
	})
	if got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
