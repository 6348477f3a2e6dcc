package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudflare/miniflare-sub009/internal/queue"
)

// DefaultTimeout bounds a single delivery attempt. Retries are the broker's
// business, not this client's.
const DefaultTimeout = 30 * time.Second

// deliveryPayload is the JSON body POSTed to the consumer endpoint.
type deliveryPayload struct {
	Queue    string              `json:"queue"`
	Messages []queue.WireMessage `json:"messages"`
}

// HTTP delivers batches to an external consumer endpoint over HTTP POST.
// The consumer answers with a queue.Response JSON body; a non-200 status or
// transport failure counts as a failed attempt and the broker retries the
// whole batch.
type HTTP struct {
	// URL is the consumer endpoint.
	URL string

	// Secret, when non-empty, signs each delivery body with HMAC-SHA256 so the
	// consumer can authenticate the simulator.
	Secret string

	// Client is the HTTP client used for deliveries. Nil means a client with
	// DefaultTimeout.
	Client *http.Client
}

// NewHTTP builds an HTTP dispatcher for url.
func NewHTTP(url, secret string) *HTTP {
	return &HTTP{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: DefaultTimeout},
	}
}

// Dispatch implements queue.Dispatcher.
func (h *HTTP) Dispatch(ctx context.Context, queueName string, batch []queue.WireMessage) (queue.Response, error) {
	body, err := json.Marshal(deliveryPayload{Queue: queueName, Messages: batch})
	if err != nil {
		return queue.Response{}, fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Response{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if h.Secret != "" {
		mac := hmac.New(sha256.New, []byte(h.Secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Miniflare-Signature", "sha256="+sig)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return queue.Response{}, fmt.Errorf("dispatch: POST to %s: %w", h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return queue.Response{}, fmt.Errorf("dispatch: endpoint returned %d", resp.StatusCode)
	}

	var out queue.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return queue.Response{}, fmt.Errorf("dispatch: decode response: %w", err)
	}
	return out, nil
}

// VerifySignature checks an X-Miniflare-Signature header value against body.
// Consumers embed this to authenticate deliveries in tests and tooling.
func VerifySignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}
