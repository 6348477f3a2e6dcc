// Package client is the Go SDK for the simulator's HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8787")
//
//	// Send one message
//	id, err := c.Send(ctx, "orders", []byte(`{"sku":"x1"}`), client.WithContentType("json"))
//
//	// Send a batch
//	ids, err := c.SendBatch(ctx, "orders", []client.BatchMessage{
//	    {Body: []byte("a"), ContentType: "text"},
//	    {Body: []byte("b"), ContentType: "text"},
//	})
//
//	// Key-value store
//	err = c.KVPut(ctx, "app", "user:1", []byte("alice"))
//	v, err := c.KVGet(ctx, "app", "user:1")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("miniflare: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsTooLarge reports whether the error is a 413 (message or batch over the
// ingress limits) from the server.
func IsTooLarge(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusRequestEntityTooLarge
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the simulator API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client for the server at baseURL.
//
//	c := client.New("http://localhost:8787")
//	c := client.New("http://localhost:8787", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Send options ─────────────────────────────────────────────────────────────

// SendOption configures a single Send call.
type SendOption func(*sendParams)

// WithContentType declares how consumers should interpret the body:
// "text", "json", "bytes", or "opaque" (the default).
func WithContentType(ct string) SendOption {
	return func(p *sendParams) { p.contentType = ct }
}

type sendParams struct {
	contentType string
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// BatchMessage is one message of a batch send.
type BatchMessage struct {
	Body        []byte
	ContentType string
}

// QueueStat is the depth snapshot of a queue returned by Queues.
type QueueStat struct {
	Name        string `json:"name"`
	Pending     int    `json:"pending"`
	HasConsumer bool   `json:"has_consumer"`
}

// KVKey is one entry returned by KVList.
type KVKey struct {
	Name         string `json:"name"`
	ExpirationMs int64  `json:"expiration,omitempty"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	Queues  int
	Uptime  time.Duration
	Version string
}

// ─── Queue operations ─────────────────────────────────────────────────────────

// Send enqueues a single message and returns its assigned ULID.
func (c *Client) Send(ctx context.Context, queue string, body []byte, opts ...SendOption) (string, error) {
	p := &sendParams{}
	for _, o := range opts {
		o(p)
	}

	path := fmt.Sprintf("/queues/%s/messages", url.PathEscape(queue))
	if p.contentType != "" {
		path += "?contentType=" + url.QueryEscape(p.contentType)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRaw(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendBatch enqueues up to 100 messages in a single request. The batch is
// all-or-nothing: the server rejects it wholesale when any message violates
// the ingress limits. Returns the assigned ULIDs in order.
func (c *Client) SendBatch(ctx context.Context, queue string, msgs []BatchMessage) ([]string, error) {
	type item struct {
		Body        string `json:"body"`
		ContentType string `json:"contentType,omitempty"`
	}
	payload := struct {
		Messages []item `json:"messages"`
	}{Messages: make([]item, len(msgs))}
	for i, m := range msgs {
		payload.Messages[i] = item{
			Body:        base64.StdEncoding.EncodeToString(m.Body),
			ContentType: m.ContentType,
		}
	}

	var resp struct {
		IDs []string `json:"ids"`
	}
	path := fmt.Sprintf("/queues/%s/batch", url.PathEscape(queue))
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Queues returns a depth snapshot for every queue on the server.
func (c *Client) Queues(ctx context.Context) ([]QueueStat, error) {
	var resp struct {
		Queues []QueueStat `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// ─── KV operations ────────────────────────────────────────────────────────────

// KVPut stores value under key in the named namespace.
func (c *Client) KVPut(ctx context.Context, namespace, key string, value []byte) error {
	return c.doRaw(ctx, http.MethodPut, kvValuePath(namespace, key), value, nil)
}

// KVPutTTL stores value with a relative time-to-live.
func (c *Client) KVPutTTL(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	path := kvValuePath(namespace, key) + "?expiration_ttl=" + strconv.FormatInt(int64(ttl.Seconds()), 10)
	return c.doRaw(ctx, http.MethodPut, path, value, nil)
}

// KVGet retrieves the value stored under key. Returns an *APIError with
// StatusCode 404 (check IsNotFound) for missing or expired keys.
func (c *Client) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	return c.doBytes(ctx, http.MethodGet, kvValuePath(namespace, key))
}

// KVDelete removes key from the named namespace.
func (c *Client) KVDelete(ctx context.Context, namespace, key string) error {
	return c.doRaw(ctx, http.MethodDelete, kvValuePath(namespace, key), nil, nil)
}

// KVList returns the live keys in a namespace matching prefix, at most limit
// of them (limit <= 0 means no cap).
func (c *Client) KVList(ctx context.Context, namespace, prefix string, limit int) ([]KVKey, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/kv/%s/keys", url.PathEscape(namespace))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Keys []KVKey `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func kvValuePath(namespace, key string) string {
	return fmt.Sprintf("/kv/%s/values/%s", url.PathEscape(namespace), url.PathEscape(key))
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		Queues   int    `json:"queues"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		Queues:  resp.Queues,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a request with a JSON body and JSON response.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("miniflare: marshal request: %w", err)
		}
		raw = data
	}
	return c.request(ctx, method, path, raw, body != nil, func(respBody []byte) error {
		if resp != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, resp); err != nil {
				return fmt.Errorf("miniflare: decode response: %w", err)
			}
		}
		return nil
	})
}

// doRaw performs a request with a raw (non-JSON) body and a JSON response.
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, resp any) error {
	return c.request(ctx, method, path, body, false, func(respBody []byte) error {
		if resp != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, resp); err != nil {
				return fmt.Errorf("miniflare: decode response: %w", err)
			}
		}
		return nil
	})
}

// doBytes performs a request and returns the raw response body.
func (c *Client) doBytes(ctx context.Context, method, path string) ([]byte, error) {
	var out []byte
	err := c.request(ctx, method, path, nil, false, func(respBody []byte) error {
		out = respBody
		return nil
	})
	return out, err
}

func (c *Client) request(ctx context.Context, method, path string, body []byte, jsonBody bool, onSuccess func([]byte) error) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("miniflare: build request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("miniflare: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("miniflare: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	return onSuccess(respBody)
}
