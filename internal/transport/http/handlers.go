package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudflare/miniflare-sub009/internal/broker"
	"github.com/cloudflare/miniflare-sub009/internal/config"
	"github.com/cloudflare/miniflare-sub009/internal/kv"
	"github.com/cloudflare/miniflare-sub009/internal/queue"
)

// Handler groups all HTTP request handlers around the Broker and KV store.
type Handler struct {
	broker *broker.Broker
	kv     *kv.Store // may be nil when no data dir is configured
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type sendResp struct {
	ID string `json:"id"`
}

type batchItemReq struct {
	Body        string `json:"body"` // base64-encoded
	ContentType string `json:"contentType"`
}

type batchReq struct {
	Messages []batchItemReq `json:"messages"`
}

type batchResp struct {
	IDs []string `json:"ids"`
}

type queueListResp struct {
	Queues []queue.BufferStat `json:"queues"`
}

type kvKeysResp struct {
	Keys []kv.Key `json:"keys"`
}

type healthResp struct {
	Status   string `json:"status"`
	Queues   int    `json:"queues"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Queues:   len(h.broker.Names()),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.broker.Stats()})
}

// sendMessage accepts one message: the request body is the raw payload, the
// contentType query parameter declares how consumers should interpret it.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !config.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	id, err := h.broker.EnqueueOne(name, body, r.URL.Query().Get("contentType"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResp{ID: id})
}

// sendBatch accepts up to 100 messages in one request. Bodies travel
// base64-encoded inside the JSON envelope. The batch is all-or-nothing.
func (h *Handler) sendBatch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !config.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	var req batchReq
	if !decodeJSON(w, r, &req) {
		return
	}

	items := make([]broker.BatchItem, len(req.Messages))
	for i, m := range req.Messages {
		body, err := base64.StdEncoding.DecodeString(m.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "message " + strconv.Itoa(i) + ": body is not valid base64",
			})
			return
		}
		items[i] = broker.BatchItem{Body: body, ContentType: m.ContentType}
	}

	idList, err := h.broker.EnqueueBatch(name, items)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResp{IDs: idList})
}

// writeQueueError maps broker validation sentinels to HTTP status codes:
// size and count limits answer 413, a bad content type answers 400.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrMessageTooLarge),
		errors.Is(err, queue.ErrTooManyMessages),
		errors.Is(err, queue.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, queue.ErrInvalidContentType):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ─── KV ───────────────────────────────────────────────────────────────────────

func (h *Handler) kvReady(w http.ResponseWriter, namespace string) bool {
	if h.kv == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "kv store not configured"})
		return false
	}
	if !config.ValidName(namespace) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid namespace"})
		return false
	}
	return true
}

func (h *Handler) kvGet(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if !h.kvReady(w, namespace) {
		return
	}
	value, err := h.kv.Get(namespace, r.PathValue("key"))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// kvPut stores the raw request body under the key. Expiry accepts the
// expiration (unix seconds) or expiration_ttl (seconds from now) query
// parameter; expiration wins when both are present.
func (h *Handler) kvPut(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if !h.kvReady(w, namespace) {
		return
	}
	value, ok := readBody(w, r)
	if !ok {
		return
	}

	var expirationMs int64
	if v := r.URL.Query().Get("expiration"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sec <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expiration"})
			return
		}
		expirationMs = sec * 1000
	} else if v := r.URL.Query().Get("expiration_ttl"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sec <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expiration_ttl"})
			return
		}
		expirationMs = time.Now().UnixMilli() + sec*1000
	}

	if err := h.kv.Put(namespace, r.PathValue("key"), value, expirationMs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kvDelete(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if !h.kvReady(w, namespace) {
		return
	}
	if err := h.kv.Delete(namespace, r.PathValue("key")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kvList(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if !h.kvReady(w, namespace) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	keys, err := h.kv.List(namespace, r.URL.Query().Get("prefix"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, kvKeysResp{Keys: keys})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// readBody drains the request body. Only tripping the max-body limit answers
// 413; any other read failure (disconnect, malformed chunking) is a 400.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reading request body: " + err.Error()})
		}
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
