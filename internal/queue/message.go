// Package queue implements the broker core: per-queue message buffers, the
// flush scheduling state machine, ingress validation limits, and the
// retry / dead-letter reconciliation that runs after every consumer dispatch.
//
// Data flow:
//
//	producer → validation → Buffer.Enqueue → flush timer fires
//	        → Dispatcher (consumer call) → reconcile (ack / retry / DLQ / drop)
//	        → re-arm if the buffer is non-empty
//
// Each Buffer behaves as a single-threaded actor: every mutation of its
// pending sequence happens under its mutex, released only around the one
// suspension point (the consumer dispatch call) so producers can keep
// enqueueing while a batch is in flight.
package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ContentType tags how a message body should be interpreted on delivery.
type ContentType string

const (
	// ContentTypeText is a UTF-8 string payload.
	ContentTypeText ContentType = "text"
	// ContentTypeJSON is a UTF-8 JSON document, parsed on decode.
	ContentTypeJSON ContentType = "json"
	// ContentTypeBytes is a raw binary payload.
	ContentTypeBytes ContentType = "bytes"
	// ContentTypeOpaque is a runtime-native serialized value. The broker never
	// interprets it, only passes the bytes through. This is the default.
	ContentTypeOpaque ContentType = "opaque"
)

// ParseContentType validates a producer-supplied content type tag.
// An empty tag defaults to opaque. Unknown tags return ErrInvalidContentType.
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case "":
		return ContentTypeOpaque, nil
	case ContentTypeText, ContentTypeJSON, ContentTypeBytes, ContentTypeOpaque:
		return ContentType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidContentType, s)
	}
}

// Message is one queued unit of data, exclusively owned by the Buffer that
// holds it. Moving a message between queues constructs a new value in the
// destination; two buffers never alias the same Message.
type Message struct {
	// ID is unique within the message's originating queue. Preserved when the
	// message is forwarded to a dead-letter queue.
	ID string

	// Timestamp is the UTC millisecond the message was produced. Preserved
	// across retries and dead-letter moves.
	Timestamp int64

	ContentType ContentType

	// Body holds the raw payload bytes. Interpretation is deferred to the
	// consumer via ContentType; a Message sitting in a buffer is never decoded.
	Body []byte

	// failedAttempts counts delivery attempts that were marked for retry.
	// Owned by the reconciler and invisible to consumers.
	failedAttempts int
}

// forwarded returns the copy of m that enters another queue's buffer:
// identity and payload are preserved, the retry counter starts over.
func (m *Message) forwarded() *Message {
	return &Message{
		ID:          m.ID,
		Timestamp:   m.Timestamp,
		ContentType: m.ContentType,
		Body:        m.Body,
	}
}

// ─── Wire format ─────────────────────────────────────────────────────────────

// WireMessage is the transport representation of a Message, used whenever a
// message crosses a process boundary (dispatch to a consumer, tooling). The
// body always travels base64-encoded regardless of content type.
type WireMessage struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

// Encode converts m to its wire representation.
func (m *Message) Encode() WireMessage {
	return WireMessage{
		ID:          m.ID,
		Timestamp:   m.Timestamp,
		ContentType: string(m.ContentType),
		Body:        base64.StdEncoding.EncodeToString(m.Body),
	}
}

// EncodeBatch converts a captured batch to wire form, preserving order.
func EncodeBatch(batch []*Message) []WireMessage {
	out := make([]WireMessage, len(batch))
	for i, m := range batch {
		out[i] = m.Encode()
	}
	return out
}

// Decode converts a wire message back into a Message.
func (w WireMessage) Decode() (*Message, error) {
	ct, err := ParseContentType(w.ContentType)
	if err != nil {
		return nil, err
	}
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		return nil, fmt.Errorf("queue: decode message %s body: %w", w.ID, err)
	}
	return &Message{
		ID:          w.ID,
		Timestamp:   w.Timestamp,
		ContentType: ct,
		Body:        body,
	}, nil
}

// DecodedBody interprets the payload according to the content type:
// text → string, json → parsed document, bytes/opaque → raw byte slice.
// A json parse failure is the producer's error, not the broker's.
func (m *Message) DecodedBody() (any, error) {
	switch m.ContentType {
	case ContentTypeText:
		return string(m.Body), nil
	case ContentTypeJSON:
		var v any
		if err := json.Unmarshal(m.Body, &v); err != nil {
			return nil, fmt.Errorf("queue: message %s: parse json body: %w", m.ID, err)
		}
		return v, nil
	default:
		return m.Body, nil
	}
}
