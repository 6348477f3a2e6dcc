// Package broker is the central orchestrator for the simulator.
//
// All application code (HTTP handlers, WebSocket tail, CLI) talks to the
// Broker — never directly to the queue registry or the buffers. This keeps
// validation, identity assignment, and observability in one place.
//
// Data flow:
//
//	Producer → Broker.EnqueueOne/EnqueueBatch → validation → Buffer.Enqueue
//	Flush timer → Buffer → Dispatcher (consumer endpoint) → reconcile
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudflare/miniflare-sub009/internal/clock"
	"github.com/cloudflare/miniflare-sub009/internal/config"
	"github.com/cloudflare/miniflare-sub009/internal/dispatch"
	"github.com/cloudflare/miniflare-sub009/internal/ids"
	"github.com/cloudflare/miniflare-sub009/internal/metrics"
	"github.com/cloudflare/miniflare-sub009/internal/queue"
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so that every queue event
// increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithClock substitutes the timer and timestamp source (tests use a fake).
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clk = c }
}

// WithLogger sets the logger used by the broker and every buffer.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the queue registry, validation, and the event feed into a
// single façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Registry

	registry *queue.Registry
	feed     *Feed
}

// New creates a Broker and registers a consumer for every queue declared in
// cfg that names a target endpoint.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		clk:  clock.System(),
		log:  slog.Default(),
		feed: NewFeed(),
	}
	for _, o := range opts {
		o(b)
	}

	b.registry = queue.NewRegistry(
		queue.WithClock(b.clk),
		queue.WithLogger(b.log),
		queue.WithHooks(b.hooks()),
	)

	for _, qc := range cfg.Queues {
		c, err := consumerFromConfig(qc)
		if err != nil {
			b.registry.Close()
			return nil, err
		}
		if c == nil {
			// Declared queue with no target: ingress is accepted and discarded.
			b.registry.GetOrCreate(qc.Name)
			continue
		}
		b.registry.SetConsumer(qc.Name, c)
	}
	return b, nil
}

// consumerFromConfig translates one declared queue into its consumer
// configuration, pointing deliveries at the configured HTTP target.
// A queue with no target gets no consumer (nil, nil).
func consumerFromConfig(qc config.QueueConfig) (*queue.Consumer, error) {
	if qc.Target == "" {
		return nil, nil
	}
	c := &queue.Consumer{
		QueueName:       qc.Name,
		MaxBatchSize:    queue.DefaultMaxBatchSize,
		MaxBatchTimeout: queue.DefaultMaxBatchTimeout,
		MaxRetries:      queue.DefaultMaxRetries,
		DeadLetterQueue: qc.DeadLetterQueue,
		Dispatcher:      dispatch.NewHTTP(qc.Target, qc.Secret),
	}
	if qc.MaxBatchSize != nil {
		c.MaxBatchSize = *qc.MaxBatchSize
	}
	if qc.MaxBatchTimeoutMs != nil {
		c.MaxBatchTimeout = time.Duration(*qc.MaxBatchTimeoutMs) * time.Millisecond
	}
	if qc.MaxRetries != nil {
		c.MaxRetries = *qc.MaxRetries
	}
	return c, nil
}

// RegisterConsumer attaches (or replaces) a consumer at runtime. Used by
// embedders and tests that deliver in-process instead of over HTTP.
func (b *Broker) RegisterConsumer(queueName string, c *queue.Consumer) {
	b.registry.SetConsumer(queueName, c)
}

// Close tears down every buffer, canceling pending flush timers, and closes
// the event feed.
func (b *Broker) Close() error {
	b.registry.Close()
	b.feed.Close()
	return nil
}

// Feed exposes the broker's event stream for the WebSocket tail.
func (b *Broker) Feed() *Feed { return b.feed }

// Stats returns a depth snapshot for every live queue, sorted by name.
func (b *Broker) Stats() []queue.BufferStat {
	return b.registry.Stats()
}

// Names returns a sorted list of every queue referenced so far.
func (b *Broker) Names() []string {
	return b.registry.Names()
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// BatchItem is one message of a producer batch send.
type BatchItem struct {
	Body        []byte
	ContentType string
}

// EnqueueOne validates and enqueues a single message, returning its assigned
// ID. A queue with no consumer accepts the message and discards it.
func (b *Broker) EnqueueOne(queueName string, body []byte, contentType string) (string, error) {
	ct, err := queue.ParseContentType(contentType)
	if err != nil {
		return "", err
	}
	if err := queue.ValidateMessageSize(len(body)); err != nil {
		return "", err
	}

	msg, err := b.newMessage(ct, body)
	if err != nil {
		return "", err
	}
	b.registry.GetOrCreate(queueName).Enqueue(msg)
	return msg.ID, nil
}

// EnqueueBatch validates and enqueues a producer batch atomically: either
// every message is accepted or none is. Returns the assigned IDs in order.
func (b *Broker) EnqueueBatch(queueName string, items []BatchItem) ([]string, error) {
	// Validate everything before touching the buffer.
	types := make([]queue.ContentType, len(items))
	sizes := make([]int, len(items))
	for i, it := range items {
		ct, err := queue.ParseContentType(it.ContentType)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		types[i] = ct
		sizes[i] = len(it.Body)
	}
	if err := queue.ValidateBatchSizes(sizes); err != nil {
		return nil, err
	}

	msgs := make([]*queue.Message, len(items))
	out := make([]string, len(items))
	for i, it := range items {
		msg, err := b.newMessage(types[i], it.Body)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
		out[i] = msg.ID
	}
	b.registry.GetOrCreate(queueName).Enqueue(msgs...)
	return out, nil
}

func (b *Broker) newMessage(ct queue.ContentType, body []byte) (*queue.Message, error) {
	id, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("broker: generate message ID: %w", err)
	}
	return &queue.Message{
		ID:          id,
		Timestamp:   b.clk.Now().UnixMilli(),
		ContentType: ct,
		Body:        body,
	}, nil
}

// ─── Hook wiring ──────────────────────────────────────────────────────────────

// hooks fans queue events into the metrics registry and the event feed.
func (b *Broker) hooks() queue.Hooks {
	return queue.Hooks{
		OnEnqueue: func(q string, n int) {
			if b.metrics != nil {
				b.metrics.Enqueued.Add(q, int64(n))
			}
			b.feed.Publish(Event{Type: EventEnqueued, Queue: q, Count: n, At: b.clk.Now().UnixMilli()})
		},
		OnBatch: func(q string, acked, total int, elapsedMs int64) {
			if b.metrics != nil {
				b.metrics.Dispatched.Add(q, int64(total))
				b.metrics.Acked.Add(q, int64(acked))
			}
			b.feed.Publish(Event{
				Type: EventDispatched, Queue: q,
				Acked: acked, Total: total, ElapsedMs: elapsedMs,
				At: b.clk.Now().UnixMilli(),
			})
		},
		OnRetry: func(q string, n int) {
			if b.metrics != nil {
				b.metrics.Retried.Add(q, int64(n))
			}
			b.feed.Publish(Event{Type: EventRetried, Queue: q, Count: n, At: b.clk.Now().UnixMilli()})
		},
		OnDeadLetter: func(q, dlq string, n int) {
			if b.metrics != nil {
				b.metrics.DeadLettered.Add(metrics.DLQKey(q, dlq), int64(n))
			}
			b.feed.Publish(Event{Type: EventDeadLettered, Queue: q, DLQ: dlq, Count: n, At: b.clk.Now().UnixMilli()})
		},
		OnDrop: func(q string, n int) {
			if b.metrics != nil {
				b.metrics.Dropped.Add(q, int64(n))
			}
			b.feed.Publish(Event{Type: EventDropped, Queue: q, Count: n, At: b.clk.Now().UnixMilli()})
		},
		OnError: func(q string, err error) {
			b.log.Error("flush cycle failed", "queue", q, "err", err)
		},
	}
}
