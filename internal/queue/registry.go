package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cloudflare/miniflare-sub009/internal/clock"
)

// ErrRegistryClosed is returned when an operation races with teardown —
// notably a dead-letter forward arriving after Close.
var ErrRegistryClosed = errors.New("queue: registry closed")

// Hooks are optional observation points invoked by buffers outside their
// locks. All fields may be nil.
type Hooks struct {
	// OnEnqueue fires after messages were buffered (not for discarded ingress).
	OnEnqueue func(queue string, n int)
	// OnBatch fires after every reconcile with the batch summary.
	OnBatch func(queue string, acked, total int, elapsedMs int64)
	// OnRetry fires when messages are re-buffered for another attempt.
	OnRetry func(queue string, n int)
	// OnDeadLetter fires when exhausted messages were forwarded to a DLQ.
	OnDeadLetter func(queue, dlq string, n int)
	// OnDrop fires when exhausted messages were dropped (no DLQ configured).
	OnDrop func(queue string, n int)
	// OnError receives fatal flush-cycle errors (dead-letter forward failure).
	// When nil such errors are logged at error level instead.
	OnError func(queue string, err error)
}

// Registry maps queue names to their buffers, creating them lazily on first
// reference. It owns buffer lifecycle: created on demand, torn down at
// Close with all pending flush timers canceled.
//
// All methods are safe for concurrent use.
type Registry struct {
	clk   clock.Clock
	log   *slog.Logger
	hooks Hooks

	mu      sync.Mutex
	buffers map[string]*Buffer
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the timer source (tests use a fake clock).
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithLogger sets the logger shared by every buffer.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithHooks attaches observation hooks shared by every buffer.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clk:     clock.System(),
		log:     slog.Default(),
		buffers: make(map[string]*Buffer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the buffer for name, creating an empty one (with no
// consumer) on first reference.
func (r *Registry) GetOrCreate(name string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(name)
}

func (r *Registry) getOrCreateLocked(name string) *Buffer {
	if b, ok := r.buffers[name]; ok {
		return b
	}
	b := newBuffer(name, r.clk, r.log, r.hooks, r.forwardDeadLetters)
	r.buffers[name] = b
	return b
}

// Get returns the buffer for name, or false if it was never referenced.
func (r *Registry) Get(name string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	return b, ok
}

// SetConsumer attaches (or replaces) the consumer configuration for a queue,
// creating the buffer if needed. It does not trigger a flush.
func (r *Registry) SetConsumer(name string, c *Consumer) {
	r.GetOrCreate(name).SetConsumer(c)
}

// Names returns a sorted snapshot of every queue referenced so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.buffers))
	for name := range r.buffers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// BufferStat is a point-in-time depth snapshot of a single queue.
type BufferStat struct {
	Name        string `json:"name"`
	Pending     int    `json:"pending"`
	HasConsumer bool   `json:"has_consumer"`
}

// Stats returns a snapshot for every live queue, sorted by name.
func (r *Registry) Stats() []BufferStat {
	r.mu.Lock()
	bufs := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()

	out := make([]BufferStat, 0, len(bufs))
	for _, b := range bufs {
		out = append(out, BufferStat{
			Name:        b.Name(),
			Pending:     b.Len(),
			HasConsumer: b.HasConsumer(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close tears down every buffer, canceling outstanding flush timers without
// dispatching. Subsequent dead-letter forwards fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	bufs := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		bufs = append(bufs, b)
	}
	r.buffers = make(map[string]*Buffer)
	r.mu.Unlock()

	for _, b := range bufs {
		b.Close()
	}
}

// forwardDeadLetters replays exhausted messages into the target queue's
// buffer through the ingress path that skips batch-size validation (the
// batch was validated when it first entered the source queue). It runs with
// no buffer lock held: the send crosses into the target buffer's own actor,
// so mutual dead-letter configurations cannot deadlock.
func (r *Registry) forwardDeadLetters(name string, msgs []*Message) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("resolve dead letter queue %s: %w", name, ErrRegistryClosed)
	}
	b := r.getOrCreateLocked(name)
	r.mu.Unlock()

	b.Enqueue(msgs...)
	return nil
}
