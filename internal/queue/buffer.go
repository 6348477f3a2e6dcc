package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudflare/miniflare-sub009/internal/clock"
)

// flushMode is the per-buffer flush scheduling state.
//
//	flushNone      — no timer armed
//	flushDelayed   — timer armed for the consumer's batch timeout
//	flushImmediate — timer armed for the next tick (batch already full)
//
// Transitions happen only inside ensurePendingFlush and flush, keeping the
// "at most one outstanding timer per queue" invariant enforceable in one place.
type flushMode uint8

const (
	flushNone flushMode = iota
	flushDelayed
	flushImmediate
)

// Buffer is the ordered pending-message sequence for one named queue, plus
// its registered consumer and flush scheduling state.
//
// All methods are safe for concurrent use. The mutex is never held across a
// dispatch call, so producers (including the consumer itself, mid-dispatch)
// can append while a batch is in flight.
type Buffer struct {
	name  string
	clk   clock.Clock
	log   *slog.Logger
	hooks Hooks

	// forward delivers exhausted messages into another queue's buffer. It is
	// only ever called with no buffer lock held, so two queues configured as
	// each other's dead-letter queue cannot deadlock.
	forward func(dlqName string, msgs []*Message) error

	mu         sync.Mutex
	pending    []*Message
	consumer   *Consumer
	mode       flushMode
	flushTimer clock.Timer
	closed     bool
}

func newBuffer(name string, clk clock.Clock, log *slog.Logger, hooks Hooks,
	forward func(string, []*Message) error) *Buffer {
	return &Buffer{
		name:    name,
		clk:     clk,
		log:     log,
		hooks:   hooks,
		forward: forward,
	}
}

// Name returns the queue name this buffer serves.
func (b *Buffer) Name() string { return b.name }

// Len returns the number of pending (not yet captured) messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HasConsumer reports whether a consumer is currently attached.
func (b *Buffer) HasConsumer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer != nil
}

// SetConsumer attaches or replaces the consumer configuration.
// It does not trigger a flush by itself.
func (b *Buffer) SetConsumer(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumer = c
}

// Enqueue appends already-validated messages to the tail of the pending
// sequence and arms (or tightens) the flush timer. A buffer with no consumer
// acknowledges and silently discards ingress — nobody is listening.
func (b *Buffer) Enqueue(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.consumer == nil {
		b.mu.Unlock()
		b.log.Debug("discarding messages for queue with no consumer",
			"queue", b.name, "count", len(msgs))
		return
	}
	b.pending = append(b.pending, msgs...)
	b.ensurePendingFlush()
	b.mu.Unlock()

	if b.hooks.OnEnqueue != nil {
		b.hooks.OnEnqueue(b.name, len(msgs))
	}
}

// Close cancels any outstanding flush timer without dispatching. Pending
// messages are abandoned; the reference runtime keeps this state volatile.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.mode = flushNone
	b.pending = nil
}

// ─── Flush scheduling ────────────────────────────────────────────────────────

// ensurePendingFlush is the single transition function of the flush state
// machine, invoked after every append. It guarantees a full buffer is
// dispatched on the next tick while a partial buffer honors the batch
// timeout, and collapses redundant timers to exactly one per queue.
// MUST be called with b.mu held and b.consumer non-nil.
func (b *Buffer) ensurePendingFlush() {
	full := len(b.pending) >= b.consumer.batchSize()

	switch b.mode {
	case flushImmediate:
		// Already about to fire.
	case flushDelayed:
		if full {
			// A full batch supersedes the delayed window.
			b.flushTimer.Stop()
			b.arm(flushImmediate)
		}
	case flushNone:
		if full {
			b.arm(flushImmediate)
		} else {
			b.arm(flushDelayed)
		}
	}
}

// arm schedules the flush timer for the given mode. MUST be called with
// b.mu held, with no other timer outstanding.
func (b *Buffer) arm(mode flushMode) {
	b.mode = mode
	if mode == flushImmediate {
		b.flushTimer = b.clk.AfterFunc(0, b.flush)
	} else {
		b.flushTimer = b.clk.AfterFunc(b.consumer.batchTimeout(), b.flush)
	}
}

// flush runs when the timer fires: it transitions to idle, captures a batch
// from the head of the pending sequence, and hands it to the dispatcher.
// This is the only place a batch is produced.
func (b *Buffer) flush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mode = flushNone
	b.flushTimer = nil

	c := b.consumer
	if c == nil || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}

	// Capture from the head before any suspension point: messages appended
	// during the consumer call land after this batch and are never lost.
	n := min(c.batchSize(), len(b.pending))
	batch := b.pending[:n:n]
	b.pending = append([]*Message(nil), b.pending[n:]...)
	b.mu.Unlock()

	if err := b.dispatch(c, batch); err != nil {
		// Dead-letter forwarding failed: actual message loss beyond the
		// documented drop path, so surface it instead of swallowing it.
		if b.hooks.OnError != nil {
			b.hooks.OnError(b.name, err)
		} else {
			b.log.Error("flush cycle failed", "queue", b.name, "err", err)
		}
	}
}

// ─── Dispatch & reconcile ────────────────────────────────────────────────────

// dispatch sends one captured batch to the consumer and reconciles the
// response into per-message outcomes: acknowledge, re-buffer for retry, or
// forward to the dead-letter queue.
func (b *Buffer) dispatch(c *Consumer, batch []*Message) error {
	start := b.clk.Now()

	// The suspension point: the buffer lock is not held here.
	resp, err := c.Dispatcher.Dispatch(context.Background(), b.name, EncodeBatch(batch))
	if err != nil {
		b.log.Error("consumer failed to process batch", "queue", b.name, "err", err)
		resp = Response{Outcome: OutcomeException, RetryAll: true}
	}

	retryAll := resp.shouldRetryAll()
	explicit := make(map[string]struct{}, len(resp.ExplicitRetries))
	for _, id := range resp.ExplicitRetries {
		explicit[id] = struct{}{}
	}

	var toRetry, toDeadLetter []*Message
	dropped := 0
	for _, m := range batch {
		_, retryThis := explicit[m.ID]
		if !retryAll && !retryThis {
			continue // acknowledged
		}
		m.failedAttempts++
		switch {
		case m.failedAttempts < c.maxAttempts():
			b.log.Debug("retrying message", "queue", b.name, "id", m.ID,
				"failed_attempts", m.failedAttempts)
			toRetry = append(toRetry, m)
		case c.DeadLetterQueue != "":
			b.log.Warn("moving message to dead letter queue", "queue", b.name,
				"id", m.ID, "attempts", m.failedAttempts, "dlq", c.DeadLetterQueue)
			toDeadLetter = append(toDeadLetter, m)
		default:
			b.log.Warn("dropping message after max failed attempts", "queue", b.name,
				"id", m.ID, "attempts", m.failedAttempts)
			dropped++
		}
	}
	failed := len(toRetry) + len(toDeadLetter) + dropped

	// Retries go to the tail, after anything enqueued during the dispatch.
	b.mu.Lock()
	if !b.closed {
		b.pending = append(b.pending, toRetry...)
	}
	elapsed := b.clk.Now().Sub(start)
	b.log.Info("dispatched batch", "queue", b.name,
		"acked", len(batch)-failed, "total", len(batch),
		"elapsed_ms", elapsed.Milliseconds())
	if !b.closed && b.consumer != nil && len(b.pending) > 0 {
		b.ensurePendingFlush()
	}
	b.mu.Unlock()

	if b.hooks.OnBatch != nil {
		b.hooks.OnBatch(b.name, len(batch)-failed, len(batch), elapsed.Milliseconds())
	}
	if len(toRetry) > 0 && b.hooks.OnRetry != nil {
		b.hooks.OnRetry(b.name, len(toRetry))
	}
	if dropped > 0 && b.hooks.OnDrop != nil {
		b.hooks.OnDrop(b.name, dropped)
	}

	if len(toDeadLetter) > 0 {
		fwd := make([]*Message, len(toDeadLetter))
		for i, m := range toDeadLetter {
			fwd[i] = m.forwarded()
		}
		if err := b.forward(c.DeadLetterQueue, fwd); err != nil {
			return fmt.Errorf("queue %s: forward %d message(s) to dead letter queue %s: %w",
				b.name, len(fwd), c.DeadLetterQueue, err)
		}
		if b.hooks.OnDeadLetter != nil {
			b.hooks.OnDeadLetter(b.name, c.DeadLetterQueue, len(fwd))
		}
	}
	return nil
}
