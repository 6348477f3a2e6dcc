package queue

import (
	"context"
	"time"
)

// Consumer defaults, applied when a field is left at a nonsensical zero/negative
// value. Orchestration is expected to validate ranges (batch size and retries
// in [0,100], timeout in [0,30]s) before the config reaches the broker.
const (
	DefaultMaxBatchSize    = 5
	DefaultMaxBatchTimeout = time.Second
	DefaultMaxRetries      = 2
)

// Consumer is the per-queue delivery configuration, supplied once by
// orchestration and immutable for the queue's lifetime until replaced.
type Consumer struct {
	// QueueName is the queue this consumer is attached to.
	QueueName string

	// MaxBatchSize is how many pending messages may be captured into one
	// dispatch. Values <= 0 fall back to DefaultMaxBatchSize.
	MaxBatchSize int

	// MaxBatchTimeout is how long a non-full buffer waits before flushing.
	// Zero flushes on the next tick; negative falls back to the default.
	MaxBatchTimeout time.Duration

	// MaxRetries bounds redelivery: a message is attempted at most
	// MaxRetries+1 times. Negative falls back to DefaultMaxRetries.
	MaxRetries int

	// DeadLetterQueue, when non-empty, receives messages that exhaust their
	// retry budget. Empty means such messages are dropped with a warning.
	DeadLetterQueue string

	// Dispatcher delivers captured batches to the downstream target.
	Dispatcher Dispatcher
}

func (c *Consumer) batchSize() int {
	if c.MaxBatchSize <= 0 {
		return DefaultMaxBatchSize
	}
	return c.MaxBatchSize
}

func (c *Consumer) batchTimeout() time.Duration {
	if c.MaxBatchTimeout < 0 {
		return DefaultMaxBatchTimeout
	}
	return c.MaxBatchTimeout
}

// maxAttempts is the total delivery attempts allowed: MaxRetries + 1.
func (c *Consumer) maxAttempts() int {
	if c.MaxRetries < 0 {
		return DefaultMaxRetries + 1
	}
	return c.MaxRetries + 1
}

// ─── Consumer response contract ──────────────────────────────────────────────

// Outcome values a consumer reports for a batch. Anything other than
// OutcomeOK is treated as a batch-wide failure.
const (
	OutcomeOK        = "ok"
	OutcomeException = "exception"
)

// Response is the consumer's self-reported result for one dispatched batch.
type Response struct {
	// Outcome is "ok", "exception", or any other string (treated as failure).
	Outcome string `json:"outcome"`

	// RetryAll requests redelivery of every message in the batch regardless
	// of the explicit lists.
	RetryAll bool `json:"retryAll"`

	// AckAll and ExplicitAcks are carried for contract completeness; a message
	// not marked for retry is acknowledged whether or not it is listed here.
	AckAll       bool     `json:"ackAll"`
	ExplicitAcks []string `json:"explicitAcks"`

	// ExplicitRetries lists individual message IDs to redeliver when the
	// batch as a whole succeeded.
	ExplicitRetries []string `json:"explicitRetries"`
}

// shouldRetryAll reports whether every message in the batch failed this
// attempt, regardless of the explicit per-message lists.
func (r Response) shouldRetryAll() bool {
	return r.RetryAll || r.Outcome != OutcomeOK
}

// Dispatcher carries one batch to a consumer. The broker does not care how
// the batch travels (in-process call, HTTP, RPC) — only the Response contract
// matters. A returned error is equivalent to an exception outcome: the whole
// batch is retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, queueName string, batch []WireMessage) (Response, error)
}
