package queue

import (
	"errors"
	"fmt"
)

// Ingress limits, enforced before anything enters a Buffer. Validation
// failures are rejected synchronously to the producer; no retry semantics
// apply to them. The dead-letter forward path bypasses the batch limits
// because it replays an already-validated batch.
const (
	// MaxMessageSize is the largest accepted payload for a single message.
	MaxMessageSize = 128_000

	// MaxBatchMessages is the largest accepted message count in one batch send.
	MaxBatchMessages = 100

	// MaxBatchBytes is the largest accepted total payload across one batch send.
	MaxBatchBytes = 288_000
)

var (
	// ErrMessageTooLarge means a single payload exceeded MaxMessageSize.
	ErrMessageTooLarge = errors.New("queue: message length exceeded")

	// ErrTooManyMessages means a batch carried more than MaxBatchMessages.
	ErrTooManyMessages = errors.New("queue: batch message count exceeded")

	// ErrBatchTooLarge means a batch's combined payloads exceeded MaxBatchBytes.
	ErrBatchTooLarge = errors.New("queue: batch length exceeded")

	// ErrInvalidContentType means the declared content type tag is unknown.
	ErrInvalidContentType = errors.New("queue: invalid content type")
)

// ValidateMessageSize checks a single message payload against MaxMessageSize.
func ValidateMessageSize(size int) error {
	if size > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, size, MaxMessageSize)
	}
	return nil
}

// ValidateBatchSizes checks an external producer batch: message count, each
// individual payload, and the combined total. The whole batch is rejected on
// the first violation found.
func ValidateBatchSizes(sizes []int) error {
	if len(sizes) > MaxBatchMessages {
		return fmt.Errorf("%w: %d messages (limit %d)", ErrTooManyMessages, len(sizes), MaxBatchMessages)
	}
	total := 0
	for _, size := range sizes {
		if err := ValidateMessageSize(size); err != nil {
			return err
		}
		total += size
	}
	if total > MaxBatchBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrBatchTooLarge, total, MaxBatchBytes)
	}
	return nil
}
