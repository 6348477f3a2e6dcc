package queue_test

import (
	"errors"
	"testing"

	"github.com/cloudflare/miniflare-sub009/internal/queue"
)

func TestValidateMessageSize(t *testing.T) {
	if err := queue.ValidateMessageSize(queue.MaxMessageSize); err != nil {
		t.Fatalf("payload at the limit rejected: %v", err)
	}
	err := queue.ValidateMessageSize(queue.MaxMessageSize + 1)
	if !errors.Is(err, queue.ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateBatchSizes(t *testing.T) {
	atLimit := make([]int, queue.MaxBatchMessages)
	if err := queue.ValidateBatchSizes(atLimit); err != nil {
		t.Fatalf("batch at the count limit rejected: %v", err)
	}

	tooMany := make([]int, queue.MaxBatchMessages+1)
	if err := queue.ValidateBatchSizes(tooMany); !errors.Is(err, queue.ErrTooManyMessages) {
		t.Fatalf("err = %v, want ErrTooManyMessages", err)
	}

	oneHuge := []int{10, queue.MaxMessageSize + 1}
	if err := queue.ValidateBatchSizes(oneHuge); !errors.Is(err, queue.ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}

	// Three messages individually under the per-message cap but over the
	// combined cap together.
	combined := []int{100_000, 100_000, 100_000}
	if err := queue.ValidateBatchSizes(combined); !errors.Is(err, queue.ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}

	if err := queue.ValidateBatchSizes(nil); err != nil {
		t.Fatalf("empty batch rejected: %v", err)
	}
}
