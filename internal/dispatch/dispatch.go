// Package dispatch provides the Dispatcher implementations that carry a
// captured batch from the broker to a consumer: an in-process function
// adapter for embedding and tests, and an HTTP push delivery for external
// consumers.
package dispatch

import (
	"context"

	"github.com/cloudflare/miniflare-sub009/internal/queue"
)

// Func adapts a plain function to the queue.Dispatcher interface.
type Func func(ctx context.Context, queueName string, batch []queue.WireMessage) (queue.Response, error)

// Dispatch implements queue.Dispatcher.
func (f Func) Dispatch(ctx context.Context, queueName string, batch []queue.WireMessage) (queue.Response, error) {
	return f(ctx, queueName, batch)
}
