package broker

import "sync"

// Event types published on the Feed.
const (
	EventEnqueued     = "enqueued"
	EventDispatched   = "dispatched"
	EventRetried      = "retried"
	EventDeadLettered = "dead_lettered"
	EventDropped      = "dropped"
)

// Event is one observable queue state change, streamed to WebSocket tails.
type Event struct {
	Type      string `json:"type"`
	Queue     string `json:"queue"`
	DLQ       string `json:"dlq,omitempty"`
	Count     int    `json:"count,omitempty"`
	Acked     int    `json:"acked,omitempty"`
	Total     int    `json:"total,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	At        int64  `json:"at"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 64

// Feed is a fan-out of broker events. Publish never blocks: a subscriber
// whose buffer is full simply misses events, which is acceptable for an
// observability tail.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away; the channel is closed by cancel or
// by Feed.Close.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking.
func (f *Feed) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			// Subscriber too slow; drop the event for it.
		}
	}
}

// Close closes every subscriber channel. Further Publish calls are no-ops
// and further Subscribe calls return a closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
