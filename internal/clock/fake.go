package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when Advance is
// called. Timers due at or before the advance target fire in deadline order
// (arming order breaks ties), synchronously on the advancing goroutine, with
// no internal lock held — so a firing callback may freely arm new timers,
// and those fire too if they fall within the same Advance window.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	h   timerHeap
	seq uint64 // arming order, used as the heap tie-break
}

// NewFake returns a Fake clock pinned to an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake clock's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to fire once the clock has been advanced past d.
// Nothing fires until Advance is called, even for d == 0.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ft := &fakeTimer{
		clk:  f,
		when: f.now.Add(d),
		seq:  f.seq,
		fn:   fn,
	}
	heap.Push(&f.h, ft)
	return ft
}

// Advance moves the clock forward by d, firing every due timer along the way.
// Advance(0) fires timers armed with a zero delay.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		next := f.peekActive()
		if next == nil || next.when.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}

		heap.Pop(&f.h)
		if next.when.After(f.now) {
			f.now = next.when
		}
		next.fired = true
		fn := next.fn
		f.mu.Unlock()

		// Run without the lock so fn can call AfterFunc or Stop.
		fn()

		f.mu.Lock()
	}
}

// Pending returns the number of armed, unfired timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.h {
		if !t.stopped {
			n++
		}
	}
	return n
}

// peekActive returns the earliest non-stopped timer without removing it,
// draining lazily-stopped entries from the root. MUST be called with f.mu held.
func (f *Fake) peekActive() *fakeTimer {
	for f.h.Len() > 0 {
		root := f.h[0]
		if root.stopped {
			heap.Pop(&f.h)
			continue
		}
		return root
	}
	return nil
}

// ─── fakeTimer ───────────────────────────────────────────────────────────────

type fakeTimer struct {
	clk  *Fake
	when time.Time
	seq  uint64
	fn   func()

	heapIdx int
	stopped bool // lazy deletion, drained by peekActive
	fired   bool
}

// Stop cancels the timer. Reports false if it already fired or was stopped.
func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// ─── timerHeap ───────────────────────────────────────────────────────────────

// timerHeap is a min-heap of *fakeTimer ordered by deadline, then arming order.
type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*fakeTimer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // allow GC
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}
