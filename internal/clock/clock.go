// Package clock abstracts timer creation so the queue flush machinery can be
// driven by a virtual clock in tests instead of real sleeps.
//
// Production code uses System(), which delegates to the time package. Tests
// use NewFake() and advance time explicitly; every timer that becomes due
// during an Advance call fires synchronously on the advancing goroutine, so
// assertions can run immediately after Advance returns.
package clock

import "time"

// Timer is a single armed callback. Stop reports whether the call prevented
// the callback from firing.
type Timer interface {
	Stop() bool
}

// Clock creates timers and reports the current time.
type Clock interface {
	Now() time.Time

	// AfterFunc schedules fn to run on its own goroutine after d has elapsed.
	// A non-positive d fires as soon as possible, never synchronously.
	AfterFunc(d time.Duration, fn func()) Timer
}

// ─── system clock ─────────────────────────────────────────────────────────────

type systemClock struct{}

type systemTimer struct{ t *time.Timer }

func (st systemTimer) Stop() bool { return st.t.Stop() }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return systemTimer{t: time.AfterFunc(d, fn)}
}

// System returns the real wall clock.
func System() Clock { return systemClock{} }
