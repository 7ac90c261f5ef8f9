// Package escape implements cooperative cancellation for blocking fore()
// calls. There are no goroutines or timers on the hot path, so cancellation
// cannot rely on a context deadline firing asynchronously: a flag is set by
// whatever wants to interrupt a wait, and is checked only at the points a
// blocking loop polls the stack, mirroring the original escape-key handling
// that a busy-wait loop would check between polls.
package escape

import "sync/atomic"

// Flag is a cooperative cancellation flag. Its zero value is ready to use
// and not triggered.
type Flag struct {
	triggered atomic.Bool
	enabled   atomic.Bool
}

// Enable arms the flag so that Check will report a trigger. A blocking fore()
// call enables its flag for the duration of the wait and disables it again
// before returning, so that a trigger raised after the call has already
// completed does not leak into some later, unrelated wait.
func (f *Flag) Enable() {
	f.enabled.Store(true)
	f.triggered.Store(false)
}

// Disable disarms the flag.
func (f *Flag) Disable() { f.enabled.Store(false) }

// Trigger requests cancellation of whatever wait currently has the flag
// enabled. It is harmless to call when nothing is waiting.
func (f *Flag) Trigger() { f.triggered.Store(true) }

// Check reports whether the flag is both enabled and triggered. It clears
// the trigger on a true result, so the condition is consumed exactly once.
func (f *Flag) Check() bool {
	if !f.enabled.Load() {
		return false
	}
	if f.triggered.CompareAndSwap(true, false) {
		return true
	}
	return false
}
