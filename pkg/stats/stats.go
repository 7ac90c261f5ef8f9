// Package stats collects link-layer counters for diagnostic display, mirroring
// the byte/frame/retry counters the original link layer kept for its status
// command.
package stats

import "sync/atomic"

// Counter is a wraparound counter safe to update from the poll loop and read
// from elsewhere (e.g. a status command) concurrently.
type Counter struct {
	v uint32
}

// Add increments the counter by delta, wrapping on overflow.
func (c *Counter) Add(delta uint32) { atomic.AddUint32(&c.v, delta) }

// Load returns the current value.
func (c *Counter) Load() uint32 { return atomic.LoadUint32(&c.v) }

// Reset zeroes the counter.
func (c *Counter) Reset() { atomic.StoreUint32(&c.v, 0) }

// Counters holds every counter the stack maintains, split into the serial
// byte counts, the frame-layer counts, and the connection-layer retry counts.
type Counters struct {
	RxBytes Counter
	TxBytes Counter

	RxFrameOK    Counter
	RxFrameBad   Counter
	RxFrameRetry Counter
	TxFrame      Counter
	TxFrameRetry Counter
}

// NewCounters allocates a fresh, zeroed set of counters.
func NewCounters() *Counters { return &Counters{} }

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.RxBytes.Reset()
	c.TxBytes.Reset()
	c.RxFrameOK.Reset()
	c.RxFrameBad.Reset()
	c.RxFrameRetry.Reset()
	c.TxFrame.Reset()
	c.TxFrameRetry.Reset()
}
