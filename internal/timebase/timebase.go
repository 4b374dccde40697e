// Package timebase provides the monotonic microsecond clock shared by every
// pipeline stage that timestamps or paces messages. Only elapsed time since
// construction matters; there is no wall-clock dependency.
package timebase

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic, adjustable microsecond clock. The zero point is the
// moment New was called. Adjustments are process-wide: every subsequent Now
// call on the shared instance observes them.
type Clock struct {
	start  time.Time
	offset atomic.Int64 // microseconds added to elapsed time
}

// New creates a Clock starting at zero.
func New() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns microseconds elapsed since the clock started, shifted by any
// accumulated adjustment. A net-negative clock reads as zero.
func (c *Clock) Now() uint64 {
	us := time.Since(c.start).Microseconds() + c.offset.Load()
	if us < 0 {
		return 0
	}
	return uint64(us)
}

// Adjust shifts the clock by delta microseconds. A positive delta moves the
// clock forward (fast-forwarding paced playback); a negative delta moves it
// backward. Takes effect for all subsequent Now calls.
func (c *Clock) Adjust(delta int64) {
	c.offset.Add(delta)
}
