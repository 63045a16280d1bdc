package clock

import (
	"sync/atomic"
	"time"
)

// Timestamp is a monotonic point in time in milliseconds. It is only meaningful
// when compared to other timestamps produced by the same clock.
type Timestamp int64

// Add returns the timestamp shifted by d, truncated to milliseconds.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return ts + Timestamp(d.Milliseconds())
}

// Sub returns the duration between two timestamps.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(ts-other) * time.Millisecond
}

// Clock is a source of monotonic timestamps.
type Clock interface {
	Now() Timestamp
}

// System is a clock backed by the monotonic reading of time.Now.
type System struct {
	start time.Time
}

// NewSystem creates a system clock. The first timestamp it returns is 1, so
// that zero can be used as "not set" by the callers.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (c *System) Now() Timestamp {
	return Timestamp(time.Since(c.start).Milliseconds()) + 1
}

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	now int64
}

// NewManual creates a manual clock pointing at the given timestamp.
func NewManual(start Timestamp) *Manual {
	return &Manual{now: int64(start)}
}

func (c *Manual) Now() Timestamp {
	return Timestamp(atomic.LoadInt64(&c.now))
}

// Advance moves the clock forward and returns the new timestamp.
func (c *Manual) Advance(d time.Duration) Timestamp {
	return Timestamp(atomic.AddInt64(&c.now, d.Milliseconds()))
}

// Set moves the clock to the given timestamp.
func (c *Manual) Set(ts Timestamp) {
	atomic.StoreInt64(&c.now, int64(ts))
}
