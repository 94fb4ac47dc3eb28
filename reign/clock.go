package reign

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing timestamps so activity events of
// consecutive transitions never share an instant.
type clock struct {
	now  func() time.Time
	last atomic.Int64
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

func (c *clock) Now() time.Time {
	for {
		now := c.now().UnixNano()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// observe moves the clock past t, used after loading persisted state.
func (c *clock) observe(t time.Time) {
	v := t.UnixNano()
	for {
		last := c.last.Load()
		if v <= last || c.last.CompareAndSwap(last, v) {
			return
		}
	}
}
