package time

import (
	"sync"
	"time"
)

// clock is the source of wall time for lock timestamps and heartbeats
// lock timestamps are persisted in the ledger, so they are always UTC
type Clock interface {
	Now() time.Time
}

// system clock, wall time in UTC
type SystemClock struct{}

func NewClock() SystemClock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// manual clock for tests, only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
