package entitlement

import (
	"sync"
	"time"
)

// Clock supplies the current time for expiration checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

// ManualClock is a Clock that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

const day = 24 * time.Hour

// MaxDays is the largest day count accepted by Extend, StartTrial and product
// definitions. A time.Duration overflows a little past 106,000 days.
const MaxDays = 36500

// days converts n to a Duration, saturating at MaxDays.
func days(n int) time.Duration {
	return time.Duration(min(n, MaxDays)) * day
}

func checkDays(n int) error {
	if n > MaxDays {
		return newError(ErrInvalidArgument, "days must be at most %d", MaxDays)
	}
	return nil
}
