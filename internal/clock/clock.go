// Package clock provides the time source and timestamp encoding used by
// persisted coordination records.
package clock

import (
	"sync"
	"time"
)

// Timestamp is a unix time in milliseconds. Records store it as a JSON
// integer so it round-trips without loss.
type Timestamp int64

// FromTime converts t to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time returns the timestamp as a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts == 0
}

// String formats the timestamp as RFC3339.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.Time().Format(time.RFC3339)
}

// Clock supplies the current time.
type Clock interface {
	Now() Timestamp
}

// System is the wall clock.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() Timestamp {
	return FromTime(time.Now())
}

// Stepped is a deterministic clock for tests. Every call to Now advances
// by Step.
type Stepped struct {
	mu   sync.Mutex
	next Timestamp
	Step time.Duration
}

// NewStepped returns a clock starting at start.
func NewStepped(start time.Time, step time.Duration) *Stepped {
	return &Stepped{next: FromTime(start), Step: step}
}

// Now returns the current value and advances the clock.
func (c *Stepped) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next += Timestamp(c.Step.Milliseconds())
	return now
}
