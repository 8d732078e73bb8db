// Package clock provides the logical modification clock used to decide whether
// cached work is stale.
//
// A Clock is an explicit tick source. Every node of a pipeline is built with the
// same *Clock so that timestamps drawn by different nodes are totally ordered and
// can be aggregated with Max. There is no process-wide clock.
package clock

import "sync/atomic"

// Timestamp is a logical modification time. Zero means "never".
type Timestamp uint64

// Never is the timestamp of something that has not been computed or modified.
const Never Timestamp = 0

// After reports whether t is strictly newer than other.
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

// AtLeast reports whether t is as new as other.
func (t Timestamp) AtLeast(other Timestamp) bool {
	return t >= other
}

// Max returns the newest of the given timestamps, or Never when none are given.
func Max(ts ...Timestamp) Timestamp {
	m := Never
	for _, t := range ts {
		if t > m {
			m = t
		}
	}
	return m
}

// Clock hands out strictly increasing timestamps. It is safe for concurrent use.
type Clock struct {
	counter atomic.Uint64
}

// New returns a clock whose first tick is 1.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock and returns the new time.
func (c *Clock) Tick() Timestamp {
	return Timestamp(c.counter.Add(1))
}

// Now returns the latest time handed out without advancing the clock.
func (c *Clock) Now() Timestamp {
	return Timestamp(c.counter.Load())
}

// Stamp records when its owner was last modified. The zero value is not usable;
// create stamps with NewStamp.
type Stamp struct {
	clock *Clock
	mtime atomic.Uint64
}

// NewStamp returns a stamp bound to c that is already marked modified.
// A nil c binds the stamp to a private clock.
func NewStamp(c *Clock) *Stamp {
	if c == nil {
		c = New()
	}
	s := &Stamp{clock: c}
	s.Modified()
	return s
}

// Modified marks the owner as changed and returns the new modification time.
func (s *Stamp) Modified() Timestamp {
	t := s.clock.Tick()
	s.mtime.Store(uint64(t))
	return t
}

// MTime returns the last modification time.
func (s *Stamp) MTime() Timestamp {
	return Timestamp(s.mtime.Load())
}

// Clock returns the tick source the stamp draws from.
func (s *Stamp) Clock() *Clock {
	return s.clock
}
