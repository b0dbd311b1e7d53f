// Package clock provides the monotonic nanosecond time source shared by
// every FocusField component. Components read t_ns from messages, not from
// the wall clock, so the only live use of Clock is to stamp freshly produced
// messages and to compute staleness against "now".
package clock

import "time"

// Clock hands out monotonic nanosecond timestamps relative to an arbitrary
// epoch fixed at construction. Using time.Since against a fixed epoch (not
// time.Now().UnixNano() directly) keeps values monotonic even across host
// clock adjustments, matching the "no wall-clock dependence" requirement in
// the concurrency model.
type Clock struct {
	epoch time.Time
}

// New returns a Clock epoched at the current instant.
func New() *Clock {
	return &Clock{epoch: time.Now()}
}

// NowNs returns the current monotonic timestamp in nanoseconds since the
// clock's epoch.
func (c *Clock) NowNs() int64 {
	return time.Since(c.epoch).Nanoseconds()
}

// SinceMs returns the elapsed time in milliseconds between tNs and now.
func (c *Clock) SinceMs(tNs int64) int64 {
	return (c.NowNs() - tNs) / int64(time.Millisecond)
}

// Skew returns a-b in nanoseconds; a positive result means a is later than b.
func Skew(aNs, bNs int64) int64 {
	return aNs - bNs
}
