// Package system adapts the wall clock to the crawler.Clock interface.
package system

import "time"

// Clock reads the system time. All engine timestamps go through it so tests
// can swap in a fixed clock.
type Clock struct{}

// New returns a wall-clock backed Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
