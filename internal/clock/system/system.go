// Package system provides the wall clock.
package system

import (
	"fmt"
	"time"
	_ "time/tzdata" // zones must resolve on minimal images
)

// Clock implements linestatus.Clock. It reports wall time in a fixed
// location, UTC unless built with InZone.
type Clock struct {
	loc *time.Location
}

// New returns a UTC clock. Stored timestamps always come from this one.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// InZone returns a clock that reports wall time in the named IANA zone.
func InZone(name string) (*Clock, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return c.In(time.Now())
}

// In converts t to the clock's location.
func (c *Clock) In(t time.Time) time.Time {
	return t.In(c.Location())
}

// Location reports the clock's location.
func (c *Clock) Location() *time.Location {
	if c == nil || c.loc == nil {
		return time.UTC
	}
	return c.loc
}
