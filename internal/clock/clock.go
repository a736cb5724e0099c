// Package clock abstracts wall-clock time so engine logic can be driven by synthetic instants.
package clock

import "time"

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time { return f() }

// System returns the process wall clock in UTC.
func System() Clock {
	return Func(func() time.Time { return time.Now().UTC() })
}
