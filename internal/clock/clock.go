// Package clock provides the wrapping millisecond counter used for all
// control-loop timing.
package clock

import "time"

// Millis is a free-running millisecond counter. It wraps after ~49.7 days;
// elapsed time must always be computed with Since.
type Millis uint32

// Since returns the milliseconds elapsed from start to m.
// Unsigned subtraction keeps the result correct across counter rollover.
func (m Millis) Since(start Millis) uint32 {
	return uint32(m - start)
}

// Add returns m advanced by d milliseconds (wrapping).
func (m Millis) Add(d uint32) Millis {
	return m + Millis(d)
}

// Source yields the current counter value.
type Source interface {
	Now() Millis
}

// Monotonic derives Millis from the Go monotonic clock.
type Monotonic struct {
	boot time.Time
}

// NewMonotonic starts a counter at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{boot: time.Now()}
}

// Now returns milliseconds since boot, truncated to 32 bits.
func (m *Monotonic) Now() Millis {
	return Millis(uint32(time.Since(m.boot).Milliseconds()))
}

// Func adapts a plain function to Source. Used by tests.
type Func func() Millis

// Now implements Source.
func (f Func) Now() Millis { return f() }
