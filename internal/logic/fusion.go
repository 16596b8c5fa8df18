package logic

import "github.com/sweeney/splitter-core/internal/clock"

// Stability commits a boolean signal only after it has been continuously
// asserted for a full window.
type Stability struct {
	asserted bool
	since    clock.Millis
}

// Observe feeds the current raw value and reports whether it has held for
// at least window milliseconds. A false sample resets the timer.
func (s *Stability) Observe(raw bool, now clock.Millis, window uint32) bool {
	if !raw {
		s.asserted = false
		return false
	}
	if !s.asserted {
		s.asserted = true
		s.since = now
	}
	return now.Since(s.since) >= window
}

// Since returns when the current assertion began. Only meaningful while asserted.
func (s *Stability) Since() (clock.Millis, bool) {
	return s.since, s.asserted
}

// Reset forgets any assertion in progress.
func (s *Stability) Reset() {
	s.asserted = false
}

// LimitStatus is the fused view of one travel limit.
type LimitStatus struct {
	Raw         bool // switch or pressure asserted this tick
	Reached     bool // Raw has held for the full stability window
	StableSince clock.Millis
}

// LimitFusion decides whether a travel limit has been reached by combining
// the debounced limit switch with a pressure threshold.
type LimitFusion struct {
	window uint32
	dirs   [2]Stability
}

// NewLimitFusion creates a fusion with the given stability window (ms).
func NewLimitFusion(windowMs uint32) *LimitFusion {
	return &LimitFusion{window: windowMs}
}

// SetWindow changes the stability window.
func (f *LimitFusion) SetWindow(ms uint32) {
	f.window = ms
}

// Evaluate feeds one tick for direction d.
func (f *LimitFusion) Evaluate(d Direction, switchDebounced bool, psi, thresholdPSI float64, now clock.Millis) LimitStatus {
	raw := switchDebounced || psi >= thresholdPSI
	st := &f.dirs[d]
	reached := st.Observe(raw, now, f.window)
	since, _ := st.Since()
	return LimitStatus{Raw: raw, Reached: reached, StableSince: since}
}

// Reset clears the stability timers of both directions.
func (f *LimitFusion) Reset() {
	f.dirs[Extend].Reset()
	f.dirs[Retract].Reset()
}
