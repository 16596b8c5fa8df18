// Package input debounces raw digital inputs and turns them into the
// per-tick view consumed by the control core.
// This package has NO external dependencies; time is injected.
package input

import (
	"fmt"
	"sort"

	"github.com/sweeney/splitter-core/internal/clock"
	"github.com/sweeney/splitter-core/internal/logic"
)

// Kind says what a pin means to the core.
type Kind int

const (
	KindButton Kind = iota
	KindExtendLimit
	KindRetractLimit
	KindEStop
)

// Default debounce windows (ms).
const (
	ButtonDebounceMs = 15
	LimitDebounceMs  = 10
)

// Pin describes one debounced input.
type Pin struct {
	Line       int
	Name       string
	Kind       Kind
	Button     logic.Button // for KindButton
	DebounceMs uint32
}

// Change is a debounced transition on one pin.
type Change struct {
	Time clock.Millis
	Line int
	Name string
	On   bool
}

// Payload renders the value published for a change, e.g. "ON 1".
func (c Change) Payload() string {
	if c.On {
		return "ON 1"
	}
	return "OFF 0"
}

// pinState tracks debounce state for a single pin.
type pinState struct {
	stable       bool
	pending      bool
	hasPending   bool
	pendingSince clock.Millis
	baselined    bool
}

// Manager tracks every pin and detects debounced transitions.
type Manager struct {
	pins      []Pin
	state     map[int]*pinState
	baselined bool
}

// NewManager creates a manager for pins.
func NewManager(pins []Pin) *Manager {
	m := &Manager{
		pins:  append([]Pin(nil), pins...),
		state: make(map[int]*pinState, len(pins)),
	}
	sort.Slice(m.pins, func(i, j int) bool { return m.pins[i].Line < m.pins[j].Line })
	for _, p := range m.pins {
		m.state[p.Line] = &pinState{}
	}
	return m
}

// Process takes a new raw sample and returns any changes that should be emitted.
// Changes are only returned after every pin has a baseline.
// Pins missing from raw are treated as not asserted.
func (m *Manager) Process(now clock.Millis, raw map[int]bool) []Change {
	var changes []Change
	for _, p := range m.pins {
		if m.processPin(p, m.state[p.Line], raw[p.Line], now) {
			changes = append(changes, Change{Time: now, Line: p.Line, Name: p.Name, On: m.state[p.Line].stable})
		}
	}

	if !m.baselined {
		for _, st := range m.state {
			if !st.baselined {
				return nil
			}
		}
		m.baselined = true
		return nil // no changes until baseline established
	}
	return changes
}

// processPin handles debounce logic for a single pin.
// Returns true if a transition occurred.
func (m *Manager) processPin(p Pin, st *pinState, level bool, now clock.Millis) bool {
	// First time seeing this pin
	if !st.baselined {
		if !st.hasPending || st.pending != level {
			// Start observing, or restart on a change during baseline
			st.pending = level
			st.hasPending = true
			st.pendingSince = now
		}
		if now.Since(st.pendingSince) >= p.DebounceMs {
			st.stable = level
			st.baselined = true
			st.hasPending = false
		}
		return false
	}

	// Already baselined - detect transitions
	if level == st.stable {
		st.hasPending = false
		return false
	}

	if !st.hasPending || st.pending != level {
		st.pending = level
		st.hasPending = true
		st.pendingSince = now
	}
	if now.Since(st.pendingSince) >= p.DebounceMs {
		st.stable = level
		st.hasPending = false
		return true
	}
	return false
}

// Baselined reports whether every pin has a stable baseline.
func (m *Manager) Baselined() bool {
	return m.baselined
}

// State returns the debounced state of a line.
func (m *Manager) State(line int) (on bool, ok bool) {
	st, ok := m.state[line]
	if !ok {
		return false, false
	}
	return st.stable, true
}

// Inputs builds the core's view of the digital inputs. A pin still waiting
// for its baseline reports its latest raw level, so a start button held at
// power-up is seen as held from the first tick and an E-stop trips at once.
func (m *Manager) Inputs(now clock.Millis) logic.Inputs {
	in := logic.Inputs{Now: now}
	for _, p := range m.pins {
		st := m.state[p.Line]
		level := st.stable
		if !st.baselined {
			level = st.hasPending && st.pending
		}
		if !level {
			continue
		}
		switch p.Kind {
		case KindButton:
			in.Buttons |= logic.ButtonSet(p.Button)
		case KindExtendLimit:
			in.ExtendLimit = true
		case KindRetractLimit:
			in.RetractLimit = true
		case KindEStop:
			in.EStop = true
		}
	}
	return in
}

// Describe returns one line per pin for the "pins" command.
func (m *Manager) Describe() []string {
	out := make([]string, 0, len(m.pins))
	for _, p := range m.pins {
		state := "OFF"
		if m.state[p.Line].stable {
			state = "ON"
		}
		out = append(out, fmt.Sprintf("pin %d %s=%s debounce=%dms", p.Line, p.Name, state, p.DebounceMs))
	}
	return out
}
