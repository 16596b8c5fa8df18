package logic

import (
	"fmt"
	"log"

	"github.com/sweeney/splitter-core/internal/clock"
)

// SequenceConfig holds the timing and threshold settings of the sequence.
type SequenceConfig struct {
	StableMs            uint32 // limit stability window
	StartStableMs       uint32 // start-button debounce window
	TimeoutMs           uint32 // maximum time in one stage
	ExtendThresholdPSI  float64
	RetractThresholdPSI float64
	StartButtons        ButtonSet // all must be held to start a cycle
	AllowButtonRelease  bool      // tolerate releasing start buttons once Stage1 runs
}

// DefaultSequenceConfig returns the factory defaults.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		StableMs:            15,
		StartStableMs:       100,
		TimeoutMs:           30000,
		ExtendThresholdPSI:  2300,
		RetractThresholdPSI: 2300,
		StartButtons:        ButtonSet(ButtonStart),
		AllowButtonRelease:  true,
	}
}

// Guard is consulted before any cycle or manual move starts.
type Guard interface {
	CanStart() error
}

// Sequence drives one hydraulic actuation cycle. It is the single logical
// writer of the extend/retract relays.
type Sequence struct {
	cfg    SequenceConfig
	relays RelayActuator
	fusion LimitFusion

	state    SequenceState
	entry    clock.Millis // entry into the current stage
	snapshot ButtonSet    // buttons held when the cycle started
	prev     ButtonSet    // buttons held on the previous tick
	primed   bool         // prev reflects a real sample
	release  bool         // start buttons may be released
	outcome  Outcome

	commanded [2]bool // last commanded value per direction
	accepted  [2]bool // whether the actuator accepted it
	manual    bool    // commands originate from an operator move
}

// NewSequence creates an idle sequence writing to relays.
func NewSequence(cfg SequenceConfig, relays RelayActuator) *Sequence {
	return &Sequence{
		cfg:    cfg,
		relays: relays,
		fusion: LimitFusion{window: cfg.StableMs},
		state:  StateIdle,
	}
}

// SetConfig replaces the whole configuration.
func (s *Sequence) SetConfig(cfg SequenceConfig) {
	s.cfg = cfg
	s.fusion.SetWindow(cfg.StableMs)
}

// Config returns the active configuration.
func (s *Sequence) Config() SequenceConfig { return s.cfg }

// SetStableTime sets the limit stability window.
func (s *Sequence) SetStableTime(ms uint32) {
	s.cfg.StableMs = ms
	s.fusion.SetWindow(ms)
}

// SetStartStableTime sets the start-button debounce window.
func (s *Sequence) SetStartStableTime(ms uint32) { s.cfg.StartStableMs = ms }

// SetTimeout sets the per-stage timeout.
func (s *Sequence) SetTimeout(ms uint32) { s.cfg.TimeoutMs = ms }

// State returns the current state. Complete and Abort are never resting
// states; see LastOutcome.
func (s *Sequence) State() SequenceState { return s.state }

// LastOutcome returns how the most recent cycle or manual move ended.
func (s *Sequence) LastOutcome() Outcome { return s.outcome }

// Active reports whether any cycle or manual move is running.
func (s *Sequence) Active() bool { return s.state != StateIdle }

// Manual reports whether a manual move is running.
func (s *Sequence) Manual() bool {
	return s.state == StateManualExtendActive || s.state == StateManualRetractActive
}

// Stage returns 1 or 2 during an automatic cycle, 0 otherwise.
func (s *Sequence) Stage() int {
	switch s.state {
	case StateStage1Active, StateStage1WaitLimit:
		return 1
	case StateStage2Active, StateStage2WaitLimit:
		return 2
	}
	return 0
}

// Elapsed returns milliseconds since the current stage (or idle) was entered.
func (s *Sequence) Elapsed(now clock.Millis) uint32 {
	return now.Since(s.entry)
}

// StatusString renders the one-line status used by "show" and telemetry.
func (s *Sequence) StatusString(now clock.Millis) string {
	active := 0
	if s.Active() {
		active = 1
	}
	return fmt.Sprintf("stage=%d active=%d elapsed=%d stableMs=%d startStableMs=%d timeoutMs=%d",
		s.Stage(), active, s.Elapsed(now), s.cfg.StableMs, s.cfg.StartStableMs, s.cfg.TimeoutMs)
}

// Update advances the state machine by one tick. psi is the clamped main
// system pressure. Events are returned only on state changes.
func (s *Sequence) Update(in Inputs, psi float64, guard Guard) []Event {
	now := in.Now
	pressed := in.Buttons &^ s.prev
	// a start set already held on the first sample is not an edge
	startEdge := s.primed && in.Buttons.Has(s.cfg.StartButtons) && !s.prev.Has(s.cfg.StartButtons)
	s.prev = in.Buttons
	s.primed = true

	if s.state != StateIdle && now.Since(s.entry) > s.cfg.TimeoutMs {
		return s.abort(ReasonTimeout, now)
	}

	var events []Event
	switch s.state {
	case StateIdle:
		if startEdge {
			events = s.begin(in, guard)
		}

	case StateWaitStartDebounce:
		if !in.Buttons.Has(s.cfg.StartButtons) {
			return s.abort(ReasonReleasedDuringDebounce, now)
		}
		if now.Since(s.entry) >= s.cfg.StartStableMs {
			s.enter(StateStage1Active, now)
			s.manual = false
			s.release = s.cfg.AllowButtonRelease
			s.command(Retract, false)
			s.command(Extend, true)
			events = append(events, Event{Time: now, Kind: KindSequence, Name: EventStarted, State: SequenceStateStart})
		}

	case StateStage1Active, StateStage1WaitLimit:
		if ev := s.interlock(in, pressed); ev != nil {
			return ev
		}
		st := s.fusion.Evaluate(Extend, in.ExtendLimit, psi, s.cfg.ExtendThresholdPSI, now)
		switch {
		case st.Reached:
			s.enter(StateStage2Active, now)
			s.command(Extend, false)
			s.command(Retract, true)
			events = append(events, Event{Time: now, Kind: KindSequence, Name: EventSwitchedToR2})
		case st.Raw:
			s.state = StateStage1WaitLimit
		default:
			s.state = StateStage1Active
		}

	case StateStage2Active, StateStage2WaitLimit:
		if ev := s.interlock(in, pressed); ev != nil {
			return ev
		}
		st := s.fusion.Evaluate(Retract, in.RetractLimit, psi, s.cfg.RetractThresholdPSI, now)
		switch {
		case st.Reached:
			s.command(Retract, false)
			s.finish(Outcome{State: StateComplete, At: now})
			log.Printf("seq: cycle complete")
			return []Event{{Time: now, Kind: KindSequence, Name: EventComplete, State: SequenceStateDone}}
		case st.Raw:
			s.state = StateStage2WaitLimit
		default:
			s.state = StateStage2Active
		}

	case StateManualExtendActive, StateManualRetractActive:
		d := s.manualDirection()
		limit, thr := in.ExtendLimit, s.cfg.ExtendThresholdPSI
		if d == Retract {
			limit, thr = in.RetractLimit, s.cfg.RetractThresholdPSI
		}
		if st := s.fusion.Evaluate(d, limit, psi, thr, now); st.Reached {
			s.command(d, false)
			s.finish(Outcome{State: StateComplete, Reason: "limit_reached", At: now})
			log.Printf("seq: manual %s reached limit", d)
			return []Event{{Time: now, Kind: KindSequence, Name: ManualLimitEvent(d)}}
		}
	}

	s.reassert()
	return events
}

// begin handles a start-button edge while idle.
func (s *Sequence) begin(in Inputs, guard Guard) []Event {
	if guard != nil {
		if err := guard.CanStart(); err != nil {
			log.Printf("seq: start rejected: %v", err)
			return []Event{{Time: in.Now, Kind: KindSequence, Name: "start_rejected", Reason: err.Error()}}
		}
	}
	s.snapshot = in.Buttons
	s.enter(StateWaitStartDebounce, in.Now)
	return nil
}

// interlock enforces button rules while a cycle is running.
func (s *Sequence) interlock(in Inputs, pressed ButtonSet) []Event {
	if pressed&^s.snapshot != 0 {
		return s.abort(ReasonNewPress, in.Now)
	}
	if !s.release && !in.Buttons.Has(s.cfg.StartButtons) {
		return s.abort(ReasonStartReleased, in.Now)
	}
	return nil
}

// StartManual begins a single-direction operator move.
// ext and ret are the debounced limit switches, psi the main pressure.
func (s *Sequence) StartManual(d Direction, ext, ret bool, psi float64, now clock.Millis, guard Guard) ([]Event, error) {
	if guard != nil {
		if err := guard.CanStart(); err != nil {
			return nil, err
		}
	}
	if s.Active() {
		return nil, ErrSequenceActive
	}
	atLimit, thr := ext, s.cfg.ExtendThresholdPSI
	if d == Retract {
		atLimit, thr = ret, s.cfg.RetractThresholdPSI
	}
	if atLimit {
		return nil, ErrAtLimit
	}
	if psi >= thr {
		return nil, ErrPressureAtThreshold
	}

	state := StateManualExtendActive
	if d == Retract {
		state = StateManualRetractActive
	}
	s.enter(state, now)
	s.manual = true
	s.command(opposite(d), false)
	s.command(d, true)
	log.Printf("seq: manual %s started", d)
	return []Event{{Time: now, Kind: KindSequence, Name: ManualStartedEvent(d)}}, nil
}

// StopManual ends a manual move on operator request.
func (s *Sequence) StopManual(now clock.Millis) ([]Event, error) {
	if !s.Manual() {
		return nil, ErrNotManual
	}
	s.command(s.manualDirection(), false)
	s.finish(Outcome{State: StateComplete, Reason: EventManualStopped, At: now})
	return []Event{{Time: now, Kind: KindSequence, Name: EventManualStopped}}, nil
}

// Abort stops everything immediately. Valid from any state.
func (s *Sequence) Abort(reason string, now clock.Millis) []Event {
	return s.abort(reason, now)
}

// Reset returns to Idle with relays off.
func (s *Sequence) Reset(now clock.Millis) []Event {
	return s.abort(ReasonManualReset, now)
}

func (s *Sequence) abort(reason string, now clock.Millis) []Event {
	log.Printf("seq: aborting sequence: %s", reason)
	s.command(Extend, false)
	s.command(Retract, false)
	s.finish(Outcome{State: StateAbort, Reason: reason, At: now})
	return []Event{{Time: now, Kind: KindSequence, Name: AbortedEvent(reason), State: SequenceStateAborted, Reason: reason}}
}

func (s *Sequence) enter(state SequenceState, now clock.Millis) {
	if s.state != state {
		log.Printf("seq: state change: %s -> %s", s.state, state)
	}
	s.state = state
	s.entry = now
	s.fusion.Reset()
}

func (s *Sequence) finish(o Outcome) {
	s.enter(StateIdle, o.At)
	s.outcome = o
	s.release = false
	s.snapshot = 0
	s.manual = false
}

// command records and sends a valve command. A refused command is not retried.
func (s *Sequence) command(d Direction, on bool) {
	s.commanded[d] = on
	s.accepted[d] = s.relays.SetRelay(relayFor(d), on, s.manual)
}

// reassert re-sends accepted commands the actuator no longer reflects.
func (s *Sequence) reassert() {
	if s.state == StateIdle {
		return
	}
	for _, d := range []Direction{Extend, Retract} {
		if s.accepted[d] && s.relays.State(relayFor(d)) != s.commanded[d] {
			log.Printf("seq: re-asserting %s relay %v", d, s.commanded[d])
			s.accepted[d] = s.relays.SetRelay(relayFor(d), s.commanded[d], s.manual)
		}
	}
}

func (s *Sequence) manualDirection() Direction {
	if s.state == StateManualRetractActive {
		return Retract
	}
	return Extend
}

func opposite(d Direction) Direction {
	if d == Extend {
		return Retract
	}
	return Extend
}
