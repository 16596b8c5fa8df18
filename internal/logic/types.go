// Package logic contains the control core of the log splitter: pressure
// channels, limit fusion, the sequence state machine and the safety monitor.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injected as a clock.Millis value.
package logic

import (
	"errors"

	"github.com/sweeney/splitter-core/internal/clock"
)

// Direction selects one end of cylinder travel.
type Direction int

const (
	Extend Direction = iota
	Retract
)

func (d Direction) String() string {
	if d == Retract {
		return "retract"
	}
	return "extend"
}

// RelayID numbers the relay board outputs (1-based, as printed on the board).
type RelayID uint8

const (
	RelayExtend  RelayID = 1
	RelayRetract RelayID = 2
	RelayPower   RelayID = 9
	MaxRelays            = 9
)

// relayFor returns the valve relay that drives the cylinder in d.
func relayFor(d Direction) RelayID {
	if d == Retract {
		return RelayRetract
	}
	return RelayExtend
}

// Button is a bit in a ButtonSet.
type Button uint8

const (
	ButtonRetract Button = 1 << iota // pin 2
	ButtonExtend                     // pin 3
	ButtonAux                        // pin 4
	ButtonStart                      // pin 5
)

// ButtonSet is a bitmask of operator buttons that are currently held.
type ButtonSet uint8

// Has reports whether every button in b is held.
func (s ButtonSet) Has(b ButtonSet) bool {
	return b != 0 && s&b == b
}

// Inputs is everything the core needs for one tick. Digital inputs are
// already debounced by the input manager.
type Inputs struct {
	Now          clock.Millis
	Buttons      ButtonSet
	ExtendLimit  bool
	RetractLimit bool
	EStop        bool
	MainRaw      int
	FilterRaw    int
}

// SequenceState is the observable state of the sequence state machine.
type SequenceState string

const (
	StateIdle                SequenceState = "idle"
	StateWaitStartDebounce   SequenceState = "wait_start_debounce"
	StateStage1Active        SequenceState = "stage1_active"
	StateStage1WaitLimit     SequenceState = "stage1_wait_limit"
	StateStage2Active        SequenceState = "stage2_active"
	StateStage2WaitLimit     SequenceState = "stage2_wait_limit"
	StateComplete            SequenceState = "complete"
	StateAbort               SequenceState = "abort"
	StateManualExtendActive  SequenceState = "manual_extend_active"
	StateManualRetractActive SequenceState = "manual_retract_active"
)

// Abort reasons. These end up verbatim in "aborted_<reason>" events.
const (
	ReasonReleasedDuringDebounce = "released_during_debounce"
	ReasonStartReleased          = "start_released"
	ReasonNewPress               = "new_press"
	ReasonTimeout                = "timeout"
	ReasonManualAbort            = "manual_abort"
	ReasonManualReset            = "manual_reset"
	ReasonEmergencyStop          = "emergency_stop"
	ReasonPressureThreshold      = "pressure_threshold"
	ReasonExtremePressureAtLimit = "extreme_pressure_at_limit"
	ReasonManual                 = "manual"
	ReasonInputFault             = "input_fault"
)

// Event names published on the sequence event topic.
const (
	EventStarted         = "started_R1"
	EventSwitchedToR2    = "switched_to_R2_pressure_or_limit"
	EventComplete        = "complete_pressure_or_limit"
	EventManualStopped   = "manual_stopped"
	eventAbortedPrefix   = "aborted_"
	eventManualPrefix    = "manual_"
	eventStartedSuffix   = "_started"
	eventLimitSuffix     = "_limit_reached"
	SequenceStateStart   = "start"
	SequenceStateDone    = "complete"
	SequenceStateAborted = "abort"
)

// AbortedEvent returns the event name for an abort with the given reason.
func AbortedEvent(reason string) string {
	return eventAbortedPrefix + reason
}

// ManualStartedEvent returns e.g. "manual_extend_started".
func ManualStartedEvent(d Direction) string {
	return eventManualPrefix + d.String() + eventStartedSuffix
}

// ManualLimitEvent returns e.g. "manual_extend_limit_reached".
func ManualLimitEvent(d Direction) string {
	return eventManualPrefix + d.String() + eventLimitSuffix
}

// EventKind groups events by the component that produced them.
type EventKind string

const (
	KindSequence EventKind = "sequence"
	KindSafety   EventKind = "safety"
	KindEngine   EventKind = "engine"
)

// Event is emitted on state changes only.
type Event struct {
	Time   clock.Millis
	Kind   EventKind
	Name   string // e.g. "started_R1", "aborted_timeout"
	State  string // sequence state topic value ("start", "complete", "abort"); empty if unchanged
	Reason string // abort or safety reason, if any
}

// Outcome records how the last cycle ended.
type Outcome struct {
	State  SequenceState // StateComplete or StateAbort
	Reason string
	At     clock.Millis
}

// Pre-check failures for starting a sequence or manual move.
var (
	ErrLockedOut           = errors.New("safety lockout active")
	ErrEStopLatched        = errors.New("emergency stop latched")
	ErrSafetyActive        = errors.New("safety system active")
	ErrSequenceActive      = errors.New("sequence already active")
	ErrAtLimit             = errors.New("already at destination limit")
	ErrPressureAtThreshold = errors.New("pressure already at limit threshold")
	ErrNotManual           = errors.New("no manual move in progress")
	ErrEStopAsserted       = errors.New("emergency stop button still pressed")
)

// RelayActuator is the only component permitted to energize valve outputs.
type RelayActuator interface {
	// SetRelay switches a relay. manual marks operator-originated commands,
	// which bypass the safety block. Returns false if the command was refused.
	SetRelay(id RelayID, on, manual bool) bool
	// AllOff de-energizes every operational relay.
	AllOff()
	// State returns the last state the actuator applied.
	State(id RelayID) bool
}

// SafetyBlocker is implemented by actuators that can refuse automatic
// commands while the safety monitor is active.
type SafetyBlocker interface {
	SetSafety(active bool)
}

// EngineStop drives the engine kill output.
type EngineStop interface {
	SetEngineStop(stop bool) error
}
