package logic

import (
	"fmt"
	"log"

	"github.com/sweeney/splitter-core/internal/clock"
)

// SafetyConfig holds the over-pressure thresholds.
type SafetyConfig struct {
	ThresholdPSI      float64 // trip point away from the limit switches
	HysteresisPSI     float64 // clear once pressure drops below Threshold-Hysteresis
	LimitTolerancePSI float64 // extra allowance while a limit switch is made
	LimitReleasePSI   float64 // clear point above Threshold while at a limit
}

// DefaultSafetyConfig returns the factory defaults.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		ThresholdPSI:      2500,
		HysteresisPSI:     10,
		LimitTolerancePSI: 200,
		LimitReleasePSI:   150,
	}
}

// Safety event names.
const (
	EventSafetyActivated   = "safety_activated"
	EventSafetyCleared     = "safety_cleared"
	EventLockoutEngaged    = "lockout_engaged"
	EventLockoutCleared    = "lockout_cleared"
	EventEngineStopped     = "engine_stopped"
	EventEngineEnabled     = "engine_enabled"
	EventEmergencyStopTrip = "emergency_stop_latched"
)

// Safety watches system pressure and the emergency stop and overrides the
// sequence whenever a limit is exceeded.
type Safety struct {
	cfg    SafetyConfig
	relays RelayActuator
	engine EngineStop

	active        bool
	reason        string
	pressureTrip  bool // active because of pressure; eligible for auto-clear
	engineStopped bool
	lastPressure  float64
	estopLatched  bool
	lockout       bool
	lockoutReason string
}

// NewSafety creates an inactive monitor. engine may be nil.
func NewSafety(cfg SafetyConfig, relays RelayActuator, engine EngineStop) *Safety {
	return &Safety{cfg: cfg, relays: relays, engine: engine}
}

// SetConfig replaces the thresholds.
func (s *Safety) SetConfig(cfg SafetyConfig) { s.cfg = cfg }

// Config returns the active thresholds.
func (s *Safety) Config() SafetyConfig { return s.cfg }

func (s *Safety) Active() bool          { return s.active }
func (s *Safety) Reason() string        { return s.reason }
func (s *Safety) EngineStopped() bool   { return s.engineStopped }
func (s *Safety) EStopLatched() bool    { return s.estopLatched }
func (s *Safety) LockedOut() bool       { return s.lockout }
func (s *Safety) LockoutReason() string { return s.lockoutReason }
func (s *Safety) LastPressure() float64 { return s.lastPressure }

// CanStart reports why no new motion may begin, or nil.
func (s *Safety) CanStart() error {
	switch {
	case s.lockout:
		return ErrLockedOut
	case s.estopLatched:
		return ErrEStopLatched
	case s.active:
		return ErrSafetyActive
	}
	return nil
}

// Update evaluates one tick. trip is the reason of a new activation this
// tick, or empty.
func (s *Safety) Update(psi float64, atLimit, estop bool, now clock.Millis) (trip string, events []Event) {
	s.lastPressure = psi
	if estop && !s.estopLatched {
		events = append(events, s.EmergencyStop(ReasonEmergencyStop, now)...)
		trip = ReasonEmergencyStop
	}
	t, ev := s.CheckPressure(psi, atLimit, now)
	if trip == "" {
		trip = t
	}
	return trip, append(events, ev...)
}

// CheckPressure applies the over-pressure rules. At a limit switch the
// cylinder is expected to dead-head, so a higher trip point applies there.
func (s *Safety) CheckPressure(psi float64, atLimit bool, now clock.Millis) (trip string, events []Event) {
	s.lastPressure = psi
	tripAt := s.cfg.ThresholdPSI
	clearBelow := s.cfg.ThresholdPSI - s.cfg.HysteresisPSI
	reason := ReasonPressureThreshold
	if atLimit {
		tripAt = s.cfg.ThresholdPSI + s.cfg.LimitTolerancePSI
		clearBelow = s.cfg.ThresholdPSI + s.cfg.LimitReleasePSI
		reason = ReasonExtremePressureAtLimit
	}

	if psi >= tripAt {
		if s.active {
			return "", nil
		}
		log.Printf("safety: pressure %.1f psi >= %.1f psi", psi, tripAt)
		events = s.activate(reason, now)
		s.pressureTrip = true
		return reason, events
	}
	if s.active && s.pressureTrip && psi < clearBelow {
		log.Printf("safety: pressure %.1f psi back below %.1f psi, clearing", psi, clearBelow)
		return "", s.release(now)
	}
	return "", nil
}

// EmergencyStop latches the E-stop and forces every output off. The latch
// survives release of the physical button until ClearLockout.
func (s *Safety) EmergencyStop(reason string, now clock.Millis) []Event {
	log.Printf("safety: EMERGENCY STOP: %s", reason)
	events := []Event{{Time: now, Kind: KindSafety, Name: EventEmergencyStopTrip, Reason: reason}}
	s.estopLatched = true
	if s.active {
		// already tripped; make sure outputs are down and latch the reason
		s.reason = reason
		s.pressureTrip = false
		s.relays.AllOff()
		return append(events, s.stopEngine(now)...)
	}
	return append(events, s.activate(reason, now)...)
}

// Activate trips the monitor on operator request. Only ClearLockout or
// Deactivate clear it. An existing pressure trip is held and no longer
// clears on its own.
func (s *Safety) Activate(reason string, now clock.Millis) []Event {
	if reason == "" {
		reason = ReasonManual
	}
	if s.active {
		s.pressureTrip = false
		return nil
	}
	return s.activate(reason, now)
}

// Deactivate clears an active trip and re-enables the engine. Refused while
// the E-stop latch is set.
func (s *Safety) Deactivate(now clock.Millis) ([]Event, error) {
	if s.estopLatched {
		return nil, ErrEStopLatched
	}
	var events []Event
	if s.active {
		events = s.release(now)
	}
	return append(events, s.startEngine(now)...), nil
}

// Lockout blocks every start until ClearLockout.
func (s *Safety) Lockout(reason string, now clock.Millis) []Event {
	if s.lockout && s.lockoutReason == reason {
		return nil
	}
	log.Printf("safety: lockout: %s", reason)
	s.lockout = true
	s.lockoutReason = reason
	return []Event{{Time: now, Kind: KindSafety, Name: EventLockoutEngaged, Reason: reason}}
}

// ClearLockout clears the lockout, the E-stop latch and any active trip.
// It is refused while the physical E-stop is still asserted.
func (s *Safety) ClearLockout(estopAsserted bool, now clock.Millis) ([]Event, error) {
	if estopAsserted {
		return nil, ErrEStopAsserted
	}
	var events []Event
	if s.lockout || s.estopLatched {
		log.Printf("safety: lockout cleared")
		events = append(events, Event{Time: now, Kind: KindSafety, Name: EventLockoutCleared, Reason: s.lockoutReason})
	}
	s.lockout = false
	s.lockoutReason = ""
	s.estopLatched = false
	if s.active {
		events = append(events, s.release(now)...)
	}
	return append(events, s.startEngine(now)...), nil
}

// StatusString renders the one-line safety summary.
func (s *Safety) StatusString() string {
	safety := "OK"
	if s.active {
		safety = "ACTIVE(" + s.reason + ")"
	}
	engine := "RUNNING"
	if s.engineStopped {
		engine = "STOPPED"
	}
	lockout := "NO"
	if s.lockout {
		lockout = "YES(" + s.lockoutReason + ")"
	}
	estop := "OK"
	if s.estopLatched {
		estop = "LATCHED"
	}
	return fmt.Sprintf("safety=%s engine=%s pressure=%.1f threshold=%.1f lockout=%s estop=%s",
		safety, engine, s.lastPressure, s.cfg.ThresholdPSI, lockout, estop)
}

func (s *Safety) activate(reason string, now clock.Millis) []Event {
	log.Printf("safety: SAFETY ACTIVATED: %s", reason)
	s.active = true
	s.reason = reason
	s.pressureTrip = false
	if b, ok := s.relays.(SafetyBlocker); ok {
		b.SetSafety(true)
	}
	s.relays.AllOff()
	events := []Event{{Time: now, Kind: KindSafety, Name: EventSafetyActivated, Reason: reason}}
	return append(events, s.stopEngine(now)...)
}

// release clears the active flag. The engine stays stopped.
func (s *Safety) release(now clock.Millis) []Event {
	reason := s.reason
	s.active = false
	s.reason = ""
	s.pressureTrip = false
	if b, ok := s.relays.(SafetyBlocker); ok {
		b.SetSafety(false)
	}
	return []Event{{Time: now, Kind: KindSafety, Name: EventSafetyCleared, Reason: reason}}
}

func (s *Safety) stopEngine(now clock.Millis) []Event {
	if s.engineStopped {
		return nil
	}
	s.engineStopped = true
	if s.engine != nil {
		if err := s.engine.SetEngineStop(true); err != nil {
			log.Printf("safety: engine stop output: %v", err)
		}
	}
	return []Event{{Time: now, Kind: KindEngine, Name: EventEngineStopped}}
}

func (s *Safety) startEngine(now clock.Millis) []Event {
	if !s.engineStopped {
		return nil
	}
	s.engineStopped = false
	if s.engine != nil {
		if err := s.engine.SetEngineStop(false); err != nil {
			log.Printf("safety: engine stop output: %v", err)
		}
	}
	return []Event{{Time: now, Kind: KindEngine, Name: EventEngineEnabled}}
}
