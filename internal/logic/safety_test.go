package logic

import (
	"errors"
	"testing"
)

func newTestSafety(t *testing.T) (*Safety, *fakeRelays, *fakeEngine) {
	t.Helper()
	relays := newFakeRelays()
	engine := &fakeEngine{}
	return NewSafety(DefaultSafetyConfig(), relays, engine), relays, engine
}

func TestPressureTripAndHysteresis(t *testing.T) {
	s, relays, engine := newTestSafety(t)
	relays.state[RelayExtend] = true

	if trip, events := s.Update(2499.9, false, false, 0); trip != "" || len(events) != 0 {
		t.Fatalf("expected no trip below threshold, got %q %v", trip, eventNames(events))
	}

	trip, events := s.Update(2500, false, false, 10)
	if trip != ReasonPressureThreshold {
		t.Fatalf("expected %s, got %q", ReasonPressureThreshold, trip)
	}
	if !hasEvent(events, EventSafetyActivated) || !hasEvent(events, EventEngineStopped) {
		t.Errorf("expected activation and engine stop events, got %v", eventNames(events))
	}
	if relays.State(RelayExtend) || !relays.safety || relays.allOffs != 1 {
		t.Errorf("expected all off with safety block, got state=%v safety=%v allOffs=%d", relays.state, relays.safety, relays.allOffs)
	}
	if !engine.stopped {
		t.Error("expected engine stop output on")
	}

	// still within the hysteresis band
	if trip, _ := s.Update(2495, false, false, 20); trip != "" || !s.Active() {
		t.Fatal("expected safety to stay active above threshold-hysteresis")
	}
	if err := s.CanStart(); !errors.Is(err, ErrSafetyActive) {
		t.Errorf("expected ErrSafetyActive, got %v", err)
	}

	_, events = s.Update(2489.9, false, false, 30)
	if s.Active() || !hasEvent(events, EventSafetyCleared) {
		t.Fatalf("expected clear below threshold-hysteresis, got %v", eventNames(events))
	}
	if relays.safety {
		t.Error("expected safety block released")
	}
	if !s.EngineStopped() || !engine.stopped {
		t.Error("engine stop must stay latched after an automatic clear")
	}
}

func TestNoRetripWhileActive(t *testing.T) {
	s, relays, _ := newTestSafety(t)
	s.Update(2600, false, false, 0)
	if trip, events := s.Update(2700, false, false, 10); trip != "" || len(events) != 0 {
		t.Errorf("expected no repeat trip, got %q %v", trip, eventNames(events))
	}
	if relays.allOffs != 1 {
		t.Errorf("expected a single all-off, got %d", relays.allOffs)
	}
}

func TestPressureAtLimitTolerance(t *testing.T) {
	tests := []struct {
		name     string
		steps    []float64
		wantTrip bool
		active   bool
	}{
		{name: "normal dead-head tolerated", steps: []float64{2600, 2699.9}, active: false},
		{name: "extreme pressure trips", steps: []float64{2700}, wantTrip: true, active: true},
		{name: "stays active above release", steps: []float64{2700, 2650}, wantTrip: true, active: true},
		{name: "clears below release", steps: []float64{2700, 2649.9}, wantTrip: true, active: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSafety(t)
			tripped := false
			for i, psi := range tt.steps {
				trip, _ := s.Update(psi, true, false, 0)
				if trip != "" {
					tripped = true
					if trip != ReasonExtremePressureAtLimit {
						t.Errorf("step %d: expected %s, got %s", i, ReasonExtremePressureAtLimit, trip)
					}
				}
			}
			if tripped != tt.wantTrip {
				t.Errorf("expected tripped=%v, got %v", tt.wantTrip, tripped)
			}
			if s.Active() != tt.active {
				t.Errorf("expected active=%v, got %v", tt.active, s.Active())
			}
		})
	}
}

func TestEStopLatch(t *testing.T) {
	s, relays, engine := newTestSafety(t)

	trip, events := s.Update(0, false, true, 0)
	if trip != ReasonEmergencyStop {
		t.Fatalf("expected %s, got %q", ReasonEmergencyStop, trip)
	}
	if !hasEvent(events, EventEmergencyStopTrip) || !hasEvent(events, EventSafetyActivated) {
		t.Errorf("unexpected events %v", eventNames(events))
	}
	if !engine.stopped || !relays.safety {
		t.Error("expected engine stopped and relays blocked")
	}

	// holding the button does not re-trip
	if trip, _ := s.Update(0, false, true, 10); trip != "" {
		t.Errorf("expected no repeated trip, got %q", trip)
	}

	// physical release leaves the latch set
	s.Update(0, false, false, 20)
	if !s.EStopLatched() || !s.Active() {
		t.Fatal("E-stop latch must survive physical release")
	}
	if err := s.CanStart(); !errors.Is(err, ErrEStopLatched) {
		t.Errorf("expected ErrEStopLatched, got %v", err)
	}
	if _, err := s.Deactivate(30); !errors.Is(err, ErrEStopLatched) {
		t.Errorf("expected Deactivate to be refused, got %v", err)
	}
}

func TestEStopDuringPressureTrip(t *testing.T) {
	s, _, _ := newTestSafety(t)
	s.Update(2600, false, false, 0)

	trip, _ := s.Update(2600, false, true, 10)
	if trip != ReasonEmergencyStop || s.Reason() != ReasonEmergencyStop {
		t.Fatalf("expected E-stop to take over the trip reason, got %q/%q", trip, s.Reason())
	}
	// pressure recovery must not clear an E-stop trip
	s.Update(0, false, false, 20)
	if !s.Active() {
		t.Error("expected safety to stay active until the latch is cleared")
	}
}

func TestClearLockout(t *testing.T) {
	s, relays, engine := newTestSafety(t)
	s.Update(0, false, true, 0)

	if _, err := s.ClearLockout(true, 10); !errors.Is(err, ErrEStopAsserted) {
		t.Fatalf("expected ErrEStopAsserted, got %v", err)
	}

	events, err := s.ClearLockout(false, 20)
	if err != nil {
		t.Fatalf("ClearLockout: %v", err)
	}
	for _, name := range []string{EventLockoutCleared, EventSafetyCleared, EventEngineEnabled} {
		if !hasEvent(events, name) {
			t.Errorf("expected %s in %v", name, eventNames(events))
		}
	}
	if s.Active() || s.EStopLatched() || s.EngineStopped() || engine.stopped || relays.safety {
		t.Error("expected everything cleared")
	}
	if err := s.CanStart(); err != nil {
		t.Errorf("expected starts allowed, got %v", err)
	}
}

func TestLockout(t *testing.T) {
	s, _, engine := newTestSafety(t)

	events := s.Lockout(ReasonTimeout, 0)
	if len(events) != 1 || events[0].Name != EventLockoutEngaged {
		t.Fatalf("expected lockout event, got %v", eventNames(events))
	}
	if err := s.CanStart(); !errors.Is(err, ErrLockedOut) {
		t.Errorf("expected ErrLockedOut, got %v", err)
	}
	if engine.calls != 0 {
		t.Error("a timeout lockout must not stop the engine")
	}
	if events := s.Lockout(ReasonTimeout, 10); len(events) != 0 {
		t.Error("repeated lockout with the same reason should be silent")
	}

	if _, err := s.ClearLockout(false, 20); err != nil {
		t.Fatalf("ClearLockout: %v", err)
	}
	if s.LockedOut() {
		t.Error("expected lockout cleared")
	}
}

func TestActivateAndDeactivate(t *testing.T) {
	s, relays, _ := newTestSafety(t)

	events := s.Activate("", 0)
	if !hasEvent(events, EventSafetyActivated) || s.Reason() != ReasonManual {
		t.Fatalf("expected manual activation, got %v reason %q", eventNames(events), s.Reason())
	}
	// operator trips do not auto-clear
	s.Update(0, false, false, 10)
	if !s.Active() {
		t.Fatal("operator activation must not auto-clear")
	}

	events, err := s.Deactivate(20)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if s.Active() || relays.safety || s.EngineStopped() {
		t.Error("expected deactivate to clear safety and restart the engine")
	}
	if !hasEvent(events, EventEngineEnabled) {
		t.Errorf("expected engine enabled event, got %v", eventNames(events))
	}
}

func TestSafetyStatusString(t *testing.T) {
	s, _, _ := newTestSafety(t)
	s.Update(1234.56, false, false, 0)
	want := "safety=OK engine=RUNNING pressure=1234.6 threshold=2500.0 lockout=NO estop=OK"
	if got := s.StatusString(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	s.Update(0, false, true, 10)
	s.Lockout(ReasonTimeout, 10)
	want = "safety=ACTIVE(emergency_stop) engine=STOPPED pressure=0.0 threshold=2500.0 lockout=YES(timeout) estop=LATCHED"
	if got := s.StatusString(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
