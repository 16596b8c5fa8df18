package logic

import "github.com/sweeney/splitter-core/internal/clock"

// Channel names one of the two pressure inputs.
type Channel int

const (
	ChannelMain Channel = iota
	ChannelFilter
)

// String returns the telemetry name of the channel.
func (c Channel) String() string {
	if c == ChannelFilter {
		return "hydraulic_filter"
	}
	return "hydraulic_system"
}

// Config is the complete tunable configuration of the core.
type Config struct {
	Main     Calibration
	Filter   Calibration
	Sequence SequenceConfig
	Safety   SafetyConfig
}

// DefaultConfig returns the factory defaults.
func DefaultConfig() Config {
	return Config{
		Main:     DefaultMainCalibration(),
		Filter:   DefaultFilterCalibration(),
		Sequence: DefaultSequenceConfig(),
		Safety:   DefaultSafetyConfig(),
	}
}

// Status is a point-in-time view of the core.
type Status struct {
	Now           clock.Millis
	State         SequenceState
	Stage         int
	Active        bool
	Manual        bool
	Elapsed       uint32
	Outcome       Outcome
	Main          Reading
	Filter        Reading
	SafetyActive  bool
	SafetyReason  string
	EngineStopped bool
	LockedOut     bool
	LockoutReason string
	EStopLatched  bool
	ExtendRelay   bool
	RetractRelay  bool
	Inputs        Inputs

	SequenceStatus string
	SafetyStatus   string
}

// Core owns the pressure channels, the sequence and the safety monitor and
// advances them together once per tick. It is not safe for concurrent use;
// a single control goroutine drives it.
type Core struct {
	main   PressureChannel
	filter PressureChannel
	seq    Sequence
	safety Safety
	relays RelayActuator
	last   Inputs
}

// NewCore wires a core to its output collaborators. engine may be nil.
func NewCore(cfg Config, relays RelayActuator, engine EngineStop) *Core {
	return &Core{
		main:   PressureChannel{cal: cfg.Main},
		filter: PressureChannel{cal: cfg.Filter},
		seq:    *NewSequence(cfg.Sequence, relays),
		safety: *NewSafety(cfg.Safety, relays, engine),
		relays: relays,
	}
}

// Tick runs one control cycle: sample pressures, evaluate safety, then the
// sequence. Safety always wins within a tick.
func (c *Core) Tick(in Inputs) []Event {
	c.last = in
	m := c.main.Sample(in.MainRaw)
	c.filter.Sample(in.FilterRaw)

	trip, events := c.safety.Update(m.PSI, in.ExtendLimit || in.RetractLimit, in.EStop, in.Now)
	if trip != "" && c.seq.Active() {
		events = append(events, c.seq.Abort(trip, in.Now)...)
	}

	for _, ev := range c.seq.Update(in, m.PSI, &c.safety) {
		events = append(events, ev)
		if ev.Kind == KindSequence && ev.Reason == ReasonTimeout {
			events = append(events, c.safety.Lockout(ReasonTimeout, in.Now)...)
		}
	}
	return events
}

// StartManual begins an operator move using the most recent tick's inputs.
func (c *Core) StartManual(d Direction) ([]Event, error) {
	return c.seq.StartManual(d, c.last.ExtendLimit, c.last.RetractLimit, c.main.Last().PSI, c.last.Now, &c.safety)
}

// StopManual ends an operator move.
func (c *Core) StopManual() ([]Event, error) {
	return c.seq.StopManual(c.last.Now)
}

// Abort stops any cycle or move immediately.
func (c *Core) Abort() []Event {
	return c.seq.Abort(ReasonManualAbort, c.last.Now)
}

// Reset returns the sequence to Idle.
func (c *Core) Reset() []Event {
	return c.seq.Reset(c.last.Now)
}

// ClearLockout clears lockout and the E-stop latch. Refused while the
// E-stop input is asserted.
func (c *Core) ClearLockout() ([]Event, error) {
	return c.safety.ClearLockout(c.last.EStop, c.last.Now)
}

// ActivateSafety trips the safety monitor on operator request.
func (c *Core) ActivateSafety(reason string) []Event {
	events := c.safety.Activate(reason, c.last.Now)
	if len(events) > 0 && c.seq.Active() {
		events = append(events, c.seq.Abort(c.safety.Reason(), c.last.Now)...)
	}
	return events
}

// InputFault stops all motion when the inputs could not be read this tick.
// The sequence returns to Idle and the safety monitor stays active until an
// operator clears it, so nothing re-energises once reads recover.
func (c *Core) InputFault(reason string, now clock.Millis) []Event {
	if reason == "" {
		reason = ReasonInputFault
	}
	events := c.safety.Activate(reason, now)
	if c.seq.Active() {
		events = append(events, c.seq.Abort(reason, now)...)
	}
	return events
}

// DeactivateSafety clears an operator or pressure trip.
func (c *Core) DeactivateSafety() ([]Event, error) {
	return c.safety.Deactivate(c.last.Now)
}

// CanStart reports whether a new cycle may begin.
func (c *Core) CanStart() error { return c.safety.CanStart() }

// Config returns the active configuration.
func (c *Core) Config() Config {
	return Config{
		Main:     c.main.Calibration(),
		Filter:   c.filter.Calibration(),
		Sequence: c.seq.Config(),
		Safety:   c.safety.Config(),
	}
}

// Apply pushes a complete configuration into the running core.
func (c *Core) Apply(cfg Config) {
	c.SetCalibration(ChannelMain, cfg.Main)
	c.SetCalibration(ChannelFilter, cfg.Filter)
	c.seq.SetConfig(cfg.Sequence)
	c.safety.SetConfig(cfg.Safety)
}

// SetCalibration replaces one channel's calibration.
func (c *Core) SetCalibration(ch Channel, cal Calibration) {
	if ch == ChannelFilter {
		c.filter.SetCalibration(cal)
		return
	}
	c.main.SetCalibration(cal)
}

// SetThresholds sets the limit-detection and safety trip pressures.
func (c *Core) SetThresholds(extend, retract, safety float64) {
	cfg := c.seq.Config()
	cfg.ExtendThresholdPSI = extend
	cfg.RetractThresholdPSI = retract
	c.seq.SetConfig(cfg)
	s := c.safety.Config()
	s.ThresholdPSI = safety
	c.safety.SetConfig(s)
}

func (c *Core) SetStableTime(ms uint32)      { c.seq.SetStableTime(ms) }
func (c *Core) SetStartStableTime(ms uint32) { c.seq.SetStartStableTime(ms) }
func (c *Core) SetTimeout(ms uint32)         { c.seq.SetTimeout(ms) }

// Status returns a snapshot as of the most recent tick.
func (c *Core) Status() Status {
	now := c.last.Now
	return Status{
		Now:            now,
		State:          c.seq.State(),
		Stage:          c.seq.Stage(),
		Active:         c.seq.Active(),
		Manual:         c.seq.Manual(),
		Elapsed:        c.seq.Elapsed(now),
		Outcome:        c.seq.LastOutcome(),
		Main:           c.main.Last(),
		Filter:         c.filter.Last(),
		SafetyActive:   c.safety.Active(),
		SafetyReason:   c.safety.Reason(),
		EngineStopped:  c.safety.EngineStopped(),
		LockedOut:      c.safety.LockedOut(),
		LockoutReason:  c.safety.LockoutReason(),
		EStopLatched:   c.safety.EStopLatched(),
		ExtendRelay:    c.relays.State(RelayExtend),
		RetractRelay:   c.relays.State(RelayRetract),
		Inputs:         c.last,
		SequenceStatus: c.seq.StatusString(now),
		SafetyStatus:   c.safety.StatusString(),
	}
}
