package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Session       string       `json:"session"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Sequence      SequenceJSON `json:"sequence"`
	Pressure      PressureJSON `json:"pressure"`
	Safety        SafetyJSON   `json:"safety"`
	Relays        string       `json:"relays"`
	Faults        FaultsJSON   `json:"faults"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Config        ConfigJSON   `json:"config"`
}

// SequenceJSON reports the sequence state machine.
type SequenceJSON struct {
	State        string `json:"state"`
	Stage        int    `json:"stage"`
	Active       bool   `json:"active"`
	Manual       bool   `json:"manual"`
	ElapsedMs    uint32 `json:"elapsed_ms"`
	LastOutcome  string `json:"last_outcome,omitempty"`
	LastReason   string `json:"last_reason,omitempty"`
	ExtendRelay  bool   `json:"extend_relay"`
	RetractRelay bool   `json:"retract_relay"`
	StatusLine   string `json:"status_line"`
}

// PressureJSON reports both pressure channels.
type PressureJSON struct {
	SystemPSI   float64 `json:"hydraulic_system_psi"`
	SystemVolts float64 `json:"hydraulic_system_volts"`
	FilterPSI   float64 `json:"hydraulic_filter_psi"`
	FilterVolts float64 `json:"hydraulic_filter_volts"`
}

// SafetyJSON reports the safety monitor.
type SafetyJSON struct {
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
	EngineStopped bool   `json:"engine_stopped"`
	LockedOut     bool   `json:"locked_out"`
	LockoutReason string `json:"lockout_reason,omitempty"`
	EStopLatched  bool   `json:"estop_latched"`
	StatusLine    string `json:"status_line"`
}

// FaultsJSON reports the error manager.
type FaultsJSON struct {
	Count   int    `json:"count"`
	Pattern string `json:"mil"`
	List    string `json:"list,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Queued    int    `json:"queued"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs           int    `json:"poll_ms"`
	StatusIntervalMs int    `json:"status_interval_ms"`
	HeartbeatSec     int    `json:"heartbeat_sec"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
	FaultDB          string `json:"fault_db,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Core
	state := string(c.State)
	if state == "" {
		state = "UNKNOWN"
	}
	return StatusInner{
		Session:       snap.Session,
		Ready:         snap.Baselined,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Sequence: SequenceJSON{
			State:        state,
			Stage:        c.Stage,
			Active:       c.Active,
			Manual:       c.Manual,
			ElapsedMs:    c.Elapsed,
			LastOutcome:  string(c.Outcome.State),
			LastReason:   c.Outcome.Reason,
			ExtendRelay:  c.ExtendRelay,
			RetractRelay: c.RetractRelay,
			StatusLine:   c.SequenceStatus,
		},
		Pressure: PressureJSON{
			SystemPSI:   c.Main.PSI,
			SystemVolts: c.Main.Volts,
			FilterPSI:   c.Filter.PSI,
			FilterVolts: c.Filter.Volts,
		},
		Safety: SafetyJSON{
			Active:        c.SafetyActive,
			Reason:        c.SafetyReason,
			EngineStopped: c.EngineStopped,
			LockedOut:     c.LockedOut,
			LockoutReason: c.LockoutReason,
			EStopLatched:  c.EStopLatched,
			StatusLine:    c.SafetyStatus,
		},
		Relays: snap.Relays,
		Faults: FaultsJSON{
			Count:   snap.Faults.Count,
			Pattern: snap.Faults.Pattern,
			List:    snap.Faults.List,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker, Queued: snap.MQTTQueued},
		Config: ConfigJSON{
			PollMs:           snap.Config.PollMs,
			StatusIntervalMs: snap.Config.StatusIntervalMs,
			HeartbeatSec:     snap.Config.HeartbeatSec,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
			FaultDB:          snap.Config.FaultDB,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
