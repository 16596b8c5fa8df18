// Package status provides a thread-safe status tracker for the splitter
// daemon. It is read by the HTTP handlers and the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/splitter-core/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	PollMs           int
	StatusIntervalMs int
	HeartbeatSec     int
	Broker           string
	HTTPAddr         string
	FaultDB          string
}

// Faults summarizes the error manager.
type Faults struct {
	Count   int
	Pattern string
	List    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Core          logic.Status
	Relays        string
	Faults        Faults
	Baselined     bool
	Session       string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTQueued    int
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, boot session and config.
func NewTracker(startTime time.Time, session string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Session:   session,
			Config:    cfg,
		},
	}
}

// Update stores the core status, input baseline and relay summary.
// Called from runLoop on every tick.
func (t *Tracker) Update(core logic.Status, baselined bool, relays string) {
	t.mu.Lock()
	t.snap.Core = core
	t.snap.Baselined = baselined
	t.snap.Relays = relays
	t.mu.Unlock()
}

// SetFaults stores the error manager summary.
func (t *Tracker) SetFaults(f Faults) {
	t.mu.Lock()
	t.snap.Faults = f
	t.mu.Unlock()
}

// SetMQTT sets the MQTT connection status and offline queue depth.
func (t *Tracker) SetMQTT(connected bool, queued int) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.snap.MQTTQueued = queued
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
