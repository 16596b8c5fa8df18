// Package mqtt provides MQTT publishing and command subscription with
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// Topics shared by the daemon.
const (
	// TopicSystem carries system lifecycle events (STARTUP, SHUTDOWN, ...).
	TopicSystem = "r4/system/events"
	// TopicControl receives text commands.
	TopicControl = "r4/control"
	// TopicControlResp carries command responses and safety notices.
	TopicControlResp = "r4/control/resp"
)

// Publisher publishes telemetry to MQTT.
type Publisher interface {
	// Publish sends a plain string value to topic.
	// Returns error if publishing fails (should not crash the process).
	Publish(topic, value string) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber delivers incoming messages for a topic.
type Subscriber interface {
	Subscribe(topic string, handler func(payload string)) error
}

// ConnectionStatus reports whether the MQTT connection is active and how
// much is waiting for it.
type ConnectionStatus interface {
	IsConnected() bool
	Queued() int
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	Session    string // boot session id
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Session   string `json:"session,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:   event.Event,
		Reason:  event.Reason,
		Session: event.Session,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// WillPayload is the last-will message the broker publishes if the
// connection drops without a clean shutdown.
func WillPayload(session string) []byte {
	b, _ := FormatSystemPayload(SystemEvent{Event: "SHUTDOWN", Reason: "LWT", Session: session})
	return b
}
