// Package telemetry maps core events and status snapshots onto MQTT topics.
package telemetry

import (
	"fmt"
	"log"
	"strings"

	"github.com/sweeney/splitter-core/internal/input"
	"github.com/sweeney/splitter-core/internal/logic"
	"github.com/sweeney/splitter-core/internal/mqtt"
)

// Topics.
const (
	TopicSequenceEvent   = "r4/sequence/event"
	TopicSequenceState   = "r4/sequence/state"
	TopicSequenceStage   = "r4/sequence/stage"
	TopicSequenceActive  = "r4/sequence/active"
	TopicSequenceElapsed = "r4/sequence/elapsed"
	TopicSequenceStatus  = "r4/sequence/status"
	TopicPressure        = "r4/pressure"
	TopicPressureStatus  = "r4/pressure/status"
	TopicSafetyEvent     = "r4/safety/event"
	TopicSafetyStatus    = "r4/safety/status"
	TopicEngineStopped   = "r4/engine/stopped"
	TopicRelayStatus     = "r4/relays/status"

	topicPressurePrefix = "r4/pressure/"
	topicInputsPrefix   = "r4/inputs/"
)

// PressureTopic returns the per-channel pressure topic.
func PressureTopic(ch logic.Channel) string {
	return topicPressurePrefix + ch.String()
}

// InputTopic returns the topic for a debounced input line.
func InputTopic(line int) string {
	return fmt.Sprintf("%s%d", topicInputsPrefix, line)
}

// Periodic lists the topics that are republished every status interval.
// Only the newest value of each is worth keeping while offline.
func Periodic() []string {
	return []string{
		TopicSequenceStage,
		TopicSequenceActive,
		TopicSequenceElapsed,
		TopicSequenceStatus,
		TopicPressure,
		PressureTopic(logic.ChannelMain),
		PressureTopic(logic.ChannelFilter),
		TopicPressureStatus,
		TopicSafetyStatus,
		TopicRelayStatus,
	}
}

// Publisher is the telemetry sink.
type Publisher interface {
	Publish(topic, value string) error
}

// Reporter publishes telemetry. Failures are logged and never returned;
// the control loop must keep running without a broker.
type Reporter struct {
	pub Publisher
}

// NewReporter creates a reporter publishing to pub.
func NewReporter(pub Publisher) *Reporter {
	return &Reporter{pub: pub}
}

func (r *Reporter) publish(topic, value string) {
	if err := r.pub.Publish(topic, value); err != nil {
		log.Printf("telemetry: publish %s: %v", topic, err)
	}
}

// Events publishes core events. Each event is published once.
func (r *Reporter) Events(events []logic.Event) {
	for _, e := range events {
		switch e.Kind {
		case logic.KindSequence:
			r.publish(TopicSequenceEvent, EventPayload(e))
			if e.State != "" {
				r.publish(TopicSequenceState, e.State)
			}
		case logic.KindSafety:
			r.publish(TopicSafetyEvent, EventPayload(e))
		case logic.KindEngine:
			r.publish(TopicEngineStopped, boolPayload(e.Name == logic.EventEngineStopped))
		}
	}
}

// EventPayload renders an event, appending the reason unless the name
// already carries it.
func EventPayload(e logic.Event) string {
	if e.Reason == "" || strings.HasSuffix(e.Name, e.Reason) {
		return e.Name
	}
	return e.Name + " " + e.Reason
}

// Status publishes the periodic values.
func (r *Reporter) Status(st logic.Status, relays string) {
	r.publish(TopicSequenceStage, fmt.Sprintf("%d", st.Stage))
	r.publish(TopicSequenceActive, boolPayload(st.Active))
	r.publish(TopicSequenceElapsed, fmt.Sprintf("%d", st.Elapsed))
	r.publish(TopicSequenceStatus, st.SequenceStatus)
	r.publish(TopicPressure, formatPSI(st.Main.PSI))
	r.publish(PressureTopic(logic.ChannelMain), formatPSI(st.Main.PSI))
	r.publish(PressureTopic(logic.ChannelFilter), formatPSI(st.Filter.PSI))
	r.publish(TopicPressureStatus, PressureStatus(st))
	r.publish(TopicSafetyStatus, st.SafetyStatus)
	if relays != "" {
		r.publish(TopicRelayStatus, relays)
	}
}

// PressureStatus is the one-line pressure summary.
func PressureStatus(st logic.Status) string {
	return fmt.Sprintf("%s=%.1f psi (%.3f V) %s=%.1f psi (%.3f V)",
		logic.ChannelMain, st.Main.PSI, st.Main.Volts,
		logic.ChannelFilter, st.Filter.PSI, st.Filter.Volts)
}

// Inputs publishes debounced input changes.
func (r *Reporter) Inputs(changes []input.Change) {
	for _, c := range changes {
		r.publish(InputTopic(c.Line), c.Payload())
	}
}

// Response publishes a command response.
func (r *Reporter) Response(resp string) {
	r.publish(mqtt.TopicControlResp, resp)
}

func boolPayload(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatPSI(psi float64) string {
	return fmt.Sprintf("%.1f", psi)
}
