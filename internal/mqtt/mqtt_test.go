package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	if TopicSystem != "r4/system/events" {
		t.Errorf("unexpected system topic %q", TopicSystem)
	}
	if TopicControl != "r4/control" || TopicControlResp != "r4/control/resp" {
		t.Errorf("unexpected control topics %q %q", TopicControl, TopicControlResp)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
		Session:   "abc",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	want := `{"system":{"timestamp":"2026-01-01T12:00:00Z","event":"SHUTDOWN","reason":"SIGTERM","session":"abc"}}`
	if string(payload) != want {
		t.Errorf("expected %s, got %s", want, payload)
	}
}

func TestFormatSystemPayloadOmitsEmpty(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Event: "RECONNECTED"})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	if string(payload) != `{"system":{"event":"RECONNECTED"}}` {
		t.Errorf("unexpected payload %s", payload)
	}
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("BST", 3600)
	payload, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 6, 1, 13, 0, 0, 0, loc),
		Event:     "HEARTBEAT",
	})

	var decoded SystemPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.System.Timestamp != "2026-06-01T12:00:00Z" {
		t.Errorf("expected UTC timestamp, got %s", decoded.System.Timestamp)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"STARTUP","config":{}}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "ignored", RawPayload: raw})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("expected raw payload passthrough, got %s", payload)
	}
}

func TestWillPayloadFormat(t *testing.T) {
	var decoded SystemPayload
	if err := json.Unmarshal(WillPayload("s-1"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.System.Event != "SHUTDOWN" || decoded.System.Reason != "LWT" || decoded.System.Session != "s-1" {
		t.Errorf("unexpected will payload %+v", decoded.System)
	}
	if decoded.System.Timestamp != "" {
		t.Error("will payload must not carry a stale timestamp")
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	f.Publish("r4/sequence/event", "started_R1")
	f.Publish("r4/pressure", "100.0")
	f.Publish("r4/sequence/event", "complete_pressure_or_limit")

	got := f.Values("r4/sequence/event")
	if len(got) != 2 || got[0] != "started_R1" || got[1] != "complete_pressure_or_limit" {
		t.Errorf("unexpected events %v", got)
	}
	if v, ok := f.Last("r4/pressure"); !ok || v != "100.0" {
		t.Errorf("unexpected last pressure %q %v", v, ok)
	}
	if _, ok := f.Last("r4/nothing"); ok {
		t.Error("expected no value for an unused topic")
	}
	if len(f.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(f.Messages))
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.Publish("r4/pressure", "1"); err == nil {
		t.Error("expected publish error")
	}
	if err := f.PublishSystem(SystemEvent{Event: "HEARTBEAT"}); err == nil {
		t.Error("expected publish system error")
	}
	if len(f.Messages) != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes must not be recorded")
	}
}

func TestFakePublisherPublishSystem(t *testing.T) {
	f := NewFakePublisher()
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}
	if len(f.SystemEvents) != 1 || !f.SystemEvents[0].Retained {
		t.Errorf("expected one retained system event, got %+v", f.SystemEvents)
	}
	if string(f.SystemPayloads[0]) != `{"system":{"event":"STARTUP"}}` {
		t.Errorf("unexpected payload %s", f.SystemPayloads[0])
	}
}

func TestFakePublisherDeliver(t *testing.T) {
	f := NewFakePublisher()
	var got []string
	f.Subscribe(TopicControl, func(p string) { got = append(got, p) })

	if !f.Deliver(TopicControl, "show") {
		t.Fatal("expected handler to be registered")
	}
	if f.Deliver("r4/other", "x") {
		t.Error("expected no handler for an unsubscribed topic")
	}
	if len(got) != 1 || got[0] != "show" {
		t.Errorf("unexpected deliveries %v", got)
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish("r4/pressure", "1")
	f.PublishSystem(SystemEvent{Event: "STARTUP"})
	f.Connected = true
	f.Close()

	f.Reset()
	if len(f.Messages) != 0 || len(f.SystemEvents) != 0 || f.Closed || f.IsConnected() {
		t.Error("Reset should clear all recorded state")
	}

	f.Publish("r4/pressure", "2")
	if v, _ := f.Last("r4/pressure"); v != "2" {
		t.Error("publisher should be reusable after Reset")
	}
}
