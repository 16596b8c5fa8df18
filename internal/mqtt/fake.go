package mqtt

import "sync"

// Message is one recorded telemetry publish.
type Message struct {
	Topic string
	Value string
}

// FakePublisher records published messages for test assertions and lets
// tests inject incoming messages.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains all telemetry values that were published.
	Messages []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	// Pending controls the return value of Queued.
	Pending int

	handlers map[string]func(string)
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{handlers: make(map[string]func(string))}
}

// Publish records the telemetry value.
func (f *FakePublisher) Publish(topic, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Message{Topic: topic, Value: value})
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Subscribe records handler for topic.
func (f *FakePublisher) Subscribe(topic string, handler func(payload string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

// Deliver simulates an incoming message. Reports whether a handler was registered.
func (f *FakePublisher) Deliver(topic, payload string) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(payload)
	}
	return ok
}

// Values returns every value published to topic, in order.
func (f *FakePublisher) Values(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m.Value)
		}
	}
	return out
}

// Last returns the most recent value published to topic.
func (f *FakePublisher) Last(topic string) (string, bool) {
	v := f.Values(topic)
	if len(v) == 0 {
		return "", false
	}
	return v[len(v)-1], true
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Queued returns Pending.
func (f *FakePublisher) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pending
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
	f.Pending = 0
}
