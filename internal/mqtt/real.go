package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	outboxSize     = 64
	publishTimeout = 5 * time.Second
)

// Options configures the broker connection.
type Options struct {
	Broker     string
	ClientID   string
	Session    string
	BufferSize int      // messages kept while disconnected
	LatestOnly []string // topics where only the newest queued value is replayed
}

// client is the part of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Publish and
// PublishSystem never wait on the network: messages go to a bounded outbox
// drained by a sender goroutine, and to the offline queue when the outbox
// is full or the broker is down.
type RealPublisher struct {
	client  client
	session string

	mu       sync.Mutex
	queue    *offlineQueue
	latest   map[string]bool
	handlers map[string]func(string)

	outbox    chan queuedMsg
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	p := newPublisher(o)

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, WillPayload(o.Session), 1, true).
		SetOnConnectHandler(func(_ paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	c := paho.NewClient(opts)
	p.start(c)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// paho keeps retrying in the background; publishes queue meanwhile
		log.Printf("mqtt: broker %s not reachable yet, queueing until connected", o.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		p.stop()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

func newPublisher(o Options) *RealPublisher {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	p := &RealPublisher{
		session:  o.Session,
		queue:    newOfflineQueue(o.BufferSize),
		latest:   make(map[string]bool, len(o.LatestOnly)),
		handlers: make(map[string]func(string)),
		outbox:   make(chan queuedMsg, outboxSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, t := range o.LatestOnly {
		p.latest[t] = true
	}
	return p
}

// start attaches the client and launches the sender goroutine.
func (p *RealPublisher) start(c client) {
	p.client = c
	go p.sendLoop()
}

// onConnect runs on every (re)connection: restore subscriptions and replay
// anything published while offline.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	handlers := make(map[string]func(string), len(p.handlers))
	for topic, h := range p.handlers {
		handlers[topic] = h
	}
	p.mu.Unlock()

	for topic, h := range handlers {
		if err := p.subscribe(topic, h); err != nil {
			log.Printf("mqtt: resubscribe: %v", err)
		}
	}
	p.wake()
}

// wake asks the sender to replay the offline queue.
func (p *RealPublisher) wake() {
	select {
	case p.outbox <- queuedMsg{}:
	default:
	}
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	m := queuedMsg{topic: topic, payload: payload, qos: qos, retained: retained, latest: p.latest[topic]}
	if p.client.IsConnectionOpen() {
		select {
		case p.outbox <- m:
			return nil
		default:
		}
	}
	p.mu.Lock()
	p.queue.push(m)
	p.mu.Unlock()
	return nil
}

func (p *RealPublisher) sendLoop() {
	defer close(p.stopped)
	for {
		select {
		case m := <-p.outbox:
			p.send(m)
			if len(p.outbox) == 0 {
				p.replay()
			}
		case <-p.done:
			for {
				select {
				case m := <-p.outbox:
					p.send(m)
				default:
					return
				}
			}
		}
	}
}

// replay sends what the offline queue holds once the broker is reachable.
func (p *RealPublisher) replay() {
	if !p.client.IsConnectionOpen() {
		return
	}
	p.mu.Lock()
	pending, dropped := p.queue.drain()
	p.mu.Unlock()

	if len(pending) > 0 || dropped > 0 {
		log.Printf("mqtt: replaying %d queued messages (%d dropped)", len(pending), dropped)
	}
	for _, m := range pending {
		p.send(m)
	}
}

// send writes one message and waits for paho to finish with it. Only the
// sender goroutine calls it.
func (p *RealPublisher) send(m queuedMsg) {
	if m.topic == "" {
		return
	}
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("mqtt: publish %s timeout", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: publish %s: %v", m.topic, err)
	}
}

// Publish sends a telemetry value. QoS 0 (at-most-once), not retained.
func (p *RealPublisher) Publish(topic, value string) error {
	return p.publish(topic, 0, false, []byte(value))
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	if event.Session == "" {
		event.Session = p.session
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// Subscribe registers handler for topic. The subscription is restored on
// every reconnect.
func (p *RealPublisher) Subscribe(topic string, handler func(payload string)) error {
	p.mu.Lock()
	p.handlers[topic] = handler
	p.mu.Unlock()
	if !p.client.IsConnectionOpen() {
		return nil
	}
	return p.subscribe(topic, handler)
}

func (p *RealPublisher) subscribe(topic string, handler func(string)) error {
	token := p.client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		handler(string(m.Payload()))
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Queued returns how many messages are waiting to be sent.
func (p *RealPublisher) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len() + len(p.outbox)
}

// stop ends the sender goroutine, giving it up to two seconds to flush the
// outbox.
func (p *RealPublisher) stop() {
	p.closeOnce.Do(func() { close(p.done) })
	select {
	case <-p.stopped:
	case <-time.After(2 * time.Second):
		log.Printf("mqtt: sender still busy, closing anyway")
	}
}

// Close flushes the outbox and disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.stop()
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
