// Package faults tracks latched system errors, drives the malfunction
// indicator lamp (MIL) and records every change in a history store.
package faults

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/splitter-core/internal/clock"
)

// Code is one bit of the active error mask.
type Code uint8

const (
	EEPROMCRC         Code = 0x01
	EEPROMSave        Code = 0x02
	SensorFault       Code = 0x04
	NetworkPersistent Code = 0x08
	ConfigInvalid     Code = 0x10
	MemoryLow         Code = 0x20
	HardwareFault     Code = 0x40
	SequenceTimeout   Code = 0x80
)

// critical errors blink the MIL fast regardless of acknowledgement.
const critical = EEPROMCRC | MemoryLow | HardwareFault

// Description returns the operator-facing text for a single code.
func (c Code) Description() string {
	switch c {
	case EEPROMCRC:
		return "EEPROM CRC validation failed"
	case EEPROMSave:
		return "EEPROM save operation failed"
	case SensorFault:
		return "Pressure sensor malfunction"
	case NetworkPersistent:
		return "Network connection persistently failed"
	case ConfigInvalid:
		return "Configuration parameters invalid"
	case MemoryLow:
		return "Memory allocation issues"
	case HardwareFault:
		return "General hardware fault"
	case SequenceTimeout:
		return "Sequence operation timeout"
	}
	return "Unknown error"
}

// ParseCode accepts a single code as hex ("0x80") or decimal ("128").
func ParseCode(s string) (Code, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v == 0 || bits.OnesCount64(v) != 1 {
		return 0, fmt.Errorf("invalid error code %q", s)
	}
	return Code(v), nil
}

// Pattern is the MIL blink pattern.
type Pattern string

const (
	PatternOff   Pattern = "OFF"
	PatternSolid Pattern = "SOLID"
	PatternSlow  Pattern = "SLOW"
	PatternFast  Pattern = "FAST"
)

// Blink half-periods.
const (
	SlowBlinkMs = 2000
	FastBlinkMs = 500
)

// Telemetry topics.
const (
	TopicError      = "r4/system/error"
	TopicErrorCount = "r4/system/error_count"
)

// ErrNotActive is returned when acknowledging an error that is not set.
var ErrNotActive = errors.New("error not active")

// Publisher is the telemetry sink for error notices.
type Publisher interface {
	Publish(topic, value string) error
}

// Lamp drives the MIL output.
type Lamp interface {
	Set(line int, high bool) error
}

// Options wires a Manager to its collaborators. Every field may be nil.
type Options struct {
	History History
	Pub     Publisher
	Lamp    Lamp
	LampPin int
	Now     func() time.Time // wall clock for history entries
}

// Manager holds the active and acknowledged error masks.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	active  Code
	acked   Code
	since   clock.Millis // first error of the current episode
	ledOn   bool
	toggled clock.Millis
}

// NewManager creates a manager with no active errors.
func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts}
}

// Set latches an error. desc may be empty to use the default description.
func (m *Manager) Set(code Code, desc string, now clock.Millis) {
	if desc == "" {
		desc = code.Description()
	}
	m.mu.Lock()
	if m.active == 0 {
		m.since = now
	}
	m.active |= code
	count := bits.OnesCount8(uint8(m.active))
	m.mu.Unlock()

	log.Printf("faults: ERROR 0x%02X - %s", uint8(code), desc)
	m.record(code, "set", desc)
	if m.opts.Pub != nil {
		if err := m.opts.Pub.Publish(TopicError, fmt.Sprintf("0x%02X: %s", uint8(code), desc)); err != nil {
			log.Printf("faults: publish error: %v", err)
		}
		if err := m.opts.Pub.Publish(TopicErrorCount, strconv.Itoa(count)); err != nil {
			log.Printf("faults: publish error count: %v", err)
		}
	}
	m.Update(now)
}

// Acknowledge marks an active error as seen by the operator.
func (m *Manager) Acknowledge(code Code, now clock.Millis) error {
	m.mu.Lock()
	if m.active&code == 0 {
		m.mu.Unlock()
		return fmt.Errorf("0x%02X: %w", uint8(code), ErrNotActive)
	}
	m.acked |= code
	m.mu.Unlock()

	log.Printf("faults: acknowledged error 0x%02X", uint8(code))
	m.record(code, "ack", "")
	m.Update(now)
	return nil
}

// Clear removes an error and its acknowledgement.
func (m *Manager) Clear(code Code, now clock.Millis) {
	m.mu.Lock()
	if m.active&code == 0 {
		m.mu.Unlock()
		return
	}
	m.active &^= code
	m.acked &^= code
	m.mu.Unlock()

	log.Printf("faults: cleared error 0x%02X", uint8(code))
	m.record(code, "clear", "")
	m.Update(now)
}

// ClearAll removes every error.
func (m *Manager) ClearAll(now clock.Millis) {
	m.mu.Lock()
	active := m.active
	m.active, m.acked = 0, 0
	m.mu.Unlock()

	if active == 0 {
		return
	}
	log.Printf("faults: clearing all errors")
	for _, c := range codes(active) {
		m.record(c, "clear", "")
	}
	m.Update(now)
}

// Active returns the active mask.
func (m *Manager) Active() Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Count returns the number of active errors.
func (m *Manager) Count() int {
	return bits.OnesCount8(uint8(m.Active()))
}

// Pattern returns the MIL pattern for the current masks.
func (m *Manager) Pattern() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pattern()
}

func (m *Manager) pattern() Pattern {
	switch {
	case m.active == 0:
		return PatternOff
	case m.active&critical != 0:
		return PatternFast
	}
	unacked := bits.OnesCount8(uint8(m.active &^ m.acked))
	switch {
	case unacked > 1:
		return PatternSlow
	case unacked == 1:
		return PatternSolid
	}
	// all acknowledged but still active
	return PatternSlow
}

// Update drives the MIL. Call it every tick.
func (m *Manager) Update(now clock.Millis) {
	m.mu.Lock()
	prev := m.ledOn
	switch m.pattern() {
	case PatternOff:
		m.ledOn = false
	case PatternSolid:
		m.ledOn = true
	case PatternSlow:
		m.blink(now, SlowBlinkMs)
	case PatternFast:
		m.blink(now, FastBlinkMs)
	}
	on := m.ledOn
	m.mu.Unlock()

	if on != prev && m.opts.Lamp != nil {
		if err := m.opts.Lamp.Set(m.opts.LampPin, on); err != nil {
			log.Printf("faults: MIL output: %v", err)
		}
	}
}

func (m *Manager) blink(now clock.Millis, halfPeriod uint32) {
	if now.Since(m.toggled) >= halfPeriod {
		m.ledOn = !m.ledOn
		m.toggled = now
	}
}

// LampOn reports the current MIL output state.
func (m *Manager) LampOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledOn
}

// List renders the active errors for "error list".
func (m *Manager) List() string {
	m.mu.Lock()
	active, acked := m.active, m.acked
	m.mu.Unlock()

	if active == 0 {
		return "No active errors"
	}
	parts := make([]string, 0, 8)
	for _, c := range codes(active) {
		ack := ""
		if acked&c != 0 {
			ack = "(ACK)"
		}
		parts = append(parts, fmt.Sprintf("0x%02X:%s%s", uint8(c), ack, c.Description()))
	}
	return strings.Join(parts, ", ")
}

// StatusString summarizes the error state.
func (m *Manager) StatusString(now clock.Millis) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == 0 {
		return "No errors"
	}
	return fmt.Sprintf("Errors: %d active (%d unacked), uptime: %ds, LED: %s",
		bits.OnesCount8(uint8(m.active)),
		bits.OnesCount8(uint8(m.active&^m.acked)),
		now.Since(m.since)/1000,
		m.pattern())
}

// Recent returns up to limit history entries, newest first.
func (m *Manager) Recent(limit int) ([]Entry, error) {
	if m.opts.History == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.opts.History.Recent(ctx, limit)
}

func (m *Manager) record(code Code, action, desc string) {
	if m.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e := Entry{At: m.opts.Now(), Code: code, Action: action, Description: desc}
	if err := m.opts.History.Append(ctx, e); err != nil {
		log.Printf("faults: record history: %v", err)
	}
}

// codes splits a mask into single codes, lowest first.
func codes(mask Code) []Code {
	var out []Code
	for i := 0; i < 8; i++ {
		if c := Code(1 << i); mask&c != 0 {
			out = append(out, c)
		}
	}
	return out
}
