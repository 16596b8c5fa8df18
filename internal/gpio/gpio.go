// Package gpio provides digital input and output lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"fmt"
	"strings"
)

// Mode is the contact type of an input. It decides which raw level means
// "asserted". Inputs are wired with pull-ups.
type Mode string

const (
	// ModeNO is a normally-open contact: closed (raw low) is asserted.
	ModeNO Mode = "NO"
	// ModeNC is a normally-closed contact: open (raw high) is asserted.
	ModeNC Mode = "NC"
)

// ParseMode accepts "NO"/"NC" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(s)) {
	case ModeNO:
		return ModeNO, nil
	case ModeNC:
		return ModeNC, nil
	}
	return "", fmt.Errorf("unknown pin mode %q (want NO or NC)", s)
}

// Asserted converts a raw line level into a logical state.
func (m Mode) Asserted(raw int) bool {
	if m == ModeNC {
		return raw != 0
	}
	return raw == 0
}

// Input describes one watched input line.
type Input struct {
	Line int
	Mode Mode
}

// Reader reads the logical state of every watched input.
type Reader interface {
	// Read returns asserted states keyed by line offset.
	Read() (map[int]bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Writer drives output lines.
type Writer interface {
	// Set drives a line high (true) or low.
	Set(line int, high bool) error

	// Close drives every line low and releases it.
	Close() error
}

// Default line offsets on gpiochip0.
const (
	PinRetractButton = 2
	PinExtendButton  = 3
	PinAuxButton     = 4
	PinStartButton   = 5
	PinExtendLimit   = 6
	PinRetractLimit  = 7
	PinEngineStop    = 12 // output, high stops the engine
	PinEStop         = 13
	PinMIL           = 16 // output, system error LED
	PinRelayExtend   = 20
	PinRelayRetract  = 21
	PinRelayPower    = 26
)
