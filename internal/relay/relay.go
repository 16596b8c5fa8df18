// Package relay drives the valve relay board and the engine stop output.
package relay

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sweeney/splitter-core/internal/gpio"
	"github.com/sweeney/splitter-core/internal/logic"
)

// Bank is the single actuator for the relay board. It implements
// logic.RelayActuator and logic.SafetyBlocker.
type Bank struct {
	mu      sync.Mutex
	out     gpio.Writer
	lines   map[logic.RelayID]int
	state   [logic.MaxRelays + 1]bool
	safety  bool
	verbose bool
}

// NewBank creates a bank driving relay id -> output line.
func NewBank(out gpio.Writer, lines map[logic.RelayID]int) *Bank {
	l := make(map[logic.RelayID]int, len(lines))
	for id, line := range lines {
		l[id] = line
	}
	return &Bank{out: out, lines: l}
}

// DefaultLines maps the board relays to the default output pins.
func DefaultLines() map[logic.RelayID]int {
	return map[logic.RelayID]int{
		logic.RelayExtend:  gpio.PinRelayExtend,
		logic.RelayRetract: gpio.PinRelayRetract,
		logic.RelayPower:   gpio.PinRelayPower,
	}
}

// SetVerbose logs every relay write, not only refusals and failures.
func (b *Bank) SetVerbose(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verbose = v
}

// SetRelay switches a relay. Automatic ON commands are refused while the
// safety block is set; manual commands and every OFF are always allowed.
func (b *Bank) SetRelay(id logic.RelayID, on, manual bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(id, on, manual)
}

func (b *Bank) set(id logic.RelayID, on, manual bool) bool {
	line, ok := b.lines[id]
	if !ok || id < 1 || id > logic.MaxRelays {
		log.Printf("relay: R%d not configured", id)
		return false
	}
	if on && b.safety && !manual {
		log.Printf("relay: R%d ON blocked by safety system", id)
		return false
	}
	if b.state[id] == on {
		return true
	}
	if on && id != logic.RelayPower && !b.state[logic.RelayPower] {
		if !b.set(logic.RelayPower, true, manual) {
			return false
		}
	}
	if err := b.out.Set(line, on); err != nil {
		log.Printf("relay: R%d %s failed: %v", id, onOff(on), err)
		return false
	}
	b.state[id] = on
	if b.verbose {
		log.Printf("relay: R%d %s", id, onOff(on))
	}
	return true
}

// AllOff switches every operational relay off. Board power stays on.
func (b *Bank) AllOff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.ids() {
		if id != logic.RelayPower && b.state[id] {
			b.set(id, false, true)
		}
	}
}

// State returns the last applied state of a relay.
func (b *Bank) State(id logic.RelayID) bool {
	if id < 1 || id > logic.MaxRelays {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[id]
}

// SetSafety sets or releases the safety block.
func (b *Bank) SetSafety(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.safety != active {
		log.Printf("relay: safety block %s", onOff(active))
	}
	b.safety = active
}

// SafetyActive reports whether automatic ON commands are blocked.
func (b *Bank) SafetyActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.safety
}

// PowerOn energizes the relay board.
func (b *Bank) PowerOn() bool {
	return b.SetRelay(logic.RelayPower, true, true)
}

// Close switches everything off including board power.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.ids() {
		if id != logic.RelayPower {
			b.set(id, false, true)
		}
	}
	b.set(logic.RelayPower, false, true)
	return b.out.Close()
}

// StatusString renders e.g. "relays: R1=ON R2=OFF R9=ON safety=OFF".
func (b *Bank) StatusString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("relays:")
	for _, id := range b.ids() {
		fmt.Fprintf(&sb, " R%d=%s", id, onOff(b.state[id]))
	}
	fmt.Fprintf(&sb, " safety=%s", onOff(b.safety))
	return sb.String()
}

func (b *Bank) ids() []logic.RelayID {
	ids := make([]logic.RelayID, 0, len(b.lines))
	for id := range b.lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseCommand parses the arguments of "relay R1 ON" or "R1 ON".
func ParseCommand(name, state string) (logic.RelayID, bool, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "R") {
		return 0, false, fmt.Errorf("invalid relay %q (want R1..R%d)", name, logic.MaxRelays)
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 1 || n > logic.MaxRelays {
		return 0, false, fmt.Errorf("invalid relay %q (want R1..R%d)", name, logic.MaxRelays)
	}
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "ON":
		return logic.RelayID(n), true, nil
	case "OFF":
		return logic.RelayID(n), false, nil
	}
	return 0, false, fmt.Errorf("invalid relay state %q (want ON or OFF)", state)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// EngineStop drives the engine kill output. High stops the engine.
type EngineStop struct {
	out  gpio.Writer
	line int
}

// NewEngineStop creates the engine stop output on line.
func NewEngineStop(out gpio.Writer, line int) *EngineStop {
	return &EngineStop{out: out, line: line}
}

// SetEngineStop implements logic.EngineStop.
func (e *EngineStop) SetEngineStop(stop bool) error {
	if err := e.out.Set(e.line, stop); err != nil {
		return fmt.Errorf("engine stop: %w", err)
	}
	if stop {
		log.Printf("relay: engine STOPPED")
	} else {
		log.Printf("relay: engine RUNNING")
	}
	return nil
}
