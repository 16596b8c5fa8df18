// Package command parses and executes operator text commands such as
// "manual extend", "set seqtimeout 45000" or "R1 ON".
package command

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/sweeney/splitter-core/internal/clock"
	"github.com/sweeney/splitter-core/internal/config"
	"github.com/sweeney/splitter-core/internal/faults"
	"github.com/sweeney/splitter-core/internal/logic"
	"github.com/sweeney/splitter-core/internal/relay"
)

// RateLimitMs is the minimum spacing between accepted commands.
const RateLimitMs = 50

// MaxLength bounds a single command line.
const MaxLength = 128

// Request carries one command line into the control goroutine. The reply
// channel must be buffered.
type Request struct {
	Line  string
	Reply chan string
}

// NewRequest creates a request with a buffered reply channel.
func NewRequest(line string) Request {
	return Request{Line: line, Reply: make(chan string, 1)}
}

// Core is the part of the control core commands act on.
type Core interface {
	StartManual(d logic.Direction) ([]logic.Event, error)
	StopManual() ([]logic.Event, error)
	Abort() []logic.Event
	Reset() []logic.Event
	ClearLockout() ([]logic.Event, error)
	ActivateSafety(reason string) []logic.Event
	DeactivateSafety() ([]logic.Event, error)
	Apply(cfg logic.Config)
	Status() logic.Status
}

// Relays accepts operator relay commands.
type Relays interface {
	SetRelay(id logic.RelayID, on, manual bool) bool
	StatusString() string
}

// Faults is the error manager as seen by the "error" command.
type Faults interface {
	List() string
	Acknowledge(code faults.Code, now clock.Millis) error
	ClearAll(now clock.Millis)
	StatusString(now clock.Millis) string
	Recent(limit int) ([]faults.Entry, error)
}

// Pins describes the input pins for the "pins" command.
type Pins interface {
	Describe() []string
}

// Options wires a Processor. Core and Config are required.
type Options struct {
	Core   Core
	Config *config.Config
	Relays Relays
	Faults Faults
	Pins   Pins

	// Save persists the configuration after a successful "set". May be nil.
	Save func(config.Config) error
	// SetDebug toggles per-tick tracing. May be nil.
	SetDebug func(on bool)
}

// Processor executes commands. It is driven from the control goroutine
// and is not safe for concurrent use.
type Processor struct {
	opts    Options
	debug   bool
	last    clock.Millis
	hasLast bool
}

// NewProcessor creates a processor.
func NewProcessor(opts Options) *Processor {
	return &Processor{opts: opts}
}

// Debug reports whether debug tracing is on.
func (p *Processor) Debug() bool { return p.debug }

// Execute runs one command line and returns the response plus any events
// the command produced.
func (p *Processor) Execute(line string, now clock.Millis) (string, []logic.Event) {
	if p.hasLast && now.Since(p.last) < RateLimitMs {
		return "rate limited", nil
	}
	p.last, p.hasLast = now, true

	line = sanitize(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "empty command", nil
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	// "R1 ON" shorthand
	if len(cmd) > 1 && cmd[0] == 'r' && cmd[1] >= '0' && cmd[1] <= '9' {
		if len(args) < 1 {
			return "usage: R<n> ON|OFF", nil
		}
		return p.relay(fields[0], args[0]), nil
	}

	switch cmd {
	case "help":
		return help, nil
	case "show":
		return p.show(now), nil
	case "pins":
		return p.pins(), nil
	case "set":
		if len(args) < 2 {
			return "usage: set <param> <value>", nil
		}
		return p.set(args[0], strings.Join(args[1:], " ")), nil
	case "relay":
		if len(args) < 2 {
			return "usage: relay R<n> ON|OFF", nil
		}
		return p.relay(args[0], args[1]), nil
	case "manual":
		return p.manual(args)
	case "abort":
		return "sequence aborted", p.opts.Core.Abort()
	case "reset":
		return p.reset(args)
	case "safety":
		return p.safety(args)
	case "error":
		return p.errorCmd(args, now), nil
	case "debug":
		return p.setDebug(args), nil
	}
	return "unknown command: " + fields[0], nil
}

const help = "commands: help | show | pins | set <param> <value> | relay R<n> ON|OFF | R<n> ON|OFF | " +
	"manual extend|retract|stop | abort | reset sequence|estop | safety [on|off|clear] | " +
	"error list|ack <code>|clear|history [n] | debug [on|off]"

// sanitize drops control characters and bounds the length.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	if len(s) > MaxLength {
		s = s[:MaxLength]
	}
	return strings.TrimSpace(s)
}

func (p *Processor) show(now clock.Millis) string {
	st := p.opts.Core.Status()
	parts := []string{
		st.SequenceStatus,
		fmt.Sprintf("state=%s", st.State),
		fmt.Sprintf("main=%.1fpsi filter=%.1fpsi", st.Main.PSI, st.Filter.PSI),
		st.SafetyStatus,
	}
	if p.opts.Relays != nil {
		parts = append(parts, p.opts.Relays.StatusString())
	}
	if p.opts.Faults != nil {
		parts = append(parts, p.opts.Faults.StatusString(now))
	}
	return strings.Join(parts, " | ")
}

func (p *Processor) pins() string {
	if p.opts.Pins == nil {
		return "pins not available"
	}
	return strings.Join(p.opts.Pins.Describe(), "; ")
}

func (p *Processor) set(param, value string) string {
	if strings.EqualFold(param, "debug") {
		return p.setDebug([]string{value})
	}
	cfg := p.opts.Config
	if err := cfg.Set(param, value); err != nil {
		return "invalid set command: " + err.Error()
	}
	cfg.Apply(p.opts.Core)

	resp := fmt.Sprintf("%s set %s", strings.ToLower(param), value)
	if strings.EqualFold(param, "pinmode") {
		resp += " (restart to apply)"
	}
	if p.opts.Save != nil {
		if err := p.opts.Save(*cfg); err != nil {
			log.Printf("command: save config: %v", err)
			resp += " (not saved)"
		}
	}
	return resp
}

func (p *Processor) relay(name, state string) string {
	if p.opts.Relays == nil {
		return "relay command failed"
	}
	id, on, err := relay.ParseCommand(name, state)
	if err != nil {
		return "invalid relay command: " + err.Error()
	}
	if !p.opts.Relays.SetRelay(id, on, true) {
		return "relay command failed"
	}
	return fmt.Sprintf("relay R%d %s", id, strings.ToUpper(state))
}

func (p *Processor) manual(args []string) (string, []logic.Event) {
	if len(args) != 1 {
		return "usage: manual extend|retract|stop", nil
	}
	var (
		events []logic.Event
		err    error
		resp   string
	)
	switch strings.ToLower(args[0]) {
	case "extend":
		events, err = p.opts.Core.StartManual(logic.Extend)
		resp = "manual extend started"
	case "retract":
		events, err = p.opts.Core.StartManual(logic.Retract)
		resp = "manual retract started"
	case "stop":
		events, err = p.opts.Core.StopManual()
		resp = "manual stopped"
	default:
		return "usage: manual extend|retract|stop", nil
	}
	if err != nil {
		return "manual refused: " + err.Error(), nil
	}
	return resp, events
}

func (p *Processor) reset(args []string) (string, []logic.Event) {
	if len(args) != 1 {
		return "usage: reset sequence|estop", nil
	}
	switch strings.ToLower(args[0]) {
	case "sequence":
		return "sequence reset", p.opts.Core.Reset()
	case "estop":
		st := p.opts.Core.Status()
		if !st.EStopLatched && !st.LockedOut {
			return "E-Stop not latched - no reset needed", nil
		}
		events, err := p.opts.Core.ClearLockout()
		if errors.Is(err, logic.ErrEStopAsserted) {
			return "E-Stop reset failed: E-Stop button still pressed", nil
		}
		if err != nil {
			return "E-Stop reset failed: " + err.Error(), nil
		}
		return "E-Stop reset successful - system operational", events
	}
	return "unknown reset parameter: " + args[0], nil
}

func (p *Processor) safety(args []string) (string, []logic.Event) {
	if len(args) == 0 {
		return p.opts.Core.Status().SafetyStatus, nil
	}
	switch strings.ToLower(args[0]) {
	case "on":
		return "safety activated", p.opts.Core.ActivateSafety(logic.ReasonManual)
	case "off":
		events, err := p.opts.Core.DeactivateSafety()
		if err != nil {
			return "safety off refused: " + err.Error(), nil
		}
		return "safety deactivated", events
	case "clear":
		events, err := p.opts.Core.ClearLockout()
		if err != nil {
			return "safety clear refused: " + err.Error(), nil
		}
		return "safety cleared", events
	}
	return "usage: safety [on|off|clear]", nil
}

func (p *Processor) errorCmd(args []string, now clock.Millis) string {
	if p.opts.Faults == nil {
		return "error manager not available"
	}
	if len(args) == 0 {
		return "usage: error list|ack <code>|clear|history [n]"
	}
	switch strings.ToLower(args[0]) {
	case "list":
		return p.opts.Faults.List()
	case "ack":
		if len(args) < 2 {
			return "usage: error ack <error_code>"
		}
		code, err := faults.ParseCode(args[1])
		if err != nil {
			return "invalid error code: " + args[1]
		}
		if err := p.opts.Faults.Acknowledge(code, now); err != nil {
			return fmt.Sprintf("error 0x%02X not active", uint8(code))
		}
		return fmt.Sprintf("error 0x%02X acknowledged", uint8(code))
	case "clear":
		p.opts.Faults.ClearAll(now)
		return "all errors cleared"
	case "history":
		return p.errorHistory(args[1:])
	}
	return "unknown error command: " + args[0]
}

func (p *Processor) errorHistory(args []string) string {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 100 {
			return "invalid history count: " + args[0]
		}
		limit = n
	}
	entries, err := p.opts.Faults.Recent(limit)
	if err != nil {
		return "error history unavailable: " + err.Error()
	}
	if len(entries) == 0 {
		return "No error history"
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "; ")
}

func (p *Processor) setDebug(args []string) string {
	if len(args) == 0 {
		return "debug " + onOff(p.debug)
	}
	switch strings.ToLower(args[0]) {
	case "on", "1":
		p.debug = true
	case "off", "0":
		p.debug = false
	default:
		return "usage: debug [ON|OFF]"
	}
	if p.opts.SetDebug != nil {
		p.opts.SetDebug(p.debug)
	}
	return "debug " + onOff(p.debug)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
