// Package config loads, validates and saves the splitter configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/splitter-core/internal/analog"
	"github.com/sweeney/splitter-core/internal/gpio"
	"github.com/sweeney/splitter-core/internal/input"
	"github.com/sweeney/splitter-core/internal/logic"
)

// DefaultPath is where the service looks for its configuration.
const DefaultPath = "/etc/splitter-core/config.yaml"

// Channel is the calibration of one analog pressure input.
type Channel struct {
	ADCChannel int     `yaml:"adc_channel"`
	ADCBits    uint8   `yaml:"adc_bits"`
	VRef       float64 `yaml:"vref"`
	Gain       float64 `yaml:"gain"`
	Offset     float64 `yaml:"offset"`
	MaxPSI     float64 `yaml:"max_psi"`
	NegFrac    float64 `yaml:"neg_frac"`
	PosFrac    float64 `yaml:"pos_frac"`
	V0         float64 `yaml:"v0"`
	V1         float64 `yaml:"v1"`
	Filter     string  `yaml:"filter"`
	EMAAlpha   float64 `yaml:"ema_alpha"`
}

// Sequence holds the automatic cycle timing and limit thresholds.
type Sequence struct {
	StableMs            uint32  `yaml:"stable_ms"`
	StartStableMs       uint32  `yaml:"start_stable_ms"`
	TimeoutMs           uint32  `yaml:"timeout_ms"`
	ExtendThresholdPSI  float64 `yaml:"extend_threshold_psi"`
	RetractThresholdPSI float64 `yaml:"retract_threshold_psi"`
	AllowButtonRelease  bool    `yaml:"allow_button_release"`
}

// Safety holds the pressure trip thresholds.
type Safety struct {
	ThresholdPSI      float64 `yaml:"threshold_psi"`
	HysteresisPSI     float64 `yaml:"hysteresis_psi"`
	LimitTolerancePSI float64 `yaml:"limit_tolerance_psi"`
	LimitReleasePSI   float64 `yaml:"limit_release_psi"`
}

// Pin is one digital input line and its contact type.
type Pin struct {
	Line int    `yaml:"line"`
	Mode string `yaml:"mode"`
}

// Pins maps every input and output function to a GPIO line.
type Pins struct {
	Chip          string `yaml:"chip"`
	RetractButton Pin    `yaml:"retract_button"`
	ExtendButton  Pin    `yaml:"extend_button"`
	AuxButton     Pin    `yaml:"aux_button"`
	StartButton   Pin    `yaml:"start_button"`
	ExtendLimit   Pin    `yaml:"extend_limit"`
	RetractLimit  Pin    `yaml:"retract_limit"`
	EStop         Pin    `yaml:"estop"`
	EngineStop    int    `yaml:"engine_stop"`
	MIL           int    `yaml:"mil"`
	RelayExtend   int    `yaml:"relay_extend"`
	RelayRetract  int    `yaml:"relay_retract"`
	RelayPower    int    `yaml:"relay_power"`
}

// MQTT configures the broker connection.
type MQTT struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	BufferSize int    `yaml:"buffer_size"`
}

// Config is the complete on-disk configuration.
type Config struct {
	Main     Channel  `yaml:"main"`
	Filter   Channel  `yaml:"filter"`
	Sequence Sequence `yaml:"sequence"`
	Safety   Safety   `yaml:"safety"`
	Pins     Pins     `yaml:"pins"`
	MQTT     MQTT     `yaml:"mqtt"`

	ADCDevice        string `yaml:"adc_device"`
	PollMs           int    `yaml:"poll_ms"`
	StatusIntervalMs int    `yaml:"status_interval_ms"`
	HeartbeatSec     int    `yaml:"heartbeat_sec"`
	HTTPAddr         string `yaml:"http_addr"`
	FaultDB          string `yaml:"fault_db"`
}

func channelFrom(c logic.Calibration, adc int) Channel {
	return Channel{
		ADCChannel: adc,
		ADCBits:    c.ADCBits,
		VRef:       c.VRef,
		Gain:       c.Gain,
		Offset:     c.Offset,
		MaxPSI:     c.MaxPSI,
		NegFrac:    c.NegFrac,
		PosFrac:    c.PosFrac,
		V0:         c.V0,
		V1:         c.V1,
		Filter:     string(c.Filter),
		EMAAlpha:   c.EMAAlpha,
	}
}

// Default returns the factory configuration.
func Default() Config {
	lc := logic.DefaultConfig()
	return Config{
		Main:   channelFrom(lc.Main, 0),
		Filter: channelFrom(lc.Filter, 1),
		Sequence: Sequence{
			StableMs:            lc.Sequence.StableMs,
			StartStableMs:       lc.Sequence.StartStableMs,
			TimeoutMs:           lc.Sequence.TimeoutMs,
			ExtendThresholdPSI:  lc.Sequence.ExtendThresholdPSI,
			RetractThresholdPSI: lc.Sequence.RetractThresholdPSI,
			AllowButtonRelease:  lc.Sequence.AllowButtonRelease,
		},
		Safety: Safety{
			ThresholdPSI:      lc.Safety.ThresholdPSI,
			HysteresisPSI:     lc.Safety.HysteresisPSI,
			LimitTolerancePSI: lc.Safety.LimitTolerancePSI,
			LimitReleasePSI:   lc.Safety.LimitReleasePSI,
		},
		Pins: Pins{
			Chip:          "gpiochip0",
			RetractButton: Pin{Line: gpio.PinRetractButton, Mode: string(gpio.ModeNO)},
			ExtendButton:  Pin{Line: gpio.PinExtendButton, Mode: string(gpio.ModeNO)},
			AuxButton:     Pin{Line: gpio.PinAuxButton, Mode: string(gpio.ModeNO)},
			StartButton:   Pin{Line: gpio.PinStartButton, Mode: string(gpio.ModeNO)},
			ExtendLimit:   Pin{Line: gpio.PinExtendLimit, Mode: string(gpio.ModeNO)},
			RetractLimit:  Pin{Line: gpio.PinRetractLimit, Mode: string(gpio.ModeNO)},
			EStop:         Pin{Line: gpio.PinEStop, Mode: string(gpio.ModeNC)},
			EngineStop:    gpio.PinEngineStop,
			MIL:           gpio.PinMIL,
			RelayExtend:   gpio.PinRelayExtend,
			RelayRetract:  gpio.PinRelayRetract,
			RelayPower:    gpio.PinRelayPower,
		},
		MQTT: MQTT{
			Broker:     "tcp://localhost:1883",
			ClientID:   "splitter-core",
			BufferSize: 1000,
		},
		ADCDevice:        analog.DefaultDevice,
		PollMs:           5,
		StatusIntervalMs: 1000,
		HeartbeatSec:     900,
		HTTPAddr:         ":80",
		FaultDB:          "/var/lib/splitter-core/faults.db",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

const header = `# splitter-core configuration
# Limit thresholds default to 2300 PSI with a 2500 PSI safety trip. Some
# machines run 2750 extend/retract with a 2950 safety trip; raise all three
# together.
`

// Save writes the configuration to path, creating its directory.
func (c Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as commented YAML.
func (c Config) Marshal() ([]byte, error) {
	body, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return append([]byte(header), body...), nil
}

// Validate checks every value against its allowed range.
func (c Config) Validate() error {
	var errs []error
	errs = append(errs, c.Main.validate("main")...)
	errs = append(errs, c.Filter.validate("filter")...)

	s := c.Sequence
	if s.StableMs > 10000 {
		errs = append(errs, fmt.Errorf("sequence.stable_ms %d exceeds 10000", s.StableMs))
	}
	if s.StartStableMs > 10000 {
		errs = append(errs, fmt.Errorf("sequence.start_stable_ms %d exceeds 10000", s.StartStableMs))
	}
	if s.TimeoutMs < 1000 || s.TimeoutMs > 600000 {
		errs = append(errs, fmt.Errorf("sequence.timeout_ms %d outside [1000, 600000]", s.TimeoutMs))
	}
	if s.ExtendThresholdPSI <= 0 || s.RetractThresholdPSI <= 0 {
		errs = append(errs, errors.New("sequence thresholds must be positive"))
	}

	if c.Safety.ThresholdPSI <= 0 {
		errs = append(errs, errors.New("safety.threshold_psi must be positive"))
	}
	if c.Safety.HysteresisPSI < 0 || c.Safety.HysteresisPSI >= c.Safety.ThresholdPSI {
		errs = append(errs, fmt.Errorf("safety.hysteresis_psi %.1f outside [0, threshold)", c.Safety.HysteresisPSI))
	}
	if c.Safety.LimitReleasePSI > c.Safety.LimitTolerancePSI {
		errs = append(errs, errors.New("safety.limit_release_psi must not exceed limit_tolerance_psi"))
	}

	seen := make(map[int]string)
	for name, line := range c.Pins.lines() {
		if line < 0 {
			errs = append(errs, fmt.Errorf("pins.%s: negative line %d", name, line))
			continue
		}
		if other, dup := seen[line]; dup {
			errs = append(errs, fmt.Errorf("pins.%s and pins.%s share line %d", other, name, line))
		}
		seen[line] = name
	}
	for name, p := range c.Pins.inputs() {
		if _, err := gpio.ParseMode(p.Mode); err != nil {
			errs = append(errs, fmt.Errorf("pins.%s: %w", name, err))
		}
	}

	if c.PollMs <= 0 || c.PollMs > 100 {
		errs = append(errs, fmt.Errorf("poll_ms %d outside (0, 100]", c.PollMs))
	}
	if c.StatusIntervalMs <= 0 {
		errs = append(errs, errors.New("status_interval_ms must be positive"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	return errors.Join(errs...)
}

func (ch Channel) validate(name string) []error {
	var errs []error
	if ch.VRef <= 0 || ch.VRef > 5 {
		errs = append(errs, fmt.Errorf("%s.vref %.3f outside (0, 5]", name, ch.VRef))
	}
	if ch.MaxPSI <= 0 || ch.MaxPSI > 10000 {
		errs = append(errs, fmt.Errorf("%s.max_psi %.1f outside (0, 10000]", name, ch.MaxPSI))
	}
	if ch.Gain <= 0 || ch.Gain > 100 {
		errs = append(errs, fmt.Errorf("%s.gain %.3f outside (0, 100]", name, ch.Gain))
	}
	if ch.EMAAlpha <= 0 || ch.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("%s.ema_alpha %.3f outside (0, 1]", name, ch.EMAAlpha))
	}
	if ch.ADCBits < 8 || ch.ADCBits > 16 {
		errs = append(errs, fmt.Errorf("%s.adc_bits %d outside [8, 16]", name, ch.ADCBits))
	}
	if _, err := logic.ParseFilterMode(ch.Filter); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errs
}

func (p Pins) inputs() map[string]Pin {
	return map[string]Pin{
		"retract_button": p.RetractButton,
		"extend_button":  p.ExtendButton,
		"aux_button":     p.AuxButton,
		"start_button":   p.StartButton,
		"extend_limit":   p.ExtendLimit,
		"retract_limit":  p.RetractLimit,
		"estop":          p.EStop,
	}
}

func (p Pins) lines() map[string]int {
	out := map[string]int{
		"engine_stop":   p.EngineStop,
		"mil":           p.MIL,
		"relay_extend":  p.RelayExtend,
		"relay_retract": p.RelayRetract,
		"relay_power":   p.RelayPower,
	}
	for name, in := range p.inputs() {
		out[name] = in.Line
	}
	return out
}

// Set changes one parameter by its command name, as used by
// "set <param> <value>". Unprefixed calibration names address the main
// channel, except filter and emaalpha which apply to both channels.
func (c *Config) Set(param, value string) error {
	next := *c
	param = strings.ToLower(param)

	switch param {
	case "filter":
		mode, err := logic.ParseFilterMode(strings.ToLower(value))
		if err != nil {
			return err
		}
		next.Main.Filter = string(mode)
		next.Filter.Filter = string(mode)
	case "emaalpha":
		v, err := parseFloat(value)
		if err != nil {
			return err
		}
		next.Main.EMAAlpha = v
		next.Filter.EMAAlpha = v
	case "seqstable", "seqstartstable", "seqtimeout":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: invalid value %q", param, value)
		}
		switch param {
		case "seqstable":
			next.Sequence.StableMs = uint32(v)
		case "seqstartstable":
			next.Sequence.StartStableMs = uint32(v)
		default:
			next.Sequence.TimeoutMs = uint32(v)
		}
	case "extendpsi", "retractpsi", "safetypsi", "hysteresis":
		v, err := parseFloat(value)
		if err != nil {
			return err
		}
		switch param {
		case "extendpsi":
			next.Sequence.ExtendThresholdPSI = v
		case "retractpsi":
			next.Sequence.RetractThresholdPSI = v
		case "safetypsi":
			next.Safety.ThresholdPSI = v
		default:
			next.Safety.HysteresisPSI = v
		}
	case "pinmode":
		fields := strings.Fields(value)
		if len(fields) != 2 {
			return errors.New("usage: set pinmode <pin> <NO|NC>")
		}
		line, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("pinmode: invalid pin %q", fields[0])
		}
		mode, err := gpio.ParseMode(fields[1])
		if err != nil {
			return err
		}
		if !next.Pins.setMode(line, mode) {
			return fmt.Errorf("pinmode: pin %d is not an input", line)
		}
	default:
		ch, field, err := channelParam(&next, param)
		if err != nil {
			return err
		}
		v, err := parseFloat(value)
		if err != nil {
			return err
		}
		switch field {
		case "vref":
			ch.VRef = v
		case "maxpsi":
			ch.MaxPSI = v
		case "gain":
			ch.Gain = v
		case "offset":
			ch.Offset = v
		}
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// channelParam resolves vref, a1_vref, a5_maxpsi and friends.
func channelParam(c *Config, param string) (*Channel, string, error) {
	ch := &c.Main
	field := param
	switch {
	case strings.HasPrefix(param, "a1_"):
		field = strings.TrimPrefix(param, "a1_")
	case strings.HasPrefix(param, "a5_"):
		ch = &c.Filter
		field = strings.TrimPrefix(param, "a5_")
	}
	switch field {
	case "vref", "maxpsi", "gain", "offset":
		return ch, field, nil
	}
	return nil, "", fmt.Errorf("unknown parameter %s", param)
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func (p *Pins) setMode(line int, mode gpio.Mode) bool {
	for _, pin := range []*Pin{
		&p.RetractButton, &p.ExtendButton, &p.AuxButton, &p.StartButton,
		&p.ExtendLimit, &p.RetractLimit, &p.EStop,
	} {
		if pin.Line == line {
			pin.Mode = string(mode)
			return true
		}
	}
	return false
}

// Logic converts the file representation into the core configuration.
func (c Config) Logic() logic.Config {
	lc := logic.DefaultConfig()
	lc.Main = c.Main.calibration()
	lc.Filter = c.Filter.calibration()
	lc.Sequence.StableMs = c.Sequence.StableMs
	lc.Sequence.StartStableMs = c.Sequence.StartStableMs
	lc.Sequence.TimeoutMs = c.Sequence.TimeoutMs
	lc.Sequence.ExtendThresholdPSI = c.Sequence.ExtendThresholdPSI
	lc.Sequence.RetractThresholdPSI = c.Sequence.RetractThresholdPSI
	lc.Sequence.AllowButtonRelease = c.Sequence.AllowButtonRelease
	lc.Safety = logic.SafetyConfig{
		ThresholdPSI:      c.Safety.ThresholdPSI,
		HysteresisPSI:     c.Safety.HysteresisPSI,
		LimitTolerancePSI: c.Safety.LimitTolerancePSI,
		LimitReleasePSI:   c.Safety.LimitReleasePSI,
	}
	return lc
}

func (ch Channel) calibration() logic.Calibration {
	return logic.Calibration{
		ADCBits:  ch.ADCBits,
		VRef:     ch.VRef,
		Gain:     ch.Gain,
		Offset:   ch.Offset,
		MaxPSI:   ch.MaxPSI,
		NegFrac:  ch.NegFrac,
		PosFrac:  ch.PosFrac,
		V0:       ch.V0,
		V1:       ch.V1,
		Filter:   logic.FilterMode(ch.Filter),
		EMAAlpha: ch.EMAAlpha,
	}
}

// Applier receives a complete core configuration.
type Applier interface {
	Apply(cfg logic.Config)
}

// Apply pushes the configuration into the core.
func (c Config) Apply(a Applier) {
	a.Apply(c.Logic())
}

// GPIOInputs lists the watched input lines with their contact types.
// The config must have passed Validate.
func (c Config) GPIOInputs() []gpio.Input {
	p := c.Pins
	pins := []Pin{p.RetractButton, p.ExtendButton, p.AuxButton, p.StartButton, p.ExtendLimit, p.RetractLimit, p.EStop}
	out := make([]gpio.Input, 0, len(pins))
	for _, pin := range pins {
		mode, _ := gpio.ParseMode(pin.Mode)
		out = append(out, gpio.Input{Line: pin.Line, Mode: mode})
	}
	return out
}

// InputPins describes the debounced inputs for the input manager.
func (c Config) InputPins() []input.Pin {
	p := c.Pins
	button := func(pin Pin, name string, b logic.Button) input.Pin {
		return input.Pin{Line: pin.Line, Name: name, Kind: input.KindButton, Button: b, DebounceMs: input.ButtonDebounceMs}
	}
	return []input.Pin{
		button(p.RetractButton, "retract_button", logic.ButtonRetract),
		button(p.ExtendButton, "extend_button", logic.ButtonExtend),
		button(p.AuxButton, "aux_button", logic.ButtonAux),
		button(p.StartButton, "start_button", logic.ButtonStart),
		{Line: p.ExtendLimit.Line, Name: "extend_limit", Kind: input.KindExtendLimit, DebounceMs: input.LimitDebounceMs},
		{Line: p.RetractLimit.Line, Name: "retract_limit", Kind: input.KindRetractLimit, DebounceMs: input.LimitDebounceMs},
		{Line: p.EStop.Line, Name: "estop", Kind: input.KindEStop, DebounceMs: input.LimitDebounceMs},
	}
}

// RelayLines maps relay ids to output lines.
func (c Config) RelayLines() map[logic.RelayID]int {
	return map[logic.RelayID]int{
		logic.RelayExtend:  c.Pins.RelayExtend,
		logic.RelayRetract: c.Pins.RelayRetract,
		logic.RelayPower:   c.Pins.RelayPower,
	}
}

// OutputLines lists every output line.
func (c Config) OutputLines() []int {
	return []int{c.Pins.RelayExtend, c.Pins.RelayRetract, c.Pins.RelayPower, c.Pins.EngineStop, c.Pins.MIL}
}
