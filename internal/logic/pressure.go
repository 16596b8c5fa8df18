package logic

import "fmt"

// FilterMode selects the smoothing applied to clamped pressure values.
type FilterMode string

const (
	FilterNone    FilterMode = "none"
	FilterMedian3 FilterMode = "median3"
	FilterEMA     FilterMode = "ema"
)

// ParseFilterMode accepts the names used by the "set filter" command.
func ParseFilterMode(s string) (FilterMode, error) {
	switch FilterMode(s) {
	case FilterNone, FilterMedian3, FilterEMA:
		return FilterMode(s), nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// Calibration describes how one analog channel maps to PSI.
type Calibration struct {
	ADCBits  uint8   // ADC resolution; full scale is 2^ADCBits counts
	VRef     float64 // ADC reference voltage
	Gain     float64
	Offset   float64 // PSI added after gain
	MaxPSI   float64 // nominal range, reported values never exceed it
	NegFrac  float64 // extended-range headroom below zero, fraction of MaxPSI
	PosFrac  float64 // extended-range headroom above MaxPSI, fraction of MaxPSI
	V0       float64 // electrical span start (volts)
	V1       float64 // electrical span end (volts)
	Filter   FilterMode
	EMAAlpha float64
}

// DefaultMainCalibration is the main hydraulic system sensor (A1): 0..5 V spans
// -20%..+130% of a 5000 PSI nominal range.
func DefaultMainCalibration() Calibration {
	return Calibration{
		ADCBits:  10,
		VRef:     5.0,
		Gain:     1.0,
		MaxPSI:   5000,
		NegFrac:  0.2,
		PosFrac:  0.3,
		V0:       0,
		V1:       5.0,
		Filter:   FilterMedian3,
		EMAAlpha: 0.2,
	}
}

// DefaultFilterCalibration is the hydraulic filter/oil sensor (A5): plain
// linear 0..4.5 V to 0..30 PSI.
func DefaultFilterCalibration() Calibration {
	return Calibration{
		ADCBits:  10,
		VRef:     5.0,
		Gain:     1.0,
		MaxPSI:   30,
		V0:       0,
		V1:       4.5,
		Filter:   FilterMedian3,
		EMAAlpha: 0.2,
	}
}

// Reading is one calibrated sample.
type Reading struct {
	PSI   float64
	Volts float64
}

// PressureChannel converts raw ADC counts into a calibrated, clamped and
// filtered pressure. Channels share no state.
type PressureChannel struct {
	cal Calibration

	primed bool
	prev1  float64
	prev2  float64
	ema    float64
	last   Reading
}

// NewPressureChannel creates a channel with the given calibration.
func NewPressureChannel(cal Calibration) *PressureChannel {
	return &PressureChannel{cal: cal}
}

// SetCalibration replaces the calibration and resets filter history.
func (p *PressureChannel) SetCalibration(cal Calibration) {
	p.cal = cal
	p.primed = false
}

// Calibration returns the active calibration.
func (p *PressureChannel) Calibration() Calibration {
	return p.cal
}

// Last returns the most recent reading.
func (p *PressureChannel) Last() Reading {
	return p.last
}

// Sample converts one raw ADC value. Out-of-range input clamps; a channel
// never reports a fault of its own.
func (p *PressureChannel) Sample(raw int) Reading {
	volts := p.volts(raw)
	psi := p.filter(p.clamped(volts))
	p.last = Reading{PSI: psi, Volts: volts}
	return p.last
}

func (p *PressureChannel) volts(raw int) float64 {
	fullScale := float64(uint32(1) << p.cal.ADCBits)
	if raw < 0 {
		raw = 0
	}
	return float64(raw) / fullScale * p.cal.VRef
}

// clamped applies the extended-range mapping, gain and offset, then bounds
// the result to [0, MaxPSI]. The unclamped value never leaves this function.
func (p *PressureChannel) clamped(volts float64) float64 {
	c := p.cal
	span := c.V1 - c.V0
	if span <= 0.1 {
		// misconfigured span; fall back to the reference voltage
		span = c.VRef
	}
	v := clamp(volts, c.V0, c.V0+span)
	unclamped := (v-c.V0)/span*(1+c.NegFrac+c.PosFrac)*c.MaxPSI - c.NegFrac*c.MaxPSI
	return clamp(unclamped*c.Gain+c.Offset, 0, c.MaxPSI)
}

func (p *PressureChannel) filter(v float64) float64 {
	if !p.primed {
		p.prev1, p.prev2, p.ema = v, v, v
		p.primed = true
	}
	switch p.cal.Filter {
	case FilterMedian3:
		m := median3(v, p.prev1, p.prev2)
		p.prev2 = p.prev1
		p.prev1 = v
		return m
	case FilterEMA:
		p.ema = p.ema*(1-p.cal.EMAAlpha) + v*p.cal.EMAAlpha
		return p.ema
	default:
		return v
	}
}

func median3(a, b, c float64) float64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
