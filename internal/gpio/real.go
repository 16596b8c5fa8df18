//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads inputs from actual hardware using the Linux GPIO character device.
type RealReader struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
	modes map[int]Mode
}

// NewRealReader requests every input line on chip with a pull-up.
func NewRealReader(chipName string, inputs []Input) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &RealReader{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line, len(inputs)),
		modes: make(map[int]Mode, len(inputs)),
	}
	for _, in := range inputs {
		line, err := chip.RequestLine(in.Line, gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request input pin %d: %w", in.Line, err)
		}
		r.lines[in.Line] = line
		r.modes[in.Line] = in.Mode
	}
	return r, nil
}

// Read returns the asserted state of every input, honouring NC/NO.
func (r *RealReader) Read() (map[int]bool, error) {
	out := make(map[int]bool, len(r.lines))
	for pin, line := range r.lines {
		raw, err := line.Value()
		if err != nil {
			return nil, fmt.Errorf("read pin %d: %w", pin, err)
		}
		out[pin] = r.modes[pin].Asserted(raw)
	}
	return out, nil
}

// Close releases GPIO resources.
// Reconfigures pins to input with pull-down (matching Pi boot defaults) before
// closing to ensure clean state for system shutdown/reboot.
func (r *RealReader) Close() error {
	var errs []error
	for pin, line := range r.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealWriter drives output lines, all initially low.
type RealWriter struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealWriter requests every line on chip as an output driven low.
func NewRealWriter(chipName string, pins []int) (*RealWriter, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	w := &RealWriter{chip: chip, lines: make(map[int]*gpiocdev.Line, len(pins))}
	for _, pin := range pins {
		line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("request output pin %d: %w", pin, err)
		}
		w.lines[pin] = line
	}
	return w, nil
}

// Set drives a line.
func (w *RealWriter) Set(pin int, high bool) error {
	line, ok := w.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d not requested as output", pin)
	}
	v := 0
	if high {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close drives every output low, then returns it to an input with pull-down.
func (w *RealWriter) Close() error {
	var errs []error
	for pin, line := range w.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("drive pin %d low: %w", pin, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
