// Package analog reads raw ADC counts for the two pressure channels.
package analog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Sampler returns one raw reading per pressure channel.
type Sampler interface {
	Sample() (main, filter int, err error)
	Close() error
}

// DefaultDevice is the first IIO device exposed by the kernel.
const DefaultDevice = "/sys/bus/iio/devices/iio:device0"

// IIOSampler reads in_voltageN_raw attributes of a Linux IIO ADC.
type IIOSampler struct {
	mainPath   string
	filterPath string
}

// NewIIOSampler checks both channel attributes exist on device.
func NewIIOSampler(device string, mainChannel, filterChannel int) (*IIOSampler, error) {
	s := &IIOSampler{
		mainPath:   filepath.Join(device, fmt.Sprintf("in_voltage%d_raw", mainChannel)),
		filterPath: filepath.Join(device, fmt.Sprintf("in_voltage%d_raw", filterChannel)),
	}
	for _, p := range []string{s.mainPath, s.filterPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("adc channel: %w", err)
		}
	}
	return s, nil
}

// Sample reads both channels.
func (s *IIOSampler) Sample() (int, int, error) {
	main, err := readRaw(s.mainPath)
	if err != nil {
		return 0, 0, fmt.Errorf("read main channel: %w", err)
	}
	filter, err := readRaw(s.filterPath)
	if err != nil {
		return 0, 0, fmt.Errorf("read filter channel: %w", err)
	}
	return main, filter, nil
}

// Close is a no-op; attributes are opened per read.
func (s *IIOSampler) Close() error { return nil }

func readRaw(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// FakeSampler returns fixed values that tests can change between ticks.
type FakeSampler struct {
	mu     sync.Mutex
	main   int
	filter int
	err    error
	Closed bool
}

// NewFakeSampler creates a sampler returning main and filter.
func NewFakeSampler(main, filter int) *FakeSampler {
	return &FakeSampler{main: main, filter: filter}
}

// Set changes the values returned by the next Sample.
func (f *FakeSampler) Set(main, filter int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.main, f.filter = main, filter
}

// Fail makes Sample return err until cleared with nil.
func (f *FakeSampler) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Sample returns the configured values.
func (f *FakeSampler) Sample() (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.main, f.filter, nil
}

// Close marks the sampler as closed.
func (f *FakeSampler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return errors.New("already closed")
	}
	f.Closed = true
	return nil
}
