package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted input values.
type FakeReader struct {
	// Samples contains scripted pin states to return.
	// Each call to Read() consumes the next sample.
	Samples []Sample

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// Sample is a single reading of every watched pin (already in logical form).
type Sample map[int]bool

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples []Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns a copy of the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeReader) Read() (map[int]bool, error) {
	if f.ReadError != nil {
		return nil, f.ReadError
	}

	if len(f.Samples) == 0 {
		return nil, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}

	out := make(map[int]bool, len(sample))
	for pin, v := range sample {
		out[pin] = v
	}
	return out, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.Closed = true
	return nil
}

// Reset resets the reader to the beginning of samples.
func (f *FakeReader) Reset() {
	f.index = 0
	f.Closed = false
}

// FakeWriter records output levels.
type FakeWriter struct {
	mu     sync.Mutex
	levels map[int]bool
	writes int
	Closed bool

	// SetError, if set, will be returned by Set()
	SetError error
}

// NewFakeWriter creates a FakeWriter with every line low.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{levels: make(map[int]bool)}
}

// Set records the level of a line.
func (f *FakeWriter) Set(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.levels[pin] = high
	f.writes++
	return nil
}

// Level returns the last level written to pin.
func (f *FakeWriter) Level(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

// Writes returns how many successful Set calls were made.
func (f *FakeWriter) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Close drives every line low and marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pin := range f.levels {
		f.levels[pin] = false
	}
	f.Closed = true
	return nil
}
