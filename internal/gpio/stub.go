//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealReader is not available on non-Linux platforms.
type RealReader struct{}

// NewRealReader returns an error on non-Linux platforms.
func NewRealReader(chipName string, inputs []Input) (*RealReader, error) {
	return nil, errUnsupported
}

// Read is not implemented on non-Linux platforms.
func (r *RealReader) Read() (map[int]bool, error) {
	return nil, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealReader) Close() error {
	return nil
}

// RealWriter is not available on non-Linux platforms.
type RealWriter struct{}

// NewRealWriter returns an error on non-Linux platforms.
func NewRealWriter(chipName string, pins []int) (*RealWriter, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (w *RealWriter) Set(pin int, high bool) error {
	return errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (w *RealWriter) Close() error {
	return nil
}
