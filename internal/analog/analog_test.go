package analog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChannel(t *testing.T, dir string, ch int, value string) {
	t.Helper()
	name := filepath.Join(dir, fmt.Sprintf("in_voltage%d_raw", ch))
	require.NoError(t, os.WriteFile(name, []byte(value), 0o644))
}

func TestIIOSampler(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, 1, "512\n")
	writeChannel(t, dir, 5, "100\n")

	s, err := NewIIOSampler(dir, 1, 5)
	require.NoError(t, err)

	main, filter, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 512, main)
	assert.Equal(t, 100, filter)

	writeChannel(t, dir, 1, "1023")
	main, _, err = s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1023, main)
	assert.NoError(t, s.Close())
}

func TestIIOSamplerMissingChannel(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, 1, "512")

	_, err := NewIIOSampler(dir, 1, 5)
	assert.Error(t, err)
}

func TestIIOSamplerGarbage(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, 1, "512")
	writeChannel(t, dir, 5, "n/a")

	s, err := NewIIOSampler(dir, 1, 5)
	require.NoError(t, err)
	_, _, err = s.Sample()
	assert.ErrorContains(t, err, "filter channel")
}

func TestFakeSampler(t *testing.T) {
	f := NewFakeSampler(10, 20)
	main, filter, err := f.Sample()
	require.NoError(t, err)
	assert.Equal(t, 10, main)
	assert.Equal(t, 20, filter)

	f.Set(30, 40)
	main, filter, _ = f.Sample()
	assert.Equal(t, 30, main)
	assert.Equal(t, 40, filter)

	f.Fail(errors.New("adc offline"))
	_, _, err = f.Sample()
	assert.EqualError(t, err, "adc offline")

	require.NoError(t, f.Close())
	assert.Error(t, f.Close())
}
