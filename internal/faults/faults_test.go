package faults

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordPub struct {
	mu   sync.Mutex
	msgs []string
}

func (p *recordPub) Publish(topic, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, topic+"="+value)
	return nil
}

type recordLamp struct {
	line   int
	levels []bool
}

func (l *recordLamp) Set(line int, high bool) error {
	l.line = line
	l.levels = append(l.levels, high)
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestManager(t *testing.T) (*Manager, *recordPub, *recordLamp, *MemoryHistory) {
	t.Helper()
	pub := &recordPub{}
	lamp := &recordLamp{}
	hist := NewMemoryHistory()
	m := NewManager(Options{History: hist, Pub: pub, Lamp: lamp, LampPin: 16, Now: fixedNow})
	return m, pub, lamp, hist
}

func TestSetPublishesAndLightsLamp(t *testing.T) {
	m, pub, lamp, _ := newTestManager(t)

	m.Set(SequenceTimeout, "", 0)

	assert.Equal(t, []string{
		"r4/system/error=0x80: Sequence operation timeout",
		"r4/system/error_count=1",
	}, pub.msgs)
	assert.Equal(t, PatternSolid, m.Pattern())
	assert.True(t, m.LampOn())
	assert.Equal(t, 16, lamp.line)
	assert.Equal(t, []bool{true}, lamp.levels)
}

func TestPatterns(t *testing.T) {
	tests := []struct {
		name string
		set  []Code
		ack  []Code
		want Pattern
	}{
		{name: "none", want: PatternOff},
		{name: "single unacked", set: []Code{SensorFault}, want: PatternSolid},
		{name: "multiple unacked", set: []Code{SensorFault, ConfigInvalid}, want: PatternSlow},
		{name: "all acked", set: []Code{SensorFault}, ack: []Code{SensorFault}, want: PatternSlow},
		{name: "one of two acked", set: []Code{SensorFault, ConfigInvalid}, ack: []Code{SensorFault}, want: PatternSolid},
		{name: "critical", set: []Code{HardwareFault}, want: PatternFast},
		{name: "critical acked", set: []Code{EEPROMCRC}, ack: []Code{EEPROMCRC}, want: PatternFast},
		{name: "memory low", set: []Code{MemoryLow, SequenceTimeout}, want: PatternFast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Options{})
			for _, c := range tt.set {
				m.Set(c, "", 0)
			}
			for _, c := range tt.ack {
				require.NoError(t, m.Acknowledge(c, 0))
			}
			assert.Equal(t, tt.want, m.Pattern())
		})
	}
}

func TestSlowBlink(t *testing.T) {
	m, _, lamp, _ := newTestManager(t)
	m.Set(SensorFault, "", 0)
	m.Set(ConfigInvalid, "", 0)
	require.True(t, m.LampOn())

	m.Update(1999)
	assert.True(t, m.LampOn())
	m.Update(2000)
	assert.False(t, m.LampOn())
	m.Update(3999)
	assert.False(t, m.LampOn())
	m.Update(4000)
	assert.True(t, m.LampOn())

	assert.Equal(t, []bool{true, false, true}, lamp.levels)
}

func TestFastBlink(t *testing.T) {
	m := NewManager(Options{})
	m.Set(HardwareFault, "", 0)

	m.Update(500)
	first := m.LampOn()
	m.Update(1000)
	assert.NotEqual(t, first, m.LampOn())
}

func TestAcknowledgeRequiresActive(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	err := m.Acknowledge(SensorFault, 0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestClearDropsAck(t *testing.T) {
	m, _, lamp, _ := newTestManager(t)
	m.Set(SensorFault, "", 0)
	require.NoError(t, m.Acknowledge(SensorFault, 0))
	m.Clear(SensorFault, 10)

	assert.Equal(t, PatternOff, m.Pattern())
	assert.False(t, m.LampOn())
	assert.Equal(t, []bool{true, false}, lamp.levels)

	// a re-raised error starts unacknowledged
	m.Set(SensorFault, "", 20)
	assert.Equal(t, PatternSolid, m.Pattern())
}

func TestClearAll(t *testing.T) {
	m, _, _, hist := newTestManager(t)
	m.Set(SensorFault, "", 0)
	m.Set(SequenceTimeout, "", 0)
	m.ClearAll(10)

	assert.Equal(t, Code(0), m.Active())
	assert.Equal(t, 0, m.Count())

	entries, err := hist.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "clear", entries[0].Action)
	assert.Equal(t, "clear", entries[1].Action)
	assert.Equal(t, "set", entries[3].Action)
	assert.Equal(t, SensorFault, entries[3].Code)
}

func TestListAndStatus(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	assert.Equal(t, "No active errors", m.List())
	assert.Equal(t, "No errors", m.StatusString(0))

	m.Set(SensorFault, "", 1000)
	m.Set(SequenceTimeout, "", 2000)
	require.NoError(t, m.Acknowledge(SensorFault, 2000))

	assert.Equal(t, "0x04:(ACK)Pressure sensor malfunction, 0x80:Sequence operation timeout", m.List())
	assert.Equal(t, "Errors: 2 active (1 unacked), uptime: 5s, LED: SOLID", m.StatusString(6000))
}

func TestCustomDescription(t *testing.T) {
	m, pub, _, hist := newTestManager(t)
	m.Set(SensorFault, "main channel open circuit", 0)

	assert.Contains(t, pub.msgs, "r4/system/error=0x04: main channel open circuit")
	entries, err := hist.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main channel open circuit", entries[0].Description)
	assert.Equal(t, fixedNow(), entries[0].At)
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		in      string
		want    Code
		wantErr bool
	}{
		{in: "0x80", want: SequenceTimeout},
		{in: "0X04", want: SensorFault},
		{in: "128", want: SequenceTimeout},
		{in: " 1 ", want: EEPROMCRC},
		{in: "0x03", wantErr: true},
		{in: "0", wantErr: true},
		{in: "256", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptions(t *testing.T) {
	for i := 0; i < 8; i++ {
		c := Code(1 << i)
		assert.NotEqual(t, "Unknown error", c.Description(), fmt.Sprintf("code 0x%02X", uint8(c)))
	}
	assert.Equal(t, "Unknown error", Code(0x03).Description())
}

func TestSQLiteHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "faults.db")
	h, err := OpenSQLite(path)
	require.NoError(t, err)

	ctx := context.Background()
	base := fixedNow()
	require.NoError(t, h.Append(ctx, Entry{At: base, Code: SensorFault, Action: "set", Description: "open circuit"}))
	require.NoError(t, h.Append(ctx, Entry{At: base.Add(time.Second), Code: SensorFault, Action: "clear"}))
	require.NoError(t, h.Close())

	// history survives a reopen
	h, err = OpenSQLite(path)
	require.NoError(t, err)
	defer h.Close()

	entries, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "clear", entries[0].Action)
	assert.True(t, entries[0].At.Equal(base.Add(time.Second)))
	assert.Equal(t, SensorFault, entries[1].Code)
	assert.Equal(t, "open circuit", entries[1].Description)

	entries, err = h.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManagerWithSQLiteHistory(t *testing.T) {
	h, err := OpenSQLite(filepath.Join(t.TempDir(), "faults.db"))
	require.NoError(t, err)
	defer h.Close()

	m := NewManager(Options{History: h})
	m.Set(SequenceTimeout, "", 0)
	require.NoError(t, m.Acknowledge(SequenceTimeout, 0))

	entries, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ack", entries[0].Action)
	assert.Equal(t, SequenceTimeout, entries[0].Code)
}

func TestManagerRecent(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.Set(SensorFault, "open circuit", 0)
	require.NoError(t, m.Acknowledge(SensorFault, 0))

	entries, err := m.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2026-03-01T12:00:00Z 0x04 ack", entries[0].String())
	assert.Equal(t, "2026-03-01T12:00:00Z 0x04 set open circuit", entries[1].String())

	none, err := NewManager(Options{}).Recent(10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
