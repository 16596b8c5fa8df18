package main

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/splitter-core/internal/analog"
	"github.com/sweeney/splitter-core/internal/clock"
	"github.com/sweeney/splitter-core/internal/command"
	"github.com/sweeney/splitter-core/internal/config"
	"github.com/sweeney/splitter-core/internal/faults"
	"github.com/sweeney/splitter-core/internal/gpio"
	"github.com/sweeney/splitter-core/internal/logic"
	"github.com/sweeney/splitter-core/internal/metrics"
	"github.com/sweeney/splitter-core/internal/mqtt"
	"github.com/sweeney/splitter-core/internal/telemetry"
)

// tickMs is how far the fake clock advances per call. runLoop reads the
// clock once at start, once per tick and once per command, so tick k runs
// at k*tickMs.
const tickMs = 10

type testRig struct {
	d       *daemon
	reader  *gpio.FakeReader
	writer  *gpio.FakeWriter
	sampler *analog.FakeSampler
	pub     *mqtt.FakePublisher
	saved   []config.Config
}

func newTestRig(t *testing.T, samples []gpio.Sample, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.Main.Filter = string(logic.FilterNone)
	cfg.Filter.Filter = string(logic.FilterNone)
	cfg.StatusIntervalMs = 100
	cfg.HeartbeatSec = 0
	if mutate != nil {
		mutate(&cfg)
	}

	rig := &testRig{
		reader:  gpio.NewFakeReader(samples),
		writer:  gpio.NewFakeWriter(),
		sampler: analog.NewFakeSampler(0, 0),
		pub:     mqtt.NewFakePublisher(),
	}

	var ms clock.Millis
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig.d = newDaemon(cfg, hardware{
		reader:  rig.reader,
		writer:  rig.writer,
		sampler: rig.sampler,
		pub:     rig.pub,
		history: faults.NewMemoryHistory(),
		clock: clock.Func(func() clock.Millis {
			now := ms
			ms += tickMs
			return now
		}),
		now: func() time.Time { return start.Add(time.Duration(ms) * time.Millisecond) },
		save: func(c config.Config) error {
			rig.saved = append(rig.saved, c)
			return nil
		},
	}, false)
	return rig
}

// run drives runLoop for nTicks ticks, delivering each command after the
// tick it is keyed to, then sends signal and waits for the loop to exit.
func (r *testRig) run(t *testing.T, nTicks int, commands map[int]string, signal os.Signal) map[int]string {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	requests := make(chan command.Request)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(r.d, tick, sig, requests)
	}()

	replies := make(map[int]string)
	for i := 1; i <= nTicks; i++ {
		tick <- time.Time{}
		if line, ok := commands[i]; ok {
			req := command.NewRequest(line)
			requests <- req
			replies[i] = <-req.Reply
		}
	}
	sig <- signal

	if err := <-errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	return replies
}

// repeat returns n copies of sample.
func repeat(sample gpio.Sample, n int) []gpio.Sample {
	out := make([]gpio.Sample, n)
	for i := range out {
		out[i] = sample
	}
	return out
}

func idle(n int) []gpio.Sample {
	return repeat(gpio.Sample{}, n)
}

func startHeld(n int) []gpio.Sample {
	return repeat(gpio.Sample{gpio.PinStartButton: true}, n)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestRunLoopIdleShutdown(t *testing.T) {
	rig := newTestRig(t, idle(10), nil)
	rig.run(t, 10, nil, syscall.SIGTERM)

	if v := rig.pub.Values(telemetry.TopicSequenceEvent); len(v) != 0 {
		t.Errorf("expected no sequence events, got %v", v)
	}
	if len(rig.pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(rig.pub.SystemEvents))
	}
	se := rig.pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" || se.Reason != "SIGTERM" || !se.Retained {
		t.Errorf("unexpected shutdown event %+v", se)
	}
	if !strings.Contains(string(rig.pub.SystemPayloads[0]), `"event":"SHUTDOWN"`) {
		t.Errorf("expected status payload, got %s", rig.pub.SystemPayloads[0])
	}
	if !rig.writer.Level(gpio.PinRelayPower) {
		t.Error("relay board power should stay on until the bank is closed")
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	rig := newTestRig(t, idle(1), nil)
	rig.run(t, 1, nil, syscall.SIGINT)

	if got := rig.pub.SystemEvents[0].Reason; got != "SIGINT" {
		t.Errorf("expected SIGINT reason, got %q", got)
	}
}

func TestRunLoopStartsSequence(t *testing.T) {
	// baseline by tick 3, start debounced at tick 8, start window 100ms
	samples := append(idle(5), startHeld(20)...)
	rig := newTestRig(t, samples, nil)
	rig.run(t, len(samples), nil, syscall.SIGTERM)

	events := rig.pub.Values(telemetry.TopicSequenceEvent)
	if !contains(events, logic.EventStarted) {
		t.Fatalf("expected %s, got %v", logic.EventStarted, events)
	}
	if v, _ := rig.pub.Last(telemetry.TopicSequenceState); v != logic.SequenceStateStart {
		t.Errorf("expected state %q, got %q", logic.SequenceStateStart, v)
	}
	if v := rig.pub.Values(telemetry.InputTopic(gpio.PinStartButton)); len(v) != 1 || v[0] != "ON 1" {
		t.Errorf("expected one start button change, got %v", v)
	}
	// shutdown drops the valves
	if rig.writer.Level(gpio.PinRelayExtend) {
		t.Error("expected extend relay off after shutdown")
	}
}

func TestRunLoopPressureTrip(t *testing.T) {
	rig := newTestRig(t, idle(5), nil)
	rig.sampler.Set(1023, 0)
	rig.run(t, 5, nil, syscall.SIGTERM)

	events := rig.pub.Values(telemetry.TopicSafetyEvent)
	if len(events) == 0 || !strings.HasPrefix(events[0], logic.EventSafetyActivated) {
		t.Fatalf("expected safety activation, got %v", events)
	}
	if v, _ := rig.pub.Last(telemetry.TopicEngineStopped); v != "1" {
		t.Errorf("expected engine stopped=1, got %q", v)
	}
	if !rig.writer.Level(gpio.PinEngineStop) {
		t.Error("expected engine stop output high")
	}
	if !rig.d.core.Status().SafetyActive {
		t.Error("expected safety active")
	}
}

func TestRunLoopTimeoutRaisesFault(t *testing.T) {
	samples := append(idle(5), startHeld(150)...)
	rig := newTestRig(t, samples, func(c *config.Config) { c.Sequence.TimeoutMs = 1000 })
	rig.run(t, len(samples), nil, syscall.SIGTERM)

	if events := rig.pub.Values(telemetry.TopicSequenceEvent); !contains(events, logic.AbortedEvent(logic.ReasonTimeout)) {
		t.Fatalf("expected timeout abort, got %v", events)
	}
	if rig.d.faults.Active()&faults.SequenceTimeout == 0 {
		t.Error("expected sequence timeout fault")
	}
	if v := rig.pub.Values(faults.TopicError); len(v) != 1 || !strings.HasPrefix(v[0], "0x80: ") {
		t.Errorf("expected one 0x80 error publish, got %v", v)
	}
	if !rig.d.core.Status().LockedOut {
		t.Error("expected lockout")
	}
}

func TestRunLoopADCErrorHoldsLastSample(t *testing.T) {
	rig := newTestRig(t, idle(6), nil)
	rig.sampler.Set(150, 100)
	rig.run(t, 2, nil, syscall.SIGTERM)

	rig.sampler.Fail(errors.New("iio gone"))
	rig.run(t, 4, nil, syscall.SIGTERM)

	if rig.d.mainRaw != 150 || rig.d.filterRaw != 100 {
		t.Errorf("expected last good sample held, got %d/%d", rig.d.mainRaw, rig.d.filterRaw)
	}
	if rig.d.faults.Active()&faults.SensorFault == 0 {
		t.Error("expected sensor fault")
	}
	if v := rig.pub.Values(faults.TopicError); len(v) != 1 {
		t.Errorf("expected sensor fault published once, got %v", v)
	}
}

func TestRunLoopGPIOReadError(t *testing.T) {
	rig := newTestRig(t, idle(1), nil)
	rig.reader.ReadError = errors.New("gpio fault")
	rig.run(t, 4, nil, syscall.SIGTERM)

	if rig.d.faults.Active()&faults.HardwareFault == 0 {
		t.Error("expected hardware fault")
	}
	if got := testutil.ToFloat64(metrics.ActiveFaults); got != 1 {
		t.Errorf("expected active faults gauge 1, got %v", got)
	}
	if len(rig.pub.SystemEvents) != 1 || rig.pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Error("expected SHUTDOWN after GPIO errors")
	}
}

func TestGPIOGlitchDoesNotReenergiseValve(t *testing.T) {
	samples := append(idle(5), startHeld(30)...)
	rig := newTestRig(t, samples, nil)
	for i := 0; i < 35; i++ {
		rig.d.step()
	}
	if st := rig.d.core.Status(); st.State != logic.StateStage1Active || !rig.writer.Level(gpio.PinRelayExtend) {
		t.Fatalf("expected extending before the glitch, got state=%s R1=%v", st.State, rig.writer.Level(gpio.PinRelayExtend))
	}

	rig.reader.ReadError = errors.New("gpio fault")
	rig.d.step()
	rig.reader.ReadError = nil
	for i := 0; i < 5; i++ {
		rig.d.step()
	}

	st := rig.d.core.Status()
	if st.State != logic.StateIdle || !st.SafetyActive {
		t.Errorf("expected idle with safety active, got state=%s safety=%v", st.State, st.SafetyActive)
	}
	if rig.writer.Level(gpio.PinRelayExtend) || rig.writer.Level(gpio.PinRelayRetract) {
		t.Error("valve relay re-energised after the read error")
	}
	if events := rig.pub.Values(telemetry.TopicSequenceEvent); !contains(events, logic.AbortedEvent(logic.ReasonInputFault)) {
		t.Errorf("expected input fault abort, got %v", events)
	}
	if err := rig.d.core.CanStart(); err == nil {
		t.Error("expected starts refused until the operator clears safety")
	}
}

func TestRunLoopPeriodicStatus(t *testing.T) {
	rig := newTestRig(t, idle(25), nil)
	rig.run(t, 25, nil, syscall.SIGTERM)

	// status every 100ms: ticks 10 and 20
	if v := rig.pub.Values(telemetry.TopicSequenceStage); len(v) != 2 {
		t.Errorf("expected 2 stage publishes, got %d", len(v))
	}
	if v, _ := rig.pub.Last(telemetry.TopicRelayStatus); !strings.HasPrefix(v, "relays:") {
		t.Errorf("expected relay status, got %q", v)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	rig := newTestRig(t, idle(25), nil)
	rig.d.heartbeat = 100 * time.Millisecond
	rig.run(t, 25, nil, syscall.SIGTERM)

	var beats int
	for _, se := range rig.pub.SystemEvents {
		if se.Event == "HEARTBEAT" {
			beats++
			if se.Retained {
				t.Error("heartbeat should not be retained")
			}
		}
	}
	if beats != 2 {
		t.Errorf("expected 2 heartbeats, got %d", beats)
	}
}

func TestRunLoopCommands(t *testing.T) {
	rig := newTestRig(t, idle(20), nil)
	replies := rig.run(t, 20, map[int]string{
		5:  "safety on",
		10: "set seqtimeout 45000",
		15: "error list",
	}, syscall.SIGTERM)

	if replies[5] != "safety activated" {
		t.Errorf("unexpected reply to safety on: %q", replies[5])
	}
	if events := rig.pub.Values(telemetry.TopicSafetyEvent); len(events) == 0 || !strings.HasPrefix(events[0], logic.EventSafetyActivated) {
		t.Errorf("expected safety event from command, got %v", events)
	}
	if got := rig.d.core.Config().Sequence.TimeoutMs; got != 45000 {
		t.Errorf("expected timeout applied, got %d", got)
	}
	if len(rig.saved) != 1 || rig.saved[0].Sequence.TimeoutMs != 45000 {
		t.Errorf("expected config saved once, got %+v", rig.saved)
	}
	if replies[15] == "" {
		t.Error("expected a reply to error list")
	}
}

func TestRunLoopMQTTStatus(t *testing.T) {
	rig := newTestRig(t, idle(2), nil)
	rig.pub.Connected = true
	rig.pub.Pending = 3
	rig.run(t, 2, nil, syscall.SIGTERM)

	snap := rig.d.tracker.Snapshot()
	if !snap.MQTTConnected || snap.MQTTQueued != 3 {
		t.Errorf("expected connected with 3 queued, got %v/%d", snap.MQTTConnected, snap.MQTTQueued)
	}
}

func TestCommandHandler(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	requests := make(chan command.Request, 1)
	handler := commandHandler(requests, telemetry.NewReporter(pub))

	go func() {
		req := <-requests
		req.Reply <- "echo " + req.Line
	}()
	handler("show")

	if v, _ := pub.Last(mqtt.TopicControlResp); v != "echo show" {
		t.Errorf("expected response published, got %q", v)
	}
}

func TestPrintState(t *testing.T) {
	cfg := config.Default()
	reader := gpio.NewFakeReader([]gpio.Sample{{gpio.PinStartButton: true}})
	sampler := analog.NewFakeSampler(0, 0)

	var buf bytes.Buffer
	if err := printState(&buf, cfg, reader, sampler); err != nil {
		t.Fatalf("printState: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"start_button", "pin  5: ON", "estop", "hydraulic_system: raw=0", "hydraulic_filter"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrintStateReadError(t *testing.T) {
	reader := gpio.NewFakeReader(nil)
	if err := printState(&bytes.Buffer{}, config.Default(), reader, analog.NewFakeSampler(0, 0)); err == nil {
		t.Error("expected error with no samples")
	}
}
