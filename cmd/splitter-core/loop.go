package main

import (
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/splitter-core/internal/analog"
	"github.com/sweeney/splitter-core/internal/clock"
	"github.com/sweeney/splitter-core/internal/command"
	"github.com/sweeney/splitter-core/internal/config"
	"github.com/sweeney/splitter-core/internal/faults"
	"github.com/sweeney/splitter-core/internal/gpio"
	"github.com/sweeney/splitter-core/internal/input"
	"github.com/sweeney/splitter-core/internal/logic"
	"github.com/sweeney/splitter-core/internal/metrics"
	"github.com/sweeney/splitter-core/internal/mqtt"
	"github.com/sweeney/splitter-core/internal/relay"
	"github.com/sweeney/splitter-core/internal/status"
	"github.com/sweeney/splitter-core/internal/telemetry"
)

// broker is the MQTT side of the daemon.
type broker interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
}

// hardware is what newDaemon needs from the outside world.
type hardware struct {
	reader  gpio.Reader
	writer  gpio.Writer
	sampler analog.Sampler
	pub     broker
	history faults.History
	clock   clock.Source
	now     func() time.Time
	session string
	save    func(config.Config) error // may be nil
}

// daemon holds everything the control goroutine owns. Only runLoop
// touches core, inputs and commands.
type daemon struct {
	reader   gpio.Reader
	sampler  analog.Sampler
	inputs   *input.Manager
	core     *logic.Core
	relays   *relay.Bank
	faults   *faults.Manager
	commands *command.Processor
	reporter *telemetry.Reporter
	pub      broker
	tracker  *status.Tracker

	clock     clock.Source
	now       func() time.Time
	statusMs  uint32
	heartbeat time.Duration
	debug     bool

	mainRaw, filterRaw int // last good ADC sample
	lastStatus         clock.Millis
	lastHeartbeat      time.Time
}

// newDaemon wires the control core to its collaborators and powers the
// relay board.
func newDaemon(cfg config.Config, hw hardware, debug bool) *daemon {
	bank := relay.NewBank(hw.writer, cfg.RelayLines())
	bank.SetVerbose(debug)
	if !bank.PowerOn() {
		log.Printf("relay: board power failed to switch on")
	}
	engine := relay.NewEngineStop(hw.writer, cfg.Pins.EngineStop)

	fm := faults.NewManager(faults.Options{
		History: hw.history,
		Pub:     hw.pub,
		Lamp:    hw.writer,
		LampPin: cfg.Pins.MIL,
		Now:     hw.now,
	})
	core := logic.NewCore(cfg.Logic(), bank, engine)
	inputs := input.NewManager(cfg.InputPins())

	d := &daemon{
		reader:   hw.reader,
		sampler:  hw.sampler,
		inputs:   inputs,
		core:     core,
		relays:   bank,
		faults:   fm,
		reporter: telemetry.NewReporter(hw.pub),
		pub:      hw.pub,
		tracker: status.NewTracker(hw.now(), hw.session, status.Config{
			PollMs:           cfg.PollMs,
			StatusIntervalMs: cfg.StatusIntervalMs,
			HeartbeatSec:     cfg.HeartbeatSec,
			Broker:           cfg.MQTT.Broker,
			HTTPAddr:         cfg.HTTPAddr,
			FaultDB:          cfg.FaultDB,
		}),
		clock:     hw.clock,
		now:       hw.now,
		statusMs:  uint32(cfg.StatusIntervalMs),
		heartbeat: time.Duration(cfg.HeartbeatSec) * time.Second,
		debug:     debug,
	}
	d.commands = command.NewProcessor(command.Options{
		Core:   core,
		Config: &cfg,
		Relays: bank,
		Faults: fm,
		Pins:   inputs,
		Save:   hw.save,
		SetDebug: func(on bool) {
			d.debug = on
			bank.SetVerbose(on)
		},
	})
	return d
}

func runLoop(d *daemon, tick <-chan time.Time, sig <-chan os.Signal, requests <-chan command.Request) error {
	d.lastStatus = d.clock.Now()
	d.lastHeartbeat = d.now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			d.relays.AllOff()
			d.refreshTracker()
			d.publishSystem("SHUTDOWN", signalName)
			return nil

		case req := <-requests:
			now := d.clock.Now()
			resp, events := d.commands.Execute(req.Line, now)
			log.Printf("command: %q -> %s", req.Line, resp)
			d.handleEvents(events, now)
			req.Reply <- resp

		case <-tick:
			d.step()
		}
	}
}

// step runs one control tick.
func (d *daemon) step() {
	started := time.Now()
	now := d.clock.Now()

	levels, err := d.reader.Read()
	if err != nil {
		log.Printf("gpio read error: %v", err)
		d.handleEvents(d.core.InputFault(logic.ReasonInputFault, now), now)
		if d.faults.Active()&faults.HardwareFault == 0 {
			d.faults.Set(faults.HardwareFault, "gpio read failed", now)
		}
		d.refreshTracker()
		return
	}
	changes := d.inputs.Process(now, levels)
	d.reporter.Inputs(changes)

	mainRaw, filterRaw, err := d.sampler.Sample()
	if err != nil {
		// hold the last good sample; a dead transducer must not read as 0 psi
		log.Printf("adc read error: %v", err)
		if d.faults.Active()&faults.SensorFault == 0 {
			d.faults.Set(faults.SensorFault, "", now)
		}
	} else {
		d.mainRaw, d.filterRaw = mainRaw, filterRaw
	}

	in := d.inputs.Inputs(now)
	in.MainRaw, in.FilterRaw = d.mainRaw, d.filterRaw
	events := d.core.Tick(in)
	d.handleEvents(events, now)
	d.faults.Update(now)

	if d.debug {
		st := d.core.Status()
		log.Printf("tick: %s buttons=%04b limits=%t/%t estop=%t %s",
			st.State, in.Buttons, in.ExtendLimit, in.RetractLimit, in.EStop, telemetry.PressureStatus(st))
	}

	if now.Since(d.lastStatus) >= d.statusMs {
		d.lastStatus = now
		st := d.core.Status()
		d.reporter.Status(st, d.relays.StatusString())
		metrics.ObserveStatus(st)
	}

	if d.heartbeat > 0 && d.inputs.Baselined() {
		if t := d.now(); t.Sub(d.lastHeartbeat) >= d.heartbeat {
			d.lastHeartbeat = t
			d.refreshTracker()
			d.publishSystem("HEARTBEAT", "")
		}
	}

	d.refreshTracker()
	metrics.ObserveTick(time.Since(started))
}

// handleEvents publishes events and raises faults for the ones that need
// operator attention.
func (d *daemon) handleEvents(events []logic.Event, now clock.Millis) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		log.Printf("%s: %s", e.Kind, telemetry.EventPayload(e))
		if e.Name == logic.EventLockoutEngaged && e.Reason == logic.ReasonTimeout {
			d.faults.Set(faults.SequenceTimeout, "", now)
		}
	}
	d.reporter.Events(events)
	metrics.ObserveEvents(events)
}

func (d *daemon) refreshTracker() {
	d.tracker.Update(d.core.Status(), d.inputs.Baselined(), d.relays.StatusString())
	d.tracker.SetFaults(status.Faults{
		Count:   d.faults.Count(),
		Pattern: string(d.faults.Pattern()),
		List:    d.faults.List(),
	})
	d.tracker.SetMQTT(d.pub.IsConnected(), d.pub.Queued())
	metrics.ActiveFaults.Set(float64(d.faults.Count()))
}

func (d *daemon) publishSystem(event, reason string) {
	snap := d.tracker.Snapshot()
	e := mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Session:    snap.Session,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.pub.PublishSystem(e); err != nil {
		log.Printf("failed to publish %s event: %v", event, err)
		return
	}
	log.Printf("published %s event", event)
}
