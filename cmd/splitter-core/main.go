// Command splitter-core runs the log splitter control loop: it reads the
// operator inputs and pressure transducers, drives the valve relays and
// publishes telemetry to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sweeney/splitter-core/internal/analog"
	"github.com/sweeney/splitter-core/internal/clock"
	"github.com/sweeney/splitter-core/internal/command"
	"github.com/sweeney/splitter-core/internal/config"
	"github.com/sweeney/splitter-core/internal/faults"
	"github.com/sweeney/splitter-core/internal/gpio"
	"github.com/sweeney/splitter-core/internal/logic"
	"github.com/sweeney/splitter-core/internal/mqtt"
	"github.com/sweeney/splitter-core/internal/telemetry"
	"github.com/sweeney/splitter-core/internal/web"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

type globalFlags struct {
	configPath string
	debug      bool
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "splitter-core",
		Short:         "Hydraulic log splitter controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath, "Configuration file")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Log every tick and relay write")

	cmd.AddCommand(runCmd(&g), printStateCmd(&g), configCmd(&g))
	return cmd
}

func runCmd(g *globalFlags) *cobra.Command {
	var broker, httpAddr string
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("broker") {
				cfg.MQTT.Broker = broker
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("poll") {
				cfg.PollMs = int(poll.Milliseconds())
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg, g.configPath, g.debug)
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker address (overrides config)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP status address, empty to disable (overrides config)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Control loop period (overrides config)")
	return cmd
}

func printStateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "print-state",
		Short: "Read inputs and pressures once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			reader, err := gpio.NewRealReader(cfg.Pins.Chip, cfg.GPIOInputs())
			if err != nil {
				return fmt.Errorf("init gpio: %w", err)
			}
			defer reader.Close()
			sampler, err := analog.NewIIOSampler(cfg.ADCDevice, cfg.Main.ADCChannel, cfg.Filter.ADCChannel)
			if err != nil {
				return fmt.Errorf("init adc: %w", err)
			}
			defer sampler.Close()
			return printState(cmd.OutOrStdout(), cfg, reader, sampler)
		},
	}
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the factory configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(g.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", g.configPath)
			}
			if err := config.Default().Save(g.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", g.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func run(cfg config.Config, configPath string, debug bool) error {
	reader, err := gpio.NewRealReader(cfg.Pins.Chip, cfg.GPIOInputs())
	if err != nil {
		return fmt.Errorf("init gpio inputs: %w", err)
	}
	defer reader.Close()

	writer, err := gpio.NewRealWriter(cfg.Pins.Chip, cfg.OutputLines())
	if err != nil {
		return fmt.Errorf("init gpio outputs: %w", err)
	}

	sampler, err := analog.NewIIOSampler(cfg.ADCDevice, cfg.Main.ADCChannel, cfg.Filter.ADCChannel)
	if err != nil {
		writer.Close()
		return fmt.Errorf("init adc: %w", err)
	}
	defer sampler.Close()

	session := uuid.NewString()
	clientID := cfg.MQTT.ClientID + "-" + session[:8]
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   clientID,
		Session:    session,
		BufferSize: cfg.MQTT.BufferSize,
		LatestOnly: telemetry.Periodic(),
	})
	if err != nil {
		writer.Close()
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	var history faults.History = faults.NewMemoryHistory()
	if cfg.FaultDB != "" {
		db, err := faults.OpenSQLite(cfg.FaultDB)
		if err != nil {
			log.Printf("faults: %v, keeping history in memory", err)
		} else {
			history = db
		}
	}
	defer history.Close()

	d := newDaemon(cfg, hardware{
		reader:  reader,
		writer:  writer,
		sampler: sampler,
		pub:     publisher,
		history: history,
		clock:   clock.NewMonotonic(),
		now:     time.Now,
		session: session,
		save:    func(c config.Config) error { return c.Save(configPath) },
	}, debug)
	defer d.relays.Close()

	requests := make(chan command.Request)
	if err := publisher.Subscribe(mqtt.TopicControl, commandHandler(requests, d.reporter)); err != nil {
		log.Printf("mqtt: subscribe %s: %v", mqtt.TopicControl, err)
	}

	d.refreshTracker()
	d.publishSystem("STARTUP", "")

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, d.tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: poll=%dms broker=%s session=%s heartbeat=%ds", cfg.PollMs, cfg.MQTT.Broker, session, cfg.HeartbeatSec)

	ticker := time.NewTicker(time.Duration(cfg.PollMs) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(d, ticker.C, sigCh, requests)
}

// commandHandler forwards MQTT commands into the control goroutine and
// publishes the reply. It runs on paho's goroutine.
func commandHandler(requests chan<- command.Request, reporter *telemetry.Reporter) func(string) {
	return func(payload string) {
		req := command.NewRequest(payload)
		select {
		case requests <- req:
		case <-time.After(time.Second):
			log.Printf("command: control loop busy, dropped %q", payload)
			return
		}
		select {
		case resp := <-req.Reply:
			reporter.Response(resp)
		case <-time.After(time.Second):
			log.Printf("command: no reply for %q", payload)
		}
	}
}

func printState(w io.Writer, cfg config.Config, reader gpio.Reader, sampler analog.Sampler) error {
	levels, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	for _, p := range cfg.InputPins() {
		fmt.Fprintf(w, "%-15s pin %2d: %s\n", p.Name, p.Line, stateString(levels[p.Line]))
	}

	mainRaw, filterRaw, err := sampler.Sample()
	if err != nil {
		return fmt.Errorf("read adc: %w", err)
	}
	lc := cfg.Logic()
	m := logic.NewPressureChannel(lc.Main).Sample(mainRaw)
	f := logic.NewPressureChannel(lc.Filter).Sample(filterRaw)
	fmt.Fprintf(w, "%s: raw=%d %.3f V %.1f psi\n", logic.ChannelMain, mainRaw, m.Volts, m.PSI)
	fmt.Fprintf(w, "%s: raw=%d %.3f V %.1f psi\n", logic.ChannelFilter, filterRaw, f.Volts, f.PSI)
	return nil
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
