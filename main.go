package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"doppler/cmd"
	"doppler/internal/analysis"
	"doppler/internal/capture"
	"doppler/internal/config"
	"doppler/internal/decode"
	"doppler/internal/doppler"
	"doppler/internal/export"
	applog "doppler/internal/log"
	"doppler/internal/session"
	"doppler/internal/transport"
	"doppler/internal/transport/udp"
	"doppler/internal/tui"
	"doppler/pkg/build"
)

var logger = applog.New("main")

// main is the entry point for the speed estimator.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Execute one-off commands (list, analyze) if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Start transports (WebSocket, UDP beacon)
//   - Run the session machine behind the measurement screen
//
// 3. Shutdown Phase (Cold Path):
//   - Abandon any session in progress
//   - Release the input device
//   - Close transports
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	if err := build.Initialize(); err != nil {
		applog.Fatalf("%v", err)
	}

	opts, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts == nil {
		return // --help or --version
	}

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		applog.Fatalf("%v", err)
	}
	if err := opts.Apply(cfg); err != nil {
		applog.Fatalf("%v", err)
	}
	applog.SetLevel(cfg.Level())
	logger.Debugf("%s", build.GetBuildFlags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.Command {
	case cmd.CommandList:
		err = listDevices(cfg)
	case cmd.CommandAnalyze:
		err = analyzeFiles(ctx, cfg, opts.Files)
	default:
		err = run(ctx, cfg, opts.Pick)
	}
	if err != nil {
		stop()
		applog.Fatalf("%v", err)
	}
}

func listDevices(cfg *config.Config) error {
	devices, err := capture.NewController(cfg.Audio, capture.PortAudio()).Devices()
	if err != nil {
		return err
	}
	capture.ListDevices(os.Stdout, devices)
	return nil
}

func newPipeline(cfg *config.Config) (*doppler.Pipeline, error) {
	engine, err := analysis.NewEngine(cfg.Analysis)
	if err != nil {
		return nil, err
	}
	return doppler.NewPipeline(cfg, engine), nil
}

// analyzeFiles estimates each file in turn and prints one line per file.
func analyzeFiles(ctx context.Context, cfg *config.Config, files []string) error {
	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	m := session.NewMachine(cfg, session.Deps{
		Estimator: pipeline,
		Decode:    decode.DecodeFile,
		Events:    transport.NewEventSink(transport.NewLoggingTransport()),
	})
	defer m.Close()

	var failed int
	for _, path := range files {
		if _, err := m.AnalyzeFile(ctx, path); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("%s: error: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s: %s\n", path, m.Display())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be analyzed", failed, len(files))
	}
	return nil
}

// run drives live measurements from the terminal until the user quits or a
// termination signal arrives.
func run(ctx context.Context, cfg *config.Config, pick bool) error {
	host := capture.PortAudio()
	device := ""
	if cfg.Audio.InputDevice != config.MinDeviceID {
		device = fmt.Sprintf("device %d", cfg.Audio.InputDevice)
	}

	if pick {
		sel, err := tui.PickDevice(capture.NewController(cfg.Audio, host).Devices)
		if err != nil {
			return err
		}
		if !sel.Confirmed {
			return nil
		}
		cfg.Audio.InputDevice = sel.DeviceID
		cfg.Audio.SampleRate = sel.SampleRate
		device = sel.Name
	}

	// The screen owns the terminal; log lines go to a file instead.
	logPath := filepath.Join(os.TempDir(), "doppler.log")
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		applog.SetOutput(f)
		defer func() {
			applog.SetOutput(os.Stderr)
			f.Close()
		}()
		fmt.Fprintf(os.Stderr, "logging to %s\n", logPath)
	}

	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	// ==================== CONCURRENT PHASE (Hot Path) ====================

	transports := transport.Multi{transport.NewLoggingTransport()}
	if cfg.Transport.WSEnabled {
		ws, err := transport.NewWebSocketTransport(cfg.Transport.WSAddress)
		if err != nil {
			return err
		}
		transports = append(transports, ws)
	}
	events := transport.NewEventSink(transports)

	var publisher *udp.UDPPublisher
	if cfg.Transport.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			transports.Close()
			return err
		}
		defer sender.Close()
		publisher, err = udp.NewUDPPublisher(cfg.Transport.UDPSendInterval, sender, events)
		if err != nil {
			transports.Close()
			return err
		}
		publisher.Start()
	}

	deps := session.Deps{
		Estimator: pipeline,
		Decode:    decode.DecodeFile,
	}
	if cfg.Export.Enabled {
		exp, err := export.New(cfg.Export)
		switch {
		case errors.Is(err, export.ErrNoSupportedEncoder):
			logger.Warnf("recording export disabled: %v", err)
		case err != nil:
			return err
		default:
			logger.Infof("saving recordings as %s in %s", exp.Format(), cfg.Export.OutputDir)
			deps.Recorder = exp
		}
	}

	controller := capture.NewController(cfg.Audio, host)
	deps.Input = controller

	var machine *session.Machine
	err = tui.RunSession(ctx, device, func(s tui.Sender) tui.Session {
		deps.Events = session.Fanout{tui.NewProgramSink(s), events}
		machine = session.NewMachine(cfg, deps)
		return machine
	})

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	if machine != nil {
		if cerr := machine.Close(); cerr != nil {
			logger.Warnf("closing session: %v", cerr)
		}
	}
	if rerr := controller.Release(); rerr != nil {
		logger.Warnf("releasing input: %v", rerr)
	}
	if publisher != nil {
		publisher.Stop()
	}
	if cerr := transports.Close(); cerr != nil {
		logger.Warnf("closing transports: %v", cerr)
	}
	if ctx.Err() != nil {
		return nil // interrupted
	}
	return err
}
