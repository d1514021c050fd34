package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/glloq/Orchestrion-Xylophone/internal/config"
	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
	"github.com/glloq/Orchestrion-Xylophone/internal/instrument"
	"github.com/glloq/Orchestrion-Xylophone/internal/transport"
)

// logger is the process-wide structured logger, replaced by initLogger.
var logger = slog.Default()

// initLogger configures the shared slog logger and calls slog.SetDefault so
// the stdlib log package also routes through the same handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

const midiRescanInterval = time.Second

// options are the command-line settings that outlive flag parsing.
type options struct {
	backend   string
	serialDev string
	baud      int
	retry     hardware.Retry
	prefer    []string
	selftest  string
}

func main() {
	configPath := flag.String("config", "", "YAML config file (built-in defaults when empty)")
	backend := flag.String("hardware", "i2c", "output backend: i2c, serial or log")
	i2cDev := flag.String("i2c", "", "I2C bus device, overrides the config")
	serialDev := flag.String("serial", "/dev/ttyACM0", "serial port device for the serial backend")
	baud := flag.Int("baud", 500000, "serial baud rate")
	retries := flag.Int("retries", 5, "hardware init attempts before giving up")
	backoff := flag.Duration("backoff", 500*time.Millisecond, "delay between hardware init attempts")
	prefer := flag.String("midi", "", "comma-separated preferred MIDI port name patterns")
	selftest := flag.String("selftest", "", "play at startup: melody or sweep")
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	flag.Parse()

	initLogger(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config: load failed", "err", err)
		os.Exit(1)
	}
	if *i2cDev != "" {
		cfg.I2C.Device = *i2cDev
	}
	if *selftest != "" && *selftest != "melody" && *selftest != "sweep" {
		logger.Error("unknown -selftest value", "value", *selftest)
		os.Exit(2)
	}

	logger.Info("xylophone starting",
		"hardware", *backend,
		"start_note", cfg.StartNote,
		"range", cfg.Range,
		"max_simultaneous", cfg.MaxSimultaneous,
		"channel", channelDesc(cfg),
		"debug", *debug,
	)

	opts := options{
		backend:   *backend,
		serialDev: *serialDev,
		baud:      *baud,
		retry:     hardware.Retry{Attempts: *retries, Backoff: *backoff},
		selftest:  *selftest,
	}
	if *prefer != "" {
		opts.prefer = strings.Split(*prefer, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, opts)
	stop()
	if err != nil {
		logger.Error("xylophone stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("xylophone stopped")
}

// run owns every opened resource, so all of them are released before main
// decides the exit status.
func run(ctx context.Context, cfg config.Config, opts options) error {
	out, err := openOutputs(ctx, opts.backend, cfg, opts.serialDev, opts.baud, opts.retry)
	if err != nil {
		return fmt.Errorf("hardware init (%s): %w", opts.backend, err)
	}
	defer out.Close()

	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("midi: driver init: %w", err)
	}
	defer drv.Close()

	port := transport.NewPort(drv,
		transport.Preferred(opts.prefer...),
		transport.RescanEvery(midiRescanInterval),
		transport.WithLogger(logger))
	defer port.Close()

	xopts := []instrument.Option{
		instrument.WithLogger(logger),
		instrument.WithReplier(port),
	}
	if out.octave != nil {
		xopts = append(xopts, instrument.WithOctaveSwitch(out.octave))
	}
	xylo, err := instrument.New(cfg, out.hw, xopts...)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- xylo.Run(ctx) }()

	if opts.selftest != "" {
		go func() {
			if err := xylo.SelfTest(ctx, opts.selftest == "melody", instrument.DefaultSelfTestStep); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("self-test aborted", "err", err)
			}
		}()
	}

	if err := port.Start(xylo); err != nil {
		logger.Warn("midi: first connect failed, retrying", "err", err)
	}
	logger.Info("running, waiting for MIDI device")

	ticker := time.NewTicker(midiRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case err := <-runErr:
			if err == nil {
				return nil
			}
			return fmt.Errorf("instrument: %w", err)
		case <-ticker.C:
			port.Tick()
		}
	}
}

func channelDesc(cfg config.Config) string {
	if cfg.AllChannels {
		return "all"
	}
	return fmt.Sprint(cfg.Channel + 1)
}
