package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/glloq/Orchestrion-Xylophone/internal/config"
	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
)

// outputs is the selected hardware backend plus anything it owns.
type outputs struct {
	hw     hardware.Hardware
	octave func() bool
	bus    hardware.Bus
}

func (o outputs) Close() {
	if err := o.hw.Close(); err != nil {
		logger.Error("hardware: close failed", "err", err)
	}
	if o.bus != nil {
		_ = o.bus.Close()
	}
}

func openOutputs(ctx context.Context, backend string, cfg config.Config, serialDev string, baud int, retry hardware.Retry) (outputs, error) {
	switch backend {
	case "log":
		return outputs{hw: hardware.LogSink{Logger: logger}}, nil

	case "serial":
		link, err := hardware.OpenSerial(ctx, serialDev, baud, cfg.Range, retry, logger)
		if err != nil {
			return outputs{}, err
		}
		return outputs{hw: link}, nil

	case "i2c":
		bus, err := hardware.OpenI2C(cfg.I2C.Device)
		if err != nil {
			return outputs{}, fmt.Errorf("%w: %w", hardware.ErrInitFailed, err)
		}
		board, err := hardware.OpenBoard(ctx, bus, boardConfig(cfg), retry, logger)
		if err != nil {
			_ = bus.Close()
			return outputs{}, err
		}
		return outputs{hw: board, octave: board.OctaveSwitch, bus: bus}, nil
	}
	return outputs{}, errors.New("unknown hardware backend " + backend)
}

func boardConfig(cfg config.Config) hardware.BoardConfig {
	return hardware.BoardConfig{
		Expanders:     cfg.I2C.Expanders,
		PWM:           cfg.I2C.PWM,
		Pins:          cfg.Pins[:cfg.Range],
		SwitchPin:     cfg.I2C.SwitchPin,
		DriveChannel:  cfg.I2C.DriveChannel,
		MuteChannel:   cfg.I2C.MuteChannel,
		VolumeChannel: cfg.I2C.VolumeChannel,
		MinPulse:      cfg.Servo.MinPulse.D(),
		MaxPulse:      cfg.Servo.MaxPulse.D(),
	}
}
