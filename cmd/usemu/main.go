package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rjboer/usemu/internal/app"
	"github.com/rjboer/usemu/internal/dataset"
	"github.com/rjboer/usemu/internal/device"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/mdns"
	"github.com/rjboer/usemu/internal/telemetry"
)

func main() {
	cfg, err := resolveConfig(os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	logger, closer, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer closer.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("emulator stopped", logging.Err(err))
		closer.Close()
		os.Exit(1)
	}
}

func newLogger(cfg logConfig, console io.Writer) (logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewRotating(level, format, console, cfg.File)
}

// run loads the dataset, uploads the scheme and serves until ctx is done or the
// session ends.
func run(ctx context.Context, cfg config, logger logging.Logger) error {
	src, err := dataset.ParseSource(cfg.Dataset)
	if err != nil {
		return err
	}
	scheme, err := buildScheme(cfg)
	if err != nil {
		return fmt.Errorf("build scheme: %w", err)
	}

	high := make(chan struct{}, 1)
	low := make(chan struct{}, 1)
	dev, err := device.NewFile(ctx, 0, device.FileSettings{
		Source:            src,
		FrameShape:        cfg.FrameShape,
		SamplingFrequency: cfg.SamplingFrequency,
		Probe:             cfg.Probe,
	}, device.WithLogger(logger), device.WithWatermarks(high, low))
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	buf, md, err := dev.Upload(scheme)
	if err != nil {
		return fmt.Errorf("upload scheme: %w", err)
	}

	hub := telemetry.NewHub(cfg.HistoryLimit, logger)
	hub.SetController(dev)
	go hub.WatchWatermarks(ctx, high, low)

	var reporter telemetry.Reporter = telemetry.NewStdoutReporter(logger)
	if cfg.WebAddr != "" {
		reporter = hub
		ln, err := net.Listen("tcp", cfg.WebAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.WebAddr, err)
		}
		web := telemetry.NewWebServer(cfg.WebAddr, hub, logger)
		go func() {
			if err := web.Serve(ctx, ln); err != nil {
				logger.Error("web server failed", logging.Err(err))
			}
		}()
		if cfg.MDNS.Enabled {
			ad, err := mdns.Advertise(ctx, mdns.AdvertiseConfig{
				Instance:   cfg.MDNS.Instance,
				Port:       ln.Addr().(*net.TCPAddr).Port,
				Attributes: advertisedAttributes(dev, md),
				Retries:    cfg.MDNS.Retries,
			}, logger)
			if err != nil {
				logger.Warn("mdns advertisement unavailable", logging.Err(err))
			} else {
				defer ad.Shutdown()
			}
		}
	}

	if err := dev.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	defer dev.Stop()

	session := app.NewSession(dev, buf, md, reporter, hub, logger, app.Config{
		TriggerRate:   cfg.TriggerRate,
		SpectrumEvery: cfg.SpectrumEvery,
		MaxFrames:     cfg.MaxFrames,
	})
	logger.Info("emulator running", logging.Field{Key: "mode", Value: md.WorkMode.String()}, logging.Field{Key: "run", Value: md.RunID})
	return session.Run(ctx)
}

func advertisedAttributes(dev *device.File, md *device.Metadata) map[string]string {
	return map[string]string{
		"device": dev.ID().String(),
		"run":    md.RunID,
		"mode":   md.WorkMode.String(),
		"frame":  md.FrameShape.String(),
		"fs":     fmt.Sprintf("%g", md.CurrentSamplingFrequency),
	}
}
