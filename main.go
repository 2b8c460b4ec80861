package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/cursor"
	"github.com/eddielth/sensor-trans/inventory"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/platform"
	"github.com/eddielth/sensor-trans/publisher"
	"github.com/eddielth/sensor-trans/registrar"
	"github.com/eddielth/sensor-trans/scheduler"
	"github.com/eddielth/sensor-trans/source"
	"github.com/eddielth/sensor-trans/storage"
	"github.com/eddielth/sensor-trans/transformer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	err := run(*configPath)
	if err != nil {
		logger.Error("sensor-trans stopped: %v", err)
	}
	logger.Close()

	if err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	lc := cfg.Logger
	if err := logger.InitFromConfig(lc.Level, lc.FilePath, lc.MaxSize, lc.MaxBackups, lc.Console, lc.Caller); err != nil {
		return err
	}

	toggles := config.NewToggles(cfg.Features)

	scripts, err := transformer.NewScriptManager(cfg.Scripts)
	if err != nil {
		return err
	}

	archive, err := storage.NewManagerFromConfig(cfg.Storage)
	if err != nil {
		return err
	}
	defer archive.Close()

	platformClient, err := platform.NewClient(cfg.Platform)
	if err != nil {
		return err
	}
	defer platformClient.Close()

	converter := transformer.NewEventTransformer(cfg.Platform.DeviceType, cursor.New(), toggles,
		transformer.WithScripts(scripts),
		transformer.WithStrictTimestamps(cfg.Source.StrictTimestamps),
	)

	reg := registrar.New(platformClient, toggles, registrar.Options{
		DeviceType:   cfg.Platform.DeviceType,
		Manufacturer: cfg.Platform.Manufacturer,
		DeviceToken:  cfg.Platform.DeviceToken,
		Concurrency:  cfg.Platform.Concurrency,
		RetryFailed:  cfg.Platform.RetryFailedRegistration,
	})

	deps := scheduler.Deps{
		Platform:  platformClient,
		Source:    source.NewClient(cfg.Source, nil),
		Inventory: inventory.NewClient(cfg.Inventory, nil),
		Converter: converter,
		Registrar: reg,
		Publisher: publisher.New(platformClient, cfg.Platform.Concurrency),
		Toggles:   toggles,
	}
	if archive.Len() > 0 {
		deps.Archiver = archive
	}

	poller := scheduler.New(scheduler.Options{
		DeviceType:   cfg.Platform.DeviceType,
		Interval:     cfg.PollDuration(),
		RoundTimeout: cfg.Source.RoundTimeout,
	}, deps)

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		logger.Info("applying new config...")

		if level, err := logger.ParseLogLevel(newCfg.Logger.Level); err == nil {
			logger.SetLevel(level)
		}
		toggles.Apply(newCfg.Features)

		// connection settings and the poll interval only take effect after a restart
		return scripts.Reload(newCfg.Scripts)
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file %s", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := poller.Start(ctx); err != nil {
		return err
	}
	logger.Info("sensor-trans started, polling every %v minutes", cfg.PollDuration().Minutes())

	<-ctx.Done()
	poller.Stop()

	logger.Info("service stopped")
	return nil
}
