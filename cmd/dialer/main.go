package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/campaign-dialer/internal/app"
	"github.com/acme/campaign-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer func() { _ = container.Close() }()
	lg := container.Logger.Named("dialer")

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "dialer")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	engine, err := container.Engine()
	if err != nil {
		lg.Fatal("failed to build engine", zap.Error(err))
	}
	bus, err := container.Notifier()
	if err != nil {
		lg.Fatal("failed to build notifier", zap.Error(err))
	}
	if engine.Fake != nil {
		defer func() { _ = engine.Fake.Close() }()
		lg.Warn("running against the in-process fake switch")
	}

	// cancelled only after the dialer drains so in-flight calls still receive events
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()

	g, gctx := errgroup.WithContext(ctx)
	if engine.AMI != nil {
		g.Go(func() error { return engine.AMI.Run(drainCtx) })
	}
	g.Go(func() error { return ignoreCanceled(engine.Correlator.Run(drainCtx, engine.Port.Events())) })
	g.Go(func() error { return bus.Run(drainCtx) })
	g.Go(func() error {
		defer stopDrain()
		return engine.Dialer.Run(gctx)
	})
	g.Go(func() error { return ignoreCanceled(engine.Retries.Run(gctx, engine.Dialer)) })
	g.Go(func() error { return ignoreCanceled(engine.Control.Run(gctx)) })

	lg.Info("dialer started",
		zap.String("switch", container.Config.Switch.Driver),
		zap.Bool("distributed_slots", container.Config.Dialer.DistributedSlots),
	)
	if err := g.Wait(); err != nil {
		lg.Error("dialer terminated", zap.Error(err))
	}
	lg.Info("dialer drained")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
