package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/loadgen"
	"github.com/illmade-knight/go-topicfuzz/metrics"
	"github.com/illmade-knight/go-topicfuzz/msggen"
	"github.com/illmade-knight/go-topicfuzz/topics"
	"github.com/illmade-knight/go-topicfuzz/tracing"
)

func main() {
	cfg, err := loadConfig(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid logging configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("topicfuzz failed")
		stop()
		os.Exit(1)
	}
}

// run wires the components and blocks until the run ends or ctx is cancelled.
// Topic setup failures are logged and do not fail the run.
func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	descriptors, err := topics.Load(cfg.TopicsFile)
	if err != nil {
		return err
	}
	logger.Info().Str("file", cfg.TopicsFile).Int("topics", len(descriptors)).Msg("Loaded topics")

	supplier, err := entropy.NewSupplier(cfg.Entropy)
	if err != nil {
		return err
	}

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to clean up tracing")
		}
	}()

	rawBus, err := bus.Open(ctx, cfg.Bus, clock.New(), logger)
	if err != nil {
		return fmt.Errorf("failed to open %s bus: %w", cfg.Bus.Kind, err)
	}
	b := tracing.NewTracedBus(rawBus, tracer)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close bus")
		}
	}()

	registry := metrics.NewRegistry()
	registry.SetSystemInfo(cfg.Version, cfg.Bus.Kind, cfg.Entropy.Mode)

	scheduler := loadgen.NewScheduler(b, msggen.NewDefaultRegistry(), supplier, loadgen.Config{
		PollInterval:   cfg.PollInterval,
		PublishTimeout: cfg.PublishTimeout,
		Recorder:       registry,
	}, logger)
	if err := scheduler.AddTopics(ctx, descriptors); err != nil {
		logger.Warn().Err(err).Msg("Some topics failed to start; continuing with the rest")
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if cfg.Metrics.Port != 0 {
		server := metrics.NewServer(cfg.Metrics, registry, logger)
		g.Go(func() error {
			return server.Start(runCtx)
		})
	}

	g.Go(func() error {
		// The metrics server lives as long as the scheduler.
		defer cancelRun()
		if cfg.RunDuration > 0 {
			_, err := scheduler.RunFor(runCtx, cfg.RunDuration)
			return err
		}
		return scheduler.Run(runCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	for _, task := range scheduler.Tasks() {
		stats := task.Stats()
		logger.Info().
			Str("topic", stats.Topic).
			Str("state", stats.State.String()).
			Int64("ticks", stats.Ticks).
			Int64("published", stats.Published).
			Int64("generation_failures", stats.GenerationFailures).
			Int64("publish_failures", stats.PublishFailures).
			Int64("skipped", stats.Skipped).
			Msg("Topic summary")
	}
	return nil
}
