package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"socialbridge/internal/app"
	"socialbridge/internal/config"
	"socialbridge/internal/constants"
	"socialbridge/internal/queue"
	"socialbridge/internal/retry"
	"socialbridge/internal/service"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	Version = "dev"

	verbose    = flag.BoolP("verbose", "v", false, "Enable verbose logging")
	configPath = flag.StringP("config", "c", "config.json", "Path to configuration file (empty reads the environment only)")
	noSchedule = flag.Bool("no-schedule", false, "Only run queued jobs; skip periodic sync and lead backfill")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("socialbridge-worker %s\n", Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Worker error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.ConfigureLogger(logger, cfg.LogLevel, *verbose)
	logger.WithFields(logrus.Fields{
		"version":      Version,
		"queue_driver": cfg.Queue.Driver,
	}).Info("Starting socialbridge worker")

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := app.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	components, err := app.New(ctx, cfg, db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Close()

	runner := queue.NewRunner(db, retry.FromConfig(cfg.Retry), cfg.Queue.MaxAttempts, logger)
	runner.Handle(constants.PublishPostJob, components.Dispatcher.HandlePublishJob)

	var scheduler *service.Scheduler
	if !*noSchedule {
		scheduler = service.NewScheduler(components.Dispatcher, components.Linker, cfg.Scheduler, logger)
	}

	consume := func(ctx context.Context) error {
		if components.AMQP != nil {
			return components.AMQP.Consume(ctx, runner, cfg.Queue.BatchSize)
		}
		return queue.NewPoller(db, runner, queue.PollerOptionsFromConfig(cfg.Queue), logger).Run(ctx)
	}
	if err := consumeJobs(ctx, consume, scheduler); err != nil {
		logger.WithError(err).Error("Job consumer stopped")
		return err
	}
	logger.Info("Worker shutdown completed")
	return nil
}

// consumeJobs runs consume alongside the scheduler until ctx ends or the
// consumer stops on its own. The scheduler is stopped with it, and a consumer
// failure is returned so the process exits and can be restarted.
func consumeJobs(ctx context.Context, consume func(context.Context) error, scheduler *service.Scheduler) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Start(runCtx)
		}()
	}

	err := consume(runCtx)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("consumer returned without error")
	}
	return fmt.Errorf("job consumer stopped: %w", err)
}
