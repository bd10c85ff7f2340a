package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socialbridge/internal/app"
	"socialbridge/internal/config"
	"socialbridge/internal/constants"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.BoolP("verbose", "v", false, "Enable verbose logging (includes message content)")
	configPath = flag.StringP("config", "c", "config.json", "Path to configuration file (empty reads the environment only)")
	version    = flag.Bool("version", false, "Show version information")
	envHelp    = flag.Bool("env-help", false, "List the environment variables the configuration understands")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("socialbridge %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}
	if *envHelp {
		fmt.Println(config.Usage())
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting socialbridge")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.ConfigureLogger(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

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

	if *configPath != "" {
		reloader := config.NewReloader(*configPath, logger)
		reloader.Apply(func(next *models.Config) {
			app.ConfigureLogger(logger, next.LogLevel, *verbose)
		})
		reloader.Apply(func(next *models.Config) {
			components.Linker.UpdateConfig(next.Leads)
		})
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.WithError(err).Warn("Config reloading disabled")
			}
		}()
	}

	server := NewServer(cfg, components.Dispatcher, components.Linker, components.Hub, db, registry, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	// Inbox websockets are hijacked and not tracked by Shutdown
	components.Hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
