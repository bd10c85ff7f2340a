// Package app assembles the store, connectors, ingestion pipeline, task
// queue and dispatcher shared by the API server and the worker.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"socialbridge/internal/connector"
	"socialbridge/internal/constants"
	"socialbridge/internal/database"
	"socialbridge/internal/ingest"
	"socialbridge/internal/models"
	"socialbridge/internal/queue"
	"socialbridge/internal/ratelimit"
	"socialbridge/internal/retry"
	"socialbridge/internal/service"
	"socialbridge/internal/stream"
	"socialbridge/internal/token"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// App holds every long-lived component of one process
type App struct {
	Config     *models.Config
	Logger     *logrus.Logger
	DB         *database.Database
	Limiter    *ratelimit.Limiter
	Tokens     *token.Manager
	Transport  *connector.Transport
	Registry   *connector.Registry
	Linker     *ingest.Linker
	Pipeline   *ingest.Pipeline
	Hub        *stream.Hub
	Queue      queue.Queue
	AMQP       *queue.AMQPQueue // nil with the sqlite driver
	Dispatcher *service.Dispatcher

	amqpConn *amqp.Connection
}

// ConfigureLogger applies the configured level. Levels more verbose than info
// are only honoured with verbose set, since debug output includes message
// content.
func ConfigureLogger(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message content will be logged")
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// OpenDatabase opens the store, retrying while the file is locked or the
// volume is not mounted yet.
func OpenDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	policy := retry.FromConfig(cfg.Retry)
	policy.MaxAttempts = constants.DefaultDatabaseRetryAttempts

	var db *database.Database
	err := policy.Do(ctx, func() error {
		var initErr error
		db, initErr = database.New(ctx, cfg.Database.Path, cfg.Database.EncryptionSecret)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	if !db.EncryptionEnabled() {
		logger.Warn("Account secrets are stored unencrypted (set SOCIALBRIDGE_ENCRYPTION_SECRET)")
	}
	return db, nil
}

// New wires every component on top of db. The caller owns ctx only for the
// duration of startup; long-running loops are started by the binaries.
func New(ctx context.Context, cfg *models.Config, db *database.Database, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, DB: db}

	if err := a.openQueue(ctx); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: time.Duration(cfg.Graph.TimeoutSec) * time.Second}
	if cfg.Graph.TimeoutSec <= 0 {
		client.Timeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}

	a.Limiter = ratelimit.Shared(ratelimit.FromConfig(cfg.RateLimit), logger)
	a.Tokens = token.NewManager(db,
		token.NewGraphExchangeRefresher(cfg.Graph.BaseURL, cfg.Graph.APIVersion, client),
		token.NewOAuth2Refresher(client),
		time.Duration(cfg.Token.RefreshMarginMin)*time.Minute,
		logger,
	)
	a.Transport = connector.NewTransport(client, a.Limiter, a.Tokens, cfg.Breaker, logger)

	a.Hub = stream.NewHub(stream.Options{}, logger)
	a.Linker = ingest.NewLinker(db, db, cfg.Leads, logger)
	a.Pipeline = ingest.NewPipeline(db, db, a.Linker, a.Hub, logger)

	a.Registry = connector.NewRegistry(connector.Deps{
		Transport: a.Transport,
		Tokens:    a.Tokens,
		Ingester:  a.Pipeline,
		Queue:     a.Queue,
		Graph:     cfg.Graph,
		WhatsApp:  cfg.WhatsApp,
		Logger:    logger,
	})

	a.Dispatcher = service.NewDispatcher(db, a.Registry, a.Pipeline, a.Queue,
		service.NewAppSecrets(cfg.Server.WebhookAppSecret, db), logger)

	logger.WithFields(logrus.Fields{
		"queue_driver": cfg.Queue.Driver,
		"graph_api":    cfg.Graph.APIVersion,
	}).Info("Components initialized")
	return a, nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.Config.Queue.Driver {
	case "", constants.DefaultQueueDriver:
		a.Queue = queue.NewSQLiteQueue(a.DB, a.Logger)
		return nil
	case "amqp":
		conn, ch, err := queue.DialAMQP(ctx, a.Config.Queue.AMQPURL, retry.FromConfig(a.Config.Retry), a.Logger)
		if err != nil {
			return err
		}
		q, err := queue.NewAMQPQueue(a.DB, ch, a.Config.Queue.Exchange, a.Logger)
		if err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
		a.amqpConn = conn
		a.AMQP = q
		a.Queue = q
		return nil
	default:
		return fmt.Errorf("unknown queue driver %q", a.Config.Queue.Driver)
	}
}

// Close disconnects inbox clients and the broker. The database is closed by
// whoever opened it.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.amqpConn != nil {
		if err := a.amqpConn.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close AMQP connection")
		}
	}
}
