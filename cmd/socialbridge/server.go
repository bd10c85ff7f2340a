package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/httputil"
	"socialbridge/internal/ingest"
	"socialbridge/internal/middleware"
	"socialbridge/internal/models"
	"socialbridge/internal/service"
	"socialbridge/internal/tracing"
	"socialbridge/internal/versioning"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// API is the dispatcher surface exposed over HTTP
type API interface {
	Send(ctx context.Context, platformKey, recipient, content, msgType string, opts models.SendOptions) models.Result
	BulkSend(ctx context.Context, platformKey, recipients, content, msgType string) []service.BulkResult
	CreateSendRequest(ctx context.Context, req *models.SendRequest) (*models.SendRequest, error)
	GetSendRequest(ctx context.Context, id string) (*models.SendRequest, error)
	RetrySendRequest(ctx context.Context, id string) (*models.SendRequest, error)
	HandleWebhook(ctx context.Context, platformKey string, body []byte, signature string) (models.Result, error)
	CreatePost(ctx context.Context, post *models.Post) (*models.Post, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	PublishPost(ctx context.Context, id string) (*models.Post, error)
	SchedulePost(ctx context.Context, id string, at time.Time) (*models.Post, error)
	CancelSchedule(ctx context.Context, id string) (*models.Post, error)
	Sync(ctx context.Context, channelID string) ([]service.SyncReport, error)
	Analytics(ctx context.Context, channelID string, dateRange models.DateRange) ([]service.AnalyticsReport, error)
	TestConnection(ctx context.Context, channelID string) (*service.ConnectionReport, error)
	RegisterChannel(ctx context.Context, ch *models.Channel, acc *models.Account) (*models.Channel, error)
	ListChannels(ctx context.Context, platformKey string) ([]*models.Channel, error)
	ListMessages(ctx context.Context, platformKey string, filter models.MessageFilter) ([]*models.Message, error)
}

// Leads reports and backfills lead linking
type Leads interface {
	LeadStats(ctx context.Context) ([]models.PlatformLeadStats, error)
	BackfillLeads(ctx context.Context) (ingest.BackfillReport, error)
}

// Pinger reports whether the store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	errLog   *apperrors.Logger
	cfg      *models.Config
	api      API
	leads    Leads
	inbox    http.Handler
	store    Pinger
	registry *prometheus.Registry
	server   *http.Server
}

func NewServer(cfg *models.Config, api API, leads Leads, inbox http.Handler, store Pinger, registry *prometheus.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		errLog:   apperrors.NewLoggerFrom(logger),
		cfg:      cfg,
		api:      api,
		leads:    leads,
		inbox:    inbox,
		store:    store,
		registry: registry,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Observability(s.logger),
		middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()),
	)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.inbox != nil {
		s.router.Handle("/ws/inbox", s.inbox).Methods(http.MethodGet)
	}

	// Meta webhooks
	s.router.HandleFunc("/webhook/{platform}", s.handleWebhookVerify()).Methods(http.MethodGet)
	s.router.HandleFunc("/webhook/{platform}", s.handleWebhook()).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(versioning.Middleware(s.logger))

	api.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/messages/send", s.handleSend()).Methods(http.MethodPost)
	api.HandleFunc("/messages/bulk", s.handleBulkSend()).Methods(http.MethodPost)

	api.HandleFunc("/send-requests", s.handleCreateSendRequest()).Methods(http.MethodPost)
	api.HandleFunc("/send-requests/{id}", s.handleGetSendRequest()).Methods(http.MethodGet)
	api.HandleFunc("/send-requests/{id}/retry", s.handleRetrySendRequest()).Methods(http.MethodPost)

	api.HandleFunc("/posts", s.handleCreatePost()).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}", s.handleGetPost()).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}/publish", s.handlePublishPost()).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/schedule", s.handleSchedulePost()).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/schedule", s.handleCancelSchedule()).Methods(http.MethodDelete)

	api.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)
	api.HandleFunc("/analytics", s.handleAnalytics()).Methods(http.MethodGet)
	api.HandleFunc("/channels", s.handleRegisterChannel()).Methods(http.MethodPost)
	api.HandleFunc("/channels", s.handleListChannels()).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/test", s.handleTestConnection()).Methods(http.MethodPost)

	api.HandleFunc("/leads/stats", s.handleLeadStats()).Methods(http.MethodGet)
	api.HandleFunc("/leads/backfill", s.handleLeadBackfill()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.cfg.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.cfg.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func seconds(configured, fallback int) time.Duration {
	if configured <= 0 {
		configured = fallback
	}
	return time.Duration(configured) * time.Second
}

// writeError renders err with its mapped status. Server-side failures are
// logged with their error code; client errors are left to the access log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.RequestID(r.Context())
	if apperrors.HTTPStatusCode(err) >= http.StatusInternalServerError {
		s.errLog.LogRetryableError(err, "Request failed", logrus.Fields{
			constants.LogFieldRequestID: requestID,
			constants.LogFieldEndpoint:  r.URL.Path,
		})
	}
	httputil.WriteError(w, err, requestID)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		database := "ok"
		if err := s.store.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			database = "unreachable"
			s.logger.WithError(err).Warn("Health check failed to reach the database")
		}
		httputil.WriteJSON(w, code, map[string]interface{}{
			"status":       status,
			"database":     database,
			"queue_driver": s.cfg.Queue.Driver,
			"version":      Version,
		})
	}
}
