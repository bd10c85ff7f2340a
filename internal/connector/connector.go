// Package connector adapts the Graph API and the WhatsApp Cloud API to one
// publishing and messaging interface.
package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

// Connector is bound to one channel and the account it authenticates with.
// Send, Publish, Schedule and GetAnalytics report failures in the Result.
type Connector interface {
	Platform() models.Platform
	Send(ctx context.Context, recipient, content, msgType string, opts models.SendOptions) models.Result
	Publish(ctx context.Context, post *models.Post) models.Result
	Schedule(ctx context.Context, post *models.Post, at time.Time) models.Result
	// FetchMessages returns messages updated after since; errors yield an empty slice
	FetchMessages(ctx context.Context, since time.Time) []models.RawMessage
	ProcessWebhook(ctx context.Context, payload []byte) models.Result
	GetAnalytics(ctx context.Context, postID string, dateRange models.DateRange) models.Result
	RefreshToken(ctx context.Context) error
	TestConnection(ctx context.Context) error
}

// Ingester stores inbound messages and delivery callbacks
type Ingester interface {
	Ingest(ctx context.Context, raw models.RawMessage, ch *models.Channel) (*models.Message, bool, error)
	UpdateDeliveryStatus(ctx context.Context, ch *models.Channel, externalID string, status models.DeliveryStatus) (bool, error)
}

// Enqueuer defers a job to the task queue and returns its id
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args map[string]string, runAt time.Time) (string, error)
}

// Deps are shared by every connector built from a Registry
type Deps struct {
	Transport *Transport
	Tokens    TokenSource
	Ingester  Ingester
	Queue     Enqueuer
	Graph     models.GraphConfig
	WhatsApp  models.WhatsAppConfig
	Logger    *logrus.Logger
}

// Factory builds a connector for a channel
type Factory func(ch *models.Channel, acc *models.Account, deps Deps) Connector

// Registry maps platforms to connector factories
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[models.Platform]Factory
}

// NewRegistry registers the Graph connector for Facebook and Instagram and
// the Cloud API connector for WhatsApp.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	r := &Registry{
		deps:      deps,
		factories: make(map[models.Platform]Factory),
	}
	r.Register(models.PlatformFacebook, NewGraphConnector)
	r.Register(models.PlatformInstagram, NewGraphConnector)
	r.Register(models.PlatformWhatsApp, NewWhatsAppConnector)
	return r
}

func (r *Registry) Register(platform models.Platform, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = factory
}

// Connector builds the connector for ch authenticated as acc
func (r *Registry) Connector(ch *models.Channel, acc *models.Account) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[ch.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewUnsupportedPlatformError(string(ch.Platform))
	}
	return factory(ch, acc, r.deps), nil
}

// scheduleViaQueue is used by platforms without native scheduling
func scheduleViaQueue(ctx context.Context, queue Enqueuer, post *models.Post, at time.Time) models.Result {
	if queue == nil {
		return models.Failure(apperrors.New(apperrors.ErrCodeInvalidConfig, "no task queue configured"))
	}
	jobID, err := queue.Enqueue(ctx, constants.PublishPostJob, map[string]string{"post_id": post.ID}, at)
	if err != nil {
		return models.Failure(err)
	}
	return models.Result{
		Success:   true,
		Scheduled: true,
		Message:   fmt.Sprintf("publish scheduled for %s", at.UTC().Format(time.RFC3339)),
		Data:      map[string]interface{}{"job_id": jobID},
	}
}

func apiURL(base, version string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + version + "/" + strings.Join(parts, "/")
}

func channelLogger(logger *logrus.Logger, ch *models.Channel) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform:  ch.Platform,
		constants.LogFieldChannelID: ch.ID,
	})
}
