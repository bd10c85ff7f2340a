// Package service routes API requests, webhooks and jobs to the connector of
// the right channel.
package service

import (
	"context"
	"time"

	"socialbridge/internal/connector"
	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

type ChannelStore interface {
	SaveChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListChannels(ctx context.Context, platform models.Platform, activeOnly bool) ([]*models.Channel, error)
	DefaultChannel(ctx context.Context, platform models.Platform) (*models.Channel, error)
	UpdateChannelStatus(ctx context.Context, id string, status models.ChannelStatus) error
	UpdateLastSync(ctx context.Context, id string, at time.Time) error
}

type AccountStore interface {
	SaveAccount(ctx context.Context, acc *models.Account) error
	GetAccountByChannel(ctx context.Context, channelID string) (*models.Account, error)
}

type PostStore interface {
	SavePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	CompareAndSetPostStatus(ctx context.Context, id string, from, to models.PostStatus) (bool, error)
	SchedulePost(ctx context.Context, id string, at time.Time, jobID string) (bool, error)
	UnschedulePost(ctx context.Context, id, jobID string) (bool, error)
}

type SendRequestStore interface {
	SaveSendRequest(ctx context.Context, req *models.SendRequest) error
	GetSendRequest(ctx context.Context, id string) (*models.SendRequest, error)
	CompareAndSetSendRequestStatus(ctx context.Context, id string, from, to models.SendRequestStatus) (bool, error)
	ResetSendRequestForRetry(ctx context.Context, id string) (bool, error)
}

type MessageStore interface {
	ListMessages(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error)
}

// Store is everything the dispatcher persists
type Store interface {
	ChannelStore
	AccountStore
	PostStore
	SendRequestStore
	MessageStore
}

// Connectors builds the connector for a channel
type Connectors interface {
	Connector(ch *models.Channel, acc *models.Account) (connector.Connector, error)
}

// Canceler stops a queued job before it runs
type Canceler interface {
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Dispatcher is safe for concurrent use
type Dispatcher struct {
	store      Store
	connectors Connectors
	ingester   connector.Ingester
	queue      Canceler
	secrets    SecretSource
	logger     *logrus.Logger
	now        func() time.Time
}

func NewDispatcher(store Store, connectors Connectors, ingester connector.Ingester, queue Canceler, secrets SecretSource, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		store:      store,
		connectors: connectors,
		ingester:   ingester,
		queue:      queue,
		secrets:    secrets,
		logger:     logger,
		now:        time.Now,
	}
}

// connectorFor resolves the account of ch and builds its connector
func (d *Dispatcher) connectorFor(ctx context.Context, ch *models.Channel) (connector.Connector, error) {
	acc, err := d.store.GetAccountByChannel(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	return d.connectors.Connector(ch, acc)
}

// channelsFor returns the given channel, or every Active channel when id is
// empty
func (d *Dispatcher) channelsFor(ctx context.Context, channelID string) ([]*models.Channel, error) {
	if channelID == "" {
		return d.store.ListChannels(ctx, "", true)
	}
	ch, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return []*models.Channel{ch}, nil
}

func (d *Dispatcher) channelLog(ch *models.Channel) *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform:  ch.Platform,
		constants.LogFieldChannelID: ch.ID,
	})
}

// resultError turns a failed Result back into an error
func resultError(result models.Result) error {
	code := result.ErrorCode
	if code == "" {
		code = apperrors.ErrCodeProviderError
	}
	return apperrors.New(code, result.Error)
}
