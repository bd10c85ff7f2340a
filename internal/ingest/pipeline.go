// Package ingest turns raw platform messages into stored conversations and
// messages, and links their senders to leads.
package ingest

import (
	"context"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

type ConversationStore interface {
	UpsertConversation(ctx context.Context, conv *models.Conversation) (bool, error)
}

type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	FindMessageByExternalID(ctx context.Context, channelID, externalID string) (*models.Message, error)
	SetLead(ctx context.Context, messageID, leadID string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, channelID, externalID string, status models.DeliveryStatus) (bool, error)
	MessagesWithoutLead(ctx context.Context, after models.MessageCursor, limit int) ([]*models.Message, error)
	LeadStats(ctx context.Context) ([]models.PlatformLeadStats, error)
}

// Publisher receives every newly stored message
type Publisher interface {
	Publish(msg *models.Message)
}

// Pipeline is safe for concurrent use; duplicates are resolved by the store's
// (channel, external id) key.
type Pipeline struct {
	conversations ConversationStore
	messages      MessageStore
	linker        *Linker
	publisher     Publisher
	logger        *logrus.Logger
	now           func() time.Time
}

func NewPipeline(conversations ConversationStore, messages MessageStore, linker *Linker, publisher Publisher, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		conversations: conversations,
		messages:      messages,
		linker:        linker,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
	}
}

// Ingest stores raw under ch. A message already stored under the same
// external id is returned with created=false and nothing is written.
func (p *Pipeline) Ingest(ctx context.Context, raw models.RawMessage, ch *models.Channel) (*models.Message, bool, error) {
	if raw.ExternalID == "" {
		return nil, false, apperrors.NewValidationError("external_id", "", "message external id is required")
	}
	platform := string(ch.Platform)
	log := p.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform:   ch.Platform,
		constants.LogFieldChannelID:  ch.ID,
		constants.LogFieldExternalID: raw.ExternalID,
	})

	existing, err := p.messages.FindMessageByExternalID(ctx, ch.ID, raw.ExternalID)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues(platform, "error").Inc()
		return nil, false, err
	}
	if existing != nil {
		metrics.MessagesIngested.WithLabelValues(platform, "duplicate").Inc()
		log.Debug("Message already ingested")
		return existing, false, nil
	}

	timestamp := raw.Timestamp
	if timestamp.IsZero() {
		timestamp = p.now().UTC()
	}

	conversationKey := raw.ConversationID
	if conversationKey == "" {
		conversationKey = raw.SenderID
	}
	conv := &models.Conversation{
		ChannelID:              ch.ID,
		ExternalConversationID: conversationKey,
		Participants:           raw.Participants,
		LastMessageTime:        timestamp,
	}
	if _, err := p.conversations.UpsertConversation(ctx, conv); err != nil {
		metrics.MessagesIngested.WithLabelValues(platform, "error").Inc()
		return nil, false, err
	}

	direction := raw.Direction
	if direction == "" {
		direction = models.DirectionIncoming
	}
	status := raw.DeliveryStatus
	if status == "" {
		status = models.DeliveryStatusDelivered
	}
	msg := &models.Message{
		ChannelID:      ch.ID,
		Platform:       ch.Platform,
		ExternalID:     raw.ExternalID,
		SenderID:       raw.SenderID,
		RecipientID:    raw.RecipientID,
		ContactName:    raw.SenderName,
		Content:        raw.Content,
		MessageType:    raw.MessageType,
		MediaRef:       raw.MediaRef,
		Timestamp:      timestamp,
		Direction:      direction,
		DeliveryStatus: status,
		ConversationID: conv.ID,
	}

	created, err := p.messages.InsertMessage(ctx, msg)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues(platform, "error").Inc()
		return nil, false, err
	}
	if !created {
		// Lost a race with a concurrent delivery of the same message
		metrics.MessagesIngested.WithLabelValues(platform, "duplicate").Inc()
		stored, err := p.messages.FindMessageByExternalID(ctx, ch.ID, raw.ExternalID)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}

	metrics.MessagesIngested.WithLabelValues(platform, "created").Inc()
	log.WithFields(logrus.Fields{
		constants.LogFieldMessageID:      msg.ID,
		constants.LogFieldConversationID: conv.ID,
		constants.LogFieldSenderID:       privacy.MaskSenderID(msg.SenderID),
	}).Info("Message ingested")

	if msg.Direction == models.DirectionIncoming && p.linker != nil {
		if _, err := p.linker.Link(ctx, msg); err != nil {
			log.WithError(err).Warn("Lead linking failed, message kept without lead")
		}
	}
	if p.publisher != nil {
		p.publisher.Publish(msg)
	}
	return msg, true, nil
}

// UpdateDeliveryStatus applies a provider status callback. It reports false
// when the message is unknown or the status would move it backwards.
func (p *Pipeline) UpdateDeliveryStatus(ctx context.Context, ch *models.Channel, externalID string, status models.DeliveryStatus) (bool, error) {
	updated, err := p.messages.UpdateDeliveryStatus(ctx, ch.ID, externalID, status)
	if err != nil {
		return false, err
	}
	if !updated {
		p.logger.WithFields(logrus.Fields{
			constants.LogFieldChannelID:  ch.ID,
			constants.LogFieldExternalID: externalID,
		}).Debug("Ignoring status for unknown message or stale status")
	}
	return updated, nil
}
