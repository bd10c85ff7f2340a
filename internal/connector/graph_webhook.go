package connector

import (
	"context"
	"encoding/json"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

type graphWebhook struct {
	Object string       `json:"object"`
	Entry  []graphEntry `json:"entry"`
}

type graphEntry struct {
	ID        string               `json:"id"`
	Time      int64                `json:"time"`
	Changes   []graphChange        `json:"changes"`
	Messaging []graphMessagingItem `json:"messaging"`
}

type graphChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// graphMessagingItem is a Messenger or Instagram messaging event
type graphMessagingItem struct {
	Sender    graphParty `json:"sender"`
	Recipient graphParty `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

type feedChange struct {
	Item   string `json:"item"`
	Verb   string `json:"verb"`
	PostID string `json:"post_id"`
	From   struct {
		ID string `json:"id"`
	} `json:"from"`
}

// webhookTally counts what one delivery did
type webhookTally struct {
	ingested   int
	duplicates int
	failed     int
	ignored    int
}

func (t webhookTally) result() models.Result {
	return models.Result{
		Success: true,
		Data: map[string]interface{}{
			"ingested":   t.ingested,
			"duplicates": t.duplicates,
			"failed":     t.failed,
			"ignored":    t.ignored,
		},
	}
}

// ProcessWebhook ingests message events addressed to this channel's page.
// Feed changes and unknown fields are logged and skipped.
func (c *GraphConnector) ProcessWebhook(ctx context.Context, payload []byte) models.Result {
	var hook graphWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return models.Failure(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed webhook payload"))
	}

	var tally webhookTally
	for _, entry := range hook.Entry {
		if entry.ID != "" && c.channel.ExternalAccountID != "" && entry.ID != c.channel.ExternalAccountID {
			continue
		}

		for _, item := range entry.Messaging {
			c.ingestMessaging(ctx, item, &tally)
		}

		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				var item graphMessagingItem
				if err := json.Unmarshal(change.Value, &item); err != nil {
					c.log.WithError(err).Warn("Malformed messages change")
					tally.failed++
					continue
				}
				c.ingestMessaging(ctx, item, &tally)
			case "feed":
				var feed feedChange
				_ = json.Unmarshal(change.Value, &feed)
				c.log.WithFields(logrus.Fields{
					constants.LogFieldEvent:    feed.Item + "." + feed.Verb,
					constants.LogFieldPostID:   feed.PostID,
					constants.LogFieldSenderID: privacy.MaskSenderID(feed.From.ID),
				}).Info("Feed event received, no handler")
				tally.ignored++
			default:
				c.log.WithField(constants.LogFieldField, change.Field).Debug("Unhandled webhook field")
				tally.ignored++
			}
		}
	}
	return tally.result()
}

func (c *GraphConnector) ingestMessaging(ctx context.Context, item graphMessagingItem, tally *webhookTally) {
	if item.Message == nil || item.Message.MID == "" {
		tally.ignored++
		return
	}
	if item.Message.IsEcho {
		tally.ignored++
		return
	}

	raw := models.RawMessage{
		ExternalID:     item.Message.MID,
		ConversationID: item.Sender.ID,
		Participants:   []string{item.Sender.displayName()},
		SenderID:       item.Sender.ID,
		SenderName:     item.Sender.displayName(),
		RecipientID:    item.Recipient.ID,
		Content:        item.Message.Text,
		MessageType:    models.MessageTypeText,
		Timestamp:      time.UnixMilli(item.Timestamp).UTC(),
		DeliveryStatus: models.DeliveryStatusDelivered,
	}
	if item.Timestamp == 0 {
		raw.Timestamp = time.Now().UTC()
	}
	if len(item.Message.Attachments) > 0 {
		a := item.Message.Attachments[0]
		raw.MediaRef = a.Payload.URL
		switch a.Type {
		case "image", "video", "audio":
			raw.MessageType = a.Type
		default:
			raw.MessageType = models.MessageTypeDocument
		}
	}

	ingestRaw(ctx, c.deps.Ingester, c.channel, raw, tally, c.log)
}

func ingestRaw(ctx context.Context, ingester Ingester, ch *models.Channel, raw models.RawMessage, tally *webhookTally, log *logrus.Entry) {
	if ingester == nil {
		tally.ignored++
		return
	}
	_, created, err := ingester.Ingest(ctx, raw, ch)
	switch {
	case err != nil:
		tally.failed++
		log.WithError(err).WithField(constants.LogFieldExternalID, raw.ExternalID).Error("Failed to ingest webhook message")
	case created:
		tally.ingested++
	default:
		tally.duplicates++
	}
}
