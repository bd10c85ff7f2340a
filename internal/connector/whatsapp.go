package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"
	"socialbridge/internal/validation"

	"github.com/sirupsen/logrus"
)

// WhatsAppConnector sends through the Cloud API phone number of its channel
type WhatsAppConnector struct {
	channel      *models.Channel
	account      *models.Account
	deps         Deps
	baseURL      string
	version      string
	templateLang string
	log          *logrus.Entry
}

func NewWhatsAppConnector(ch *models.Channel, acc *models.Account, deps Deps) Connector {
	cfg := deps.WhatsApp
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultGraphBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = constants.DefaultGraphAPIVersion
	}
	if cfg.TemplateLanguage == "" {
		cfg.TemplateLanguage = constants.DefaultTemplateLang
	}
	return &WhatsAppConnector{
		channel:      ch,
		account:      acc,
		deps:         deps,
		baseURL:      cfg.BaseURL,
		version:      cfg.APIVersion,
		templateLang: cfg.TemplateLanguage,
		log:          channelLogger(deps.Logger, ch),
	}
}

func (c *WhatsAppConnector) Platform() models.Platform {
	return models.PlatformWhatsApp
}

func (c *WhatsAppConnector) url(parts ...string) string {
	return apiURL(c.baseURL, c.version, parts...)
}

type cloudSendResponse struct {
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text, media or template message. Recipients are E.164 numbers.
func (c *WhatsAppConnector) Send(ctx context.Context, recipient, content, msgType string, opts models.SendOptions) models.Result {
	if err := validation.ValidateE164(recipient); err != nil {
		return models.Failure(err)
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipient,
	}
	switch msgType {
	case "", models.MessageTypeText:
		payload["type"] = models.MessageTypeText
		payload["text"] = map[string]interface{}{"preview_url": false, "body": content}
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeDocument:
		if opts.MediaURL == "" {
			return models.Failure(apperrors.NewValidationError("media_url", "", "media url is required for "+msgType+" messages"))
		}
		media := map[string]interface{}{"link": opts.MediaURL}
		caption := opts.Caption
		if caption == "" {
			caption = content
		}
		if caption != "" && msgType != models.MessageTypeAudio {
			media["caption"] = caption
		}
		payload["type"] = msgType
		payload[msgType] = media
	case models.MessageTypeTemplate:
		name := opts.TemplateName
		if name == "" {
			return models.Failure(apperrors.NewValidationError("template_name", "", "template name is required"))
		}
		lang := opts.TemplateLanguage
		if lang == "" {
			lang = c.templateLang
		}
		payload["type"] = models.MessageTypeTemplate
		payload["template"] = map[string]interface{}{
			"name":     name,
			"language": map[string]string{"code": lang},
		}
	default:
		return models.Failure(apperrors.NewValidationError("type", msgType, "unsupported message type"))
	}

	resp, err := c.deps.Transport.Do(ctx, c.account, Request{
		Method: http.MethodPost,
		URL:    c.url(c.channel.ExternalAccountID, "messages"),
		Body:   payload,
	})
	if err != nil {
		c.log.WithError(err).WithField(constants.LogFieldRecipient, privacy.MaskPhoneNumber(recipient)).Error("Failed to send WhatsApp message")
		return models.Failure(err)
	}

	var sent cloudSendResponse
	if err := resp.Decode(&sent); err != nil {
		return models.Failure(err)
	}
	result := models.Result{Success: true, Message: "message sent"}
	if len(sent.Messages) > 0 {
		result.MessageID = sent.Messages[0].ID
	}
	return result
}

func (c *WhatsAppConnector) Publish(ctx context.Context, post *models.Post) models.Result {
	return models.Failure(apperrors.New(apperrors.ErrCodeInvalidInput, "WhatsApp does not support publishing posts"))
}

// Schedule is unsupported for the same reason as Publish
func (c *WhatsAppConnector) Schedule(ctx context.Context, post *models.Post, at time.Time) models.Result {
	return c.Publish(ctx, post)
}

// FetchMessages returns nothing: the Cloud API only delivers messages by webhook
func (c *WhatsAppConnector) FetchMessages(ctx context.Context, since time.Time) []models.RawMessage {
	c.log.Debug("WhatsApp has no message history API, relying on webhooks")
	return nil
}

type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value cloudChange `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudChange struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	MimeType string `json:"mime_type"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Video    *cloudMedia `json:"video"`
	Audio    *cloudMedia `json:"audio"`
	Document *cloudMedia `json:"document"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// ProcessWebhook ingests inbound messages and applies delivery statuses for
// changes addressed to this channel's phone number.
func (c *WhatsAppConnector) ProcessWebhook(ctx context.Context, payload []byte) models.Result {
	var hook cloudWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return models.Failure(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed webhook payload"))
	}

	var tally webhookTally
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				c.log.WithField(constants.LogFieldField, change.Field).Debug("Unhandled webhook field")
				tally.ignored++
				continue
			}
			value := change.Value
			if value.Metadata.PhoneNumberID != "" && c.channel.ExternalAccountID != "" &&
				value.Metadata.PhoneNumberID != c.channel.ExternalAccountID {
				continue
			}

			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range value.Messages {
				raw := c.rawFromCloud(msg, names[msg.From], value.Metadata.DisplayPhoneNumber)
				ingestRaw(ctx, c.deps.Ingester, c.channel, raw, &tally, c.log)
			}

			for _, status := range value.Statuses {
				c.applyStatus(ctx, status.ID, status.Status, &tally)
			}
		}
	}
	return tally.result()
}

func (c *WhatsAppConnector) applyStatus(ctx context.Context, externalID, status string, tally *webhookTally) {
	if c.deps.Ingester == nil || externalID == "" {
		tally.ignored++
		return
	}
	updated, err := c.deps.Ingester.UpdateDeliveryStatus(ctx, c.channel, externalID, models.ParseDeliveryStatus(status))
	switch {
	case err != nil:
		tally.failed++
		c.log.WithError(err).WithField(constants.LogFieldExternalID, externalID).Error("Failed to apply delivery status")
	case updated:
		tally.ingested++
	default:
		tally.ignored++
	}
}

func (c *WhatsAppConnector) rawFromCloud(msg cloudMessage, contactName, displayNumber string) models.RawMessage {
	sender := toE164(msg.From)
	raw := models.RawMessage{
		ExternalID:     msg.ID,
		ConversationID: sender,
		Participants:   []string{sender},
		SenderID:       sender,
		SenderName:     contactName,
		RecipientID:    toE164(displayNumber),
		MessageType:    msg.Type,
		DeliveryStatus: models.DeliveryStatusDelivered,
		Timestamp:      time.Now().UTC(),
	}
	if contactName != "" {
		raw.Participants = []string{contactName}
	}
	if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		raw.Timestamp = time.Unix(secs, 0).UTC()
	}

	media := func(m *cloudMedia) {
		raw.MediaRef = m.ID
		raw.Content = m.Caption
	}
	switch {
	case msg.Text != nil:
		raw.Content = msg.Text.Body
	case msg.Image != nil:
		media(msg.Image)
	case msg.Video != nil:
		media(msg.Video)
	case msg.Audio != nil:
		media(msg.Audio)
	case msg.Document != nil:
		media(msg.Document)
	case msg.Button != nil:
		raw.Content = msg.Button.Text
	case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
		raw.Content = msg.Interactive.ButtonReply.Title
	case msg.Interactive != nil && msg.Interactive.ListReply != nil:
		raw.Content = msg.Interactive.ListReply.Title
	}
	if raw.MessageType == "" {
		raw.MessageType = models.MessageTypeText
	}
	return raw
}

// toE164 prefixes the bare digits the Cloud API uses with +
func toE164(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "+") {
		return number
	}
	return "+" + number
}

// GetAnalytics reports phone number quality and limits. Post analytics do
// not exist on WhatsApp.
func (c *WhatsAppConnector) GetAnalytics(ctx context.Context, postID string, dateRange models.DateRange) models.Result {
	if postID != "" {
		return models.Failure(apperrors.New(apperrors.ErrCodeInvalidInput, "WhatsApp has no post analytics"))
	}

	query := url.Values{"fields": {"display_phone_number,verified_name,quality_rating,messaging_limit_tier,throughput"}}
	resp, err := c.deps.Transport.Do(ctx, c.account, Request{
		Method: http.MethodGet,
		URL:    c.url(c.channel.ExternalAccountID),
		Query:  query,
	})
	if err != nil {
		c.log.WithError(err).Error("Failed to fetch phone number analytics")
		return models.Failure(err)
	}

	var data map[string]interface{}
	if err := resp.Decode(&data); err != nil {
		return models.Failure(err)
	}
	return models.Result{Success: true, Data: data}
}

func (c *WhatsAppConnector) RefreshToken(ctx context.Context) error {
	refreshed, err := c.deps.Tokens.Refresh(ctx, c.account)
	if err != nil {
		return err
	}
	c.account = refreshed
	return nil
}

// TestConnection reads the phone number profile
func (c *WhatsAppConnector) TestConnection(ctx context.Context) error {
	resp, err := c.deps.Transport.Do(ctx, c.account, Request{
		Method: http.MethodGet,
		URL:    c.url(c.channel.ExternalAccountID),
		Query:  url.Values{"fields": {"id,display_phone_number"}},
	})
	if err != nil {
		return err
	}
	var profile struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&profile); err != nil {
		return err
	}
	if profile.ID == "" {
		return apperrors.New(apperrors.ErrCodeProviderError, "phone number lookup returned no id")
	}
	return nil
}
