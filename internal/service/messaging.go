package service

import (
	"context"
	"strings"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

// BulkResult is the outcome for one recipient of a bulk send
type BulkResult struct {
	Recipient string `json:"recipient"`
	models.Result
}

// Send delivers one message through the default Active channel of the
// platform. Every failure, including an unknown platform, is reported in the
// Result.
func (d *Dispatcher) Send(ctx context.Context, platformKey, recipient, content, msgType string, opts models.SendOptions) models.Result {
	platform, err := models.ParsePlatform(platformKey)
	if err != nil {
		return models.Failure(err)
	}
	if msgType == "" {
		msgType = models.MessageTypeText
		if opts.MediaURL != "" {
			msgType = constants.MediaKindFromURL(opts.MediaURL)
		}
	}

	result := d.send(ctx, platform, recipient, content, msgType, opts)
	outcome := "ok"
	if !result.Success {
		outcome = "error"
	}
	metrics.MessagesSent.WithLabelValues(platform.Key(), outcome).Inc()
	return result
}

func (d *Dispatcher) send(ctx context.Context, platform models.Platform, recipient, content, msgType string, opts models.SendOptions) models.Result {
	ch, err := d.store.DefaultChannel(ctx, platform)
	if err != nil {
		return models.Failure(err)
	}
	conn, err := d.connectorFor(ctx, ch)
	if err != nil {
		return models.Failure(err)
	}

	result := conn.Send(ctx, recipient, content, msgType, opts)
	log := d.channelLog(ch).WithField(constants.LogFieldRecipient, maskRecipient(platform, recipient))
	if !result.Success {
		log.WithField(constants.LogFieldErrorCode, result.ErrorCode).Warn("Send failed")
		return result
	}
	log.WithField(constants.LogFieldMessageID, result.MessageID).Info("Message sent")
	d.recordOutgoing(ctx, ch, recipient, content, msgType, opts, result)
	return result
}

// recordOutgoing stores a sent message in the conversation with recipient.
// Failures are logged; the send already happened.
func (d *Dispatcher) recordOutgoing(ctx context.Context, ch *models.Channel, recipient, content, msgType string, opts models.SendOptions, result models.Result) {
	if d.ingester == nil || result.MessageID == "" {
		return
	}
	if content == "" {
		content = opts.Caption
	}
	raw := models.RawMessage{
		ExternalID:     result.MessageID,
		ConversationID: recipient,
		Participants:   []string{recipient},
		SenderID:       ch.ExternalAccountID,
		RecipientID:    recipient,
		Content:        content,
		MediaRef:       opts.MediaURL,
		MessageType:    msgType,
		Timestamp:      d.now().UTC(),
		DeliveryStatus: models.DeliveryStatusSent,
		Direction:      models.DirectionOutgoing,
	}
	if _, _, err := d.ingester.Ingest(ctx, raw, ch); err != nil {
		d.channelLog(ch).WithError(err).WithField(constants.LogFieldMessageID, result.MessageID).
			Warn("Failed to record outgoing message")
	}
}

// BulkSend sends content to each comma separated recipient in order. Blank
// entries are skipped and one failure does not stop the rest.
func (d *Dispatcher) BulkSend(ctx context.Context, platformKey, recipients, content, msgType string) []BulkResult {
	var results []BulkResult
	for _, recipient := range splitRecipients(recipients) {
		if ctx.Err() != nil {
			results = append(results, BulkResult{Recipient: recipient, Result: models.Failure(ctx.Err())})
			continue
		}
		results = append(results, BulkResult{
			Recipient: recipient,
			Result:    d.Send(ctx, platformKey, recipient, content, msgType, models.SendOptions{}),
		})
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	d.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform: platformKey,
		constants.LogFieldCount:    len(results),
		"failed":                   failed,
	}).Info("Bulk send finished")
	return results
}

func splitRecipients(recipients string) []string {
	var out []string
	for _, r := range strings.Split(recipients, constants.BulkRecipientSep) {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func maskRecipient(platform models.Platform, recipient string) string {
	if platform == models.PlatformWhatsApp {
		return privacy.MaskPhoneNumber(recipient)
	}
	return privacy.MaskSenderID(recipient)
}

// CreateSendRequest stores a Draft send request and sends it right away when
// SendImmediately is set.
func (d *Dispatcher) CreateSendRequest(ctx context.Context, req *models.SendRequest) (*models.SendRequest, error) {
	platform, err := models.ParsePlatform(string(req.Platform))
	if err != nil {
		return nil, err
	}
	req.Platform = platform
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.ID = ""
	req.Status = models.SendRequestDraft
	req.RetryCount = 0
	if err := d.store.SaveSendRequest(ctx, req); err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{
		constants.LogFieldSendRequestID: req.ID,
		constants.LogFieldPlatform:      req.Platform,
	}).Info("Send request created")

	if !req.SendImmediately {
		return req, nil
	}
	return d.ExecuteSendRequest(ctx, req.ID)
}

func (d *Dispatcher) GetSendRequest(ctx context.Context, id string) (*models.SendRequest, error) {
	return d.store.GetSendRequest(ctx, id)
}

// ExecuteSendRequest sends a Draft request. A failed send is recorded on the
// request, not returned as an error.
func (d *Dispatcher) ExecuteSendRequest(ctx context.Context, id string) (*models.SendRequest, error) {
	req, err := d.store.GetSendRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Begin(); err != nil {
		return nil, err
	}
	ok, err := d.store.CompareAndSetSendRequestStatus(ctx, id, models.SendRequestDraft, models.SendRequestSending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewInvalidStateError("send request", id, "changed concurrently", string(models.SendRequestDraft))
	}

	opts := models.SendOptions{TemplateName: req.TemplateName}
	if req.Type != models.MessageTypeText && req.Type != models.MessageTypeTemplate {
		opts.MediaURL = req.MediaRef
		opts.Caption = req.Content
	}
	result := d.Send(ctx, string(req.Platform), req.Recipient, req.Content, req.Type, opts)
	req.Complete(result, d.now().UTC())
	if err := d.store.SaveSendRequest(ctx, req); err != nil {
		return nil, err
	}

	log := d.logger.WithFields(logrus.Fields{
		constants.LogFieldSendRequestID: req.ID,
		constants.LogFieldPlatform:      req.Platform,
		"status":                        req.Status,
	})
	if req.Status == models.SendRequestFailed {
		log.WithField("retry_count", req.RetryCount).Warn("Send request failed")
	} else {
		log.Info("Send request sent")
	}
	return req, nil
}

// RetrySendRequest sends a Failed request again
func (d *Dispatcher) RetrySendRequest(ctx context.Context, id string) (*models.SendRequest, error) {
	req, err := d.store.GetSendRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.PrepareRetry(); err != nil {
		return nil, err
	}
	ok, err := d.store.ResetSendRequestForRetry(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to reset send request")
	}
	if !ok {
		return nil, apperrors.NewInvalidStateError("send request", id, "changed concurrently", string(models.SendRequestFailed))
	}
	return d.ExecuteSendRequest(ctx, id)
}
