package models

import (
	"strings"
	"time"

	apperrors "socialbridge/internal/errors"
)

type SendRequestStatus string

const (
	SendRequestDraft   SendRequestStatus = "Draft"
	SendRequestSending SendRequestStatus = "Sending"
	SendRequestSent    SendRequestStatus = "Sent"
	SendRequestFailed  SendRequestStatus = "Failed"
)

// SendRequest is a persisted outbound send with its own retry lifecycle
type SendRequest struct {
	ID               string            `json:"id"`
	Platform         Platform          `json:"platform"`
	Recipient        string            `json:"recipient"`
	Content          string            `json:"content"`
	Type             string            `json:"type"`
	MediaRef         string            `json:"media_ref,omitempty"`
	TemplateName     string            `json:"template_name,omitempty"`
	SendImmediately  bool              `json:"send_immediately"`
	Status           SendRequestStatus `json:"status"`
	RetryCount       int               `json:"retry_count"`
	ResponseMessage  string            `json:"response_message,omitempty"`
	CreatedMessageID string            `json:"created_message_id,omitempty"`
	ErrorLog         string            `json:"error_log,omitempty"`
	SentAt           time.Time         `json:"sent_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Validate checks the recipient format for the platform and the payload
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.Recipient) == "" {
		return apperrors.NewValidationError("recipient", "", "recipient is required")
	}
	if r.Platform == PlatformWhatsApp && !strings.HasPrefix(r.Recipient, "+") {
		return apperrors.NewValidationError("recipient", r.Recipient, "WhatsApp recipients must include the country code with a + prefix")
	}
	switch r.Type {
	case "", MessageTypeText:
		if strings.TrimSpace(r.Content) == "" {
			return apperrors.NewValidationError("content", "", "content is required for text messages")
		}
	case MessageTypeTemplate:
		if r.TemplateName == "" {
			return apperrors.NewValidationError("template_name", "", "template name is required")
		}
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		if r.MediaRef == "" {
			return apperrors.NewValidationError("media_ref", "", "media is required for "+r.Type+" messages")
		}
	default:
		return apperrors.NewValidationError("type", r.Type, "unsupported message type")
	}
	return nil
}

// Begin moves a Draft request to Sending
func (r *SendRequest) Begin() error {
	if r.Status != SendRequestDraft {
		return apperrors.NewInvalidStateError("send request", r.ID, string(r.Status), string(SendRequestDraft))
	}
	r.Status = SendRequestSending
	return nil
}

// Complete records the connector result
func (r *SendRequest) Complete(result Result, now time.Time) {
	if result.Success {
		r.Status = SendRequestSent
		r.CreatedMessageID = result.MessageID
		r.ResponseMessage = result.Message
		r.ErrorLog = ""
		r.SentAt = now
		return
	}
	r.Status = SendRequestFailed
	r.ErrorLog = result.Error
}

// PrepareRetry puts a Failed request back to Draft and counts the retry
func (r *SendRequest) PrepareRetry() error {
	if r.Status != SendRequestFailed {
		return apperrors.NewInvalidStateError("send request", r.ID, string(r.Status), string(SendRequestFailed))
	}
	r.RetryCount++
	r.Status = SendRequestDraft
	return nil
}
