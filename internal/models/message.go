package models

import (
	"fmt"
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus maps provider status strings, unknown values stay pending
func ParseDeliveryStatus(s string) DeliveryStatus {
	switch DeliveryStatus(strings.ToLower(s)) {
	case DeliveryStatusSent:
		return DeliveryStatusSent
	case DeliveryStatusDelivered:
		return DeliveryStatusDelivered
	case DeliveryStatusRead:
		return DeliveryStatusRead
	case DeliveryStatusFailed:
		return DeliveryStatusFailed
	default:
		return DeliveryStatusPending
	}
}

// Rank orders statuses along the delivery lifecycle. Read and failed are
// both final.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusPending:
		return 0
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	default:
		return 3
	}
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Message types accepted for outbound sends
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeTemplate = "template"
)

// Message is the canonical record of one inbound or outbound message
type Message struct {
	ID             string         `json:"id"`
	ChannelID      string         `json:"channel_id"`
	Platform       Platform       `json:"platform"`
	ExternalID     string         `json:"external_id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	ContactName    string         `json:"contact_name"`
	Content        string         `json:"content"`
	MessageType    string         `json:"message_type"`
	MediaRef       string         `json:"media_ref,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Direction      Direction      `json:"direction"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ConversationID string         `json:"conversation_id"`
	LeadID         string         `json:"lead_id,omitempty"`
}

// MessageFilter narrows a message listing; empty fields match everything
type MessageFilter struct {
	Platform  Platform
	ChannelID string
	SenderID  string
	Limit     int
}

// MessageCursor is a position in (timestamp, id) order
type MessageCursor struct {
	Timestamp time.Time
	ID        string
}

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "Open"
	ConversationClosed ConversationStatus = "Closed"
)

// Conversation groups messages exchanged with one party on one channel
type Conversation struct {
	ID                     string             `json:"id"`
	ChannelID              string             `json:"channel_id"`
	ExternalConversationID string             `json:"external_conversation_id"`
	Participants           []string           `json:"participants"`
	Subject                string             `json:"subject"`
	Status                 ConversationStatus `json:"status"`
	LastMessageTime        time.Time          `json:"last_message_time"`
}

// DefaultSubject builds the subject used for new conversations
func DefaultSubject(participants []string) string {
	if len(participants) == 0 {
		return "Conversation"
	}
	return fmt.Sprintf("Conversation with %s", strings.Join(participants, ", "))
}

// RawMessage is a platform message as parsed from an API response or webhook,
// before it is matched to a conversation.
type RawMessage struct {
	ExternalID     string
	ConversationID string
	Participants   []string
	SenderID       string
	SenderName     string
	RecipientID    string
	Content        string
	MediaRef       string
	MessageType    string
	Timestamp      time.Time
	DeliveryStatus DeliveryStatus
	// Direction is empty for messages received from the other party
	Direction Direction
}

// PlatformLeadStats summarizes lead linking for one platform
type PlatformLeadStats struct {
	Platform      Platform `json:"platform"`
	TotalMessages int      `json:"total_messages"`
	LeadsCreated  int      `json:"leads_created"`
	Pending       int      `json:"pending"`
}
