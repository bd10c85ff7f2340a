package models

import (
	"errors"
	"time"
)

type ChannelStatus string

const (
	ChannelStatusActive  ChannelStatus = "Active"
	ChannelStatusError   ChannelStatus = "Error"
	ChannelStatusExpired ChannelStatus = "Expired"
)

// ErrDuplicateDefault is returned when a second default channel is stored for
// the same platform and organization.
var ErrDuplicateDefault = errors.New("a default channel already exists for this platform and organization")

// Channel is a connected page, Instagram business account or WhatsApp number
type Channel struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Platform          Platform      `json:"platform"`
	ExternalAccountID string        `json:"external_account_id"`
	Organization      string        `json:"organization"`
	IsDefault         bool          `json:"is_default"`
	Status            ChannelStatus `json:"status"`
	LastSyncTimestamp time.Time     `json:"last_sync_timestamp"`
	CreatedAt         time.Time     `json:"created_at"`
}

// IsActive reports whether the channel participates in routing
func (c *Channel) IsActive() bool {
	return c.Status == ChannelStatusActive
}
