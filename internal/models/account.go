package models

import (
	"time"

	apperrors "socialbridge/internal/errors"
)

type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "Active"
	AccountStatusExpired AccountStatus = "Expired"
	AccountStatusError   AccountStatus = "Error"
)

// Account holds the platform credentials a Channel publishes and sends with.
// Secret fields are never serialized.
type Account struct {
	ID           string        `json:"id"`
	ChannelID    string        `json:"channel_id"`
	Platform     Platform      `json:"platform"`
	AppID        string        `json:"app_id"`
	AccessToken  string        `json:"-"`
	RefreshToken string        `json:"-"`
	AppSecret    string        `json:"-"`
	TokenURL     string        `json:"token_url,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Status       AccountStatus `json:"status"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Validate checks required credentials and marks the account Expired when
// its token lapsed before now.
func (a *Account) Validate(now time.Time) error {
	if a.ID == "" {
		return apperrors.NewValidationError("id", "", "account id is required")
	}
	if _, err := ParsePlatform(string(a.Platform)); err != nil {
		return err
	}
	if a.AccessToken == "" {
		return apperrors.NewValidationError("access_token", "", "access token is required")
	}
	if a.IsExpired(now) {
		a.Status = AccountStatusExpired
	} else if a.Status == "" {
		a.Status = AccountStatusActive
	}
	return nil
}

// IsExpired reports whether the token expiry is known and already past
func (a *Account) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// ExpiresWithin reports whether the token is expired or lapses inside margin
func (a *Account) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if a.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(a.ExpiresAt)
}

// CanRefresh reports whether any refresh credentials are present
func (a *Account) CanRefresh() bool {
	return a.AppSecret != "" || a.RefreshToken != ""
}
