package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

// RegisterChannel stores a new Active channel together with the account whose
// credentials it uses.
func (d *Dispatcher) RegisterChannel(ctx context.Context, ch *models.Channel, acc *models.Account) (*models.Channel, error) {
	platform, err := models.ParsePlatform(string(ch.Platform))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ch.Name) == "" {
		return nil, apperrors.NewValidationError("name", "", "channel name is required")
	}
	if strings.TrimSpace(ch.ExternalAccountID) == "" {
		return nil, apperrors.NewValidationError("external_account_id", "", "the page, business account or phone number id is required")
	}
	if acc.AccessToken == "" {
		return nil, apperrors.NewValidationError("access_token", "", "access token is required")
	}

	ch.ID = ""
	ch.Platform = platform
	ch.Status = models.ChannelStatusActive
	ch.LastSyncTimestamp = time.Time{}
	if err := d.store.SaveChannel(ctx, ch); err != nil {
		if errors.Is(err, models.ErrDuplicateDefault) {
			return nil, apperrors.New(apperrors.ErrCodeInvalidState, err.Error())
		}
		return nil, err
	}

	acc.ID = ""
	acc.ChannelID = ch.ID
	acc.Platform = platform
	acc.Status = ""
	if err := d.store.SaveAccount(ctx, acc); err != nil {
		// A channel without credentials must not take part in routing
		if statusErr := d.store.UpdateChannelStatus(ctx, ch.ID, models.ChannelStatusError); statusErr != nil {
			d.channelLog(ch).WithError(statusErr).Warn("Failed to disable channel without account")
		}
		return nil, err
	}

	d.channelLog(ch).WithFields(logrus.Fields{
		constants.LogFieldAccountID: acc.ID,
		"is_default":                ch.IsDefault,
		"token_expires_at":          acc.ExpiresAt,
	}).Info("Channel registered")
	return ch, nil
}

// ListChannels returns every channel, or those of one platform when
// platformKey is set.
func (d *Dispatcher) ListChannels(ctx context.Context, platformKey string) ([]*models.Channel, error) {
	var platform models.Platform
	if platformKey != "" {
		p, err := models.ParsePlatform(platformKey)
		if err != nil {
			return nil, err
		}
		platform = p
	}
	return d.store.ListChannels(ctx, platform, false)
}
