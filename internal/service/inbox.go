package service

import (
	"context"
	"strconv"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
)

// ListMessages returns stored messages of every platform, newest first. A
// zero limit uses the default and larger limits are capped.
func (d *Dispatcher) ListMessages(ctx context.Context, platformKey string, filter models.MessageFilter) ([]*models.Message, error) {
	if platformKey != "" {
		platform, err := models.ParsePlatform(platformKey)
		if err != nil {
			return nil, err
		}
		filter.Platform = platform
	}
	switch {
	case filter.Limit < 0:
		return nil, apperrors.NewValidationError("limit", strconv.Itoa(filter.Limit), "limit must not be negative")
	case filter.Limit == 0:
		filter.Limit = constants.DefaultMessageListLimit
	case filter.Limit > constants.MaxMessageListLimit:
		filter.Limit = constants.MaxMessageListLimit
	}
	return d.store.ListMessages(ctx, filter)
}
