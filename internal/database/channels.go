package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func scanChannel(row scanner) (*models.Channel, error) {
	var ch models.Channel
	var isDefault int
	if err := row.Scan(
		&ch.ID,
		&ch.Name,
		&ch.Platform,
		&ch.ExternalAccountID,
		&ch.Organization,
		&isDefault,
		&ch.Status,
		&ch.LastSyncTimestamp,
		&ch.CreatedAt,
	); err != nil {
		return nil, err
	}
	ch.IsDefault = isDefault == 1
	ch.LastSyncTimestamp = ch.LastSyncTimestamp.UTC()
	ch.CreatedAt = ch.CreatedAt.UTC()
	return &ch, nil
}

// SaveChannel inserts or updates a channel. A second default channel for the
// same platform and organization fails with models.ErrDuplicateDefault.
func (d *Database) SaveChannel(ctx context.Context, ch *models.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = models.ChannelStatusActive
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = d.timestamp()
	}

	err := withRetry(ctx, "save channel", func() error {
		_, err := d.db.ExecContext(ctx, UpsertChannelQuery,
			ch.ID,
			ch.Name,
			ch.Platform,
			ch.ExternalAccountID,
			ch.Organization,
			boolToInt(ch.IsDefault),
			ch.Status,
			ch.LastSyncTimestamp.UTC(),
			ch.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		if ch.IsDefault && isUniqueViolation(err) {
			return models.ErrDuplicateDefault
		}
		return apperrors.NewDatabaseError("save channel", err)
	}
	return nil
}

// GetChannel loads a channel by id
func (d *Database) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	ch, err := scanChannel(d.db.QueryRowContext(ctx, SelectChannelByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("channel", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get channel", err)
	}
	return ch, nil
}

// ListChannels returns channels, optionally filtered by platform and Active status
func (d *Database) ListChannels(ctx context.Context, platform models.Platform, activeOnly bool) ([]*models.Channel, error) {
	rows, err := d.db.QueryContext(ctx, SelectChannelsQuery, platform, platform, boolToInt(activeOnly))
	if err != nil {
		return nil, apperrors.NewDatabaseError("list channels", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan channel", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// DefaultChannel returns the default Active channel of a platform, falling
// back to the oldest Active one.
func (d *Database) DefaultChannel(ctx context.Context, platform models.Platform) (*models.Channel, error) {
	ch, err := scanChannel(d.db.QueryRowContext(ctx, SelectDefaultChannelQuery, platform))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("active channel", string(platform))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get default channel", err)
	}
	return ch, nil
}

// UpdateChannelStatus sets Active, Error or Expired
func (d *Database) UpdateChannelStatus(ctx context.Context, id string, status models.ChannelStatus) error {
	return d.execOne(ctx, "update channel status", "channel", id, UpdateChannelStatusQuery, status, id)
}

// UpdateLastSync records the start time of the last successful sync
func (d *Database) UpdateLastSync(ctx context.Context, id string, at time.Time) error {
	return d.execOne(ctx, "update last sync", "channel", id, UpdateChannelLastSyncQuery, at.UTC(), id)
}

// execOne runs an update expected to touch exactly one row
func (d *Database) execOne(ctx context.Context, operation, resource, id, query string, args ...interface{}) error {
	var affected int64
	err := withRetry(ctx, operation, func() error {
		result, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError(operation, err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError(resource, id)
	}
	return nil
}
