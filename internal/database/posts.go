package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func scanPost(row scanner) (*models.Post, error) {
	var post models.Post
	var attachments, targets string
	if err := row.Scan(
		&post.ID,
		&post.Content,
		&attachments,
		&targets,
		&post.Status,
		&post.ScheduledTime,
		&post.ScheduledJobID,
		&post.PublishedAt,
		&post.ErrorLog,
		&post.CreatedAt,
		&post.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &post.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &post.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	post.ScheduledTime = post.ScheduledTime.UTC()
	post.PublishedAt = post.PublishedAt.UTC()
	post.CreatedAt = post.CreatedAt.UTC()
	post.UpdatedAt = post.UpdatedAt.UTC()
	return &post, nil
}

// SavePost inserts or replaces a post including its per-target outcomes
func (d *Database) SavePost(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = models.PostStatusDraft
	}
	now := d.timestamp()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now

	attachments := post.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	encodedAttachments, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	targets := post.Targets
	if targets == nil {
		targets = []models.PostTarget{}
	}
	encodedTargets, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	err = withRetry(ctx, "save post", func() error {
		_, err := d.db.ExecContext(ctx, UpsertPostQuery,
			post.ID,
			post.Content,
			string(encodedAttachments),
			string(encodedTargets),
			post.Status,
			post.ScheduledTime.UTC(),
			post.ScheduledJobID,
			post.PublishedAt.UTC(),
			post.ErrorLog,
			post.CreatedAt.UTC(),
			post.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("save post", err)
	}
	return nil
}

// GetPost loads a post by id
func (d *Database) GetPost(ctx context.Context, id string) (*models.Post, error) {
	post, err := scanPost(d.db.QueryRowContext(ctx, SelectPostByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("post", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get post", err)
	}
	return post, nil
}

// CompareAndSetPostStatus moves a post from one status to another only if it
// is still in from. It reports whether the transition happened.
func (d *Database) CompareAndSetPostStatus(ctx context.Context, id string, from, to models.PostStatus) (bool, error) {
	return d.updatePostIf(ctx, "update post status", CompareAndSetPostStatusQuery, to, d.timestamp(), id, from)
}

// SchedulePost moves a Draft post to Scheduled and records its job. It
// reports false when the post is not a Draft.
func (d *Database) SchedulePost(ctx context.Context, id string, at time.Time, jobID string) (bool, error) {
	return d.updatePostIf(ctx, "schedule post", SchedulePostQuery, at.UTC(), jobID, d.timestamp(), id)
}

// UnschedulePost returns a Scheduled post to Draft if jobID is still its job
func (d *Database) UnschedulePost(ctx context.Context, id, jobID string) (bool, error) {
	return d.updatePostIf(ctx, "unschedule post", UnschedulePostQuery, d.timestamp(), id, jobID)
}

func (d *Database) updatePostIf(ctx context.Context, operation, query string, args ...interface{}) (bool, error) {
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
		return false, apperrors.NewDatabaseError(operation, err)
	}
	return affected == 1, nil
}
