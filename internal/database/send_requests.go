package database

import (
	"context"
	"database/sql"
	"errors"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func scanSendRequest(row scanner) (*models.SendRequest, error) {
	var req models.SendRequest
	var immediate int
	if err := row.Scan(
		&req.ID,
		&req.Platform,
		&req.Recipient,
		&req.Content,
		&req.Type,
		&req.MediaRef,
		&req.TemplateName,
		&immediate,
		&req.Status,
		&req.RetryCount,
		&req.ResponseMessage,
		&req.CreatedMessageID,
		&req.ErrorLog,
		&req.SentAt,
		&req.CreatedAt,
	); err != nil {
		return nil, err
	}
	req.SendImmediately = immediate == 1
	req.SentAt = req.SentAt.UTC()
	req.CreatedAt = req.CreatedAt.UTC()
	return &req, nil
}

// SaveSendRequest inserts or updates a send request
func (d *Database) SaveSendRequest(ctx context.Context, req *models.SendRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.SendRequestDraft
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = d.timestamp()
	}

	err := withRetry(ctx, "save send request", func() error {
		_, err := d.db.ExecContext(ctx, UpsertSendRequestQuery,
			req.ID,
			req.Platform,
			req.Recipient,
			req.Content,
			req.Type,
			req.MediaRef,
			req.TemplateName,
			boolToInt(req.SendImmediately),
			req.Status,
			req.RetryCount,
			req.ResponseMessage,
			req.CreatedMessageID,
			req.ErrorLog,
			req.SentAt.UTC(),
			req.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("save send request", err)
	}
	return nil
}

// GetSendRequest loads a send request by id
func (d *Database) GetSendRequest(ctx context.Context, id string) (*models.SendRequest, error) {
	req, err := scanSendRequest(d.db.QueryRowContext(ctx, SelectSendRequestByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("send request", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get send request", err)
	}
	return req, nil
}

// CompareAndSetSendRequestStatus moves a send request from one status to
// another only if it is still in from. It reports whether it moved.
func (d *Database) CompareAndSetSendRequestStatus(ctx context.Context, id string, from, to models.SendRequestStatus) (bool, error) {
	return d.updateSendRequestIf(ctx, "update send request status", CompareAndSetSendRequestStatusQuery, to, id, from)
}

// ResetSendRequestForRetry returns a Failed request to Draft and counts the
// retry. It reports false when the request is not Failed.
func (d *Database) ResetSendRequestForRetry(ctx context.Context, id string) (bool, error) {
	return d.updateSendRequestIf(ctx, "reset send request", ResetSendRequestForRetryQuery, id)
}

func (d *Database) updateSendRequestIf(ctx context.Context, operation, query string, args ...interface{}) (bool, error) {
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
