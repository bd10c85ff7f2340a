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

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var args string
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&args,
		&job.RunAt,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &job.Args); err != nil {
		return nil, fmt.Errorf("failed to decode job args: %w", err)
	}
	job.RunAt = job.RunAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	return &job, nil
}

// InsertJob enqueues a deferred job
func (d *Database) InsertJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = d.timestamp()
	}
	args := job.Args
	if args == nil {
		args = map[string]string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode job args: %w", err)
	}

	err = withRetry(ctx, "insert job", func() error {
		_, err := d.db.ExecContext(ctx, InsertJobQuery,
			job.ID,
			job.Kind,
			string(encoded),
			job.RunAt.UTC(),
			job.Status,
			job.Attempts,
			job.LastError,
			job.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("insert job", err)
	}
	return nil
}

// GetJob loads a job by id
func (d *Database) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(d.db.QueryRowContext(ctx, SelectJobByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get job", err)
	}
	return job, nil
}

// CancelJob cancels a job that has not started. It reports false when the
// job is unknown or already claimed.
func (d *Database) CancelJob(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := withRetry(ctx, "cancel job", func() error {
		result, err := d.db.ExecContext(ctx, CancelJobQuery, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, apperrors.NewDatabaseError("cancel job", err)
	}
	return affected == 1, nil
}

// ClaimDueJobs atomically moves up to limit due jobs to Running and returns them
func (d *Database) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	var claimed []*models.Job
	err := withRetry(ctx, "claim jobs", func() error {
		claimed = nil
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, SelectDueJobsQuery, now.UTC(), limit)
		if err != nil {
			return err
		}
		var due []*models.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, job)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, job := range due {
			result, err := tx.ExecContext(ctx, ClaimJobQuery, job.ID)
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 1 {
				job.Status = models.JobRunning
				job.Attempts++
				claimed = append(claimed, job)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim jobs", err)
	}
	return claimed, nil
}

// FinishJob records the terminal status of a claimed job
func (d *Database) FinishJob(ctx context.Context, id string, status models.JobStatus, lastError string) error {
	return d.execOne(ctx, "finish job", "job", id, FinishJobQuery, status, lastError, id)
}

// RetryJob requeues a claimed job to run again at runAt
func (d *Database) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return d.execOne(ctx, "retry job", "job", id, RetryJobQuery, runAt.UTC(), lastError, id)
}

// ClaimJob moves one queued job to Running. It returns nil when the job is
// unknown, canceled or already claimed.
func (d *Database) ClaimJob(ctx context.Context, id string) (*models.Job, error) {
	var affected int64
	err := withRetry(ctx, "claim job", func() error {
		result, err := d.db.ExecContext(ctx, ClaimJobQuery, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim job", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return d.GetJob(ctx, id)
}
