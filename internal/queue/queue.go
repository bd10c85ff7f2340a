// Package queue runs deferred jobs such as scheduled post publishing. Jobs
// are always recorded in the job store; delivery is either a poller over the
// store or an AMQP delay queue.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/retry"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the persistent job table
type Store interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id string) (*models.Job, error)
	FinishJob(ctx context.Context, id string, status models.JobStatus, lastError string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error
}

// Handler executes one claimed job
type Handler func(ctx context.Context, job *models.Job) error

// Queue accepts deferred jobs and cancels them until they start
type Queue interface {
	Enqueue(ctx context.Context, kind string, args map[string]string, runAt time.Time) (string, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Runner executes claimed jobs and records their outcome in the store
type Runner struct {
	store       Store
	policy      retry.Policy
	maxAttempts int
	logger      *logrus.Logger
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(store Store, policy retry.Policy, maxAttempts int, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if maxAttempts < 1 {
		maxAttempts = constants.DefaultJobMaxAttempts
	}
	return &Runner{
		store:       store,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		handlers:    make(map[string]Handler),
	}
}

// Handle registers the handler for a job kind
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

func (r *Runner) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Run executes job. A zero retryAt means the job reached a terminal state;
// otherwise it was requeued to run again at retryAt.
func (r *Runner) Run(ctx context.Context, job *models.Job) (retryAt time.Time, err error) {
	ctx, span := tracing.StartSpan(ctx, "job "+job.Kind,
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	)
	defer span.End()

	log := r.logger.WithFields(logrus.Fields{
		constants.LogFieldJobID:   job.ID,
		constants.LogFieldJobKind: job.Kind,
		constants.LogFieldAttempt: job.Attempts,
	})

	h, ok := r.handler(job.Kind)
	if !ok {
		runErr := fmt.Errorf("no handler for job kind %q", job.Kind)
		log.Error("Dropping job with unknown kind")
		metrics.JobsProcessed.WithLabelValues(job.Kind, "failed").Inc()
		return time.Time{}, r.store.FinishJob(ctx, job.ID, models.JobFailed, runErr.Error())
	}

	start := r.now()
	runErr := h(ctx, job)
	log = log.WithField(constants.LogFieldDuration, r.now().Sub(start).Milliseconds())

	if runErr == nil {
		metrics.JobsProcessed.WithLabelValues(job.Kind, "done").Inc()
		log.Info("Job completed")
		return time.Time{}, r.store.FinishJob(ctx, job.ID, models.JobDone, "")
	}

	tracing.RecordError(ctx, runErr)
	if permanent(runErr) || job.Attempts >= r.maxAttempts {
		metrics.JobsProcessed.WithLabelValues(job.Kind, "failed").Inc()
		log.WithError(runErr).Error("Job failed")
		return time.Time{}, r.store.FinishJob(ctx, job.ID, models.JobFailed, runErr.Error())
	}

	retryAt = r.now().UTC().Add(r.policy.Delay(job.Attempts))
	metrics.JobsProcessed.WithLabelValues(job.Kind, "retry").Inc()
	log.WithError(runErr).WithField("retry_at", retryAt).Warn("Job failed, will retry")
	if err := r.store.RetryJob(ctx, job.ID, retryAt, runErr.Error()); err != nil {
		return time.Time{}, err
	}
	return retryAt, nil
}

// permanent reports errors that another attempt cannot fix
func permanent(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidState,
		apperrors.ErrCodeNotFound,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeValidationFailed,
		apperrors.ErrCodeUnsupportedPlatform:
		return true
	}
	return false
}

func newJob(kind string, args map[string]string, runAt time.Time) (*models.Job, error) {
	if kind == "" {
		return nil, apperrors.NewValidationError("kind", "", "job kind is required")
	}
	return &models.Job{Kind: kind, Args: args, RunAt: runAt.UTC()}, nil
}

func cancelJob(ctx context.Context, store Store, logger *logrus.Logger, jobID string) (bool, error) {
	canceled, err := store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if canceled {
		kind := "unknown"
		if job, err := store.GetJob(ctx, jobID); err == nil {
			kind = job.Kind
		}
		logger.WithFields(logrus.Fields{
			constants.LogFieldJobID:   jobID,
			constants.LogFieldJobKind: kind,
		}).Info("Job canceled")
		metrics.JobsProcessed.WithLabelValues(kind, "canceled").Inc()
	}
	return canceled, nil
}
