package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"socialbridge/internal/constants"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

// SQLiteQueue stores jobs in the job table and relies on a Poller to run them
type SQLiteQueue struct {
	store  Store
	logger *logrus.Logger
}

func NewSQLiteQueue(store Store, logger *logrus.Logger) *SQLiteQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &SQLiteQueue{store: store, logger: logger}
}

// Enqueue records a job that becomes due at runAt
func (q *SQLiteQueue) Enqueue(ctx context.Context, kind string, args map[string]string, runAt time.Time) (string, error) {
	job, err := newJob(kind, args, runAt)
	if err != nil {
		return "", err
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	q.logger.WithFields(logrus.Fields{
		constants.LogFieldJobID:   job.ID,
		constants.LogFieldJobKind: kind,
		"run_at":                  job.RunAt,
	}).Info("Job enqueued")
	return job.ID, nil
}

// Cancel stops a job that has not been claimed yet
func (q *SQLiteQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return cancelJob(ctx, q.store, q.logger, jobID)
}

// PollerOptions tunes the claim loop
type PollerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func PollerOptionsFromConfig(cfg models.QueueConfig) PollerOptions {
	opts := PollerOptions{
		BatchSize:    cfg.BatchSize,
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		BackoffMin:   200 * time.Millisecond,
		BackoffMax:   5 * time.Second,
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultQueueBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultQueuePollInterval
	}
	return opts
}

// Poller claims due jobs from the store and hands them to a Runner
type Poller struct {
	store  Store
	runner *Runner
	opts   PollerOptions
	logger *logrus.Logger
	now    func() time.Time
}

func NewPoller(store Store, runner *Runner, opts PollerOptions, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultQueueBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultQueuePollInterval
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = opts.PollInterval
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	return &Poller{store: store, runner: runner, opts: opts, logger: logger, now: time.Now}
}

// RunOnce claims one batch of due jobs and runs them in order. It returns
// the number of jobs claimed.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ClaimDueJobs(ctx, p.now().UTC(), p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	metrics.JobClaimBatch.Observe(float64(len(jobs)))

	for _, job := range jobs {
		if _, err := p.runner.Run(ctx, job); err != nil {
			p.logger.WithError(err).WithField(constants.LogFieldJobID, job.ID).Error("Failed to record job outcome")
		}
	}
	return len(jobs), nil
}

// Run polls until ctx is done. Claim errors back off exponentially with
// jitter; a full batch polls again immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"batch_size":    p.opts.BatchSize,
		"poll_interval": p.opts.PollInterval.String(),
	}).Info("Job poller started")

	backoff := p.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := p.opts.PollInterval
		n, err := p.RunOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			wait = jitter(backoff, 0.2)
			p.logger.WithError(err).WithField(constants.LogFieldWait, wait.String()).Warn("Job claim failed, backing off")
			backoff = min(p.opts.BackoffMax, time.Duration(float64(backoff)*1.6))
		default:
			backoff = p.opts.BackoffMin
			if n == p.opts.BatchSize {
				wait = 0
			}
		}

		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta+1)-delta)
}
