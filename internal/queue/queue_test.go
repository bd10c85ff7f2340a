package queue

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"socialbridge/internal/database"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
	"socialbridge/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "queue.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordedRuns struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (r *recordedRuns) handler(err error) Handler {
	return func(ctx context.Context, job *models.Job) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.jobs = append(r.jobs, job)
		return err
	}
}

func (r *recordedRuns) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func fixedPolicy(delay time.Duration) retry.Policy {
	return retry.Policy{InitialDelay: delay, MaxDelay: delay, Multiplier: 1, MaxAttempts: 1}
}

func TestSQLiteQueue_RunsDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q := NewSQLiteQueue(db, quietLogger())

	dueID, err := q.Enqueue(ctx, "publish_post", map[string]string{"post_id": "p1"}, time.Now().Add(-time.Second))
	require.NoError(t, err)
	futureID, err := q.Enqueue(ctx, "publish_post", map[string]string{"post_id": "p2"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	runs := &recordedRuns{}
	runner := NewRunner(db, fixedPolicy(time.Minute), 3, quietLogger())
	runner.Handle("publish_post", runs.handler(nil))
	poller := NewPoller(db, runner, PollerOptions{BatchSize: 10}, quietLogger())

	n, err := poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, runs.count())
	assert.Equal(t, "p1", runs.jobs[0].Args["post_id"])

	done, err := db.GetJob(ctx, dueID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, done.Status)

	pending, err := db.GetJob(ctx, futureID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, pending.Status)
}

func TestSQLiteQueue_EnqueueRequiresKind(t *testing.T) {
	q := NewSQLiteQueue(newTestStore(t), quietLogger())
	_, err := q.Enqueue(context.Background(), "", nil, time.Now())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}

func TestSQLiteQueue_CancelBeforeRun(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q := NewSQLiteQueue(db, quietLogger())

	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	canceled, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, canceled)

	canceled, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, canceled)

	runs := &recordedRuns{}
	runner := NewRunner(db, fixedPolicy(0), 3, quietLogger())
	runner.Handle("publish_post", runs.handler(nil))
	poller := NewPoller(db, runner, PollerOptions{}, quietLogger())
	poller.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, runs.count())
}

func TestRunner_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q := NewSQLiteQueue(db, quietLogger())
	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	runs := &recordedRuns{}
	runner := NewRunner(db, fixedPolicy(time.Minute), 2, quietLogger())
	runner.Handle("publish_post", runs.handler(errors.New("provider unavailable")))
	poller := NewPoller(db, runner, PollerOptions{}, quietLogger())

	_, err = poller.RunOnce(ctx)
	require.NoError(t, err)
	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, "provider unavailable", job.LastError)
	assert.True(t, job.RunAt.After(time.Now()), "retry is pushed back by the backoff")

	// Not due yet
	n, err := poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	poller.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, runs.count())
}

func TestRunner_PermanentErrorsFailImmediately(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q := NewSQLiteQueue(db, quietLogger())
	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	runner := NewRunner(db, fixedPolicy(0), 5, quietLogger())
	runner.Handle("publish_post", (&recordedRuns{}).handler(
		apperrors.NewInvalidStateError("post", "p1", "Published", "Scheduled"),
	))

	job, err := db.ClaimJob(ctx, id)
	require.NoError(t, err)
	retryAt, err := runner.Run(ctx, job)
	require.NoError(t, err)
	assert.True(t, retryAt.IsZero())

	job, err = db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "INVALID_STATE")
}

func TestRunner_UnknownKindFails(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	id, err := NewSQLiteQueue(db, quietLogger()).Enqueue(ctx, "mystery", nil, time.Now())
	require.NoError(t, err)

	runner := NewRunner(db, fixedPolicy(0), 3, quietLogger())
	job, err := db.ClaimJob(ctx, id)
	require.NoError(t, err)
	_, err = runner.Run(ctx, job)
	require.NoError(t, err)

	job, err = db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "mystery")
}

func TestPoller_RunStopsWithContext(t *testing.T) {
	db := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := NewSQLiteQueue(db, quietLogger()).Enqueue(ctx, "publish_post", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	runner := NewRunner(db, fixedPolicy(0), 3, quietLogger())
	runner.Handle("publish_post", func(context.Context, *models.Job) error {
		cancel()
		return nil
	})
	poller := NewPoller(db, runner, PollerOptions{PollInterval: 10 * time.Millisecond}, quietLogger())

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestPollerOptionsFromConfig(t *testing.T) {
	opts := PollerOptionsFromConfig(models.QueueConfig{})
	assert.Equal(t, 20, opts.BatchSize)
	assert.Equal(t, 5*time.Second, opts.PollInterval)

	opts = PollerOptionsFromConfig(models.QueueConfig{BatchSize: 3, PollIntervalSec: 1})
	assert.Equal(t, 3, opts.BatchSize)
	assert.Equal(t, time.Second, opts.PollInterval)
}
