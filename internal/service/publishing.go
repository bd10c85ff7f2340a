package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// CreatePost stores post as a new Draft with every target pending
func (d *Dispatcher) CreatePost(ctx context.Context, post *models.Post) (*models.Post, error) {
	post.ID = ""
	post.Status = models.PostStatusDraft
	post.ScheduledJobID = ""
	post.ScheduledTime = time.Time{}
	post.PublishedAt = time.Time{}
	post.ErrorLog = ""
	for i := range post.Targets {
		target := &post.Targets[i]
		if target.Platform == "" && target.ChannelID != "" {
			ch, err := d.store.GetChannel(ctx, target.ChannelID)
			if err != nil {
				return nil, err
			}
			target.Platform = ch.Platform
		}
		if _, err := models.ParsePlatform(string(target.Platform)); err != nil {
			return nil, err
		}
		*target = models.PostTarget{ChannelID: target.ChannelID, Platform: target.Platform, Status: models.TargetPending}
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}
	if err := d.store.SavePost(ctx, post); err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{
		constants.LogFieldPostID: post.ID,
		constants.LogFieldCount:  len(post.Targets),
	}).Info("Post created")
	return post, nil
}

func (d *Dispatcher) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	return d.store.GetPost(ctx, postID)
}

// PublishPost publishes a Draft post to every target. Target failures are
// recorded on the target; the post ends Published, PartiallyPublished or
// Failed.
func (d *Dispatcher) PublishPost(ctx context.Context, postID string) (*models.Post, error) {
	return d.publish(ctx, postID, false)
}

// RunScheduledPublish publishes a post whose schedule came due
func (d *Dispatcher) RunScheduledPublish(ctx context.Context, postID string) (*models.Post, error) {
	return d.publish(ctx, postID, true)
}

// HandlePublishJob runs a publish_post job. Jobs that no longer own the
// post's schedule are skipped, which also absorbs redeliveries.
func (d *Dispatcher) HandlePublishJob(ctx context.Context, job *models.Job) error {
	postID := job.Args["post_id"]
	if postID == "" {
		return apperrors.NewValidationError("post_id", "", "publish job has no post id")
	}
	post, err := d.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != models.PostStatusScheduled || post.ScheduledJobID != job.ID {
		d.logger.WithFields(logrus.Fields{
			constants.LogFieldPostID: postID,
			constants.LogFieldJobID:  job.ID,
			"status":                 post.Status,
		}).Info("Skipping publish job that no longer owns the schedule")
		return nil
	}
	_, err = d.RunScheduledPublish(ctx, postID)
	return err
}

func (d *Dispatcher) publish(ctx context.Context, postID string, fromSchedule bool) (*models.Post, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.publish",
		attribute.String("post.id", postID),
		attribute.Bool("post.scheduled", fromSchedule),
	)
	defer span.End()

	post, err := d.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	from := post.Status
	if fromSchedule && from != models.PostStatusScheduled {
		return nil, apperrors.NewInvalidStateError("post", postID, string(from), string(models.PostStatusScheduled))
	}
	if err := post.BeginPublishing(fromSchedule); err != nil {
		return nil, err
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}
	ok, err := d.store.CompareAndSetPostStatus(ctx, postID, from, models.PostStatusPublishing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewInvalidStateError("post", postID, "changed concurrently", string(from))
	}

	log := d.logger.WithFields(logrus.Fields{
		constants.LogFieldPostID: postID,
		constants.LogFieldCount:  len(post.Targets),
	})
	log.Info("Publishing post")

	var failures []string
	for i := range post.Targets {
		target := &post.Targets[i]
		if target.Status == models.TargetPublished {
			continue
		}
		d.publishTarget(ctx, post, target)
		if target.Status == models.TargetFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", target.Platform, target.Error))
		}
	}

	post.Finalize(d.now().UTC())
	post.ErrorLog = strings.Join(failures, "; ")
	if fromSchedule {
		post.ScheduledJobID = ""
	}
	if err := d.store.SavePost(ctx, post); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	metrics.PostsPublished.WithLabelValues(string(post.Status)).Inc()
	span.SetAttributes(attribute.String("post.status", string(post.Status)))
	log.WithField("status", post.Status).Info("Post publish finished")
	return post, nil
}

// publishTarget resolves the channel of one target and publishes to it
func (d *Dispatcher) publishTarget(ctx context.Context, post *models.Post, target *models.PostTarget) {
	fail := func(err error) {
		target.Status = models.TargetFailed
		target.Error = err.Error()
		d.logger.WithError(err).WithFields(logrus.Fields{
			constants.LogFieldPostID:    post.ID,
			constants.LogFieldPlatform:  target.Platform,
			constants.LogFieldChannelID: target.ChannelID,
		}).Warn("Target publish failed")
	}

	ch, err := d.targetChannel(ctx, target)
	if err != nil {
		fail(err)
		return
	}
	if !ch.IsActive() {
		fail(apperrors.NewInvalidStateError("channel", ch.ID, string(ch.Status), string(models.ChannelStatusActive)))
		return
	}
	conn, err := d.connectorFor(ctx, ch)
	if err != nil {
		fail(err)
		return
	}

	result := conn.Publish(ctx, post)
	if !result.Success {
		fail(resultError(result))
		return
	}
	target.ChannelID = ch.ID
	target.Status = models.TargetPublished
	target.PlatformPostID = result.PostID
	target.PostURL = result.PostURL
	target.PublishedAt = d.now().UTC()
	target.Error = ""
}

// targetChannel falls back to the platform default when the target names no
// channel
func (d *Dispatcher) targetChannel(ctx context.Context, target *models.PostTarget) (*models.Channel, error) {
	if target.ChannelID == "" {
		return d.store.DefaultChannel(ctx, target.Platform)
	}
	ch, err := d.store.GetChannel(ctx, target.ChannelID)
	if err != nil {
		return nil, err
	}
	if target.Platform == "" {
		target.Platform = ch.Platform
	}
	return ch, nil
}

// SchedulePost schedules a Draft post for publishing at at. The publish job
// is enqueued through the connector of the first target that can schedule.
func (d *Dispatcher) SchedulePost(ctx context.Context, postID string, at time.Time) (*models.Post, error) {
	post, err := d.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusDraft {
		return nil, apperrors.NewInvalidStateError("post", postID, string(post.Status), string(models.PostStatusDraft))
	}
	if !at.After(d.now()) {
		return nil, apperrors.NewValidationError("time", at.UTC().Format(time.RFC3339), "scheduled time must be in the future")
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}

	target, err := schedulingTarget(post)
	if err != nil {
		return nil, err
	}
	ch, err := d.targetChannel(ctx, target)
	if err != nil {
		return nil, err
	}
	conn, err := d.connectorFor(ctx, ch)
	if err != nil {
		return nil, err
	}

	result := conn.Schedule(ctx, post, at)
	if !result.Success {
		return nil, resultError(result)
	}
	jobID, _ := result.Data["job_id"].(string)

	ok, err := d.store.SchedulePost(ctx, postID, at, jobID)
	if err == nil && !ok {
		err = apperrors.NewInvalidStateError("post", postID, "changed concurrently", string(models.PostStatusDraft))
	}
	if err != nil {
		if jobID != "" && d.queue != nil {
			if _, cancelErr := d.queue.Cancel(ctx, jobID); cancelErr != nil {
				d.logger.WithError(cancelErr).WithField(constants.LogFieldJobID, jobID).Error("Failed to cancel orphaned publish job")
			}
		}
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		constants.LogFieldPostID: postID,
		constants.LogFieldJobID:  jobID,
		"scheduled_time":         at.UTC().Format(time.RFC3339),
	}).Info("Post scheduled")
	return d.store.GetPost(ctx, postID)
}

func schedulingTarget(post *models.Post) (*models.PostTarget, error) {
	for i := range post.Targets {
		if post.Targets[i].Platform.IsGraph() {
			return &post.Targets[i], nil
		}
	}
	return nil, apperrors.NewValidationError("targets", "", "no target platform supports scheduled posts")
}

// CancelSchedule cancels the pending publish job of a Scheduled post and
// returns it to Draft. A job that already started cannot be canceled.
func (d *Dispatcher) CancelSchedule(ctx context.Context, postID string) (*models.Post, error) {
	post, err := d.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusScheduled {
		return nil, apperrors.NewInvalidStateError("post", postID, string(post.Status), string(models.PostStatusScheduled))
	}

	if post.ScheduledJobID != "" {
		if d.queue == nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "no task queue configured")
		}
		canceled, err := d.queue.Cancel(ctx, post.ScheduledJobID)
		if err != nil {
			return nil, err
		}
		if !canceled {
			return nil, apperrors.NewInvalidStateError("job", post.ScheduledJobID, "started", string(models.JobQueued))
		}
	}
	ok, err := d.store.UnschedulePost(ctx, postID, post.ScheduledJobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewInvalidStateError("post", postID, "changed concurrently", string(models.PostStatusScheduled))
	}

	d.logger.WithFields(logrus.Fields{
		constants.LogFieldPostID: postID,
		constants.LogFieldJobID:  post.ScheduledJobID,
	}).Info("Post schedule canceled")
	return d.store.GetPost(ctx, postID)
}
