package service

import (
	"context"
	"testing"
	"time"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTargetPost(f *fixture) *models.Post {
	return &models.Post{
		Content: "Spring sale starts today",
		Targets: []models.PostTarget{
			{ChannelID: f.facebook.ID, Platform: models.PlatformFacebook},
			{ChannelID: f.instagram.ID, Platform: models.PlatformInstagram},
		},
	}
}

func TestPublishPost_PartiallyPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conn(f.instagram).publishResult = models.Failure(apperrors.New(apperrors.ErrCodeProviderError, "media required"))
	post := f.savePost(t, twoTargetPost(f))

	published, err := f.dispatcher.PublishPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPartiallyPublished, published.Status)
	require.Len(t, published.Targets, 2)
	assert.Equal(t, models.TargetPublished, published.Targets[0].Status)
	assert.Equal(t, "post-1", published.Targets[0].PlatformPostID)
	assert.Equal(t, "https://facebook.com/post-1", published.Targets[0].PostURL)
	assert.Equal(t, models.TargetFailed, published.Targets[1].Status)
	assert.Contains(t, published.Targets[1].Error, "media required")
	assert.Contains(t, published.ErrorLog, "Instagram")
	assert.False(t, published.PublishedAt.IsZero())

	stored, err := f.db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPartiallyPublished, stored.Status)
	assert.Equal(t, models.TargetFailed, stored.Targets[1].Status)
}

func TestPublishPost_AllTargetsPublished(t *testing.T) {
	f := newFixture(t)
	post := f.savePost(t, twoTargetPost(f))

	published, err := f.dispatcher.PublishPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, published.Status)
	assert.Empty(t, published.ErrorLog)
	assert.Equal(t, 1, f.conn(f.facebook).Calls("Publish"))
	assert.Equal(t, 1, f.conn(f.instagram).Calls("Publish"))
}

func TestPublishPost_AllTargetsFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpdateChannelStatus(ctx, f.instagram.ID, models.ChannelStatusExpired))
	f.conn(f.facebook).publishResult = models.Failure(apperrors.New(apperrors.ErrCodeProviderError, "permission denied"))
	post := f.savePost(t, twoTargetPost(f))

	published, err := f.dispatcher.PublishPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, published.Status)
	assert.True(t, published.PublishedAt.IsZero())
	assert.Zero(t, f.conn(f.instagram).Calls("Publish"))
	assert.Contains(t, published.Targets[1].Error, string(models.ChannelStatusExpired))
}

func TestPublishPost_DefaultChannelTarget(t *testing.T) {
	f := newFixture(t)
	post := f.savePost(t, &models.Post{
		Content: "hello",
		Targets: []models.PostTarget{{Platform: models.PlatformFacebook}},
	})

	published, err := f.dispatcher.PublishPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, published.Status)
	assert.Equal(t, f.facebook.ID, published.Targets[0].ChannelID)
}

func TestPublishPost_RequiresDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := f.savePost(t, twoTargetPost(f))

	_, err := f.dispatcher.PublishPost(ctx, post.ID)
	require.NoError(t, err)

	_, err = f.dispatcher.PublishPost(ctx, post.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
	assert.Equal(t, 1, f.conn(f.facebook).Calls("Publish"))

	_, err = f.dispatcher.PublishPost(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestPublishPost_ValidatesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := f.savePost(t, &models.Post{Content: "no targets"})

	_, err := f.dispatcher.PublishPost(ctx, post.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	stored, err := f.db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, stored.Status)
}

func scheduledFixture(t *testing.T) (*fixture, *models.Post, time.Time) {
	t.Helper()
	f := newFixture(t)
	f.conn(f.facebook).scheduleResult = models.Result{
		Success:   true,
		Scheduled: true,
		Data:      map[string]interface{}{"job_id": "job-1"},
	}
	post := f.savePost(t, twoTargetPost(f))
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	scheduled, err := f.dispatcher.SchedulePost(context.Background(), post.ID, at)
	require.NoError(t, err)
	return f, scheduled, at
}

func TestSchedulePost(t *testing.T) {
	f, post, at := scheduledFixture(t)

	assert.Equal(t, models.PostStatusScheduled, post.Status)
	assert.Equal(t, "job-1", post.ScheduledJobID)
	assert.True(t, at.Equal(post.ScheduledTime))
	assert.Equal(t, 1, f.conn(f.facebook).Calls("Schedule"))

	_, err := f.dispatcher.SchedulePost(context.Background(), post.ID, at)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
}

func TestSchedulePost_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := f.savePost(t, twoTargetPost(f))

	_, err := f.dispatcher.SchedulePost(ctx, post.ID, time.Now().Add(-time.Minute))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	waOnly := f.savePost(t, &models.Post{
		Content: "hi",
		Targets: []models.PostTarget{{ChannelID: f.whatsapp.ID, Platform: models.PlatformWhatsApp}},
	})
	_, err = f.dispatcher.SchedulePost(ctx, waOnly.ID, time.Now().Add(time.Hour))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	f.conn(f.facebook).scheduleResult = models.Failure(apperrors.New(apperrors.ErrCodeInvalidConfig, "no task queue configured"))
	_, err = f.dispatcher.SchedulePost(ctx, post.ID, time.Now().Add(time.Hour))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidConfig))

	stored, err := f.db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, stored.Status)
}

func TestCancelSchedule(t *testing.T) {
	f, post, _ := scheduledFixture(t)
	ctx := context.Background()

	draft, err := f.dispatcher.CancelSchedule(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, draft.Status)
	assert.Empty(t, draft.ScheduledJobID)
	assert.Equal(t, []string{"job-1"}, f.canceler.canceled)

	_, err = f.dispatcher.CancelSchedule(ctx, post.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
}

func TestCancelSchedule_JobAlreadyStarted(t *testing.T) {
	f, post, _ := scheduledFixture(t)
	f.canceler.result = false

	_, err := f.dispatcher.CancelSchedule(context.Background(), post.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))

	stored, err := f.db.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, stored.Status)
}

func TestHandlePublishJob(t *testing.T) {
	f, post, _ := scheduledFixture(t)
	ctx := context.Background()

	// a job that lost the schedule does nothing
	err := f.dispatcher.HandlePublishJob(ctx, &models.Job{ID: "job-0", Args: map[string]string{"post_id": post.ID}})
	require.NoError(t, err)
	assert.Zero(t, f.connectors.total("Publish"))

	err = f.dispatcher.HandlePublishJob(ctx, &models.Job{ID: "job-1", Args: map[string]string{"post_id": post.ID}})
	require.NoError(t, err)

	stored, err := f.db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, stored.Status)
	assert.Empty(t, stored.ScheduledJobID)

	// redelivery is absorbed
	err = f.dispatcher.HandlePublishJob(ctx, &models.Job{ID: "job-1", Args: map[string]string{"post_id": post.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.conn(f.facebook).Calls("Publish"))

	err = f.dispatcher.HandlePublishJob(ctx, &models.Job{ID: "job-2", Args: map[string]string{}})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}

func TestRunScheduledPublish_RequiresScheduled(t *testing.T) {
	f := newFixture(t)
	post := f.savePost(t, twoTargetPost(f))

	_, err := f.dispatcher.RunScheduledPublish(context.Background(), post.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
	assert.Zero(t, f.connectors.total("Publish"))
}

func TestCreatePost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.dispatcher.CreatePost(ctx, &models.Post{
		ID:      "client-chosen",
		Content: "New menu",
		Status:  models.PostStatusPublished,
		Targets: []models.PostTarget{
			{ChannelID: f.facebook.ID, Status: models.TargetPublished, PlatformPostID: "stale"},
			{Platform: models.PlatformInstagram},
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", post.ID)
	assert.Equal(t, models.PostStatusDraft, post.Status)
	assert.Equal(t, models.PlatformFacebook, post.Targets[0].Platform, "platform resolved from the channel")
	assert.Equal(t, models.TargetPending, post.Targets[0].Status)
	assert.Empty(t, post.Targets[0].PlatformPostID)

	stored, err := f.dispatcher.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "New menu", stored.Content)
	assert.Len(t, stored.Targets, 2)
}

func TestCreatePost_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.CreatePost(ctx, &models.Post{Content: "no targets"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	_, err = f.dispatcher.CreatePost(ctx, &models.Post{Content: "x", Targets: []models.PostTarget{{Platform: "MySpace"}}})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnsupportedPlatform))

	_, err = f.dispatcher.CreatePost(ctx, &models.Post{Content: "x", Targets: []models.PostTarget{{ChannelID: "missing"}}})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}
