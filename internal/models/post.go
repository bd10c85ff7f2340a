package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
)

type PostStatus string

const (
	PostStatusDraft              PostStatus = "Draft"
	PostStatusScheduled          PostStatus = "Scheduled"
	PostStatusPublishing         PostStatus = "Publishing"
	PostStatusPublished          PostStatus = "Published"
	PostStatusPartiallyPublished PostStatus = "PartiallyPublished"
	PostStatusFailed             PostStatus = "Failed"
)

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "Image"
	AttachmentVideo    AttachmentType = "Video"
	AttachmentDocument AttachmentType = "Document"
)

// Attachment is a media link published alongside post content
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
}

// IsUploadable reports whether the Graph API accepts the attachment as page media
func (a Attachment) IsUploadable() bool {
	return a.Type == AttachmentImage || a.Type == AttachmentVideo
}

type TargetStatus string

const (
	TargetPending   TargetStatus = "Pending"
	TargetPublished TargetStatus = "Published"
	TargetFailed    TargetStatus = "Failed"
)

// PostTarget is one channel a post is published to, with its own outcome
type PostTarget struct {
	ChannelID      string       `json:"channel_id"`
	Platform       Platform     `json:"platform"`
	Status         TargetStatus `json:"status"`
	PlatformPostID string       `json:"platform_post_id,omitempty"`
	PostURL        string       `json:"post_url,omitempty"`
	PublishedAt    time.Time    `json:"published_at,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Post is content fanned out to one or more channels
type Post struct {
	ID             string       `json:"id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	Targets        []PostTarget `json:"targets"`
	Status         PostStatus   `json:"status"`
	ScheduledTime  time.Time    `json:"scheduled_time,omitempty"`
	ScheduledJobID string       `json:"scheduled_job_id,omitempty"`
	PublishedAt    time.Time    `json:"published_at,omitempty"`
	ErrorLog       string       `json:"error_log,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks the post has targets and fits every target's content limit
func (p *Post) Validate() error {
	if len(p.Targets) == 0 {
		return apperrors.NewValidationError("targets", "", "at least one target is required")
	}
	length := utf8.RuneCountInString(p.Content)
	for _, target := range p.Targets {
		limit, ok := constants.ContentLimits[string(target.Platform)]
		if ok && length > limit {
			return apperrors.NewValidationError("content", fmt.Sprintf("%d chars", length),
				fmt.Sprintf("content exceeds the %s limit of %d characters", target.Platform, limit))
		}
	}
	return nil
}

// BeginPublishing moves the post to Publishing. A direct publish requires
// Draft, the scheduled job may also start from Scheduled.
func (p *Post) BeginPublishing(fromSchedule bool) error {
	switch {
	case p.Status == PostStatusDraft:
	case fromSchedule && p.Status == PostStatusScheduled:
	default:
		expected := string(PostStatusDraft)
		if fromSchedule {
			expected = string(PostStatusScheduled)
		}
		return apperrors.NewInvalidStateError("post", p.ID, string(p.Status), expected)
	}
	p.Status = PostStatusPublishing
	return nil
}

// Finalize derives the overall status from per-target outcomes
func (p *Post) Finalize(now time.Time) {
	published := 0
	for _, target := range p.Targets {
		if target.Status == TargetPublished {
			published++
		}
	}

	switch {
	case published == len(p.Targets) && published > 0:
		p.Status = PostStatusPublished
	case published > 0:
		p.Status = PostStatusPartiallyPublished
	default:
		p.Status = PostStatusFailed
	}
	if published > 0 {
		p.PublishedAt = now
	}
	p.UpdatedAt = now
}
