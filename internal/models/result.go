package models

import (
	"time"

	apperrors "socialbridge/internal/errors"
)

// Result is the normalized outcome of a connector operation
type Result struct {
	Success   bool                   `json:"success"`
	PostID    string                 `json:"post_id,omitempty"`
	PostURL   string                 `json:"post_url,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode apperrors.ErrorCode    `json:"error_code,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Scheduled bool                   `json:"scheduled,omitempty"`
}

// Failure converts an error into an unsuccessful Result
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown error"}
	}
	return Result{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: apperrors.GetCode(err),
	}
}

// SendOptions carries the optional parts of an outbound message
type SendOptions struct {
	MediaURL         string `json:"media_url,omitempty"`
	Caption          string `json:"caption,omitempty"`
	TemplateName     string `json:"template_name,omitempty"`
	TemplateLanguage string `json:"template_language,omitempty"`
}

// DateRange bounds analytics queries; zero values are open ends
type DateRange struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

type JobStatus string

const (
	JobQueued   JobStatus = "Queued"
	JobRunning  JobStatus = "Running"
	JobDone     JobStatus = "Done"
	JobCanceled JobStatus = "Canceled"
	JobFailed   JobStatus = "Failed"
)

// Job is a deferred unit of work executed by the worker
type Job struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Args      map[string]string `json:"args"`
	RunAt     time.Time         `json:"run_at"`
	Status    JobStatus         `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
