package models

import (
	"time"

	"github.com/google/uuid"
)

// JobView is the read model returned by the status endpoint.
type JobView struct {
	JobID         uuid.UUID  `json:"job_id"`
	ContentID     int64      `json:"content_id"`
	Status        JobStatus  `json:"status"`
	ContentStatus JobStatus  `json:"content_status"`
	AttemptCount  int        `json:"attempt_count"`
	Queue         string     `json:"queue"`
	Result        *Result    `json:"result,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewJobView builds the view of a job and its content.
func NewJobView(j *Job, c *Content) JobView {
	v := JobView{
		JobID:        j.ID,
		ContentID:    j.ContentID,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		Queue:        j.Queue,
		Result:       j.Result,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	if c != nil {
		v.ContentStatus = c.Status
	}
	return v
}
