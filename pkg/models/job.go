package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state shared by a Job and the Content it scores.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Active reports whether the status counts toward the one-active-job-per-content rule.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job tracks one scoring lifecycle for a content item. The API returns its id on
// POST /api/v1/corrections; clients poll GET /api/v1/corrections/{job_id}.
//
// OwnerTaskID is set only while Status is processing. LastError is set only
// while Status is failed.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	ContentID    int64      `db:"content_id"    json:"content_id"`
	Status       JobStatus  `db:"status"        json:"status"`
	OwnerTaskID  *string    `db:"owner_task_id" json:"owner_task_id,omitempty"`
	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	Queue        string     `db:"queue"         json:"queue"`
	Result       *Result    `db:"result"        json:"result,omitempty"`
	LastError    *string    `db:"last_error"    json:"last_error,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
}

// OwnedBy reports whether taskID currently holds the claim.
func (j *Job) OwnedBy(taskID string) bool {
	return j.OwnerTaskID != nil && *j.OwnerTaskID == taskID
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.OwnerTaskID != nil {
		owner := *j.OwnerTaskID
		c.OwnerTaskID = &owner
	}
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		c.Result = j.Result.Clone()
	}
	return &c
}
