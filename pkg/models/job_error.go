package models

import "time"

// ErrorKind classifies a job failure for retry decisions.
type ErrorKind string

const (
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPermanent   ErrorKind = "permanent"
	ErrorKindPersistence ErrorKind = "persistence"
)

// JobError is the canonical failure shape produced at the scoring boundary.
type JobError struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
