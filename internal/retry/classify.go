package retry

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/markwise/internal/scoring"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// ErrPersistence marks a job failure caused by the database rather than the engine.
var ErrPersistence = errors.New("persistence failure")

// Classify maps an error from a scoring attempt onto the canonical JobError.
// Errors that match no known category are treated as transient.
func Classify(err error) *models.JobError {
	var jerr *models.JobError
	if errors.As(err, &jerr) {
		return jerr
	}

	msg := err.Error()

	var rl *scoring.RateLimitError
	switch {
	case errors.As(err, &rl):
		return &models.JobError{Kind: models.ErrorKindTransient, Message: msg, Retryable: true, RetryAfter: rl.RetryAfter}
	case errors.Is(err, scoring.ErrPermanentService):
		return &models.JobError{Kind: models.ErrorKindPermanent, Message: msg}
	case errors.Is(err, ErrPersistence):
		return &models.JobError{Kind: models.ErrorKindPersistence, Message: msg}
	case errors.Is(err, scoring.ErrRateLimited),
		errors.Is(err, scoring.ErrTransientRequest),
		errors.Is(err, context.DeadlineExceeded):
		return &models.JobError{Kind: models.ErrorKindTransient, Message: msg, Retryable: true}
	default:
		return &models.JobError{Kind: models.ErrorKindTransient, Message: msg, Retryable: true}
	}
}
