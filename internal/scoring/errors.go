package scoring

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("scoring engine rate limited")
	ErrTransientRequest = errors.New("scoring transient request error")
	ErrPermanentService = errors.New("scoring permanent service error")
)

// RateLimitError carries the engine's Retry-After hint. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
