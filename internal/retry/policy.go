// Package retry decides whether a failed scoring attempt is retried and how
// long the next attempt waits.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// Policy bounds retries of a job. Attempts are counted from 1 (the first claim).
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter in [0, 1] scales a random extra of up to Jitter*delay.
	Jitter float64
	// Retryable overrides the classifier's verdict when set.
	Retryable func(*models.JobError) bool

	// rand returns a value in [0, 1). Tests replace it for determinism.
	rand func() float64
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay returns the wait before the attempt that follows attempt:
// min(BaseDelay * 2^(attempt-1) * (1 + r*Jitter), MaxDelay).
// With Jitter <= 1 the result never decreases as attempt grows.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	r := rand.Float64
	if p.rand != nil {
		r = p.rand
	}

	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)) * (1 + r()*jitter)
	if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Decision is the outcome of applying a Policy to a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	Error *models.JobError
}

// Decide classifies err and reports whether attempt should be followed by
// another one. A rate-limit hint longer than the computed backoff wins.
func (p Policy) Decide(attempt int, err error) Decision {
	jerr := Classify(err)
	retryable := jerr.Retryable
	if p.Retryable != nil {
		retryable = p.Retryable(jerr)
	}
	if !retryable || attempt >= p.MaxRetries {
		return Decision{Error: jerr}
	}

	delay := p.Delay(attempt)
	if jerr.RetryAfter > delay {
		delay = jerr.RetryAfter
	}
	return Decision{Retry: true, Delay: delay, Error: jerr}
}
