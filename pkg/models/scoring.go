// Package models contains shared data models used across the markwise codebase.
package models

import "context"

// ScoringEngine is the interface every scoring integration implements.
// Never call a specific engine directly; inject this interface.
type ScoringEngine interface {
	// Score evaluates one content item. Failures wrap one of the scoring
	// package sentinels (rate limited, transient, permanent).
	Score(ctx context.Context, req ScoreRequest) (Result, error)
	// Name returns the engine identifier (e.g., "http", "mock").
	Name() string
}

// ScoreRequest is the input to a scoring call.
type ScoreRequest struct {
	ContentID int64
	Title     string
	Body      string
}
