package queue

import (
	"context"
	"fmt"
)

// Liveness is the single classification of a job owner used by the worker's
// claim check and the reconciler.
type Liveness string

const (
	// OwnerActive: the task is queued, running or scheduled for retry.
	OwnerActive Liveness = "active"
	// OwnerSucceeded: the task finished successfully.
	OwnerSucceeded Liveness = "succeeded"
	// OwnerFailed: the task failed or was revoked.
	OwnerFailed Liveness = "failed"
	// OwnerUnknown: no owner, or the broker has no record of it.
	OwnerUnknown Liveness = "unknown"
)

// Classify maps a broker task state onto a Liveness.
func Classify(state TaskState) Liveness {
	switch state {
	case TaskPending, TaskStarted, TaskRetry:
		return OwnerActive
	case TaskSuccess:
		return OwnerSucceeded
	case TaskFailure, TaskRevoked:
		return OwnerFailed
	default:
		return OwnerUnknown
	}
}

// OwnerStatus looks up owner in the broker. A nil or empty owner is unknown
// without a broker round trip. On a lookup error the liveness is unknown and
// the error is returned so callers can stay conservative.
func OwnerStatus(ctx context.Context, r StatusReader, owner *string) (Liveness, error) {
	if owner == nil || *owner == "" {
		return OwnerUnknown, nil
	}
	state, err := r.TaskStatus(ctx, *owner)
	if err != nil {
		return OwnerUnknown, fmt.Errorf("task status %s: %w", *owner, err)
	}
	return Classify(state), nil
}
