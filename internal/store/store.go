package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetContent(ctx context.Context, id int64) (*models.Content, error)

	// ListStaleProcessing returns processing jobs started before cutoff.
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error)
	// ListIdleProcessing returns processing jobs not updated since cutoff.
	ListIdleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	// ListIdlePending returns pending jobs not updated since cutoff.
	ListIdlePending(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	// ListDivergent returns jobs whose status differs from their content's status.
	ListDivergent(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Tx is a unit of work. Row reads lock the row until the transaction ends.
type Tx interface {
	GetJobForUpdate(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByContentForUpdate(ctx context.Context, contentID int64) (*models.Job, error)
	GetContentForUpdate(ctx context.Context, id int64) (*models.Content, error)

	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	SetContentStatus(ctx context.Context, contentID int64, status models.JobStatus) error

	// Savepoint runs fn in a nested transaction. An error from fn rolls back
	// only the work done inside fn; the outer transaction stays usable.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

// SaveJob writes the job and mirrors its status onto the content row, keeping
// both statuses equal within the transaction.
func SaveJob(ctx context.Context, tx Tx, job *models.Job) error {
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	return tx.SetContentStatus(ctx, job.ContentID, job.Status)
}
