package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a READ COMMITTED transaction; row locks come from the
// FOR UPDATE reads on Tx.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

const jobColumns = `id, content_id, status, owner_task_id, attempt_count, queue, result, last_error,
	created_at, updated_at, started_at, completed_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		status string
		result []byte
	)
	err := row.Scan(&j.ID, &j.ContentID, &status, &j.OwnerTaskID, &j.AttemptCount, &j.Queue, &result,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if len(result) > 0 {
		var r models.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

func scanContent(row pgx.Row) (*models.Content, error) {
	var (
		c      models.Content
		status string
	)
	err := row.Scan(&c.ID, &c.Title, &c.Body, &status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.JobStatus(status)
	return &c, nil
}

// --- Reads ---

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

func (s *PostgresStore) GetContent(ctx context.Context, id int64) (*models.Content, error) {
	c, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT id, title, body, status, created_at, updated_at FROM contents WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return c, err
}

// --- Sweeps ---

func (s *PostgresStore) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return listIDs(ctx, s.pool, "list stale processing jobs",
		`SELECT id FROM jobs WHERE status = 'processing' AND started_at < $1 ORDER BY started_at LIMIT $2`,
		startedBefore, normalizeLimit(limit))
}

func (s *PostgresStore) ListIdleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return listIDs(ctx, s.pool, "list idle processing jobs",
		`SELECT id FROM jobs WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at LIMIT $2`,
		updatedBefore, normalizeLimit(limit))
}

func (s *PostgresStore) ListIdlePending(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return listIDs(ctx, s.pool, "list idle pending jobs",
		`SELECT id FROM jobs WHERE status = 'pending' AND updated_at < $1 ORDER BY updated_at LIMIT $2`,
		updatedBefore, normalizeLimit(limit))
}

func (s *PostgresStore) ListDivergent(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return listIDs(ctx, s.pool, "list divergent jobs",
		`SELECT j.id FROM jobs j JOIN contents c ON c.id = j.content_id
		 WHERE j.status <> c.status ORDER BY j.updated_at LIMIT $1`,
		normalizeLimit(limit))
}

func listIDs(ctx context.Context, q querier, op, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetJobForUpdate(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, err
}

func (t *pgTx) GetJobByContentForUpdate(ctx context.Context, contentID int64) (*models.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE content_id = $1 FOR UPDATE`, contentID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock job by content: %w", err)
	}
	return j, err
}

func (t *pgTx) GetContentForUpdate(ctx context.Context, id int64) (*models.Content, error) {
	c, err := scanContent(t.tx.QueryRow(ctx,
		`SELECT id, title, body, status, created_at, updated_at FROM contents WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock content: %w", err)
	}
	return c, err
}

func (t *pgTx) CreateJob(ctx context.Context, job *models.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.ContentID, string(job.Status), job.OwnerTaskID, job.AttemptCount, job.Queue, result,
		job.LastError, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateJob(ctx context.Context, job *models.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE jobs SET status = $2, owner_task_id = $3, attempt_count = $4, queue = $5, result = $6,
		   last_error = $7, updated_at = $8, started_at = $9, completed_at = $10
		 WHERE id = $1`,
		job.ID, string(job.Status), job.OwnerTaskID, job.AttemptCount, job.Queue, result,
		job.LastError, job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetContentStatus(ctx context.Context, contentID int64, status models.JobStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE contents SET status = $2, updated_at = NOW() WHERE id = $1`, contentID, string(status))
	if err != nil {
		return fmt.Errorf("update content status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Savepoint uses pgx's nested Begin, which issues SAVEPOINT / RELEASE / ROLLBACK TO.
func (t *pgTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(nested pgx.Tx) error {
		return fn(&pgTx{tx: nested})
	})
}

func encodeResult(r *models.Result) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return b, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
