// Package memstore is an in-memory store.Store for unit tests and local runs.
// Transactions are serialized by a single mutex, so every Tx sees a stable
// snapshot and commits atomically.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

type state struct {
	jobs      map[uuid.UUID]*models.Job
	byContent map[int64]uuid.UUID
	contents  map[int64]*models.Content
}

func (s *state) clone() *state {
	c := &state{
		jobs:      make(map[uuid.UUID]*models.Job, len(s.jobs)),
		byContent: make(map[int64]uuid.UUID, len(s.byContent)),
		contents:  make(map[int64]*models.Content, len(s.contents)),
	}
	for id, j := range s.jobs {
		c.jobs[id] = j.Clone()
	}
	for cid, id := range s.byContent {
		c.byContent[cid] = id
	}
	for id, ct := range s.contents {
		cp := *ct
		c.contents[id] = &cp
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu      sync.Mutex
	data    *state
	nextID  int64
	txErr   error
	txFails int
	txCount int
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: &state{
		jobs:      map[uuid.UUID]*models.Job{},
		byContent: map[int64]uuid.UUID{},
		contents:  map[int64]*models.Content{},
	}}
}

// AddContent inserts a content item in pending state and returns it.
func (s *Store) AddContent(title, body string) *models.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	c := &models.Content{ID: s.nextID, Title: title, Body: body, Status: models.JobStatusPending, CreatedAt: now, UpdatedAt: now}
	s.data.contents[c.ID] = c
	cp := *c
	return &cp
}

// PutJob writes job as-is, bypassing every transition rule. Tests use it to
// build states such as stale or divergent jobs.
func (s *Store) PutJob(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.jobs[job.ID] = job.Clone()
	s.data.byContent[job.ContentID] = job.ID
}

// PutContentStatus overwrites a content status without touching its job.
func (s *Store) PutContentStatus(contentID int64, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.data.contents[contentID]; ok {
		c.Status = status
	}
}

// FailTransactions makes the next n calls to WithTx return err without running fn.
func (s *Store) FailTransactions(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txErr = err
	s.txFails = n
}

// TxCount returns how many transactions committed.
func (s *Store) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// Jobs returns a copy of every job.
func (s *Store) Jobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.data.jobs))
	for _, j := range s.data.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ContentID < out[k].ContentID })
	return out
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txFails > 0 {
		s.txFails--
		return s.txErr
	}

	tx := &memTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	s.txCount++
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.data.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) GetContent(_ context.Context, id int64) (*models.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.contents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListStaleProcessing(_ context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return s.list(limit, func(_ *state, j *models.Job) (time.Time, bool) {
		if j.Status != models.JobStatusProcessing || j.StartedAt == nil {
			return time.Time{}, false
		}
		return *j.StartedAt, j.StartedAt.Before(startedBefore)
	}), nil
}

func (s *Store) ListIdleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return s.list(limit, func(_ *state, j *models.Job) (time.Time, bool) {
		return j.UpdatedAt, j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s *Store) ListIdlePending(_ context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return s.list(limit, func(_ *state, j *models.Job) (time.Time, bool) {
		return j.UpdatedAt, j.Status == models.JobStatusPending && j.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s *Store) ListDivergent(_ context.Context, limit int) ([]uuid.UUID, error) {
	return s.list(limit, func(st *state, j *models.Job) (time.Time, bool) {
		c, ok := st.contents[j.ContentID]
		return j.UpdatedAt, ok && c.Status != j.Status
	}), nil
}

// list returns matching job ids ordered by the key match yields.
func (s *Store) list(limit int, match func(st *state, j *models.Job) (time.Time, bool)) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hit struct {
		id  uuid.UUID
		key time.Time
	}
	var hits []hit
	for _, j := range s.data.jobs {
		if key, ok := match(s.data, j); ok {
			hits = append(hits, hit{id: j.ID, key: key})
		}
	}
	sort.Slice(hits, func(i, k int) bool { return hits[i].key.Before(hits[k].key) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

type memTx struct {
	data *state
}

func (t *memTx) GetJobForUpdate(_ context.Context, id uuid.UUID) (*models.Job, error) {
	j, ok := t.data.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (t *memTx) GetJobByContentForUpdate(_ context.Context, contentID int64) (*models.Job, error) {
	id, ok := t.data.byContent[contentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.data.jobs[id].Clone(), nil
}

func (t *memTx) GetContentForUpdate(_ context.Context, id int64) (*models.Content, error) {
	c, ok := t.data.contents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) CreateJob(_ context.Context, job *models.Job) error {
	if _, ok := t.data.byContent[job.ContentID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := t.data.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := t.data.contents[job.ContentID]; !ok {
		return errors.New("create job: content does not exist")
	}
	t.data.jobs[job.ID] = job.Clone()
	t.data.byContent[job.ContentID] = job.ID
	return nil
}

func (t *memTx) UpdateJob(_ context.Context, job *models.Job) error {
	if _, ok := t.data.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	t.data.jobs[job.ID] = job.Clone()
	return nil
}

func (t *memTx) SetContentStatus(_ context.Context, contentID int64, status models.JobStatus) error {
	c, ok := t.data.contents[contentID]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) Savepoint(_ context.Context, fn func(tx store.Tx) error) error {
	nested := &memTx{data: t.data.clone()}
	if err := fn(nested); err != nil {
		return err
	}
	t.data = nested.data
	return nil
}

var _ store.Store = (*Store)(nil)
