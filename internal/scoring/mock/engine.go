package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/markwise/internal/scoring"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// MockEngine satisfies models.ScoringEngine for testing.
type MockEngine struct {
	Name_     string
	ScoreFunc func(ctx context.Context, req models.ScoreRequest) (models.Result, error)

	mu    sync.Mutex
	calls []models.ScoreRequest
}

func (m *MockEngine) Name() string { return m.Name_ }

func (m *MockEngine) Score(ctx context.Context, req models.ScoreRequest) (models.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, req)
	}
	return models.Result{}, nil
}

// Calls returns the requests seen so far.
func (m *MockEngine) Calls() []models.ScoreRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ScoreRequest(nil), m.calls...)
}

// NewMockEngine returns a MockEngine with a sensible default result.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock",
		ScoreFunc: func(_ context.Context, req models.ScoreRequest) (models.Result, error) {
			return models.Result{
				Score:    85,
				MaxScore: 100,
				Feedback: "Mock feedback for testing",
				Engine:   "mock",
				Model:    "mock-v1",
				ScoredAt: time.Now().UTC(),
			}, nil
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		Name_: "mock-failing",
		ScoreFunc: func(_ context.Context, _ models.ScoreRequest) (models.Result, error) {
			return models.Result{}, err
		},
	}
}

// NewTimeoutEngine returns a MockEngine that blocks until context is cancelled.
func NewTimeoutEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock-timeout",
		ScoreFunc: func(ctx context.Context, _ models.ScoreRequest) (models.Result, error) {
			<-ctx.Done()
			return models.Result{}, ctx.Err()
		},
	}
}

// NewSequenceEngine returns errs in order, then succeeds with the default result.
func NewSequenceEngine(errs ...error) *MockEngine {
	var (
		mu sync.Mutex
		i  int
	)
	ok := NewMockEngine()
	return &MockEngine{
		Name_: "mock-sequence",
		ScoreFunc: func(ctx context.Context, req models.ScoreRequest) (models.Result, error) {
			mu.Lock()
			n := i
			i++
			mu.Unlock()
			if n < len(errs) {
				return models.Result{}, errs[n]
			}
			return ok.ScoreFunc(ctx, req)
		},
	}
}

// RateLimited is a convenience for a rate-limit failure with a hint.
func RateLimited(after time.Duration) error {
	return &scoring.RateLimitError{RetryAfter: after}
}

// Compile-time check that MockEngine implements ScoringEngine.
var _ models.ScoringEngine = (*MockEngine)(nil)
