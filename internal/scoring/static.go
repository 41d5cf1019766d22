package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/markwise/pkg/models"
)

// StaticEngine scores locally with a word-count heuristic. It backs
// SCORING_ENGINE=mock for development without a scoring service.
type StaticEngine struct {
	now func() time.Time
}

func NewStaticEngine() *StaticEngine {
	return &StaticEngine{now: func() time.Time { return time.Now().UTC() }}
}

func (e *StaticEngine) Name() string { return "mock" }

func (e *StaticEngine) Score(ctx context.Context, req models.ScoreRequest) (models.Result, error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	words := len(strings.Fields(req.Body))
	if words == 0 {
		return models.Result{}, fmt.Errorf("%w: content %d has no text", ErrPermanentService, req.ContentID)
	}

	// 10 points per 50 words, capped at 100.
	score := float64(min(words/50*10+10, 100))
	return models.Result{
		Score:    score,
		MaxScore: 100,
		Feedback: fmt.Sprintf("%d words scored", words),
		Engine:   e.Name(),
		Model:    "static-v1",
		ScoredAt: e.now(),
	}, nil
}

var _ models.ScoringEngine = (*StaticEngine)(nil)
