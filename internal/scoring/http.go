package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/markwise/pkg/models"
)

// HTTPEngine calls a remote scoring service over HTTP.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPEngine creates a new scoring client. The per-call bound is applied by
// the caller's context; timeout only guards the transport.
func NewHTTPEngine(baseURL, apiKey, model string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *HTTPEngine) Name() string { return "http" }

type scoreRequest struct {
	ContentID int64  `json:"content_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Model     string `json:"model,omitempty"`
}

// rawReply accepts both field spellings the service has used over time.
type rawReply struct {
	Score      *float64 `json:"score"`
	TotalScore *float64 `json:"total_score"`
	MaxScore   *float64 `json:"max_score"`
	Feedback   string   `json:"feedback"`
	Comments   string   `json:"comments"`
	Model      string   `json:"model"`
	Criteria   []struct {
		Name     string  `json:"name"`
		Score    float64 `json:"score"`
		MaxScore float64 `json:"max_score"`
		Comment  string  `json:"comment"`
	} `json:"criteria"`
}

func (e *HTTPEngine) Score(ctx context.Context, req models.ScoreRequest) (models.Result, error) {
	payload, err := json.Marshal(scoreRequest{ContentID: req.ContentID, Title: req.Title, Body: req.Body, Model: e.model})
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: encoding request: %v", ErrPermanentService, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: building request: %v", ErrPermanentService, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return models.Result{}, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, e.now()); err != nil {
		return models.Result{}, err
	}

	var raw rawReply
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.Result{}, fmt.Errorf("%w: decoding reply: %v", ErrPermanentService, err)
	}
	return e.normalize(raw)
}

// normalize adapts the service reply to the canonical Result.
func (e *HTTPEngine) normalize(raw rawReply) (models.Result, error) {
	score := raw.Score
	if score == nil {
		score = raw.TotalScore
	}
	if score == nil {
		return models.Result{}, fmt.Errorf("%w: reply has no score", ErrPermanentService)
	}

	res := models.Result{
		Score:    *score,
		MaxScore: 100,
		Feedback: raw.Feedback,
		Engine:   e.Name(),
		Model:    raw.Model,
		ScoredAt: e.now(),
	}
	if raw.MaxScore != nil {
		res.MaxScore = *raw.MaxScore
	}
	if res.Feedback == "" {
		res.Feedback = raw.Comments
	}
	if res.Model == "" {
		res.Model = e.model
	}
	for _, c := range raw.Criteria {
		res.Criteria = append(res.Criteria, models.CriterionScore{Name: c.Name, Score: c.Score, MaxScore: c.MaxScore, Comment: c.Comment})
	}
	return res, nil
}

// checkStatus maps a non-2xx response onto the scoring error taxonomy.
func checkStatus(resp *http.Response, now time.Time) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now)}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrTransientRequest, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrPermanentService, resp.StatusCode, detail)
	}
}

// parseRetryAfter reads either delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrTransientRequest, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransientRequest, err)
	}

	return fmt.Errorf("%w: %v", ErrTransientRequest, err)
}

// Compile-time check that HTTPEngine implements ScoringEngine.
var _ models.ScoringEngine = (*HTTPEngine)(nil)
