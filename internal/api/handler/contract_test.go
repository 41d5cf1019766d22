package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/api"
	"github.com/kiranshivaraju/markwise/internal/api/handler"
	mw "github.com/kiranshivaraju/markwise/internal/api/middleware"
	"github.com/kiranshivaraju/markwise/internal/cache"
	"github.com/kiranshivaraju/markwise/internal/dispatch"
	"github.com/kiranshivaraju/markwise/internal/queue/memqueue"
	"github.com/kiranshivaraju/markwise/internal/retry"
	"github.com/kiranshivaraju/markwise/internal/scoring"
	"github.com/kiranshivaraju/markwise/internal/store/memstore"
	"github.com/kiranshivaraju/markwise/internal/worker"
	"github.com/kiranshivaraju/markwise/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	views map[uuid.UUID]models.JobView
	hits  int64
}

func newMockCache() *mockCache {
	return &mockCache{views: make(map[uuid.UUID]models.JobView)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *mockCache) Ping(_ context.Context) error                                      { return nil }
func (c *mockCache) SetJobView(_ context.Context, v models.JobView, _ time.Duration) error {
	c.views[v.JobID] = v
	return nil
}
func (c *mockCache) GetJobView(_ context.Context, id uuid.UUID) (models.JobView, bool, error) {
	v, ok := c.views[id]
	return v, ok, nil
}
func (c *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.hits++
	return c.hits, nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *memstore.Store
	queue  *memqueue.Broker
	worker *worker.Worker
}

func newTestServer(t *testing.T, requestsPerMin int) *testServer {
	t.Helper()

	st := memstore.New()
	q := memqueue.New()
	mc := newMockCache()

	d := dispatch.NewDispatcher(st, q, mc, nil, nil, dispatch.Config{
		DefaultQueue:  "corrections",
		UrgentQueue:   "corrections-urgent",
		MaxBatchItems: 5,
	})
	w := worker.NewWorker(st, q, scoring.NewStaticEngine(), retry.Policy{MaxRetries: 3, BaseDelay: time.Second}, nil, nil, worker.Config{
		ScoringTimeout: time.Second,
	})

	router := api.NewRouter(api.Dependencies{
		RateLimit:          mw.NewRateLimit(mc, requestsPerMin),
		HealthHandler:      handler.NewHealthHandler(map[string]handler.Pinger{"database": st, "broker": q, "cache": mc}),
		SubmitHandler:      handler.NewSubmitHandler(d),
		SubmitBatchHandler: handler.NewSubmitBatchHandler(d, 5),
		StatusHandler:      handler.NewStatusHandler(d),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, queue: q, worker: w}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

// drain processes every ready message.
func (ts *testServer) drain(t *testing.T, queues ...string) {
	t.Helper()
	ctx := context.Background()
	for {
		d, err := ts.queue.Receive(ctx, queues, 10*time.Millisecond)
		require.NoError(t, err)
		if d == nil {
			return
		}
		_, err = ts.worker.Process(ctx, d.Message)
		require.NoError(t, err)
	}
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data envelope: %v", body)
	return d
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "GET", "/api/v1/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", data(t, body)["status"])
}

func TestHealth_503_BrokerClosed(t *testing.T) {
	ts := newTestServer(t, 100)
	require.NoError(t, ts.queue.Close())

	resp, body := ts.do(t, "GET", "/api/v1/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "DEGRADED", errCode(body))
}

// ─── POST /api/v1/corrections ────────────────────────────────────────────────

func TestSubmit_202_ThenCompleted(t *testing.T) {
	ts := newTestServer(t, 100)
	c := ts.store.AddContent("My summer", "It was a long and sunny summer by the lake.")

	resp, body := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := data(t, body)["job_id"].(string)
	_, err := uuid.Parse(jobID)
	require.NoError(t, err)

	resp, body = ts.do(t, "GET", "/api/v1/corrections/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", data(t, body)["status"])

	ts.drain(t, "corrections")

	resp, body = ts.do(t, "GET", "/api/v1/corrections/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := data(t, body)
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, "completed", view["content_status"])
	assert.EqualValues(t, 1, view["attempt_count"])
	result := view["result"].(map[string]any)
	assert.Equal(t, "mock", result["engine"])
}

func TestSubmit_Idempotent(t *testing.T) {
	ts := newTestServer(t, 100)
	c := ts.store.AddContent("essay", "words words words")

	_, first := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID})
	_, second := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID})

	assert.Equal(t, data(t, first)["job_id"], data(t, second)["job_id"])
	assert.Len(t, ts.queue.Enqueued(), 1)
}

func TestSubmit_UrgentLane(t *testing.T) {
	ts := newTestServer(t, 100)
	c := ts.store.AddContent("essay", "words")

	resp, _ := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID, "priority": "urgent"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	enq := ts.queue.Enqueued()
	require.Len(t, enq, 1)
	assert.Equal(t, "corrections-urgent", enq[0].Message.Queue)
}

func TestSubmit_404_ContentNotFound(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": 999})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CONTENT_NOT_FOUND", errCode(body))
}

func TestSubmit_400_InvalidContentID(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": 0})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CONTENT_ID", errCode(body))
}

func TestSubmit_429_RateLimited(t *testing.T) {
	ts := newTestServer(t, 1)
	c := ts.store.AddContent("essay", "words")

	resp, _ := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := ts.do(t, "POST", "/api/v1/corrections", map[string]any{"content_id": c.ID})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(body))
}

// ─── POST /api/v1/corrections/batch ──────────────────────────────────────────

func TestSubmitBatch_200_MixedReport(t *testing.T) {
	ts := newTestServer(t, 100)
	a := ts.store.AddContent("a", "alpha")
	b := ts.store.AddContent("b", "beta")

	resp, body := ts.do(t, "POST", "/api/v1/corrections/batch", map[string]any{
		"content_ids": []any{a.ID, b.ID, -1, "abc"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := data(t, body)
	assert.Len(t, report["submitted"], 2)
	errs := report["errors"].([]any)
	require.Len(t, errs, 2)
	codes := []string{errs[0].(map[string]any)["code"].(string), errs[1].(map[string]any)["code"].(string)}
	assert.Equal(t, []string{dispatch.CodeInvalidContentID, dispatch.CodeInvalidContentID}, codes)
	assert.Len(t, ts.queue.Enqueued(), 2)
}

func TestSubmitBatch_400_TooManyItems(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/corrections/batch", map[string]any{
		"content_ids": []int{1, 2, 3, 4, 5, 6},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "TOO_MANY_ITEMS", errCode(body))
}

func TestSubmitBatch_400_TooManyItemsCountsNonIntegers(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/corrections/batch", map[string]any{
		"content_ids": []any{"a", "b", "c", "d", "e", "f"},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "TOO_MANY_ITEMS", errCode(body))
	assert.Empty(t, ts.queue.Enqueued())
}

func TestSubmitBatch_400_NotAList(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/corrections/batch", map[string]any{"content_ids": 42})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", errCode(body))
}

// ─── GET /api/v1/corrections/{jobID} ─────────────────────────────────────────

func TestStatus_404_UnknownJob(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "GET", "/api/v1/corrections/"+uuid.NewString(), nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))
}

func TestStatus_400_InvalidJobID(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "GET", "/api/v1/corrections/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JOB_ID", errCode(body))
}
