package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/cache"
	"github.com/kiranshivaraju/markwise/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Job View ---

func TestSetGetJobView(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	completed := time.Now().UTC().Truncate(time.Second)
	view := models.JobView{
		JobID:         uuid.New(),
		ContentID:     42,
		Status:        models.JobStatusCompleted,
		ContentStatus: models.JobStatusCompleted,
		AttemptCount:  2,
		Result:        &models.Result{Score: 91, MaxScore: 100, Engine: "mock"},
		CompletedAt:   &completed,
	}

	err := rc.SetJobView(ctx, view, 10*time.Second)
	require.NoError(t, err)

	got, found, err := rc.GetJobView(ctx, view.JobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, view.JobID, got.JobID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.Result)
	assert.InDelta(t, 91.0, got.Result.Score, 1e-9)
}

func TestGetJobView_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	_, found, err := rc.GetJobView(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJobView_Corrupt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.Set(ctx, cache.JobViewKey(jobID), []byte("{broken"), 10*time.Second))
	_, found, err := rc.GetJobView(ctx, jobID)
	assert.Error(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobViewKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.JobViewKey(jobID)
	assert.Equal(t, "markwise:view:22222222-2222-2222-2222-222222222222", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("10.0.0.1")
	assert.Equal(t, "markwise:ratelimit:10.0.0.1", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	jobID := uuid.New()

	keys := map[string]bool{
		cache.JobViewKey(jobID):        true,
		cache.RateLimitKey(jobID.String()): true,
	}
	assert.Len(t, keys, 2, "all keys should be unique")
}
