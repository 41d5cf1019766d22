package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/queue/memqueue"
	"github.com/kiranshivaraju/markwise/internal/reconcile"
	"github.com/kiranshivaraju/markwise/internal/store/memstore"
	"github.com/kiranshivaraju/markwise/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lane = "corrections"

func testConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{ZombieAfter: time.Hour, BatchSize: 100}
}

func newReconciler(st *memstore.Store, q *memqueue.Broker) *reconcile.Reconciler {
	return reconcile.New(st, q, nil, nil, testConfig())
}

// putJob stores a job for a fresh content item whose status is contentStatus.
func putJob(st *memstore.Store, status models.JobStatus, owner string, idle time.Duration, contentStatus models.JobStatus) *models.Job {
	c := st.AddContent("essay", "body")
	at := time.Now().UTC().Add(-idle)
	job := &models.Job{
		ID: uuid.New(), ContentID: c.ID, Status: status, AttemptCount: 1, Queue: lane,
		CreatedAt: at, UpdatedAt: at,
	}
	if owner != "" {
		job.OwnerTaskID = &owner
	}
	if status == models.JobStatusProcessing {
		job.StartedAt = &at
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		job.CompletedAt = &at
	}
	st.PutJob(job)
	st.PutContentStatus(c.ID, contentStatus)
	return job
}

func jobAndContent(t *testing.T, st *memstore.Store, id uuid.UUID) (*models.Job, models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	job, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	content, err := st.GetContent(ctx, job.ContentID)
	require.NoError(t, err)
	return job, content.Status
}

// --- Divergence pass ---

func TestDivergence_ResolutionTable(t *testing.T) {
	tests := []struct {
		name    string
		state   queue.TaskState // empty means the broker has no record
		want    models.JobStatus
		owner   bool
		requeue bool
	}{
		{name: "pending owner stays processing", state: queue.TaskPending, want: models.JobStatusProcessing, owner: true},
		{name: "started owner stays processing", state: queue.TaskStarted, want: models.JobStatusProcessing, owner: true},
		{name: "retrying owner stays processing", state: queue.TaskRetry, want: models.JobStatusProcessing, owner: true},
		{name: "succeeded owner completes", state: queue.TaskSuccess, want: models.JobStatusCompleted},
		{name: "failed owner fails", state: queue.TaskFailure, want: models.JobStatusFailed},
		{name: "revoked owner fails", state: queue.TaskRevoked, want: models.JobStatusFailed},
		{name: "unknown owner resets to pending", want: models.JobStatusPending, requeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memstore.New()
			q := memqueue.New()
			job := putJob(st, models.JobStatusProcessing, "task-x", time.Minute, models.JobStatusPending)
			if tt.state != "" {
				q.SetTaskStatus("task-x", tt.state)
			}

			report, err := newReconciler(st, q).Divergence(context.Background())
			require.NoError(t, err)
			assert.Equal(t, reconcile.Report{Pass: reconcile.PassDivergence, Examined: 1, Repaired: 1}, report)

			got, content := jobAndContent(t, st, job.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want, content)
			assert.Equal(t, tt.owner, got.OwnerTaskID != nil)
			if tt.want == models.JobStatusFailed {
				require.NotNil(t, got.LastError)
				assert.Contains(t, *got.LastError, "task-x")
			} else {
				assert.Nil(t, got.LastError)
			}

			if tt.requeue {
				sent := q.Enqueued()
				require.Len(t, sent, 1)
				assert.Equal(t, job.ID, sent[0].Message.JobID)
				assert.Equal(t, lane, sent[0].Message.Queue)
			} else {
				assert.Empty(t, q.Enqueued())
			}
		})
	}
}

func TestDivergence_NoOwnerResetsToPending(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "", time.Minute, models.JobStatusCompleted)

	_, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)

	got, content := jobAndContent(t, st, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.JobStatusPending, content)
	assert.Len(t, q.Enqueued(), 1)
}

func TestDivergence_FinalizedJobIsAuthoritative(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	done := putJob(st, models.JobStatusCompleted, "", time.Minute, models.JobStatusProcessing)
	failed := putJob(st, models.JobStatusFailed, "", time.Minute, models.JobStatusPending)

	report, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)

	got, content := jobAndContent(t, st, done.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, models.JobStatusCompleted, content)

	got, content = jobAndContent(t, st, failed.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.JobStatusFailed, content)

	assert.Empty(t, q.Enqueued())
}

// P4: every examined pair agrees after one pass.
func TestDivergence_PostCondition(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	q.SetTaskStatus("active", queue.TaskStarted)
	q.SetTaskStatus("won", queue.TaskSuccess)
	q.SetTaskStatus("lost", queue.TaskFailure)

	putJob(st, models.JobStatusProcessing, "active", time.Minute, models.JobStatusPending)
	putJob(st, models.JobStatusProcessing, "won", time.Minute, models.JobStatusFailed)
	putJob(st, models.JobStatusProcessing, "lost", time.Minute, models.JobStatusCompleted)
	putJob(st, models.JobStatusProcessing, "gone", time.Minute, models.JobStatusPending)
	putJob(st, models.JobStatusPending, "", time.Minute, models.JobStatusProcessing)
	putJob(st, models.JobStatusCompleted, "", time.Minute, models.JobStatusFailed)
	putJob(st, models.JobStatusFailed, "", time.Minute, models.JobStatusProcessing)
	consistent := putJob(st, models.JobStatusPending, "", time.Minute, models.JobStatusPending)

	report, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Examined)
	assert.Zero(t, report.Errors)

	for _, j := range st.Jobs() {
		_, content := jobAndContent(t, st, j.ID)
		assert.Equal(t, j.Status, content, "job %s", j.ID)
		if j.OwnerTaskID != nil {
			assert.Equal(t, models.JobStatusProcessing, j.Status, "owner only while processing")
		}
		if j.LastError != nil {
			assert.Equal(t, models.JobStatusFailed, j.Status, "last_error only while failed")
		}
	}

	remaining, err := st.ListDivergent(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	untouched, _ := jobAndContent(t, st, consistent.ID)
	assert.Equal(t, consistent.UpdatedAt, untouched.UpdatedAt)
}

func TestDivergence_OwnerLookupErrorIsCounted(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	owned := putJob(st, models.JobStatusProcessing, "task-x", time.Minute, models.JobStatusPending)
	finalized := putJob(st, models.JobStatusCompleted, "", time.Minute, models.JobStatusProcessing)
	q.FailStatus(errors.New("broker down"))

	report, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassDivergence, Examined: 2, Repaired: 1, Errors: 1}, report)

	got, content := jobAndContent(t, st, owned.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, models.JobStatusPending, content, "left for the next pass")

	_, content = jobAndContent(t, st, finalized.ID)
	assert.Equal(t, models.JobStatusCompleted, content)
}

func TestDivergence_ContinuesAfterTransactionError(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	putJob(st, models.JobStatusCompleted, "", 2*time.Minute, models.JobStatusProcessing)
	putJob(st, models.JobStatusCompleted, "", time.Minute, models.JobStatusProcessing)
	st.FailTransactions(errors.New("serialization failure"), 1)

	report, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassDivergence, Examined: 2, Repaired: 1, Errors: 1}, report)
}

func TestDivergence_RequeueFailureIsCounted(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "gone", time.Minute, models.JobStatusFailed)
	q.FailEnqueue(errors.New("broker down"))

	report, err := newReconciler(st, q).Divergence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	got, content := jobAndContent(t, st, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "the repair itself is committed")
	assert.Equal(t, models.JobStatusPending, content)
}

// --- Zombie pass ---

func TestZombies_CancelsOwnerAndResolves(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "hung", 2*time.Hour, models.JobStatusProcessing)
	q.SetTaskStatus("hung", queue.TaskStarted)

	report, err := newReconciler(st, q).Zombies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassZombie, Examined: 1, Repaired: 1}, report)

	assert.Equal(t, []memqueue.Cancel{{TaskID: "hung", Hard: true}}, q.Cancels())

	// The hard revoke turns the started task into a revoked one.
	got, content := jobAndContent(t, st, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.JobStatusFailed, content)
	assert.Nil(t, got.OwnerTaskID)
	require.NotNil(t, got.LastError)
}

func TestZombies_CancelFailureIsNotFatal(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "dead", 2*time.Hour, models.JobStatusProcessing)
	q.FailCancel(errors.New("broker down"))

	report, err := newReconciler(st, q).Zombies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassZombie, Examined: 1, Repaired: 1}, report)

	got, _ := jobAndContent(t, st, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "unknown owner resets to pending")
	assert.Len(t, q.Enqueued(), 1)
}

func TestZombies_LiveOwnerIsLeftAlone(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "slow", 2*time.Hour, models.JobStatusProcessing)
	q.SetTaskStatus("slow", queue.TaskStarted)
	q.FailCancel(errors.New("broker down"))

	report, err := newReconciler(st, q).Zombies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassZombie, Examined: 1}, report)

	got, _ := jobAndContent(t, st, job.ID)
	assert.True(t, got.OwnedBy("slow"))
	assert.Equal(t, job.UpdatedAt, got.UpdatedAt)
}

func TestZombies_NoOwnerResetsToPending(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	job := putJob(st, models.JobStatusProcessing, "", 2*time.Hour, models.JobStatusProcessing)

	_, err := newReconciler(st, q).Zombies(context.Background())
	require.NoError(t, err)

	got, content := jobAndContent(t, st, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.JobStatusPending, content)
	assert.Empty(t, q.Cancels())
	require.Len(t, q.Enqueued(), 1)
	assert.Equal(t, job.ID, q.Enqueued()[0].Message.JobID)
}

func TestZombies_IgnoresRecentActivity(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	putJob(st, models.JobStatusProcessing, "busy", 10*time.Minute, models.JobStatusProcessing)

	report, err := newReconciler(st, q).Zombies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
	assert.Empty(t, q.Cancels())
}

// --- Orphan pass ---

func TestOrphans_RequeuesIdlePendingJobs(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	orphan := putJob(st, models.JobStatusPending, "", 3*time.Hour, models.JobStatusPending)
	putJob(st, models.JobStatusPending, "", 5*time.Minute, models.JobStatusPending)
	r := newReconciler(st, q)

	report, err := r.Orphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Pass: reconcile.PassOrphan, Examined: 1, Repaired: 1}, report)

	sent := q.Enqueued()
	require.Len(t, sent, 1)
	assert.Equal(t, orphan.ID, sent[0].Message.JobID)

	got, _ := jobAndContent(t, st, orphan.ID)
	assert.True(t, got.UpdatedAt.After(orphan.UpdatedAt))

	// Not picked up again until it idles past the threshold once more.
	report, err = r.Orphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
}

func TestOrphans_EnqueueFailureLeavesJobListed(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	orphan := putJob(st, models.JobStatusPending, "", 3*time.Hour, models.JobStatusPending)
	q.FailEnqueue(errors.New("broker down"))

	report, err := newReconciler(st, q).Orphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	got, _ := jobAndContent(t, st, orphan.ID)
	assert.Equal(t, orphan.UpdatedAt, got.UpdatedAt)
}

// --- Run ---

func TestRun_ReportsEveryPass(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	putJob(st, models.JobStatusCompleted, "", time.Minute, models.JobStatusProcessing)
	putJob(st, models.JobStatusProcessing, "", 2*time.Hour, models.JobStatusProcessing)
	putJob(st, models.JobStatusPending, "", 2*time.Hour, models.JobStatusPending)

	reg := prometheus.NewRegistry()
	r := reconcile.New(st, q, metrics.New(reg), nil, testConfig())

	reports, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, reconcile.PassDivergence, reports[0].Pass)
	assert.Equal(t, reconcile.PassZombie, reports[1].Pass)
	assert.Equal(t, reconcile.PassOrphan, reports[2].Pass)
	for _, rep := range reports {
		assert.Equal(t, 1, rep.Repaired, rep.Pass)
	}

	expected := `
# HELP markwise_sweep_repaired_total Jobs changed by periodic sweeps.
# TYPE markwise_sweep_repaired_total counter
markwise_sweep_repaired_total{sweep="divergence"} 1
markwise_sweep_repaired_total{sweep="orphan"} 1
markwise_sweep_repaired_total{sweep="zombie"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "markwise_sweep_repaired_total"))
}

// failingDivergence fails the divergence listing.
type failingDivergence struct {
	*memstore.Store
}

func (failingDivergence) ListDivergent(context.Context, int) ([]uuid.UUID, error) {
	return nil, errors.New("connection refused")
}

func TestRun_ListingErrorDoesNotStopOtherPasses(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	putJob(st, models.JobStatusPending, "", 2*time.Hour, models.JobStatusPending)
	r := reconcile.New(failingDivergence{st}, q, nil, nil, testConfig())

	reports, err := r.Run(context.Background())
	assert.Error(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, 1, reports[2].Repaired)
}
