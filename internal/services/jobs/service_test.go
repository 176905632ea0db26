package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

func newTestService() (*Service, *memory.Store, *memqueue.Broker) {
	store := memory.New()
	broker := memqueue.New()
	return New(store, broker, nil), store, broker
}

func TestCreateJobEnqueues(t *testing.T) {
	svc, _, broker := newTestService()
	ctx := context.Background()

	j, err := svc.CreateJob(ctx, CreateInput{
		Type:     job.TypeCreatePost,
		OwnerID:  "owner-1",
		RunID:    "run-1",
		Sequence: 1,
		Payload:  job.Payload{ScheduleID: "sched-1"},
		RunMode:  job.RunModeHeadless,
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)

	counts, err := broker.Introspect(ctx, string(job.TypeCreatePost))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func TestCreateJobInitSessionCapsAttemptsAtOne(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	j, err := svc.CreateJob(ctx, CreateInput{
		Type:    job.TypeInitSession,
		OwnerID: "owner-1",
		Payload: job.Payload{CredentialID: "cred-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, j.MaxAttempts)
}

func TestUpdateStatusIncrementsAttemptsOnProcessing(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	j, err := svc.CreateJob(ctx, CreateInput{Type: job.TypeSyncPosts, OwnerID: "owner-1"})
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, j.ID, job.StatusProcessing, UpdateStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)
	assert.False(t, updated.StartedAt.IsZero())

	completed, err := svc.UpdateStatus(ctx, j.ID, job.StatusCompleted, UpdateStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, completed.Attempts, "completing does not increment attempts again")
	assert.False(t, completed.FinishedAt.IsZero())
}

func TestDeleteJobsNeverDeletesPending(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	pending, err := svc.CreateJob(ctx, CreateInput{Type: job.TypeSyncPosts, OwnerID: "owner-1"})
	require.NoError(t, err)

	deleted, err := svc.DeleteJobs(ctx, "owner-1", storage.DeleteSelector{Filter: storage.DeleteAllTerminal}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	found, _, err := svc.QueryJobs(ctx, "owner-1", storage.JobFilter{}, storage.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, pending.ID, found[0].ID)
}

func TestReconcileReenqueuesStalePending(t *testing.T) {
	svc, store, broker := newTestService()
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.Job{
		OwnerID:     "owner-1",
		Type:        job.TypeSyncPosts,
		Status:      job.StatusPending,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx))

	counts, err := broker.Introspect(ctx, string(job.TypeSyncPosts))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
	_ = j
}
