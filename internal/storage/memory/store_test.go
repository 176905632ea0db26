package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/schedule"
	"github.com/cafeauto/backbone/internal/storage"
)

func TestReserveSlotRace(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sc, err := store.CreateSchedule(ctx, schedule.Schedule{
		OwnerID:        "owner",
		DailyPostCount: 10,
		NextPostAt:     now,
	})
	require.NoError(t, err)

	_, ok1, err := store.ReserveSlot(ctx, sc.ID, 0, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok1)

	// Second caller observed the stale count (0) and loses the race.
	_, ok2, err := store.ReserveSlot(ctx, sc.ID, 0, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestListDueFiltersOnGate(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	due, err := store.CreateSchedule(ctx, schedule.Schedule{
		OwnerID:     "owner",
		UserEnabled: true,
		AdminStatus: schedule.AdminApproved,
		NextPostAt:  now.Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = store.CreateSchedule(ctx, schedule.Schedule{
		OwnerID:     "owner",
		UserEnabled: true,
		AdminStatus: schedule.AdminNeedsReview,
		NextPostAt:  now.Add(-time.Minute),
	})
	require.NoError(t, err)

	candidates, err := store.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, due.ID, candidates[0].ID)
}

func TestListStuckFindsCompletableRuns(t *testing.T) {
	store := New()
	ctx := context.Background()

	r, err := store.CreateRun(ctx, run.Run{
		ScheduleID:    "sched-1",
		OwnerID:       "owner",
		Status:        run.StatusRunning,
		TotalJobs:     3,
		CompletedJobs: 3,
	})
	require.NoError(t, err)

	stuck, err := store.ListStuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, r.ID, stuck[0].ID)
}

func TestDeleteJobsNeverRemovesPending(t *testing.T) {
	store := New()
	ctx := context.Background()

	pending, err := store.CreateJob(ctx, job.Job{OwnerID: "owner", Status: job.StatusPending})
	require.NoError(t, err)
	completed, err := store.CreateJob(ctx, job.Job{OwnerID: "owner", Status: job.StatusCompleted})
	require.NoError(t, err)

	deleted, err := store.DeleteJobs(ctx, "owner", storage.DeleteSelector{Filter: storage.DeleteAllTerminal}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetJob(ctx, pending.ID)
	assert.NoError(t, err)
	_, err = store.GetJob(ctx, completed.ID)
	assert.Error(t, err)
}
