package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/schedule"
	"github.com/cafeauto/backbone/internal/domain/template"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	broker := memqueue.New()
	jobsSvc := jobs.New(store, broker, nil)
	runsSvc := runs.New(store, nil)
	svc := New(store, store, runsSvc, jobsSvc, nil, nil)
	return svc, store
}

func seedSchedule(t *testing.T, store *memory.Store, mutate func(*schedule.Schedule)) schedule.Schedule {
	t.Helper()
	ctx := context.Background()

	store.SeedTemplate(template.Template{
		ID:             "tpl-1",
		OwnerID:        "owner-1",
		TargetBoardKey: "board-1",
		SubjectPattern: "{{오늘날짜}} 공지",
		BodyPattern:    "{{시}}시 {{분}}분에 작성됨",
		Images: []template.Image{
			{URL: "https://example.com/2.png", Order: 2},
			{URL: "https://example.com/1.png", Order: 1},
		},
	})

	sc := schedule.Schedule{
		OwnerID:             "owner-1",
		TemplateID:          "tpl-1",
		Name:                "morning-post",
		ScheduleKind:        schedule.KindTimed,
		RunTime:             "09:00",
		DailyPostCount:      3,
		PostIntervalMinutes: 5,
		UserEnabled:         true,
		AdminStatus:         schedule.AdminApproved,
	}
	if mutate != nil {
		mutate(&sc)
	}
	created, err := store.CreateSchedule(ctx, sc)
	require.NoError(t, err)
	return created
}

func TestTickEmitsOneJobForDueSchedule(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := seedSchedule(t, store, func(sc *schedule.Schedule) {
		sc.TodayPostedCount = 0
		sc.NextPostAt = now.Add(-time.Minute)
		sc.LastRunDate = now
	})

	require.NoError(t, svc.Tick(ctx))

	updated, err := store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TodayPostedCount)
	assert.True(t, updated.NextPostAt.After(now))

	found, total, err := store.QueryJobs(ctx, "owner-1", storage.JobFilter{}, storage.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, job.TypeCreatePost, found[0].Type)
	assert.Equal(t, 1, found[0].SequenceNumber)
	assert.Equal(t, "https://example.com/1.png", found[0].Payload.ImageURLs[0])
	assert.Equal(t, "https://example.com/2.png", found[0].Payload.ImageURLs[1])
}

func TestTickSkipsScheduleWithQuotaMet(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, store, func(sc *schedule.Schedule) {
		sc.DailyPostCount = 2
		sc.TodayPostedCount = 2
		sc.NextPostAt = now.Add(-time.Minute)
		sc.LastRunDate = now // keeps step 1's daily reset from resetting todayPostedCount mid-test
	})

	require.NoError(t, svc.Tick(ctx))

	_, total, err := store.QueryJobs(ctx, "owner-1", storage.JobFilter{}, storage.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

// TestProcessCandidateBlocksDisabledSchedule exercises steps 3-4 directly:
// a disabled schedule is never a candidate ListDue would surface (step 2
// already filters on userEnabled), so this drives processCandidate with a
// schedule snapshot that went stale between read and processing — the
// scenario step 3's canExecute re-check guards against.
func TestProcessCandidateBlocksDisabledSchedule(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := seedSchedule(t, store, func(sc *schedule.Schedule) {
		sc.UserEnabled = false
		sc.NextPostAt = now.Add(-time.Minute)
	})

	svc.processCandidate(ctx, sc, now)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	r, err := store.GetRunByScheduleAndDate(ctx, sc.ID, today)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSkipped, r.Status)
}

func TestRecordBlockAndBookkeepAutoSuspendsAfterFiveConsecutiveSessionFailures(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := seedSchedule(t, store, func(sc *schedule.Schedule) {
		sc.ConsecutiveFailures = 4
		sc.NextPostAt = now.Add(-time.Minute)
	})

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.RecordBlockAndBookkeep(ctx, sc, today, now, run.BlockSessionExpired))

	updated, err := store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.ConsecutiveFailures)
	assert.Equal(t, schedule.AdminSuspended, updated.AdminStatus)
	assert.Equal(t, schedule.AutoSuspendReason, updated.AdminReason)
}

func TestRecordBlockAndBookkeepIgnoresNonSessionCodes(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := seedSchedule(t, store, func(sc *schedule.Schedule) {
		sc.ConsecutiveFailures = 4
		sc.NextPostAt = now.Add(-time.Minute)
	})

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.RecordBlockAndBookkeep(ctx, sc, today, now, run.BlockAdminNotApproved))

	updated, err := store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.ConsecutiveFailures)
	assert.Equal(t, schedule.AdminApproved, updated.AdminStatus)
}

func TestNextPostAtRecurrence(t *testing.T) {
	runTime := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute

	// Grid-anchored: scheduled start still in the future.
	before := runTime.Add(-time.Hour)
	assert.Equal(t, runTime.Add(2*interval), nextPostAt(runTime, 2, 4, interval, before))

	// Catch-up: runTime already passed, interval preserved from now.
	late := runTime.Add(2 * time.Hour)
	assert.Equal(t, late.Add(interval), nextPostAt(runTime, 1, 4, interval, late))

	// Quota exhausted: rolls to the next day at runTime.
	assert.Equal(t, runTime.Add(24*time.Hour), nextPostAt(runTime, 4, 4, interval, late))
}

func TestRenderSystemVariables(t *testing.T) {
	at := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)
	out := renderSystemVariables("{{오늘날짜}} {{시}}시 {{분}}분 {{요일}}", at)
	assert.Equal(t, "2026-07-30 14시 5분 목요일", out)
}
