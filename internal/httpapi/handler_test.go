package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

func newTestRouter(t *testing.T) (http.Handler, *memory.Store, *runs.Service, *jobs.Service) {
	t.Helper()
	store := memory.New()
	broker := memqueue.New()
	runsSvc := runs.New(store, nil)
	jobsSvc := jobs.New(store, broker, nil)
	return NewRouter(runsSvc, jobsSvc, nil), store, runsSvc, jobsSvc
}

func TestHealthz(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())
}

func TestActiveRunsRequiresOwnerID(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/runs/active", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActiveRunsReturnsRunningAndRecentJobs(t *testing.T) {
	router, store, runsSvc, jobsSvc := newTestRouter(t)
	ctx := context.Background()

	r, _, err := runsSvc.FindOrCreateRun(ctx, "sched-1", "owner-1", time.Now().UTC(), 2)
	require.NoError(t, err)

	created, err := jobsSvc.CreateJob(ctx, jobs.CreateInput{
		Type: job.TypeCreatePost, OwnerID: "owner-1", RunID: r.ID, Sequence: 1,
		Payload: job.Payload{CredentialID: "cred-1"},
	})
	require.NoError(t, err)

	completed, err := store.GetJob(ctx, created.ID)
	require.NoError(t, err)
	completed.Status = job.StatusCompleted
	completed.FinishedAt = time.Now().UTC()
	_, err = store.UpdateJob(ctx, completed)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/active?ownerId=owner-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body activeRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, r.ID, body.Runs[0].ID)
	require.Len(t, body.Runs[0].RecentJobs, 1)
	require.Equal(t, "SUCCESS", body.Runs[0].RecentJobs[0].Outcome)
}

func TestActiveRunsFiltersByOwner(t *testing.T) {
	router, _, runsSvc, _ := newTestRouter(t)
	ctx := context.Background()

	_, _, err := runsSvc.FindOrCreateRun(ctx, "sched-1", "owner-1", time.Now().UTC(), 1)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/active?ownerId=owner-2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body activeRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Runs)
}
