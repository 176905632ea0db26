package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/storage"
)

// activeRunsFlashWindow is the §6 "flash-persistence" window: a terminal
// Run still appears for this long after finishing, so a dashboard polling
// on an interval doesn't see it vanish mid-flash.
const activeRunsFlashWindow = 30 * time.Second

// recentJobLimit is the §6 "last 5 terminal jobs" cap per Run.
const recentJobLimit = 5

// activeRunsResponse is the §6 active-runs snapshot contract's JSON shape.
type activeRunsResponse struct {
	Runs []activeRun `json:"runs"`
}

type activeRun struct {
	ID            string      `json:"id"`
	ScheduleID    string      `json:"scheduleId"`
	OwnerID       string      `json:"ownerId"`
	Status        string      `json:"status"`
	TotalJobs     int         `json:"totalJobs"`
	CompletedJobs int         `json:"completedJobs"`
	FailedJobs    int         `json:"failedJobs"`
	StartedAt     time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty"`
	BlockCode     string      `json:"blockCode,omitempty"`
	BlockReason   string      `json:"blockReason,omitempty"`
	RecentJobs    []recentJob `json:"recentJobs"`
}

type recentJob struct {
	SequenceNumber int       `json:"sequenceNumber"`
	Outcome        string    `json:"outcome"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// activeRuns implements GET /runs/active?ownerId=... — every Run in
// {RUNNING, QUEUED} plus every {COMPLETED, FAILED} Run whose finishedAt is
// within the flash window, each carrying its last 5 terminal jobs.
func (h *handler) activeRuns(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		respondError(w, h.log, http.StatusBadRequest, "bad_request", "ownerId query parameter is required")
		return
	}

	ctx := r.Context()
	runs, err := h.runs.ListActive(ctx, time.Now().UTC(), activeRunsFlashWindow)
	if err != nil {
		h.log.WithError(err).Error("list active runs failed")
		respondError(w, h.log, http.StatusInternalServerError, "internal", "failed to load active runs")
		return
	}

	out := make([]activeRun, 0, len(runs))
	for _, rn := range runs {
		if rn.OwnerID != ownerID {
			continue
		}
		out = append(out, h.toActiveRun(ctx, rn))
	}

	respond(w, h.log, http.StatusOK, activeRunsResponse{Runs: out})
}

func (h *handler) toActiveRun(ctx context.Context, rn run.Run) activeRun {
	ar := activeRun{
		ID:            rn.ID,
		ScheduleID:    rn.ScheduleID,
		OwnerID:       rn.OwnerID,
		Status:        string(rn.Status),
		TotalJobs:     rn.TotalJobs,
		CompletedJobs: rn.CompletedJobs,
		FailedJobs:    rn.FailedJobs,
		StartedAt:     rn.StartedAt,
		BlockCode:     string(rn.BlockCode),
		BlockReason:   rn.BlockReason,
	}
	if !rn.FinishedAt.IsZero() {
		finished := rn.FinishedAt
		ar.FinishedAt = &finished
	}
	ar.RecentJobs = h.recentTerminalJobs(ctx, rn)
	return ar
}

func (h *handler) recentTerminalJobs(ctx context.Context, rn run.Run) []recentJob {
	jobs, _, err := h.jobs.QueryJobs(ctx, rn.OwnerID, storage.JobFilter{RunID: rn.ID}, storage.Pagination{})
	if err != nil {
		h.log.WithError(err).WithField("runId", rn.ID).Warn("load recent jobs for run failed")
		return nil
	}

	terminal := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == job.StatusCompleted || j.Status == job.StatusFailed {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].FinishedAt.After(terminal[j].FinishedAt) })
	if len(terminal) > recentJobLimit {
		terminal = terminal[:recentJobLimit]
	}

	out := make([]recentJob, 0, len(terminal))
	for _, j := range terminal {
		outcome := "SUCCESS"
		if j.Status == job.StatusFailed {
			outcome = "FAILED"
		}
		out = append(out, recentJob{
			SequenceNumber: j.SequenceNumber,
			Outcome:        outcome,
			ErrorCode:      j.ErrorCode,
			FinishedAt:     j.FinishedAt,
		})
	}
	return out
}
