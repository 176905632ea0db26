package storage

import (
	"context"
	"time"

	"github.com/cafeauto/backbone/internal/domain/credential"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/schedule"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/domain/template"
)

// TemplateStore persists the immutable (from the core's view) post
// templates that schedules reference for rendering.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (template.Template, error)
}

// CredentialStore persists encrypted tenant login secrets.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c credential.Credential) (credential.Credential, error)
	GetCredential(ctx context.Context, id string) (credential.Credential, error)
	UpdateCredential(ctx context.Context, c credential.Credential) (credential.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context, ownerID string) ([]credential.Credential, error)
}

// SessionStore persists the session state machine rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	GetSessionByCredential(ctx context.Context, credentialID string) (session.Session, error)
	UpdateSession(ctx context.Context, s session.Session) (session.Session, error)
}

// ScheduleStore persists schedules and exposes the row-conditional update
// that is the linchpin of the scheduler's concurrency model.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	ListSchedules(ctx context.Context, ownerID string) ([]schedule.Schedule, error)
	// ListDue returns every schedule with userEnabled && adminStatus=APPROVED
	// && nextPostAt <= asOf. In-memory filtering on todayPostedCount is the
	// caller's responsibility (§4.5 step 2).
	ListDue(ctx context.Context, asOf time.Time) ([]schedule.Schedule, error)
	// ListNeedingDailyReset returns schedules whose pacing fields need the
	// §4.5 step 1 daily-reset treatment.
	ListNeedingDailyReset(ctx context.Context, todayStart time.Time) ([]schedule.Schedule, error)
	// ReserveSlot is the SQL-level compare-and-swap described in §4.5 step 5.
	// It returns (newCount, true, nil) on success, or (0, false, nil) when
	// another instance won the race (zero rows affected).
	ReserveSlot(ctx context.Context, id string, observedCount int, asOf time.Time, nextPostAt time.Time) (newCount int, ok bool, err error)
}

// RunStore persists Run rows.
type RunStore interface {
	CreateRun(ctx context.Context, r run.Run) (run.Run, error)
	GetRun(ctx context.Context, id string) (run.Run, error)
	GetRunByScheduleAndDate(ctx context.Context, scheduleID string, runDate time.Time) (run.Run, error)
	UpdateRun(ctx context.Context, r run.Run) (run.Run, error)
	ListRunsBySchedule(ctx context.Context, scheduleID string) ([]run.Run, error)
	// ListActive returns every Run the active-runs snapshot contract (§6)
	// must surface: RUNNING/QUEUED plus recently-terminal rows within the
	// flash-persistence window.
	ListActive(ctx context.Context, asOf time.Time, flashWindow time.Duration) ([]run.Run, error)
	// ListStuck returns RUNNING runs whose processed count has reached
	// totalJobs, candidates for the stuck-state recovery sweep.
	ListStuck(ctx context.Context) ([]run.Run, error)
}

// JobFilter is the read-path predicate set for queryJobs (§4.3).
type JobFilter struct {
	Type         job.Type
	Status       job.Status
	DateFrom     time.Time
	DateTo       time.Time
	ScheduleID   string
	ScheduleName string
	// RunID narrows to one Run's jobs, used by the §6 active-runs snapshot
	// to pull a Run's last terminal jobs rather than the full per-schedule
	// history.
	RunID string
}

// Pagination bounds a queryJobs call.
type Pagination struct {
	Limit  int
	Offset int
}

// DeleteSelector identifies the jobs a bulk deleteJobs call targets. Exactly
// one of IDs or Filter should be set.
type DeleteSelector struct {
	IDs    []string
	Filter DeleteBulkFilter
}

// DeleteBulkFilter is the coarse filter family for bulk deletion. Jobs in
// PENDING or PROCESSING are never matched regardless of filter.
type DeleteBulkFilter string

const (
	DeleteAllTerminal DeleteBulkFilter = "ALL-terminal"
	DeleteCompleted   DeleteBulkFilter = "COMPLETED"
	DeleteFailed      DeleteBulkFilter = "FAILED"
	DeleteOlderThan   DeleteBulkFilter = "OLDER-THAN"
)

// JobStore owns the Job table and its append-only JobLog.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	AppendLog(ctx context.Context, entry job.Log) error
	ListLogs(ctx context.Context, jobID string) ([]job.Log, error)
	QueryJobs(ctx context.Context, ownerID string, filter JobFilter, page Pagination) ([]job.Job, int, error)
	DeleteJobs(ctx context.Context, ownerID string, selector DeleteSelector, olderThan time.Time) (int, error)
	// ListPendingOlderThan supports the startup reconciliation pass: PENDING
	// jobs older than the cutoff whose broker jobKey may have been lost.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]job.Job, error)
}
