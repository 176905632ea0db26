// Package jobs implements the Job Store: the Job/JobLog table owner and
// the bridge between a freshly created job row and the Queue Broker.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/pkg/logger"
)

// defaultAttempts is applied when a caller doesn't name maxAttempts
// explicitly; session-init jobs use initAttempts instead, since retrying a
// challenge-stuck login is counter-productive.
const (
	defaultAttempts = 3
	initAttempts    = 1
	defaultBackoff  = 5 * time.Second
	reconcileAfter  = 5 * time.Minute
)

// Service implements the Job Store.
type Service struct {
	store  storage.JobStore
	broker queue.Broker
	log    *logger.Logger
}

// New constructs a Job Store service.
func New(store storage.JobStore, broker queue.Broker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	return &Service{store: store, broker: broker, log: log}
}

// Name implements system.Service.
func (s *Service) Name() string { return "jobs" }

// Start runs the startup reconciliation pass: any PENDING job older than
// reconcileAfter whose broker jobKey may have been lost (scheduler crashed
// between the DB write and the enqueue) is re-enqueued.
func (s *Service) Start(ctx context.Context) error {
	return s.Reconcile(ctx)
}

// Stop implements system.Service. The Job Store itself owns no background
// goroutines beyond the one-shot reconciliation pass Start already ran.
func (s *Service) Stop(ctx context.Context) error { return nil }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "jobs",
		Layer:        core.LayerData,
		Capabilities: []string{"job-store", "job-log"},
	}
}

// CreateInput is the caller-supplied shape for CreateJob.
type CreateInput struct {
	Type        job.Type
	OwnerID     string
	RunID       string
	Sequence    int
	Payload     job.Payload
	RunMode     job.RunMode
	MaxAttempts int
}

// CreateJob writes the job row (status PENDING) then enqueues it. If the
// enqueue fails the row is flipped to FAILED with an enqueue-failed error
// message and the error is returned: the DB write and the enqueue are not
// atomic, but the broker's deterministic jobKey makes re-enqueuing safe.
func (s *Service) CreateJob(ctx context.Context, in CreateInput) (job.Job, error) {
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
		if in.Type == job.TypeInitSession {
			maxAttempts = initAttempts
		}
	}

	j := job.Job{
		ID:             uuid.NewString(),
		Type:           in.Type,
		OwnerID:        in.OwnerID,
		RunID:          in.RunID,
		SequenceNumber: in.Sequence,
		Payload:        in.Payload,
		Status:         job.StatusPending,
		MaxAttempts:    maxAttempts,
		RunMode:        in.RunMode,
		CreatedAt:      time.Now().UTC(),
	}

	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return job.Job{}, fmt.Errorf("create job row: %w", err)
	}

	toEnqueue := created
	toEnqueue.Payload.JobID = created.ID
	if err := s.enqueue(ctx, toEnqueue); err != nil {
		created.Status = job.StatusFailed
		created.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
		if _, updateErr := s.store.UpdateJob(ctx, created); updateErr != nil {
			s.log.WithError(updateErr).WithField("jobId", created.ID).Error("failed to mark job FAILED after enqueue error")
		}
		return created, fmt.Errorf("enqueue job: %w", err)
	}
	return created, nil
}

func (s *Service) enqueue(ctx context.Context, j job.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	jobKey := j.ID
	if j.RunID != "" {
		jobKey = job.Key(j.RunID, j.SequenceNumber)
	}
	_, err = s.broker.Enqueue(ctx, string(j.Type), payload, queue.EnqueueOptions{
		JobKey:   jobKey,
		Attempts: j.MaxAttempts,
		Backoff:  queue.Backoff{Initial: defaultBackoff},
	})
	return err
}

// UpdateStatusInput carries the fields a status transition may set.
type UpdateStatusInput struct {
	ErrorCode    string
	ErrorMessage string
	// Payload, when non-nil, replaces the job's stored payload — the
	// worker runtime's way of recording resultUrl/resultArticleId/
	// errorCategory (§4.6) alongside the status transition.
	Payload *job.Payload
}

// UpdateStatus is the single authority for Job status transitions. It
// increments Attempts only on the -> PROCESSING edge, and stamps
// StartedAt/FinishedAt accordingly.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, status job.Status, in UpdateStatusInput) (job.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, fmt.Errorf("load job: %w", err)
	}
	if status == job.StatusProcessing {
		j.Attempts++
		j.StartedAt = time.Now().UTC()
	}
	if status == job.StatusCompleted || status == job.StatusFailed || status == job.StatusCancelled {
		j.FinishedAt = time.Now().UTC()
	}
	j.Status = status
	j.ErrorCode = in.ErrorCode
	j.ErrorMessage = in.ErrorMessage
	if in.Payload != nil {
		j.Payload = *in.Payload
		j.Payload.JobID = ""
	}
	return s.store.UpdateJob(ctx, j)
}

// GetJob is a thin passthrough used by the worker runtime to resolve a
// Delivery's stamped Payload.JobID back into the full Job row.
func (s *Service) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// AppendLog appends an entry to a job's execution log.
func (s *Service) AppendLog(ctx context.Context, jobID string, level job.LogLevel, message string, meta map[string]any) error {
	return s.store.AppendLog(ctx, job.Log{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	})
}

// QueryJobs is the read path: filters on type/status/date range/schedule
// identity, paginated.
func (s *Service) QueryJobs(ctx context.Context, ownerID string, filter storage.JobFilter, page storage.Pagination) ([]job.Job, int, error) {
	return s.store.QueryJobs(ctx, ownerID, filter, page)
}

// DeleteJobs bulk-deletes jobs by id or coarse filter. PENDING/PROCESSING
// jobs are never matched, enforced by the store.
func (s *Service) DeleteJobs(ctx context.Context, ownerID string, selector storage.DeleteSelector, olderThan time.Time) (int, error) {
	return s.store.DeleteJobs(ctx, ownerID, selector, olderThan)
}

// Reconcile re-enqueues PENDING jobs older than reconcileAfter, covering
// the window where a scheduler or job-store crash lost the enqueue but not
// the DB write. Re-enqueuing is safe because the broker dedupes on jobKey.
func (s *Service) Reconcile(ctx context.Context) error {
	stale, err := s.store.ListPendingOlderThan(ctx, time.Now().UTC().Add(-reconcileAfter))
	if err != nil {
		return fmt.Errorf("list stale pending jobs: %w", err)
	}
	for _, j := range stale {
		j.Payload.JobID = j.ID
		if err := s.enqueue(ctx, j); err != nil {
			s.log.WithError(err).WithField("jobId", j.ID).Warn("reconciliation re-enqueue failed")
			continue
		}
		s.log.WithField("jobId", j.ID).Info("reconciliation re-enqueued stale pending job")
	}
	return nil
}
