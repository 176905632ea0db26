// Package worker implements the Worker Runtime: the typed job consumer
// that executes dispatched jobs against the target site, reports outcomes
// back to the Job Store and Run Aggregator, and drives the session
// lifecycle's recovery path.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/metrics"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/services/credentials"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/pkg/logger"
)

// jobHardTimeout is the per-job cap from startedAt, per §5: "Per-job hard
// timeout is 10 minutes from startedAt; the worker is responsible for
// abandoning and marking FAILED with errorCode=TIMEOUT."
const jobHardTimeout = 10 * time.Minute

// concurrencyPerType is how many goroutines consume each job type
// concurrently; §4.6 allows "multiple workers run in parallel" without
// naming a count.
const concurrencyPerType = 4

// CredentialService is the narrow slice of the Credential & Session
// Registry the worker runtime needs: reading secrets for login, reading
// and transitioning session state, and resolving a credential's current
// session.
type CredentialService interface {
	GetCredentialForLogin(ctx context.Context, id string) (loginName string, plaintext []byte, err error)
	SessionForCredential(ctx context.Context, credentialID string) (session.Session, error)
	VerifySession(ctx context.Context, sessionID string) (session.Session, error)
	MarkSessionOutcome(ctx context.Context, sessionID string, outcome credentials.Outcome) (session.Session, error)
}

// BlockRecorder is the scheduler's side of reporting a session-related job
// failure back onto the Run and Schedule it came from: it records the
// block on the day's Run and applies the §4.5 step 4
// nextPostAt/consecutiveFailures/auto-suspend bookkeeping, exactly as a
// tick-time block would. *scheduler.Service satisfies this via
// RecordSessionBlock.
type BlockRecorder interface {
	RecordSessionBlock(ctx context.Context, scheduleID string, now time.Time, code run.BlockCode) error
}

// Service implements the Worker Runtime.
type Service struct {
	broker      queue.Broker
	jobsSvc     *jobs.Service
	runsSvc     *runs.Service
	credentials CredentialService
	blocker     BlockRecorder
	driver      Driver
	telemetry   Telemetry
	log         *logger.Logger

	locks    *profileLocks
	limiters *profileLimiters
	sampler  *sampler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry registers a Telemetry recorder for CREATE_POST resource
// samples. Without one, sampling is skipped.
func WithTelemetry(t Telemetry) Option {
	return func(s *Service) { s.telemetry = t }
}

// New constructs a Worker Runtime consuming from broker and executing
// against driver. blocker may be nil, in which case session-related
// failures are still marked FAILED on the Job/Run but never recorded
// against the originating schedule's block/consecutive-failure state.
func New(broker queue.Broker, jobsSvc *jobs.Service, runsSvc *runs.Service, creds CredentialService, driver Driver, log *logger.Logger, blocker BlockRecorder, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("worker")
	}
	svc := &Service{
		broker:      broker,
		jobsSvc:     jobsSvc,
		runsSvc:     runsSvc,
		credentials: creds,
		blocker:     blocker,
		driver:      driver,
		log:         log,
		locks:       newProfileLocks(),
		limiters:    newProfileLimiters(),
		sampler:     newSampler(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Name implements system.Service.
func (s *Service) Name() string { return "worker" }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "worker",
		Layer:        core.LayerEngine,
		Capabilities: []string{"job-dispatch", "session-recovery"},
	}
}

// dispatchedTypes lists every job type the runtime consumes, per §4.6.
var dispatchedTypes = []job.Type{
	job.TypeInitSession,
	job.TypeVerifySession,
	job.TypeCreatePost,
	job.TypeSyncPosts,
	job.TypeDeletePost,
}

// Start spawns concurrencyPerType consumer goroutines per job type.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range dispatchedTypes {
		for i := 0; i < concurrencyPerType; i++ {
			s.wg.Add(1)
			go func(typeTag job.Type) {
				defer s.wg.Done()
				if err := s.broker.Consume(runCtx, string(typeTag), s.handle); err != nil && runCtx.Err() == nil {
					s.log.WithError(err).WithField("type", typeTag).Error("consumer exited unexpectedly")
				}
			}(t)
		}
	}

	s.log.Info("worker runtime started")
	return nil
}

// Stop cancels every consumer and waits for in-flight handlers to return.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("worker runtime stopped")
	return nil
}

// outcome is a typed handler's verdict on one job execution.
type outcome struct {
	success      bool
	errorCode    string
	errorMessage string
	payload      *job.Payload
}

// handle is the queue.Handler every consumer goroutine registers. It
// resolves the full Job row, enforces the 10-minute hard cap, dispatches
// by type, and writes the resulting status/outcome back through the Job
// Store and Run Aggregator.
func (s *Service) handle(ctx context.Context, delivery queue.Delivery) error {
	var payload job.Payload
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		s.log.WithError(err).Error("malformed job payload; dropping")
		return nil
	}
	if payload.JobID == "" {
		s.log.WithField("jobKey", delivery.JobKey).Error("job payload missing jobId; dropping")
		return nil
	}

	j, err := s.jobsSvc.GetJob(ctx, payload.JobID)
	if err != nil {
		s.log.WithError(err).WithField("jobId", payload.JobID).Error("job row not found; dropping")
		return nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobHardTimeout)
	defer cancel()

	if _, err := s.jobsSvc.UpdateStatus(jobCtx, j.ID, job.StatusProcessing, jobs.UpdateStatusInput{}); err != nil {
		s.log.WithError(err).WithField("jobId", j.ID).Warn("failed to mark job PROCESSING")
	}

	result := func() (o outcome) {
		defer func() {
			if r := recover(); r != nil {
				o = outcome{success: false, errorCode: job.ErrorUnknown, errorMessage: fmt.Sprintf("job handler panicked: %v", r)}
			}
		}()
		return s.dispatch(jobCtx, j, payload)
	}()
	if jobCtx.Err() != nil && !result.success {
		result = outcome{success: false, errorCode: job.ErrorTimeout, errorMessage: "job exceeded 10-minute hard timeout", payload: result.payload}
	}

	return s.finish(ctx, j, delivery, result)
}

// dispatch routes to the per-type handler named in §4.6.
func (s *Service) dispatch(ctx context.Context, j job.Job, payload job.Payload) outcome {
	switch j.Type {
	case job.TypeInitSession:
		return s.handleInitSession(ctx, payload)
	case job.TypeVerifySession:
		return s.handleVerifySession(ctx, payload)
	case job.TypeCreatePost:
		return s.handleCreatePost(ctx, payload)
	case job.TypeSyncPosts:
		return s.handleSyncPosts(ctx, payload)
	case job.TypeDeletePost:
		return s.handleDeletePost(ctx, payload)
	default:
		return outcome{success: false, errorCode: job.ErrorUnknown, errorMessage: fmt.Sprintf("unhandled job type %q", j.Type)}
	}
}

// finish writes the outcome back to the Job Store and, for terminal
// results, to the Run Aggregator. It returns the error the broker uses to
// decide whether to retry: non-nil only when the failure is retryable and
// attempts remain.
func (s *Service) finish(ctx context.Context, j job.Job, delivery queue.Delivery, result outcome) error {
	if result.success {
		if _, err := s.jobsSvc.UpdateStatus(ctx, j.ID, job.StatusCompleted, jobs.UpdateStatusInput{Payload: result.payload}); err != nil {
			s.log.WithError(err).WithField("jobId", j.ID).Error("failed to mark job COMPLETED")
		}
		s.updateRunTotals(ctx, j, runs.Delta{Completed: 1})
		metrics.RecordJobOutcome(string(j.Type), string(job.StatusCompleted))
		return nil
	}

	retryable := job.Retryable(result.errorCode) && delivery.Attempt < delivery.MaxTries
	if retryable {
		_ = s.jobsSvc.AppendLog(ctx, j.ID, job.LogWarn, "attempt failed, will retry", map[string]any{
			"errorCode": result.errorCode, "attempt": delivery.Attempt, "maxTries": delivery.MaxTries,
		})
		return fmt.Errorf("%s: %s", result.errorCode, result.errorMessage)
	}
	if job.Retryable(result.errorCode) {
		_ = s.jobsSvc.AppendLog(ctx, j.ID, job.LogError, "attempts exhausted", map[string]any{
			"errorCode": job.ErrorExhausted, "lastErrorCode": result.errorCode, "attempt": delivery.Attempt, "maxTries": delivery.MaxTries,
		})
	}

	if _, err := s.jobsSvc.UpdateStatus(ctx, j.ID, job.StatusFailed, jobs.UpdateStatusInput{
		ErrorCode: result.errorCode, ErrorMessage: result.errorMessage, Payload: result.payload,
	}); err != nil {
		s.log.WithError(err).WithField("jobId", j.ID).Error("failed to mark job FAILED")
	}
	s.updateRunTotals(ctx, j, runs.Delta{Failed: 1})
	s.recordSessionBlock(ctx, j, result.errorCode)
	metrics.RecordJobOutcome(string(j.Type), string(job.StatusFailed))
	return nil
}

// sessionBlockCode maps a terminal job error category to the run.BlockCode
// it represents, per the session-layer categories job.ErrorSessionExpired/
// ErrorSessionChallenge/ErrorSessionError/ErrorCredentialCorrupt and
// ErrorLoginRequired (no session at all for the credential) name. Every
// other error category returns false: it is a target-site/content failure,
// not a session one, and never blocks the schedule.
func sessionBlockCode(errorCode string) (run.BlockCode, bool) {
	switch errorCode {
	case job.ErrorSessionExpired:
		return run.BlockSessionExpired, true
	case job.ErrorSessionChallenge:
		return run.BlockSessionChallenge, true
	case job.ErrorSessionError, job.ErrorCredentialCorrupt, job.ErrorLoginRequired:
		return run.BlockSessionError, true
	default:
		return "", false
	}
}

// recordSessionBlock reports a terminal session-related job failure back
// to the scheduler (§4.6: "records block on the Run"), so ConsecutiveFailures
// and auto-suspend (§4.5 step 4) fire from real worker-observed failures,
// not only from tick-time control-state blocks.
func (s *Service) recordSessionBlock(ctx context.Context, j job.Job, errorCode string) {
	if s.blocker == nil || j.Payload.ScheduleID == "" {
		return
	}
	code, ok := sessionBlockCode(errorCode)
	if !ok {
		return
	}
	if err := s.blocker.RecordSessionBlock(ctx, j.Payload.ScheduleID, time.Now().UTC(), code); err != nil {
		s.log.WithError(err).WithField("scheduleId", j.Payload.ScheduleID).WithField("jobId", j.ID).
			Warn("failed to record session block against schedule")
	}
}

func (s *Service) updateRunTotals(ctx context.Context, j job.Job, delta runs.Delta) {
	if j.RunID == "" {
		return
	}
	if _, err := s.runsSvc.UpdateTotals(ctx, j.RunID, delta); err != nil {
		s.log.WithError(err).WithField("runId", j.RunID).WithField("jobId", j.ID).Warn("failed to update run totals")
	}
}
