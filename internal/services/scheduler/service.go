// Package scheduler implements the JIT Scheduler Loop: the once-a-minute
// control loop that walks due schedules and emits at most one job per
// schedule per tick.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/schedule"
	"github.com/cafeauto/backbone/internal/metrics"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/pkg/logger"
)

// cronSpec drives the tick once a minute, the cadence named throughout
// §4.5 ("a single logical control loop fires every minute").
const cronSpec = "@every 1m"

// SessionLookup is the narrow slice of the credentials service the
// scheduler needs: the informational dispatch-usability signal (§4.5 step
// 3) it never gates on.
type SessionLookup interface {
	DispatchUsable(ctx context.Context, credentialID string) (bool, error)
}

// Service implements the JIT Scheduler Loop.
type Service struct {
	schedules storage.ScheduleStore
	templates storage.TemplateStore
	runs      *runs.Service
	jobs      *jobs.Service
	sessions  SessionLookup
	log       *logger.Logger

	cron *cron.Cron
}

// New constructs a JIT Scheduler Loop service.
func New(schedules storage.ScheduleStore, templates storage.TemplateStore, runsSvc *runs.Service, jobsSvc *jobs.Service, sessions SessionLookup, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Service{
		schedules: schedules,
		templates: templates,
		runs:      runsSvc,
		jobs:      jobsSvc,
		sessions:  sessions,
		log:       log,
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "scheduler" }

// Start begins the once-a-minute tick.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cronSpec, func() {
		if err := s.Tick(context.Background()); err != nil {
			s.log.WithError(err).Error("scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule tick func: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started")
	return nil
}

// Stop halts the tick; the in-flight tick, if any, is allowed to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "scheduler",
		Layer:        core.LayerEngine,
		Capabilities: []string{"jit-scheduler-loop"},
	}
}

// Tick runs the full §4.5 five-step algorithm once. It is exported so
// callers (tests, an explicit "run now" admin hook) can drive a tick
// synchronously instead of waiting on the cron cadence.
func (s *Service) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	if err := s.dailyReset(ctx, now); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}

	if _, err := s.runs.SweepStuck(ctx); err != nil {
		s.log.WithError(err).Warn("stuck-run sweep failed")
	}

	candidates, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	for _, sc := range candidates {
		if !sc.QuotaRemaining() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("scheduleId", sc.ID).WithField("panic", r).Error("schedule processing panicked")
				}
			}()
			s.processCandidate(ctx, sc, now)
		}()
	}
	return nil
}

// dailyReset implements §4.5 step 1.
func (s *Service) dailyReset(ctx context.Context, now time.Time) error {
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stale, err := s.schedules.ListNeedingDailyReset(ctx, todayStart)
	if err != nil {
		return fmt.Errorf("list schedules needing reset: %w", err)
	}

	for _, sc := range stale {
		if sc.TodayPostedCount > 0 && sc.LastRunDate.Before(todayStart) {
			sc.TodayPostedCount = 0
		}

		runTime := todayRunTime(now, sc.RunTime)
		switch {
		case sc.TodayPostedCount >= sc.DailyPostCount:
			sc.NextPostAt = runTime.Add(24 * time.Hour)
		case now.After(runTime):
			sc.NextPostAt = now
		default:
			sc.NextPostAt = runTime
		}

		if _, err := s.schedules.UpdateSchedule(ctx, sc); err != nil {
			s.log.WithError(err).WithField("scheduleId", sc.ID).Warn("daily reset write failed")
			continue
		}
	}
	return nil
}

// processCandidate runs §4.5 steps 3-5 for one due schedule.
func (s *Service) processCandidate(ctx context.Context, sc schedule.Schedule, now time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if !sc.CanExecute() {
		s.blockCandidate(ctx, sc, today, now)
		return
	}

	// Step 3's sessionDispatchUsable signal is informational only — logged
	// for observability, never used to gate emission.
	if s.sessions != nil && sc.CredentialID != "" {
		if usable, err := s.sessions.DispatchUsable(ctx, sc.CredentialID); err == nil && !usable {
			s.log.WithField("scheduleId", sc.ID).Debug("session not dispatch-usable; emitting anyway, worker will re-login")
		}
	}

	if err := s.emit(ctx, sc, today, now); err != nil {
		s.log.WithError(err).WithField("scheduleId", sc.ID).Error("job emission failed")
	}
}

// blockCandidate implements §4.5 step 4 for the control-state reasons the
// tick itself can detect (USER_DISABLED, ADMIN_*). Session-related block
// codes are never produced here — they originate from the worker runtime
// reporting a failed login/verify against an already-running Run — but
// RecordBlockAndBookkeep is exported precisely so that reporting path can
// share this same nextPostAt/consecutiveFailures/auto-suspend bookkeeping.
func (s *Service) blockCandidate(ctx context.Context, sc schedule.Schedule, today, now time.Time) {
	code := blockCodeFor(sc)
	if err := s.RecordBlockAndBookkeep(ctx, sc, today, now, code); err != nil {
		s.log.WithError(err).WithField("scheduleId", sc.ID).Error("block bookkeeping failed")
	}
}

// RecordBlockAndBookkeep records a block on the day's Run and applies the
// §4.5 step 4 pacing/auto-suspend side effects: nextPostAt is bumped by one
// interval to avoid busy-looping, and — only for session-related codes —
// consecutiveFailures is incremented, auto-suspending the schedule once it
// reaches schedule.AutoSuspendThreshold.
func (s *Service) RecordBlockAndBookkeep(ctx context.Context, sc schedule.Schedule, today, now time.Time, code run.BlockCode) error {
	if _, err := s.runs.RecordBlock(ctx, sc.ID, sc.OwnerID, today, code, string(code)); err != nil {
		return fmt.Errorf("record block: %w", err)
	}
	metrics.RecordBlockEvent(string(code))

	sc.NextPostAt = now.Add(time.Duration(sc.PostIntervalMinutes) * time.Minute)
	if code.IsSessionRelated() {
		sc.ConsecutiveFailures++
		if sc.ConsecutiveFailures >= schedule.AutoSuspendThreshold && sc.AdminStatus == schedule.AdminApproved {
			sc.AdminStatus = schedule.AdminSuspended
			sc.AdminReason = schedule.AutoSuspendReason
			sc.SuspendedAt = now
			s.log.WithField("scheduleId", sc.ID).Warn("schedule auto-suspended after consecutive failures")
			metrics.RecordAutoSuspend()
		}
	}
	if _, err := s.schedules.UpdateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("block bookkeeping write: %w", err)
	}
	return nil
}

// RecordSessionBlock is the worker runtime's entry point into the same
// bookkeeping RecordBlockAndBookkeep applies at tick time: it loads the
// schedule by id and records a session-related block against its Run, so
// Run.BlockCode is stamped (§4.6) and ConsecutiveFailures/auto-suspend
// (§4.5 step 4) fire from real worker-reported session failures, not just
// from control-state blocks the tick itself detects.
func (s *Service) RecordSessionBlock(ctx context.Context, scheduleID string, now time.Time, code run.BlockCode) error {
	sc, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.RecordBlockAndBookkeep(ctx, sc, today, now, code)
}

// blockCodeFor maps the reason canExecute failed to the §4.4 block
// taxonomy. Session-related codes never originate here — those are
// recorded by the worker runtime against an already-running Run — so this
// tick-time path only ever produces the control-state family.
func blockCodeFor(sc schedule.Schedule) run.BlockCode {
	switch {
	case !sc.UserEnabled:
		return run.BlockUserDisabled
	case sc.AdminStatus == schedule.AdminSuspended:
		return run.BlockAdminSuspended
	case sc.AdminStatus == schedule.AdminBanned:
		return run.BlockAdminBanned
	default:
		return run.BlockAdminNotApproved
	}
}

// emit implements §4.5 step 5, the row-conditional critical section.
func (s *Service) emit(ctx context.Context, sc schedule.Schedule, today, now time.Time) error {
	interval := time.Duration(sc.PostIntervalMinutes) * time.Minute
	// The CAS itself writes an interim nextPostAt (now+interval) purely to
	// avoid busy-looping the same slot before step 3 computes and writes
	// back the real recurrence value below.
	newCount, ok, err := s.schedules.ReserveSlot(ctx, sc.ID, sc.TodayPostedCount, now, now.Add(interval))
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if !ok {
		// Another scheduler instance won the race for this tick; skip.
		return nil
	}

	runTime := todayRunTime(now, sc.RunTime)
	next := nextPostAt(runTime, newCount, sc.DailyPostCount, interval, now)

	sc.TodayPostedCount = newCount
	sc.NextPostAt = next
	sc.LastRunDate = today
	if _, err := s.schedules.UpdateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("write back nextPostAt: %w", err)
	}

	r, _, err := s.runs.FindOrCreateRun(ctx, sc.ID, sc.OwnerID, today, sc.DailyPostCount)
	if err != nil {
		return fmt.Errorf("find or create run: %w", err)
	}

	payload, err := s.renderPayload(ctx, sc, now)
	if err != nil {
		return fmt.Errorf("render payload: %w", err)
	}

	runMode := job.RunModeHeadless
	if sc.ConsecutiveFailures >= job.DebugRunModeThreshold {
		runMode = job.RunModeDebug
	}

	_, err = s.jobs.CreateJob(ctx, jobs.CreateInput{
		Type:     job.TypeCreatePost,
		OwnerID:  sc.OwnerID,
		RunID:    r.ID,
		Sequence: newCount,
		Payload:  payload,
		RunMode:  runMode,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	s.log.WithField("scheduleId", sc.ID).WithField("runId", r.ID).WithField("sequenceNumber", newCount).
		Info("job emitted")
	return nil
}

// renderPayload implements §4.5 step 5.5: system-variable substitution and
// ascending-order image enumeration.
func (s *Service) renderPayload(ctx context.Context, sc schedule.Schedule, now time.Time) (job.Payload, error) {
	tmpl, err := s.templates.GetTemplate(ctx, sc.TemplateID)
	if err != nil {
		return job.Payload{}, fmt.Errorf("load template: %w", err)
	}

	ordered := tmpl.Images
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	images := make([]string, len(ordered))
	for i, img := range ordered {
		images[i] = img.URL
	}

	return job.Payload{
		ScheduleID:     sc.ID,
		ScheduleName:   sc.Name,
		TemplateID:     sc.TemplateID,
		CredentialID:   sc.CredentialID,
		Subject:        renderSystemVariables(tmpl.SubjectPattern, now),
		Body:           renderSystemVariables(tmpl.BodyPattern, now),
		TargetBoardKey: tmpl.TargetBoardKey,
		ImageURLs:      images,
		FixedFields:    tmpl.FixedFields,
	}, nil
}
