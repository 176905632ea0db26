// Package runs implements the Run Aggregator: the per-schedule-per-day
// Run table owner, including promotion/demotion between BLOCKED/SKIPPED
// and RUNNING, and the stuck-state recovery sweep.
package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/pkg/logger"
)

// Service implements the Run Aggregator.
type Service struct {
	store storage.RunStore
	log   *logger.Logger
}

// New constructs a Run Aggregator service.
func New(store storage.RunStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("runs")
	}
	return &Service{store: store, log: log}
}

// Name implements system.Service.
func (s *Service) Name() string { return "runs" }

// Start implements system.Service. The aggregator's sweep is driven
// externally by the scheduler tick (§4.4's "plus a scheduler tick"), not
// by its own background loop.
func (s *Service) Start(ctx context.Context) error { return nil }

// Stop implements system.Service.
func (s *Service) Stop(ctx context.Context) error { return nil }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "runs",
		Layer:        core.LayerData,
		Capabilities: []string{"run-aggregator"},
	}
}

// FindOrCreateRun upserts a Run keyed by (scheduleId, runDate). An existing
// row in BLOCKED/SKIPPED may be promoted to RUNNING; rows already in
// RUNNING/COMPLETED/FAILED keep their status, reported by the second
// return value being true (a no-op signal), and their TotalJobs may be
// lowered by clampTotalJobs.
func (s *Service) FindOrCreateRun(ctx context.Context, scheduleID, ownerID string, runDate time.Time, totalJobs int) (r run.Run, noOp bool, err error) {
	existing, err := s.store.GetRunByScheduleAndDate(ctx, scheduleID, runDate)
	if err == nil {
		switch existing.Status {
		case run.StatusBlocked, run.StatusSkipped:
			from := existing.Status
			existing.Status = run.StatusRunning
			existing.BlockCode = ""
			existing.BlockReason = ""
			if existing.StartedAt.IsZero() {
				existing.StartedAt = time.Now().UTC()
			}
			promoted, uerr := s.store.UpdateRun(ctx, existing)
			if uerr != nil {
				return run.Run{}, false, fmt.Errorf("promote run: %w", uerr)
			}
			s.log.WithField("runId", promoted.ID).WithField("from", from).WithField("to", run.StatusRunning).
				Info("run promoted from blocked/skipped to running")
			return promoted, false, nil
		default:
			return s.clampTotalJobs(ctx, existing, totalJobs)
		}
	}

	created, err := s.store.CreateRun(ctx, run.Run{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleID,
		OwnerID:     ownerID,
		RunDate:     runDate,
		Status:      run.StatusRunning,
		TotalJobs:   totalJobs,
		StartedAt:   time.Now().UTC(),
		TriggeredAt: time.Now().UTC(),
	})
	if err != nil {
		return run.Run{}, false, fmt.Errorf("create run: %w", err)
	}
	s.log.WithField("runId", created.ID).WithField("scheduleId", scheduleID).Info("run created")
	return created, false, nil
}

// clampTotalJobs handles an already-RUNNING/COMPLETED/FAILED Run observed on
// a later tick whose schedule's dailyPostCount has since been lowered: per
// the resolved mid-day-edit policy, TotalJobs is clamped down to
// max(totalJobs, existing.Processed()) so UpdateTotals/SweepStuck's
// processed>=totalJobs settlement check can still trip instead of leaving
// the Run stuck RUNNING forever waiting for jobs the schedule will never
// emit again. A raised dailyPostCount is left untouched; nothing needs
// healing in that direction.
func (s *Service) clampTotalJobs(ctx context.Context, existing run.Run, totalJobs int) (run.Run, bool, error) {
	if totalJobs >= existing.TotalJobs {
		return existing, true, nil
	}
	floor := existing.Processed()
	clamped := totalJobs
	if floor > clamped {
		clamped = floor
	}
	if clamped == existing.TotalJobs {
		return existing, true, nil
	}
	existing.TotalJobs = clamped
	updated, err := s.store.UpdateRun(ctx, existing)
	if err != nil {
		return run.Run{}, false, fmt.Errorf("clamp run totalJobs: %w", err)
	}
	s.log.WithField("runId", updated.ID).WithField("totalJobs", clamped).
		Info("run totalJobs clamped down after dailyPostCount lowered")
	return updated, true, nil
}

// Delta carries the job-outcome increments UpdateTotals applies.
type Delta struct {
	Completed int
	Failed    int
	Skipped   int
}

// UpdateTotals applies a job-outcome delta and, once processed reaches
// totalJobs, settles the Run into its terminal status.
func (s *Service) UpdateTotals(ctx context.Context, runID string, delta Delta) (run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return run.Run{}, fmt.Errorf("load run: %w", err)
	}
	r.CompletedJobs += delta.Completed
	r.FailedJobs += delta.Failed
	r.SkippedJobs += delta.Skipped

	if r.TotalJobs > 0 && r.Processed() >= r.TotalJobs && !r.Status.IsTerminal() {
		r.Status = r.TerminalOutcome()
		r.FinishedAt = time.Now().UTC()
	}
	return s.store.UpdateRun(ctx, r)
}

// RecordBlock downgrades a RUNNING (or freshly-needed) Run for
// (scheduleId, runDate) to BLOCKED/SKIPPED rather than creating a parallel
// row on a different date, closing the pacing-split bug class §4.4
// describes.
func (s *Service) RecordBlock(ctx context.Context, scheduleID, ownerID string, runDate time.Time, code run.BlockCode, reason string) (run.Run, error) {
	existing, err := s.store.GetRunByScheduleAndDate(ctx, scheduleID, runDate)
	if err != nil {
		created, cerr := s.store.CreateRun(ctx, run.Run{
			ID:          uuid.NewString(),
			ScheduleID:  scheduleID,
			OwnerID:     ownerID,
			RunDate:     runDate,
			Status:      code.TerminalStatus(),
			TriggeredAt: time.Now().UTC(),
			BlockCode:   code,
			BlockReason: reason,
			FinishedAt:  time.Now().UTC(),
		})
		if cerr != nil {
			return run.Run{}, fmt.Errorf("create blocked run: %w", cerr)
		}
		return created, nil
	}

	if existing.Status.IsTerminal() {
		return existing, nil
	}
	from := existing.Status
	existing.Status = code.TerminalStatus()
	existing.BlockCode = code
	existing.BlockReason = reason
	existing.FinishedAt = time.Now().UTC()
	updated, err := s.store.UpdateRun(ctx, existing)
	if err != nil {
		return run.Run{}, fmt.Errorf("record block: %w", err)
	}
	s.log.WithField("runId", updated.ID).WithField("blockCode", code).
		WithField("from", from).WithField("to", updated.Status).Info("run blocked")
	return updated, nil
}

// SweepStuck finds RUNNING runs whose processed count has already reached
// totalJobs — the case where a worker crashed between writing the job
// outcome and calling UpdateTotals — and settles them into their correct
// terminal status.
func (s *Service) SweepStuck(ctx context.Context) (int, error) {
	stuck, err := s.store.ListStuck(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stuck runs: %w", err)
	}
	healed := 0
	for _, r := range stuck {
		r.Status = r.TerminalOutcome()
		r.FinishedAt = time.Now().UTC()
		if _, err := s.store.UpdateRun(ctx, r); err != nil {
			s.log.WithError(err).WithField("runId", r.ID).Warn("failed to heal stuck run")
			continue
		}
		healed++
	}
	if healed > 0 {
		s.log.WithField("count", healed).Info("healed stuck runs")
	}
	return healed, nil
}

// ListActive returns the §6 active-runs snapshot contract.
func (s *Service) ListActive(ctx context.Context, asOf time.Time, flashWindow time.Duration) ([]run.Run, error) {
	return s.store.ListActive(ctx, asOf, flashWindow)
}
