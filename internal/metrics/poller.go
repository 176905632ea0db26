package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/pkg/logger"
)

// pollSpec samples the broker and the Run Aggregator once every 15
// seconds — frequent enough for a dashboard to feel live, far cheaper than
// sampling on every scrape since Introspect does real store work.
const pollSpec = "@every 15s"

// polledTypes lists every job type the Worker Runtime dispatches; kept
// here rather than imported from internal/services/worker to avoid this
// package depending on it (worker already depends on this package for
// RecordJobOutcome).
var polledTypes = []job.Type{
	job.TypeInitSession,
	job.TypeVerifySession,
	job.TypeCreatePost,
	job.TypeSyncPosts,
	job.TypeDeletePost,
}

// activeRunsFlashWindow mirrors the §6 active-runs snapshot's
// flash-persistence window (internal/httpapi uses the same 30s value) so
// the run-status gauge reports the same set /runs/active would return.
const activeRunsFlashWindow = 30 * time.Second

// Poller periodically snapshots queue depth and active-run status counts
// into the package-level Prometheus gauges.
type Poller struct {
	broker queue.Broker
	runs   *runs.Service
	log    *logger.Logger

	cron *cron.Cron
}

// NewPoller constructs a metrics Poller.
func NewPoller(broker queue.Broker, runsSvc *runs.Service, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("metrics")
	}
	return &Poller{broker: broker, runs: runsSvc, log: log}
}

// Name implements system.Service.
func (p *Poller) Name() string { return "metrics-poller" }

// Descriptor implements system.DescriptorProvider.
func (p *Poller) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         p.Name(),
		Domain:       "observability",
		Layer:        core.LayerData,
		Capabilities: []string{"queue-depth", "run-status"},
	}
}

// Start begins the polling cadence.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(pollSpec, func() {
		p.poll(context.Background())
	}); err != nil {
		return fmt.Errorf("metrics poll func: %w", err)
	}
	p.cron.Start()
	p.log.Info("metrics poller started")
	return nil
}

// Stop halts polling.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cron == nil {
		return nil
	}
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("metrics poller stopped")
	return nil
}

func (p *Poller) poll(ctx context.Context) {
	for _, t := range polledTypes {
		counts, err := p.broker.Introspect(ctx, string(t))
		if err != nil {
			p.log.WithError(err).WithField("type", t).Warn("queue introspect failed")
			continue
		}
		SetQueueDepth(string(t), counts.Waiting, counts.Active, counts.Delayed, counts.Completed, counts.Failed, counts.ThroughputPerMinute)
	}

	if p.runs == nil {
		return
	}
	active, err := p.runs.ListActive(ctx, time.Now().UTC(), activeRunsFlashWindow)
	if err != nil {
		p.log.WithError(err).Warn("run status poll failed")
		return
	}
	byStatus := map[string]int{}
	for _, st := range []run.Status{run.StatusPending, run.StatusQueued, run.StatusRunning, run.StatusCompleted, run.StatusFailed, run.StatusBlocked, run.StatusSkipped} {
		byStatus[string(st)] = 0
	}
	for _, r := range active {
		byStatus[string(r.Status)]++
	}
	SetRunStatusCounts(byStatus)
}
