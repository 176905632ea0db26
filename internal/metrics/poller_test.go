package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

func TestPollerSetsQueueDepthFromIntrospect(t *testing.T) {
	ctx := context.Background()
	broker := memqueue.New()
	store := memory.New()
	runsSvc := runs.New(store, nil)

	_, err := broker.Enqueue(ctx, string(job.TypeCreatePost), []byte(`{}`), queue.EnqueueOptions{})
	require.NoError(t, err)

	p := NewPoller(broker, runsSvc, nil)
	p.poll(ctx)

	if !metricGaugeEquals(t, "cafeauto_queue_depth", map[string]string{"type": string(job.TypeCreatePost), "state": "waiting"}, 1) {
		t.Fatal("expected CREATE_POST waiting depth to reflect the enqueued job")
	}
}

func TestPollerSetsRunStatusFromListActive(t *testing.T) {
	ctx := context.Background()
	broker := memqueue.New()
	store := memory.New()
	runsSvc := runs.New(store, nil)

	_, _, err := runsSvc.FindOrCreateRun(ctx, "sched-1", "owner-1", time.Now().UTC(), 3)
	require.NoError(t, err)

	p := NewPoller(broker, runsSvc, nil)
	p.poll(ctx)

	if !metricGaugeEquals(t, "cafeauto_runs_status_count", map[string]string{"status": "RUNNING"}, 1) {
		t.Fatal("expected RUNNING run status gauge to reflect the freshly created run")
	}
}
