package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/queue"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, nil), mr
}

func TestEnqueueDedupIsNoOp(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	k1, err := b.Enqueue(ctx, "CREATE_POST", []byte("a"), queue.EnqueueOptions{JobKey: "run1_seq1"})
	require.NoError(t, err)
	k2, err := b.Enqueue(ctx, "CREATE_POST", []byte("b"), queue.EnqueueOptions{JobKey: "run1_seq1"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	counts, err := b.Introspect(ctx, "CREATE_POST")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func TestConsumeDeliversAndCompletes(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := b.Enqueue(ctx, "VERIFY_SESSION", []byte("payload"), queue.EnqueueOptions{JobKey: "k1"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, "VERIFY_SESSION", func(ctx context.Context, d queue.Delivery) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, "VERIFY_SESSION")
		return err == nil && counts.Completed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveWaitingJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "SYNC_POSTS", []byte("p"), queue.EnqueueOptions{JobKey: "k-remove"})
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, "SYNC_POSTS", "k-remove"))
	err = b.Remove(ctx, "SYNC_POSTS", "k-remove")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestPauseHaltsDispatch(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Pause(ctx, "DELETE_POST"))
	_, err := b.Enqueue(ctx, "DELETE_POST", []byte("p"), queue.EnqueueOptions{JobKey: "k-paused"})
	require.NoError(t, err)

	delivered := false
	go func() {
		_ = b.Consume(ctx, "DELETE_POST", func(ctx context.Context, d queue.Delivery) error {
			delivered = true
			return nil
		})
	}()

	<-ctx.Done()
	assert.False(t, delivered)
}

func TestDelayedJobPromotesToWaiting(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := b.Enqueue(ctx, "INIT_SESSION", []byte("p"), queue.EnqueueOptions{
		JobKey: "k-delayed",
		Delay:  time.Second,
	})
	require.NoError(t, err)

	counts, err := b.Introspect(ctx, "INIT_SESSION")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)

	time.Sleep(2 * time.Second)
	b.ensurePromoter(ctx)
	b.promoteAll(ctx)

	counts, err = b.Introspect(ctx, "INIT_SESSION")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
	assert.Equal(t, 0, counts.Delayed)
}
