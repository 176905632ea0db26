// Package queue defines the durable typed job broker contract and its two
// implementations: an in-memory default (memqueue) and a Redis-backed
// durable broker (redisqueue) modelled on BullMQ's waiting/delayed/active
// state machine.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Remove when jobKey names no waiting or
// delayed job.
var ErrNotFound = errors.New("queue: job not found in waiting or delayed state")

// ErrInFlight is returned by Remove when jobKey names a job that is
// currently active — removal only ever succeeds for waiting|delayed jobs.
var ErrInFlight = errors.New("queue: job is active, cannot be removed")

// Backoff describes the retry delay policy applied between attempts.
type Backoff struct {
	// Initial is the delay before the first retry. Zero means "use the
	// broker default" (5s, per the exponential-backoff policy).
	Initial time.Duration
}

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	// JobKey is the deterministic dedup key. Re-enqueuing an existing,
	// still-live JobKey is a no-op: the broker returns the existing job's
	// ID without creating a duplicate.
	JobKey string
	// Delay postpones a job's eligibility to be dequeued.
	Delay time.Duration
	// Attempts is the maximum number of delivery attempts (including the
	// first). Zero means "use the broker default" (3).
	Attempts int
	Backoff  Backoff
}

// Counts is the §4.2 introspect() state snapshot.
type Counts struct {
	Waiting   int
	Active    int
	Delayed   int
	Completed int
	Failed    int
	// ThroughputPerMinute is a rolling estimate of jobs completed per
	// minute across the last sampling window.
	ThroughputPerMinute float64
}

// Handler processes one delivered job. Handlers must be idempotent by
// jobKey: at-least-once delivery means the same job can be handed to a
// handler more than once after a crash mid-processing.
type Handler func(ctx context.Context, delivery Delivery) error

// Delivery is one dequeued unit of work handed to a Handler.
type Delivery struct {
	JobKey   string
	TypeTag  string
	Payload  []byte
	Attempt  int
	MaxTries int
}

// Broker is the durable typed FIFO contract described by the queue design:
// per-type waiting/delayed/active pools, deterministic dedup, retry with
// backoff, pause/resume, and introspection.
type Broker interface {
	// Enqueue admits payload under typeTag, honoring opts.JobKey dedup.
	// Returns the job key actually stored (equal to opts.JobKey when one
	// was supplied).
	Enqueue(ctx context.Context, typeTag string, payload []byte, opts EnqueueOptions) (string, error)

	// Consume registers handler as the exclusive processor for typeTag
	// and blocks, pulling and dispatching deliveries until ctx is
	// cancelled. Multiple concurrent Consume calls for the same typeTag
	// are expected (worker pool fan-out).
	Consume(ctx context.Context, typeTag string, handler Handler) error

	// Remove deletes a waiting or delayed job by key. Returns ErrInFlight
	// if the job is currently active, ErrNotFound if no such job exists
	// in a removable state.
	Remove(ctx context.Context, typeTag, jobKey string) error

	// Pause halts new dispatch for typeTag; jobs already active continue
	// to completion.
	Pause(ctx context.Context, typeTag string) error
	// Resume reverses Pause.
	Resume(ctx context.Context, typeTag string) error

	// Introspect reports per-state counts and rolling throughput for
	// typeTag.
	Introspect(ctx context.Context, typeTag string) (Counts, error)

	// Close releases any resources the broker holds (connections,
	// background goroutines). It does not unblock Consume calls; those
	// return when their own ctx is cancelled.
	Close() error
}
