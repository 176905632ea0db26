// Package memqueue is the dependency-free in-memory Broker implementation,
// the default for tests and single-process demos, mirroring the teacher's
// internal/app/storage/memory default-store pattern applied to the queue
// contract instead of persistence.
package memqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cafeauto/backbone/internal/queue"
)

const (
	defaultAttempts     = 3
	defaultInitialDelay = 5 * time.Second
)

type jobState int

const (
	stateWaiting jobState = iota
	stateDelayed
	stateActive
	stateCompleted
	stateFailed
)

type job struct {
	key      string
	typeTag  string
	payload  []byte
	attempt  int
	maxTries int
	backoff  time.Duration
	readyAt  time.Time
	state    jobState
}

// delayedHeap orders delayed jobs by readyAt.
type delayedHeap []*job

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*job)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type typeQueue struct {
	mu        sync.Mutex
	waiting   []*job
	delayed   delayedHeap
	jobs      map[string]*job
	paused    bool
	notify    chan struct{}
	completed int
	failed    int
	// completionTimes holds recent completion timestamps, used to derive
	// ThroughputPerMinute.
	completionTimes []time.Time
}

func newTypeQueue() *typeQueue {
	return &typeQueue{
		jobs:   make(map[string]*job),
		notify: make(chan struct{}, 1),
	}
}

func (q *typeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Broker is an in-process, single-binary implementation of queue.Broker.
// Safe for concurrent use; state is lost on process exit.
type Broker struct {
	mu    sync.Mutex
	types map[string]*typeQueue
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{types: make(map[string]*typeQueue)}
}

func (b *Broker) typeQueueFor(typeTag string) *typeQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	tq, ok := b.types[typeTag]
	if !ok {
		tq = newTypeQueue()
		b.types[typeTag] = tq
	}
	return tq
}

// Enqueue implements queue.Broker.
func (b *Broker) Enqueue(ctx context.Context, typeTag string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	tq := b.typeQueueFor(typeTag)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if opts.JobKey != "" {
		if existing, ok := tq.jobs[opts.JobKey]; ok && existing.state != stateCompleted && existing.state != stateFailed {
			return existing.key, nil
		}
	}

	maxTries := opts.Attempts
	if maxTries <= 0 {
		maxTries = defaultAttempts
	}
	backoff := opts.Backoff.Initial
	if backoff <= 0 {
		backoff = defaultInitialDelay
	}

	j := &job{
		key:      opts.JobKey,
		typeTag:  typeTag,
		payload:  payload,
		maxTries: maxTries,
		backoff:  backoff,
	}
	tq.jobs[j.key] = j

	if opts.Delay > 0 {
		j.state = stateDelayed
		j.readyAt = time.Now().Add(opts.Delay)
		heap.Push(&tq.delayed, j)
	} else {
		j.state = stateWaiting
		tq.waiting = append(tq.waiting, j)
	}
	tq.wake()
	return j.key, nil
}

// promoteDelayed moves any delayed jobs whose readyAt has elapsed onto the
// waiting list. Caller must hold tq.mu.
func (tq *typeQueue) promoteDelayed(now time.Time) {
	for tq.delayed.Len() > 0 && !tq.delayed[0].readyAt.After(now) {
		j := heap.Pop(&tq.delayed).(*job)
		j.state = stateWaiting
		tq.waiting = append(tq.waiting, j)
	}
}

func (tq *typeQueue) popWaiting() *job {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.promoteDelayed(time.Now())
	if tq.paused || len(tq.waiting) == 0 {
		return nil
	}
	j := tq.waiting[0]
	tq.waiting = tq.waiting[1:]
	j.state = stateActive
	j.attempt++
	return j
}

// Consume implements queue.Broker.
func (b *Broker) Consume(ctx context.Context, typeTag string, handler queue.Handler) error {
	tq := b.typeQueueFor(typeTag)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		j := tq.popWaiting()
		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tq.notify:
			case <-ticker.C:
			}
			continue
		}

		err := handler(ctx, queue.Delivery{
			JobKey:   j.key,
			TypeTag:  j.typeTag,
			Payload:  j.payload,
			Attempt:  j.attempt,
			MaxTries: j.maxTries,
		})

		tq.mu.Lock()
		if err == nil {
			j.state = stateCompleted
			tq.completed++
			tq.completionTimes = append(tq.completionTimes, time.Now())
		} else if j.attempt >= j.maxTries {
			j.state = stateFailed
			tq.failed++
		} else {
			j.state = stateDelayed
			j.readyAt = time.Now().Add(j.backoff << uint(j.attempt-1))
			heap.Push(&tq.delayed, j)
		}
		tq.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Remove implements queue.Broker.
func (b *Broker) Remove(ctx context.Context, typeTag, jobKey string) error {
	tq := b.typeQueueFor(typeTag)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	j, ok := tq.jobs[jobKey]
	if !ok {
		return queue.ErrNotFound
	}
	switch j.state {
	case stateActive:
		return queue.ErrInFlight
	case stateWaiting:
		for i, w := range tq.waiting {
			if w.key == jobKey {
				tq.waiting = append(tq.waiting[:i], tq.waiting[i+1:]...)
				break
			}
		}
	case stateDelayed:
		for i, d := range tq.delayed {
			if d.key == jobKey {
				heap.Remove(&tq.delayed, i)
				break
			}
		}
	default:
		return queue.ErrNotFound
	}
	delete(tq.jobs, jobKey)
	return nil
}

// Pause implements queue.Broker.
func (b *Broker) Pause(ctx context.Context, typeTag string) error {
	tq := b.typeQueueFor(typeTag)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.paused = true
	return nil
}

// Resume implements queue.Broker.
func (b *Broker) Resume(ctx context.Context, typeTag string) error {
	tq := b.typeQueueFor(typeTag)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.paused = false
	tq.wake()
	return nil
}

// Introspect implements queue.Broker.
func (b *Broker) Introspect(ctx context.Context, typeTag string) (queue.Counts, error) {
	tq := b.typeQueueFor(typeTag)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.promoteDelayed(time.Now())

	active := 0
	for _, j := range tq.jobs {
		if j.state == stateActive {
			active++
		}
	}

	cutoff := time.Now().Add(-time.Minute)
	recent := 0
	kept := tq.completionTimes[:0]
	for _, t := range tq.completionTimes {
		if t.After(cutoff) {
			recent++
			kept = append(kept, t)
		}
	}
	tq.completionTimes = kept

	return queue.Counts{
		Waiting:             len(tq.waiting),
		Active:              active,
		Delayed:             tq.delayed.Len(),
		Completed:           tq.completed,
		Failed:              tq.failed,
		ThroughputPerMinute: float64(recent),
	}, nil
}

// Close implements queue.Broker. The in-memory broker holds no external
// resources; Close is a no-op.
func (b *Broker) Close() error { return nil }
