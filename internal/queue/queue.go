// Package queue provides the bounded pool of in-flight worker jobs. Each job
// is keyed by task id; the queue guarantees at most one live job per id and
// retains completions until the dispatch loop drains them.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"maestro/internal/async"
	"maestro/internal/errors"
	"maestro/internal/logging"
)

// Completion carries the outcome of one finished job.
type Completion[R any] struct {
	TaskID string
	Result R
	Err    error
}

// Queue is a bounded in-flight job pool. The dispatch loop is the sole
// consumer of completions.
type Queue[R any] struct {
	max    int64
	sem    *semaphore.Weighted
	logger *logging.Logger

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	completed []Completion[R]

	notify chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue allowing at most maxConcurrent live jobs.
func New[R any](maxConcurrent int, logger *logging.Logger) *Queue[R] {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue[R]{
		max:    int64(maxConcurrent),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logging.OrNop(logger),
		active: make(map[string]context.CancelFunc),
		notify: make(chan struct{}, 1),
	}
}

// Spawn starts the job if a slot is free and no job for taskID is already
// live. Returns false when at capacity or on a duplicate id.
func (q *Queue[R]) Spawn(ctx context.Context, taskID string, job func(context.Context) (R, error)) bool {
	q.mu.Lock()
	if _, dup := q.active[taskID]; dup {
		q.mu.Unlock()
		q.logger.Warn("duplicate job rejected", "task_id", taskID)
		return false
	}
	if !q.sem.TryAcquire(1) {
		q.mu.Unlock()
		return false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	q.active[taskID] = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	async.Go(q.logger, "job-"+taskID, func() {
		defer q.wg.Done()
		defer cancel()

		result, err := q.run(jobCtx, taskID, job)

		q.mu.Lock()
		delete(q.active, taskID)
		q.completed = append(q.completed, Completion[R]{TaskID: taskID, Result: result, Err: err})
		q.mu.Unlock()
		q.sem.Release(1)

		select {
		case q.notify <- struct{}{}:
		default:
		}
	})
	return true
}

// run executes the job, converting a panic into a worker exception so the
// completion is still delivered.
func (q *Queue[R]) run(ctx context.Context, taskID string, job func(context.Context) (R, error)) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "task_id", taskID, "panic", r)
			err = errors.New(errors.KindWorkerException, "job %s panicked: %v", taskID, r)
		}
	}()
	return job(ctx)
}

// CollectCompleted drains and returns finished jobs. Non-blocking.
func (q *Queue[R]) CollectCompleted() []Completion[R] {
	q.mu.Lock()
	defer q.mu.Unlock()
	done := q.completed
	q.completed = nil
	return done
}

// WaitForAny blocks until at least one completion is pending, the timeout
// elapses, or ctx is cancelled. Reports whether a completion is available.
func (q *Queue[R]) WaitForAny(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		pending := len(q.completed) > 0
		q.mu.Unlock()
		if pending {
			return true
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Cancel cooperatively cancels the live job for taskID, if any. The job
// unwinds on its own schedule and still reports a completion.
func (q *Queue[R]) Cancel(taskID string) error {
	q.mu.Lock()
	cancel, ok := q.active[taskID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live job for task %s", taskID)
	}
	cancel()
	return nil
}

// CancelAll cancels every live job and waits for all of them to unwind.
func (q *Queue[R]) CancelAll() {
	q.mu.Lock()
	for _, cancel := range q.active {
		cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// ActiveCount returns the number of live jobs.
func (q *Queue[R]) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// AvailableSlots returns how many more jobs Spawn would accept.
func (q *Queue[R]) AvailableSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.max) - len(q.active)
}

// HasWork reports whether any job is live or any completion is uncollected.
func (q *Queue[R]) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) > 0 || len(q.completed) > 0
}
