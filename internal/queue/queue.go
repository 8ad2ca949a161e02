// Package queue provides the shared job queue and its single sequential worker.
//
// The queue is the one structure mutated by every actor in the system: the
// CLI, the web handlers and the watch daemon append jobs; the worker drains
// them one at a time; status readers take snapshots. A single mutex guards
// the pending order, the running marker and every job's mutable fields, so
// enqueue order is execution order no matter who calls Enqueue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ytarchiver/internal/invoker"
	"ytarchiver/internal/job"
)

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates no job with the given ID exists.
	ErrNotFound = errors.New("queue: job not found")

	// ErrNotCancellable indicates the job already reached a terminal state.
	ErrNotCancellable = errors.New("queue: job not cancellable")

	// ErrJobRunning indicates an operation that requires a non-running job.
	ErrJobRunning = errors.New("queue: job is running")

	// ErrClosed indicates the queue no longer accepts submissions.
	ErrClosed = errors.New("queue: closed")

	// ErrConcurrencyViolation indicates the single-running-job invariant was
	// breached. This is a locking bug, never a recoverable condition.
	ErrConcurrencyViolation = errors.New("queue: more than one running job")
)

// Queue is a FIFO job queue drained by exactly one worker.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	jobs    map[string]*job.Job
	order   []string // submission order, for List
	pending []string // FIFO of queued job IDs
	running string   // ID of the running job, or ""

	// cancelRequested marks the running job for cooperative cancellation,
	// honored by the worker at the next target boundary.
	cancelRequested map[string]bool

	closed bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		jobs:            make(map[string]*job.Job),
		cancelRequested: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a well-formed job to the tail of the queue and returns its
// ID. The job is visible to Get/List immediately with status queued.
// Malformed jobs are rejected with job.ErrInvalidJob; they never enter the
// queue.
func (q *Queue) Enqueue(j *job.Job) (string, error) {
	if j == nil {
		return "", fmt.Errorf("%w: nil job", job.ErrInvalidJob)
	}
	if !j.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", job.ErrInvalidJob, j.Kind)
	}
	if len(j.Targets) == 0 {
		return "", fmt.Errorf("%w: empty targets", job.ErrInvalidJob)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if _, exists := q.jobs[j.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", job.ErrInvalidJob, j.ID)
	}

	j.Status = job.StatusQueued
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	q.pending = append(q.pending, j.ID)
	q.cond.Broadcast()

	return j.ID, nil
}

// Get returns a point-in-time snapshot of a job, safe to read while the
// worker concurrently mutates the live job.
func (q *Queue) Get(id string) (job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, exists := q.jobs[id]
	if !exists {
		return job.Job{}, ErrNotFound
	}
	snap := j.Snapshot()
	snap.QueuePosition = q.positionLocked(id)
	return snap, nil
}

// List returns snapshots of all known jobs ordered by submission time.
func (q *Queue) List() []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]job.Job, 0, len(q.order))
	for _, id := range q.order {
		snap := q.jobs[id].Snapshot()
		snap.QueuePosition = q.positionLocked(id)
		out = append(out, snap)
	}
	return out
}

// Cancel cancels a job. A queued job is removed from the pending order and
// marked cancelled as one atomic step, so it cannot race with the worker's
// dequeue. For the running job, cancellation is cooperative: the worker
// observes the request at the next target boundary. Terminal jobs return
// ErrNotCancellable.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, exists := q.jobs[id]
	if !exists {
		return ErrNotFound
	}

	switch j.Status {
	case job.StatusQueued:
		q.removePendingLocked(id)
		q.transitionLocked(j, job.StatusCancelled)
		j.FinishedAt = time.Now()
		return nil
	case job.StatusRunning:
		q.cancelRequested[id] = true
		return nil
	default:
		return ErrNotCancellable
	}
}

// Delete removes a job from the queue's history. Running jobs refuse;
// queued jobs are cancelled first.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, exists := q.jobs[id]
	if !exists {
		return ErrNotFound
	}
	if j.Status == job.StatusRunning {
		return ErrJobRunning
	}

	q.removePendingLocked(id)
	delete(q.jobs, id)
	delete(q.cancelRequested, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close stops the queue accepting new jobs. The worker exits once the
// pending jobs are drained. Close is how the CLI runs a one-shot batch:
// enqueue, close, run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Pending returns the number of jobs awaiting execution.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// positionLocked returns the 1-based pending position of id, or 0.
func (q *Queue) positionLocked(id string) int {
	for i, pid := range q.pending {
		if pid == id {
			return i + 1
		}
	}
	return 0
}

// removePendingLocked removes id from the pending order if present.
func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// transitionLocked applies a status transition, enforcing monotonicity.
// An invalid edge indicates a queue bug and is logged loudly.
func (q *Queue) transitionLocked(j *job.Job, to job.Status) {
	if !job.ValidTransition(j.Status, to) {
		log.Printf("ytarchiver: BUG: invalid job transition %s -> %s for %s", j.Status, to, j.ID)
		return
	}
	j.Status = to
}

// Run is the worker loop. It dequeues jobs in FIFO order and executes them
// one at a time via inv, until ctx is cancelled or the queue is closed and
// drained. Run returns ErrConcurrencyViolation if the single-running-job
// invariant is ever observed broken; that indicates a locking bug and the
// loop stops rather than continue with corrupted state.
func (q *Queue) Run(ctx context.Context, inv invoker.Invoker) error {
	// Wake the condition wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		j, ok, err := q.await(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ctx.Err()
		}
		q.execute(ctx, j, inv)
	}
}

// await blocks until a job is available, then claims it as running.
// ok=false means the loop should exit (context cancelled, or the queue is
// closed with nothing pending).
func (q *Queue) await(ctx context.Context) (*job.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		if len(q.pending) > 0 {
			if q.running != "" {
				return nil, false, ErrConcurrencyViolation
			}
			id := q.pending[0]
			q.pending = q.pending[1:]
			j := q.jobs[id]
			if j == nil || j.Status != job.StatusQueued {
				// Cancelled or deleted between enqueue and dequeue.
				continue
			}
			q.transitionLocked(j, job.StatusRunning)
			j.StartedAt = time.Now()
			j.Progress.Stage = "starting"
			j.Progress.UpdatedAt = time.Now()
			q.running = id
			return j, true, nil
		}
		if q.closed {
			return nil, false, nil
		}
		q.cond.Wait()
	}
}

// execute runs every target of j in order, accumulating per-target results.
// A single target's failure never aborts the remaining targets.
func (q *Queue) execute(ctx context.Context, j *job.Job, inv invoker.Invoker) {
	cancelled := false

	for i, target := range j.Targets {
		if q.cancelPending(j.ID) {
			cancelled = true
			break
		}

		index := i + 1
		q.mu.Lock()
		j.Progress = job.Progress{
			TargetIndex: index,
			TargetTotal: len(j.Targets),
			Stage:       "starting",
			UpdatedAt:   time.Now(),
		}
		q.mu.Unlock()

		sink := func(ev invoker.Event) {
			q.mu.Lock()
			p := job.Progress{
				TargetIndex: index,
				TargetTotal: len(j.Targets),
				Title:       ev.Title,
				Duration:    ev.Duration,
				URL:         ev.URL,
				Percent:     ev.Percent,
				Stage:       ev.Stage,
				UpdatedAt:   time.Now(),
			}
			if p.Title == "" {
				p.Title = j.Progress.Title
			}
			if p.Duration == 0 {
				p.Duration = j.Progress.Duration
			}
			j.Progress = p
			q.mu.Unlock()
		}

		err := inv.Download(ctx, j.Kind, target, j.Options, sink)

		result := job.TargetResult{
			Index:      index,
			Target:     target,
			FinishedAt: time.Now(),
		}
		if err != nil {
			result.Error = err.Error()
			log.Printf("ytarchiver: job %s target %d/%d (%s) failed: %v",
				j.ID, index, len(j.Targets), target, err)
		}

		q.mu.Lock()
		j.Results = append(j.Results, result)
		q.mu.Unlock()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != j.ID {
		log.Printf("ytarchiver: BUG: running marker lost for job %s", j.ID)
	}
	q.running = ""
	delete(q.cancelRequested, j.ID)

	switch {
	case cancelled:
		q.transitionLocked(j, job.StatusCancelled)
		j.Progress.Stage = "cancelled"
	case j.FailedTargets() > 0:
		q.transitionLocked(j, job.StatusFailed)
		j.Progress.Stage = "failed"
	default:
		q.transitionLocked(j, job.StatusSucceeded)
		j.Progress.Stage = "completed"
	}
	j.FinishedAt = time.Now()
	j.Progress.UpdatedAt = j.FinishedAt
}

// cancelPending reports whether cancellation was requested for the job.
func (q *Queue) cancelPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelRequested[id]
}

// ActiveFor reports whether any queued or running job of the given kind
// names handle among its targets. The watch daemon uses this to avoid
// stacking jobs for a channel that is already being archived.
func (q *Queue) ActiveFor(kind job.Kind, handle string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.jobs[id]
		if j.Kind != kind {
			continue
		}
		if j.Status != job.StatusQueued && j.Status != job.StatusRunning {
			continue
		}
		for _, t := range j.Targets {
			if t == handle {
				return true
			}
		}
	}
	return false
}
