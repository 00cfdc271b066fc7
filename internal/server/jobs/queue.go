// Package jobs runs archive work asynchronously with one cancellation
// token per job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCancelled   = errors.New("operation cancelled")
	ErrNotFound    = errors.New("job not found")
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

type Kind string

const (
	KindCompress   Kind = "compress"
	KindDecompress Kind = "decompress"
	KindScan       Kind = "scan"
)

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Job is a snapshot of a unit of queued work.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	OwnerID    string    `json:"ownerId"`
	ProgressID string    `json:"progressId"`
	Payload    any       `json:"-"`
	State      State     `json:"state"`
	Progress   int       `json:"progress"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Handler executes a job. ctx is cancelled with cause ErrCancelled when
// the job is cancelled; report publishes a progress percentage.
type Handler func(ctx context.Context, job Job, report func(percent int)) error

// Listener observes progress and terminal transitions.
type Listener interface {
	JobProgress(job Job, percent int)
	JobFinished(job Job, err error)
}

type entry struct {
	job    Job
	cancel context.CancelCauseFunc
}

// Queue is the job-state table and worker pool. Entries exist only while
// a job is queued or active.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*entry
	pending  []string
	handlers map[Kind]Handler
	listener Listener
	workers  int
	wake     chan struct{}
}

// New creates a queue with the given number of workers.
func New(workers int, listener Listener) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		entries:  make(map[string]*entry),
		handlers: make(map[Kind]Handler),
		listener: listener,
		workers:  workers,
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the handler for a job kind. Call before Run.
func (q *Queue) Handle(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// SetListener replaces the listener. Call before Run.
func (q *Queue) SetListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

// Enqueue records a job and returns its id without waiting for it to run.
func (q *Queue) Enqueue(kind Kind, ownerID, progressID string, payload any) (string, error) {
	q.mu.Lock()
	if _, ok := q.handlers[kind]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	id := uuid.NewString()
	q.entries[id] = &entry{job: Job{
		ID:         id,
		Kind:       kind,
		OwnerID:    ownerID,
		ProgressID: progressID,
		Payload:    payload,
		State:      StateQueued,
		CreatedAt:  time.Now().UTC(),
	}}
	q.pending = append(q.pending, id)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	slog.Info("job enqueued", "job_id", id, "kind", kind, "owner_id", ownerID)
	return id, nil
}

// Get returns a snapshot of a queued or active job.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job, nil
}

// Len returns the number of tracked jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cancel removes a queued job outright or signals an active one. The
// active job reports its terminal state once its handler returns.
func (q *Queue) Cancel(id string) (Job, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrNotFound
	}

	if e.job.State == StateActive {
		e.cancel(ErrCancelled)
		job := e.job
		q.mu.Unlock()
		slog.Info("job cancellation requested", "job_id", id)
		return job, nil
	}

	delete(q.entries, id)
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	e.job.State = StateCancelled
	job := e.job
	listener := q.listener
	q.mu.Unlock()

	slog.Info("queued job removed", "job_id", id)
	if listener != nil {
		listener.JobFinished(job, ErrCancelled)
	}
	return job, nil
}

// Run starts the workers and blocks until ctx is done. Active jobs see
// ctx cancellation through their own context.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		e, jobCtx, ok := q.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		q.execute(jobCtx, e)
	}
}

// next pops the oldest queued job and marks it active. Popping happens
// under the lock so a job id is never picked by two workers.
func (q *Queue) next(ctx context.Context) (*entry, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ctx.Err() != nil || len(q.pending) == 0 {
		return nil, nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	e := q.entries[id]

	if len(q.pending) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	e.cancel = cancel
	e.job.State = StateActive
	return e, jobCtx, true
}

func (q *Queue) execute(ctx context.Context, e *entry) {
	q.mu.Lock()
	h := q.handlers[e.job.Kind]
	job := e.job
	listener := q.listener
	q.mu.Unlock()

	slog.Info("job started", "job_id", job.ID, "kind", job.Kind)

	report := func(percent int) {
		q.mu.Lock()
		if percent <= e.job.Progress {
			q.mu.Unlock()
			return
		}
		e.job.Progress = percent
		snap := e.job
		q.mu.Unlock()
		if listener != nil {
			listener.JobProgress(snap, percent)
		}
	}

	err := runHandler(ctx, h, job, report)
	if err != nil && ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrCancelled) && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", err, ErrCancelled)
	}

	q.mu.Lock()
	switch {
	case err == nil:
		e.job.State = StateCompleted
	case errors.Is(err, ErrCancelled):
		e.job.State = StateCancelled
	default:
		e.job.State = StateFailed
	}
	e.cancel(nil)
	delete(q.entries, e.job.ID)
	final := e.job
	q.mu.Unlock()

	if err != nil {
		slog.Info("job finished", "job_id", final.ID, "state", final.State, "error", err)
	} else {
		slog.Info("job finished", "job_id", final.ID, "state", final.State)
	}
	if listener != nil {
		listener.JobFinished(final, err)
	}
}

func runHandler(ctx context.Context, h Handler, job Job, report func(int)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return h(ctx, job, report)
}
