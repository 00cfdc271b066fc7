package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canopy/internal/core"
	"canopy/internal/server/notify"
)

// DefaultConflictTimeout bounds how long an extraction waits for an answer.
const DefaultConflictTimeout = 5 * time.Minute

var ErrNoPendingConflict = errors.New("no pending conflict for job")

// ConflictDecision answers a conflict prompt. ApplyToAll reuses the action
// for the rest of the job without asking again.
type ConflictDecision struct {
	Action     core.ConflictAction `json:"action"`
	ApplyToAll bool                `json:"applyToAll"`
}

type pendingPrompt struct {
	conflict core.Conflict
	answer   chan ConflictDecision
}

// ConflictBroker turns extraction name collisions into published prompts
// and blocks the extraction until a decision arrives, the prompt times
// out or the job is cancelled.
type ConflictBroker struct {
	publisher notify.Publisher
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPrompt
	sticky  map[string]core.ConflictAction
}

func NewConflictBroker(publisher notify.Publisher, timeout time.Duration) *ConflictBroker {
	if timeout <= 0 {
		timeout = DefaultConflictTimeout
	}
	return &ConflictBroker{
		publisher: publisher,
		timeout:   timeout,
		pending:   make(map[string]*pendingPrompt),
		sticky:    make(map[string]core.ConflictAction),
	}
}

// Resolver returns the conflict callback for one job.
func (b *ConflictBroker) Resolver(jobID, ownerID, progressID string) core.ConflictFunc {
	return func(ctx context.Context, c core.Conflict) (core.ConflictAction, error) {
		b.mu.Lock()
		if action, ok := b.sticky[jobID]; ok {
			b.mu.Unlock()
			return action, nil
		}
		if _, busy := b.pending[jobID]; busy {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: prompt already pending", ErrExtractionConflict)
		}
		p := &pendingPrompt{conflict: c, answer: make(chan ConflictDecision, 1)}
		b.pending[jobID] = p
		b.mu.Unlock()

		defer func() {
			b.mu.Lock()
			delete(b.pending, jobID)
			b.mu.Unlock()
		}()

		notify.Send(ctx, b.publisher, notify.Event{
			Name:       notify.ExtractionConflict,
			Room:       ownerID,
			JobID:      jobID,
			ProgressID: progressID,
			Data:       c,
		})

		timer := time.NewTimer(b.timeout)
		defer timer.Stop()

		select {
		case d := <-p.answer:
			if d.ApplyToAll {
				b.mu.Lock()
				b.sticky[jobID] = d.Action
				b.mu.Unlock()
			}
			return d.Action, nil
		case <-timer.C:
			slog.Warn("conflict prompt expired", "job_id", jobID, "name", c.Name)
			return "", fmt.Errorf("%w: %s", ErrExtractionConflict, c.Name)
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
	}
}

// Resolve answers the pending prompt of a job.
func (b *ConflictBroker) Resolve(jobID string, d ConflictDecision) error {
	action, err := core.ParseConflictAction(string(d.Action))
	if err != nil {
		return err
	}
	d.Action = action
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[jobID]
	if !ok {
		return ErrNoPendingConflict
	}
	select {
	case p.answer <- d:
	default:
		return ErrNoPendingConflict
	}
	return nil
}

// Pending returns the conflict a job is waiting on, if any.
func (b *ConflictBroker) Pending(jobID string) (core.Conflict, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[jobID]
	if !ok {
		return core.Conflict{}, false
	}
	return p.conflict, true
}

// Forget drops per-job state once the job is over.
func (b *ConflictBroker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sticky, jobID)
}
