package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"canopy/internal/server/jobs"
	"canopy/internal/server/notify"
)

// JobNotifier turns queue transitions into events for the job owner's room.
type JobNotifier struct {
	publisher notify.Publisher
	broker    *ConflictBroker
	results   sync.Map
}

func NewJobNotifier(publisher notify.Publisher, broker *ConflictBroker) *JobNotifier {
	return &JobNotifier{publisher: publisher, broker: broker}
}

// SetResult stores the value delivered with the job's completion event.
func (n *JobNotifier) SetResult(jobID string, v any) {
	n.results.Store(jobID, v)
}

func (n *JobNotifier) JobProgress(job jobs.Job, percent int) {
	name := notify.CompressionProgress
	if job.Kind == jobs.KindScan {
		name = notify.FileScanUpdate
	}
	notify.Send(context.Background(), n.publisher, notify.Event{
		Name:       name,
		Room:       job.OwnerID,
		JobID:      job.ID,
		ProgressID: job.ProgressID,
		Data:       map[string]any{"kind": job.Kind, "progress": percent},
	})
}

func (n *JobNotifier) JobFinished(job jobs.Job, err error) {
	result, _ := n.results.LoadAndDelete(job.ID)
	if n.broker != nil {
		n.broker.Forget(job.ID)
	}

	ev := notify.Event{
		Room:       job.OwnerID,
		JobID:      job.ID,
		ProgressID: job.ProgressID,
	}
	switch {
	case err == nil:
		if job.Kind == jobs.KindScan {
			// the scan handler publishes its own verdict
			return
		}
		ev.Name = notify.CompressionComplete
		ev.Data = map[string]any{"kind": job.Kind, "result": result}
	case errors.Is(err, ErrCancelled) && job.Kind == jobs.KindCompress:
		ev.Name = notify.CompressionCancelled
		ev.Data = map[string]any{"kind": job.Kind}
	case errors.Is(err, ErrCancelled):
		ev.Name = notify.OperationCancelled
		ev.Data = map[string]any{"kind": job.Kind}
	default:
		slog.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		ev.Name = notify.CompressionError
		ev.Data = map[string]any{"kind": job.Kind, "error": err.Error()}
	}
	notify.Send(context.Background(), n.publisher, ev)
}
