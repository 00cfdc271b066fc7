package storage

import (
	"context"
	"log/slog"
	"time"

	"canopy/internal/server/database"
)

// SweepStore is the metadata side of the periodic sweep.
type SweepStore interface {
	PruneAccess(ctx context.Context, before time.Time) (int64, error)
	ExpiredUploadSessions(ctx context.Context, before time.Time) ([]*database.UploadSession, error)
	DeleteUploadSession(ctx context.Context, ownerID, filename string) error
}

// SweepResult summarizes one cleanup cycle.
type SweepResult struct {
	GrantsPruned    int64
	SessionsRemoved int
	Failed          int
}

// CleanupService periodically prunes stale unlock grants and abandoned
// chunked uploads from both the database and file storage.
type CleanupService struct {
	repo         SweepStore
	store        Store
	interval     time.Duration
	unlockWindow time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
	done         chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo SweepStore, store Store, interval, unlockWindow, sessionTTL time.Duration) *CleanupService {
	return &CleanupService{
		repo:         repo,
		store:        store,
		interval:     interval,
		unlockWindow: unlockWindow,
		sessionTTL:   sessionTTL,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single sweep.
func (cs *CleanupService) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := cs.now()

	pruned, err := cs.repo.PruneAccess(ctx, now.Add(-cs.unlockWindow))
	if err != nil {
		slog.Error("failed to prune access grants", "error", err)
		res.Failed++
	} else {
		res.GrantsPruned = pruned
	}

	expired, err := cs.repo.ExpiredUploadSessions(ctx, now.Add(-cs.sessionTTL))
	if err != nil {
		slog.Error("failed to get expired upload sessions", "error", err)
		res.Failed++
		return res
	}

	for _, s := range expired {
		if err := cs.store.RemoveAll(s.OwnerID, s.StagingPath); err != nil {
			slog.Error("failed to delete staging area",
				"owner_id", s.OwnerID,
				"filename", s.Filename,
				"error", err,
			)
			res.Failed++
			continue
		}

		if err := cs.repo.DeleteUploadSession(ctx, s.OwnerID, s.Filename); err != nil {
			slog.Error("failed to delete upload session",
				"owner_id", s.OwnerID,
				"filename", s.Filename,
				"error", err,
			)
			res.Failed++
			continue
		}

		res.SessionsRemoved++
		slog.Info("cleaned up abandoned upload",
			"owner_id", s.OwnerID,
			"filename", s.Filename,
			"created_at", s.CreatedAt,
		)
	}

	if res.GrantsPruned > 0 || len(expired) > 0 {
		slog.Info("cleanup cycle complete",
			"grants_pruned", res.GrantsPruned,
			"sessions_removed", res.SessionsRemoved,
			"failed", res.Failed,
		)
	}
	return res
}
