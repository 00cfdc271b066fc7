package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"canopy/internal/core"
	"canopy/internal/server/database"
	"canopy/internal/server/jobs"
	"canopy/internal/server/notify"
	"canopy/internal/server/storage"
)

// Scanner inspects a single file on disk.
type Scanner interface {
	Scan(ctx context.Context, path string) (core.ScanResult, error)
}

// ScanService runs antivirus scans of uploaded files as queued jobs.
// Infected files are removed from disk and from the tree.
type ScanService struct {
	repo      MetadataStore
	store     storage.Store
	stats     *StatsAggregator
	scanner   Scanner
	publisher notify.Publisher
	queue     *jobs.Queue
	now       func() time.Time
}

func NewScanService(repo MetadataStore, store storage.Store, stats *StatsAggregator, scanner Scanner, publisher notify.Publisher) *ScanService {
	return &ScanService{
		repo:      repo,
		store:     store,
		stats:     stats,
		scanner:   scanner,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the scan handler on q.
func (s *ScanService) Register(q *jobs.Queue) {
	s.queue = q
	q.Handle(jobs.KindScan, s.run)
}

// Schedule marks the file pending and queues a scan of it.
func (s *ScanService) Schedule(ctx context.Context, file *database.File) error {
	if file.ScanStatus != database.ScanPending {
		file.ScanStatus = database.ScanPending
		if err := s.repo.UpdateFile(ctx, file); err != nil {
			return mapStoreError("mark scan pending", err)
		}
	}
	if _, err := s.queue.Enqueue(jobs.KindScan, file.OwnerID, "", file.ID); err != nil {
		return fmt.Errorf("failed to queue scan: %w", err)
	}
	return nil
}

func (s *ScanService) run(ctx context.Context, job jobs.Job, report func(int)) error {
	fileID, ok := job.Payload.(string)
	if !ok {
		return fmt.Errorf("unexpected scan payload %T", job.Payload)
	}
	_, err := s.ScanFile(ctx, job.OwnerID, fileID, report)
	return err
}

// ScanFile scans one file and records the verdict. A scanner failure is
// treated as infected.
func (s *ScanService) ScanFile(ctx context.Context, ownerID, fileID string, report func(int)) (*database.File, error) {
	file, err := loadFile(ctx, s.repo, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	abs, err := s.store.Resolve(ownerID, file.Path)
	if err != nil {
		return nil, mapStoreError("resolve file", err)
	}

	file.ScanStatus = database.ScanScanning
	file.ScanProgress = 0
	if err := s.repo.UpdateFile(ctx, file); err != nil {
		return nil, mapStoreError("mark scanning", err)
	}
	s.publish(ctx, file)

	result, scanErr := s.scanner.Scan(ctx, abs)
	if scanErr != nil {
		if IsCancelled(context.Cause(ctx)) {
			file.ScanStatus = database.ScanPending
			s.repo.UpdateFile(context.WithoutCancel(ctx), file)
			return nil, context.Cause(ctx)
		}
		slog.Error("scan failed", "file_id", file.ID, "path", file.Path, "error", scanErr)
		result = core.ScanResult{Infected: true, Details: scanErr.Error()}
	}
	if report != nil {
		report(100)
	}

	now := s.now()
	file.ScanProgress = 100
	file.ScanResult = result.Details
	file.ScanDate = &now
	file.UpdatedAt = now

	if !result.Infected {
		file.ScanStatus = database.ScanClean
		if err := s.repo.UpdateFile(ctx, file); err != nil {
			return nil, mapStoreError("record scan", err)
		}
		s.publish(ctx, file)
		return file, nil
	}

	slog.Warn("infected file removed", "file_id", file.ID, "path", file.Path, "details", result.Details)
	file.ScanStatus = database.ScanInfected
	if err := s.repo.UpdateFile(ctx, file); err != nil {
		return nil, mapStoreError("record scan", err)
	}
	if _, _, err := removeNode(ctx, s.repo, s.store, node{file: file}, now); err != nil {
		return nil, err
	}
	if file.ParentID != nil {
		if err := s.stats.Recalculate(ctx, *file.ParentID); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", *file.ParentID, "error", err)
		}
	}
	s.publish(ctx, file)
	return file, nil
}

func (s *ScanService) publish(ctx context.Context, file *database.File) {
	notify.Send(ctx, s.publisher, notify.Event{
		Name: notify.FileScanUpdate,
		Room: file.OwnerID,
		Data: map[string]any{
			"fileId":   file.ID,
			"status":   file.ScanStatus,
			"progress": file.ScanProgress,
			"result":   file.ScanResult,
		},
	})
}
