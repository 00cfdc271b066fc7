package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"canopy/internal/core"
	"canopy/internal/server/database"
	"canopy/internal/server/jobs"
	"canopy/internal/server/storage"

	"github.com/google/uuid"
)

// DefaultFinalizeTimeout bounds how long closing a rebuilt archive may take.
const DefaultFinalizeTimeout = 30 * time.Second

// CompressRequest is the payload of a compress job.
type CompressRequest struct {
	OwnerID       string      `json:"-"`
	ItemIDs       []string    `json:"itemIds"`
	DestinationID *string     `json:"destinationId"`
	ArchiveName   string      `json:"archiveName"`
	Format        core.Format `json:"type"`
	Level         int         `json:"level"`
}

// DecompressRequest is the payload of a decompress job. A nil destination
// extracts into the owner root.
type DecompressRequest struct {
	OwnerID       string  `json:"-"`
	ArchiveID     string  `json:"archiveId"`
	DestinationID *string `json:"destinationId"`
}

// DecompressResult describes a finished extraction.
type DecompressResult struct {
	Destination string `json:"destination"`
	Entries     int    `json:"entries"`
	Created     int    `json:"created"`
}

// ArchiveService compresses items into archives and extracts archives
// back into the hierarchy, either inline or as queued jobs.
type ArchiveService struct {
	repo            MetadataStore
	store           storage.Store
	stats           *StatsAggregator
	gate            *AccessGate
	broker          *ConflictBroker
	events          *JobNotifier
	queue           *jobs.Queue
	sevenZip        *core.SevenZip
	finalizeTimeout time.Duration
	now             func() time.Time
}

// NewArchiveService creates a new archive service.
func NewArchiveService(repo MetadataStore, store storage.Store, stats *StatsAggregator, gate *AccessGate, broker *ConflictBroker, events *JobNotifier, sevenZip *core.SevenZip, finalizeTimeout time.Duration) *ArchiveService {
	if finalizeTimeout <= 0 {
		finalizeTimeout = DefaultFinalizeTimeout
	}
	return &ArchiveService{
		repo:            repo,
		store:           store,
		stats:           stats,
		gate:            gate,
		broker:          broker,
		events:          events,
		sevenZip:        sevenZip,
		finalizeTimeout: finalizeTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the compress and decompress handlers on q.
func (s *ArchiveService) Register(q *jobs.Queue) {
	s.queue = q
	q.Handle(jobs.KindCompress, s.runCompress)
	q.Handle(jobs.KindDecompress, s.runDecompress)
}

// EnqueueCompress validates the request and queues it. The outcome is
// delivered through the notifier.
func (s *ArchiveService) EnqueueCompress(ctx context.Context, req CompressRequest, progressID string) (string, error) {
	if len(req.ItemIDs) == 0 {
		return "", fmt.Errorf("%w: no files to compress", ErrCompressionFailed)
	}
	if _, err := s.destination(ctx, req.OwnerID, req.DestinationID); err != nil {
		return "", err
	}
	return s.queue.Enqueue(jobs.KindCompress, req.OwnerID, progressID, req)
}

// EnqueueDecompress validates the request and queues it.
func (s *ArchiveService) EnqueueDecompress(ctx context.Context, req DecompressRequest, progressID string) (string, error) {
	archive, err := loadFile(ctx, s.repo, req.OwnerID, req.ArchiveID)
	if err != nil {
		return "", err
	}
	if err := s.gate.Require(ctx, req.OwnerID, node{file: archive}); err != nil {
		return "", err
	}
	if _, err := s.destination(ctx, req.OwnerID, req.DestinationID); err != nil {
		return "", err
	}
	return s.queue.Enqueue(jobs.KindDecompress, req.OwnerID, progressID, req)
}

// Cancel stops a queued or running job of ownerID.
func (s *ArchiveService) Cancel(ownerID, jobID string) (jobs.Job, error) {
	if _, err := s.Job(ownerID, jobID); err != nil {
		return jobs.Job{}, err
	}
	return s.queue.Cancel(jobID)
}

// Job returns a snapshot of a queued or running job of ownerID.
func (s *ArchiveService) Job(ownerID, jobID string) (jobs.Job, error) {
	job, err := s.queue.Get(jobID)
	if err != nil || job.OwnerID != ownerID {
		return jobs.Job{}, ErrNotFound
	}
	return job, nil
}

// ResolveConflict answers the conflict prompt an extraction job of
// ownerID is waiting on.
func (s *ArchiveService) ResolveConflict(ownerID, jobID string, d ConflictDecision) error {
	if _, err := s.Job(ownerID, jobID); err != nil {
		return err
	}
	return s.broker.Resolve(jobID, d)
}

func (s *ArchiveService) runCompress(ctx context.Context, job jobs.Job, report func(int)) error {
	req, ok := job.Payload.(CompressRequest)
	if !ok {
		return fmt.Errorf("unexpected compress payload %T", job.Payload)
	}
	file, err := s.Compress(ctx, req, report)
	if err != nil {
		return err
	}
	s.events.SetResult(job.ID, file)
	return nil
}

func (s *ArchiveService) runDecompress(ctx context.Context, job jobs.Job, report func(int)) error {
	req, ok := job.Payload.(DecompressRequest)
	if !ok {
		return fmt.Errorf("unexpected decompress payload %T", job.Payload)
	}
	res, err := s.Decompress(ctx, req, s.broker.Resolver(job.ID, job.OwnerID, job.ProgressID), report)
	if err != nil {
		return err
	}
	s.events.SetResult(job.ID, res)
	return nil
}

// Compress writes the requested items into a new archive inside the
// destination folder and records it as a file. A cancelled or failed run
// leaves neither a partial archive nor a row behind.
func (s *ArchiveService) Compress(ctx context.Context, req CompressRequest, onProgress core.ProgressFunc) (*database.File, error) {
	if len(req.ItemIDs) == 0 {
		return nil, fmt.Errorf("%w: no files to compress", ErrCompressionFailed)
	}
	format, err := core.ParseFormat(string(req.Format))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	dest, err := s.destination(ctx, req.OwnerID, req.DestinationID)
	if err != nil {
		return nil, err
	}

	inputs, parents, err := s.resolveInputs(ctx, req.OwnerID, req.ItemIDs)
	if err != nil {
		return nil, err
	}
	tree, err := core.BuildFiletree(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	name := req.ArchiveName
	if name == "" {
		name = fmt.Sprintf("compressed_%d", s.now().UnixMilli())
	}
	name = format.EnsureExtension(sanitizeFilename(name))
	if err := storage.ValidateName(name); err != nil {
		return nil, mapStoreError("validate name", err)
	}

	rel := storage.JoinPath(dest, name)
	abs, err := s.store.Resolve(req.OwnerID, rel)
	if err != nil {
		return nil, mapStoreError("resolve archive path", err)
	}
	if _, err := s.repo.GetFileByPath(ctx, req.OwnerID, rel); err == nil {
		return nil, ErrAlreadyExists
	}

	slog.Info("compression started",
		"owner_id", req.OwnerID,
		"archive", rel,
		"format", format,
		"inputs", len(inputs),
		"total_size", tree.GetUncompressedSize(),
	)

	err = tree.CompressToFile(ctx, abs, core.CompressOptions{
		Format:   format,
		Level:    req.Level,
		Progress: onProgress,
		SevenZip: s.sevenZip,
	})
	if err == nil && ctx.Err() != nil {
		// cancelled after the last write; the run still has to be undone
		os.Remove(abs)
		err = context.Cause(ctx)
	}
	if err != nil {
		return nil, compressionError(ctx, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		os.Remove(abs)
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	now := s.now()
	file := &database.File{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Name:      name,
		Path:      rel,
		ParentID:  req.DestinationID,
		Size:      info.Size(),
		MimeType:  format.MimeType(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		os.Remove(abs)
		return nil, fmt.Errorf("%w: %w", ErrCompressionFailed, mapStoreError("create file", err))
	}

	if req.DestinationID != nil {
		parents[*req.DestinationID] = true
	}
	s.recalculate(ctx, parents)

	slog.Info("compression complete", "owner_id", req.OwnerID, "archive", rel, "size", info.Size())
	return file, nil
}

// compressionError classifies a failed run. Cancellation keeps its own
// identity inside ErrCompressionFailed.
func compressionError(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) || errors.Is(context.Cause(ctx), ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCompressionFailed, ErrCancelled)
	}
	if errors.Is(err, os.ErrExist) {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
}

// resolveInputs maps item ids to archive inputs named after the items and
// collects the parents of the inputs.
func (s *ArchiveService) resolveInputs(ctx context.Context, ownerID string, ids []string) ([]core.ParsedPath, map[string]bool, error) {
	inputs := make([]core.ParsedPath, 0, len(ids))
	parents := make(map[string]bool)
	for _, id := range ids {
		n, err := loadNode(ctx, s.repo, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		if err := s.gate.RequireTree(ctx, ownerID, n); err != nil {
			return nil, nil, err
		}
		abs, err := s.store.Resolve(ownerID, n.path())
		if err != nil {
			return nil, nil, mapStoreError("resolve input", err)
		}
		p, err := core.StatPath(abs, n.name())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		inputs = append(inputs, p)
		if pid := n.parentID(); pid != nil {
			parents[*pid] = true
		}
	}
	return inputs, parents, nil
}

// Decompress extracts an archive into the destination folder and registers
// every new path. Collisions go through resolve; a nil resolve overwrites.
func (s *ArchiveService) Decompress(ctx context.Context, req DecompressRequest, resolve core.ConflictFunc, onProgress core.ProgressFunc) (*DecompressResult, error) {
	archive, archiveAbs, format, err := s.openArchive(ctx, req.OwnerID, req.ArchiveID)
	if err != nil {
		return nil, err
	}

	dest, err := s.destination(ctx, req.OwnerID, req.DestinationID)
	if err != nil {
		return nil, err
	}
	destAbs, err := s.store.Resolve(req.OwnerID, dest)
	if err != nil {
		return nil, mapStoreError("resolve destination", err)
	}

	slog.Info("extraction started", "owner_id", req.OwnerID, "archive", archive.Path, "destination", dest)

	extracted, extractErr := core.Extract(ctx, archiveAbs, destAbs, core.ExtractOptions{
		Format:     format,
		OnConflict: resolve,
		Progress:   onProgress,
		SevenZip:   s.sevenZip,
	})

	// whatever reached the disk gets rows, even when the run stopped early
	created, regErr := s.register(ctx, req.OwnerID, dest, destAbs, req.DestinationID, extracted)
	if err := s.stats.RecalculateTree(ctx, req.OwnerID, req.DestinationID); err != nil {
		slog.Error("failed to recalculate stats", "destination", dest, "error", err)
	}

	if extractErr != nil {
		if errors.Is(extractErr, core.ErrUnsafeEntry) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, extractErr)
		}
		return nil, extractErr
	}
	if regErr != nil {
		return nil, regErr
	}

	slog.Info("extraction complete", "owner_id", req.OwnerID, "destination", dest, "entries", len(extracted), "created", created)
	return &DecompressResult{Destination: dest, Entries: len(extracted), Created: created}, nil
}

// CheckConflicts lists the archive entries that would collide with
// existing items in the destination, without extracting anything.
func (s *ArchiveService) CheckConflicts(ctx context.Context, ownerID, archiveID string, destID *string) ([]core.Conflict, error) {
	_, archiveAbs, format, err := s.openArchive(ctx, ownerID, archiveID)
	if err != nil {
		return nil, err
	}
	dest, err := s.destination(ctx, ownerID, destID)
	if err != nil {
		return nil, err
	}
	destAbs, err := s.store.Resolve(ownerID, dest)
	if err != nil {
		return nil, mapStoreError("resolve destination", err)
	}

	entries, err := core.ListEntries(ctx, archiveAbs, format, s.sevenZip)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	conflicts, err := core.FindConflicts(entries, destAbs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return conflicts, nil
}

// destination resolves the folder a run writes into. A protected
// destination needs a live unlock like any other read.
func (s *ArchiveService) destination(ctx context.Context, ownerID string, destID *string) (string, error) {
	if destID == nil {
		return ownerID, nil
	}
	folder, err := loadFolder(ctx, s.repo, ownerID, *destID)
	if err != nil {
		return "", err
	}
	if err := s.gate.Require(ctx, ownerID, node{folder: folder}); err != nil {
		return "", err
	}
	return folder.Path, nil
}

// openArchive loads an archive file the caller may read and checks that
// its contents match the format its name claims.
func (s *ArchiveService) openArchive(ctx context.Context, ownerID, archiveID string) (*database.File, string, core.Format, error) {
	archive, err := loadFile(ctx, s.repo, ownerID, archiveID)
	if err != nil {
		return nil, "", "", err
	}
	if err := s.gate.Require(ctx, ownerID, node{file: archive}); err != nil {
		return nil, "", "", err
	}
	format, err := core.DetectFormat(archive.Name)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrUnsupportedArchive, archive.Name)
	}
	abs, err := s.store.Resolve(ownerID, archive.Path)
	if err != nil {
		return nil, "", "", mapStoreError("resolve archive", err)
	}
	if err := sniffArchive(abs, format); err != nil {
		return nil, "", "", err
	}
	return archive, abs, format, nil
}

// register walks every top-level path produced by an extraction and
// inserts rows for paths that have none yet. Files that were overwritten
// get their size refreshed.
func (s *ArchiveService) register(ctx context.Context, ownerID, dest, destAbs string, destID *string, extracted []core.Extracted) (int, error) {
	tops := make(map[string]bool)
	for _, e := range extracted {
		top, _, _ := strings.Cut(e.Name, "/")
		if top != "" {
			tops[top] = true
		}
	}

	ids := map[string]*string{dest: destID}
	created := 0
	now := s.now()

	for top := range tops {
		err := filepath.WalkDir(filepath.Join(destAbs, top), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			relOS, err := filepath.Rel(destAbs, p)
			if err != nil {
				return err
			}
			rel := storage.JoinPath(dest, filepath.ToSlash(relOS))
			parentID, ok := ids[path.Dir(rel)]
			if !ok {
				parent, err := s.repo.GetFolderByPath(ctx, ownerID, path.Dir(rel))
				if err != nil {
					return fmt.Errorf("failed to find parent of %s: %w", rel, err)
				}
				parentID = &parent.ID
			}

			if d.IsDir() {
				if existing, err := s.repo.GetFolderByPath(ctx, ownerID, rel); err == nil {
					ids[rel] = &existing.ID
					return nil
				}
				folder := &database.Folder{
					ID:        uuid.NewString(),
					OwnerID:   ownerID,
					Name:      d.Name(),
					Path:      rel,
					ParentID:  parentID,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := s.repo.CreateFolder(ctx, folder); err != nil {
					return fmt.Errorf("failed to register folder %s: %w", rel, err)
				}
				ids[rel] = &folder.ID
				created++
				return nil
			}

			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if existing, err := s.repo.GetFileByPath(ctx, ownerID, rel); err == nil {
				if existing.Size != info.Size() {
					existing.Size = info.Size()
					existing.UpdatedAt = now
					if err := s.repo.UpdateFile(ctx, existing); err != nil {
						return fmt.Errorf("failed to update file %s: %w", rel, err)
					}
				}
				return nil
			}
			file := &database.File{
				ID:        uuid.NewString(),
				OwnerID:   ownerID,
				Name:      d.Name(),
				Path:      rel,
				ParentID:  parentID,
				Size:      info.Size(),
				MimeType:  detectMimeType(d.Name()),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.CreateFile(ctx, file); err != nil {
				return fmt.Errorf("failed to register file %s: %w", rel, err)
			}
			created++
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return created, err
		}
	}
	return created, nil
}

// MoveItemsIntoArchive rebuilds a zip archive with the given items added,
// replaces the old archive file and removes the items from the tree.
func (s *ArchiveService) MoveItemsIntoArchive(ctx context.Context, ownerID string, itemIDs []string, archiveID string) (*database.File, error) {
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("%w: no files to add", ErrCompressionFailed)
	}
	archive, archiveAbs, format, err := s.openArchive(ctx, ownerID, archiveID)
	if err != nil {
		return nil, err
	}
	if format != core.FormatZip {
		return nil, fmt.Errorf("%w: only zip archives can be extended", ErrUnsupportedArchive)
	}

	var nodes []node
	for _, id := range itemIDs {
		if id == archiveID {
			return nil, fmt.Errorf("%w: an archive cannot contain itself", ErrInvalidMove)
		}
		n, err := loadNode(ctx, s.repo, ownerID, id)
		if err != nil {
			return nil, err
		}
		if n.isFolder() && isWithin(archive.Path, n.path()) {
			return nil, fmt.Errorf("%w: an archive cannot contain itself", ErrInvalidMove)
		}
		nodes = append(nodes, n)
	}
	inputs, parents, err := s.resolveInputs(ctx, ownerID, itemIDs)
	if err != nil {
		return nil, err
	}
	tree, err := core.BuildFiletree(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	tmpRel := archive.Path + ".tmp"
	tmp, err := s.store.Create(ownerID, tmpRel)
	if err != nil {
		return nil, mapStoreError("create temporary archive", err)
	}
	tmpAbs := tmp.Name()

	if err := s.rebuildZip(ctx, tmp, archiveAbs, tree); err != nil {
		os.Remove(tmpAbs)
		return nil, err
	}

	if err := os.Rename(tmpAbs, archiveAbs); err != nil {
		os.Remove(tmpAbs)
		return nil, fmt.Errorf("failed to replace archive: %w", err)
	}

	now := s.now()
	for _, n := range nodes {
		if _, _, err := removeNode(ctx, s.repo, s.store, n, now); err != nil {
			slog.Error("failed to remove archived item", "item_id", n.id(), "error", err)
		}
	}

	info, err := os.Stat(archiveAbs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	archive.Size = info.Size()
	archive.UpdatedAt = now
	if err := s.repo.UpdateFile(ctx, archive); err != nil {
		return nil, mapStoreError("update archive", err)
	}

	if archive.ParentID != nil {
		parents[*archive.ParentID] = true
	}
	s.recalculate(ctx, parents)

	slog.Info("items moved into archive", "archive", archive.Path, "items", len(nodes), "size", archive.Size)
	return archive, nil
}

// rebuildZip raw-copies the entries of the old archive that are not being
// replaced, appends the tree and finalizes within the finalize timeout.
func (s *ArchiveService) rebuildZip(ctx context.Context, tmp *os.File, archiveAbs string, tree *core.Filetree) error {
	replaced := make(map[string]bool)
	for _, e := range tree.Entries() {
		replaced[e.Name] = true
		if e.IsDir {
			replaced[e.Name+"/"] = true
		}
	}

	zr, err := zip.OpenReader(archiveAbs)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
	}
	defer zr.Close()

	zw := zip.NewWriter(tmp)
	for _, f := range zr.File {
		if replaced[f.Name] || replaced[strings.TrimSuffix(f.Name, "/")] {
			continue
		}
		if err := zw.Copy(f); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: failed to copy %s: %v", ErrCompressionFailed, f.Name, err)
		}
	}

	if err := tree.AppendZip(ctx, zw, nil); err != nil {
		tmp.Close()
		return compressionError(ctx, err)
	}

	done := make(chan error, 1)
	go func() {
		err := zw.Close()
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	timer := time.NewTimer(s.finalizeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: failed to finalize archive: %v", ErrCompressionFailed, err)
		}
		return nil
	case <-timer.C:
		return ErrFinalizeTimeout
	case <-ctx.Done():
		return compressionError(ctx, context.Cause(ctx))
	}
}

func (s *ArchiveService) recalculate(ctx context.Context, folders map[string]bool) {
	for id := range folders {
		if err := s.stats.Recalculate(ctx, id); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", id, "error", err)
		}
	}
}

var archiveMagic = map[core.Format][][]byte{
	core.FormatZip:   {{'P', 'K', 0x03, 0x04}, {'P', 'K', 0x05, 0x06}},
	core.FormatTarGz: {{0x1f, 0x8b}},
	core.Format7z:    {{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
}

// sniffArchive checks that the file starts with the magic number of format.
func sniffArchive(abs string, format core.Format) error {
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
	}
	head = head[:n]
	for _, magic := range archiveMagic[format] {
		if bytes.HasPrefix(head, magic) {
			return nil
		}
	}
	return fmt.Errorf("%w: content is not %s", ErrUnsupportedArchive, format)
}
