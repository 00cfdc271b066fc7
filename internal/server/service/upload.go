package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"canopy/internal/server/config"
	"canopy/internal/server/database"
	"canopy/internal/server/storage"

	"github.com/google/uuid"
)

// completedTTL is how long a finished upload is remembered so that a
// resubmitted final chunk is acknowledged instead of reassembled again.
const completedTTL = 10 * time.Minute

const (
	maxNameLen = 255
	maxExtLen  = 16
)

// ChunkRequest is one piece of a chunked upload.
type ChunkRequest struct {
	OwnerID     string
	Filename    string
	FolderID    *string
	ChunkIndex  int
	TotalChunks int
	Data        io.Reader
}

// ChunkResult is returned after a chunk is accepted.
type ChunkResult struct {
	Filename string         `json:"filename"`
	Received []int          `json:"received"`
	Complete bool           `json:"complete"`
	File     *database.File `json:"file,omitempty"`
}

// UploadStatus answers which chunks of an upload have arrived.
type UploadStatus struct {
	Filename    string `json:"filename"`
	Received    []int  `json:"received"`
	TotalChunks int    `json:"totalChunks"`
	Complete    bool   `json:"complete"`
}

// ScanScheduler queues an AV scan for a newly created file.
type ScanScheduler interface {
	Schedule(ctx context.Context, file *database.File) error
}

// uploadKey names one upload target. folder is the owner-rooted path of
// the destination folder.
type uploadKey struct {
	owner    string
	folder   string
	filename string
}

type completedUpload struct {
	file  *database.File
	total int
	at    time.Time
}

// UploadService accepts chunked uploads and reassembles them exactly once.
type UploadService struct {
	repo    MetadataStore
	store   storage.Store
	stats   *StatsAggregator
	scanner ScanScheduler
	cfg     *config.Config
	now     func() time.Time

	locks     keyedMutex
	mu        sync.Mutex
	completed map[uploadKey]completedUpload
}

// NewUploadService creates a new upload service. scanner may be nil.
func NewUploadService(repo MetadataStore, store storage.Store, stats *StatsAggregator, scanner ScanScheduler, cfg *config.Config) *UploadService {
	return &UploadService{
		repo:      repo,
		store:     store,
		stats:     stats,
		scanner:   scanner,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		completed: make(map[uploadKey]completedUpload),
	}
}

// AcceptChunk stores a chunk and reassembles the file once the number of
// distinct chunks received reaches TotalChunks. Chunks may arrive in any
// order; resubmitting an index is a no-op.
func (s *UploadService) AcceptChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	filename := sanitizeFilename(req.Filename)
	if err := storage.ValidateName(filename); err != nil {
		return nil, mapStoreError("validate name", err)
	}
	if req.TotalChunks < 1 || req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, req.ChunkIndex, req.TotalChunks)
	}

	folder, err := folderPath(ctx, s.repo, req.OwnerID, req.FolderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccessDenied) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}

	key := uploadKey{req.OwnerID, folder, filename}
	unlock := s.locks.lock(req.OwnerID + "/" + filename)
	defer unlock()

	if done, ok := s.recentlyCompleted(ctx, key); ok && done.total == req.TotalChunks {
		return &ChunkResult{
			Filename: filename,
			Received: allChunks(done.total),
			Complete: true,
			File:     done.file,
		}, nil
	}
	s.forget(key)

	staging := stagingPath(folder, filename)
	if err := s.restartIfChanged(ctx, req, filename, staging); err != nil {
		return nil, err
	}
	limited := io.LimitReader(req.Data, s.cfg.MaxChunkSize+1)
	n, err := s.store.Save(req.OwnerID, chunkPath(staging, req.ChunkIndex), limited)
	if err != nil {
		return nil, mapStoreError("store chunk", err)
	}
	if n > s.cfg.MaxChunkSize {
		s.store.RemoveAll(req.OwnerID, chunkPath(staging, req.ChunkIndex))
		return nil, ErrChunkTooLarge
	}

	received, added, err := s.repo.AddUploadChunk(ctx, &database.UploadSession{
		OwnerID:     req.OwnerID,
		Filename:    filename,
		FolderID:    req.FolderID,
		StagingPath: staging,
		TotalChunks: req.TotalChunks,
		CreatedAt:   s.now(),
	}, req.ChunkIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to record chunk: %w", err)
	}
	if !added {
		slog.Debug("duplicate chunk ignored", "owner_id", req.OwnerID, "filename", filename, "index", req.ChunkIndex)
	}

	res := &ChunkResult{Filename: filename, Received: received}
	if len(received) < req.TotalChunks {
		return res, nil
	}

	file, err := s.reassemble(ctx, req, filename, folder, staging, received)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.completed[key] = completedUpload{file: file, total: req.TotalChunks, at: s.now()}
	s.mu.Unlock()

	res.Complete = true
	res.File = file
	return res, nil
}

// restartIfChanged drops a session of the same filename that targets
// another folder or announced a different chunk count. Sessions are keyed
// by (owner, filename), so the newest upload wins.
func (s *UploadService) restartIfChanged(ctx context.Context, req ChunkRequest, filename, staging string) error {
	session, err := s.repo.GetUploadSession(ctx, req.OwnerID, filename)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return mapStoreError("get upload session", err)
	}
	if session.StagingPath == staging && session.TotalChunks == req.TotalChunks {
		return nil
	}

	slog.Info("restarting upload session",
		"owner_id", req.OwnerID,
		"filename", filename,
		"old_staging", session.StagingPath,
		"new_staging", staging,
	)
	if err := s.store.RemoveAll(req.OwnerID, session.StagingPath); err != nil {
		slog.Warn("failed to remove staging area", "path", session.StagingPath, "error", err)
	}
	s.removeIfEmpty(req.OwnerID, parentPath(session.StagingPath))
	if err := s.repo.DeleteUploadSession(ctx, req.OwnerID, filename); err != nil {
		return fmt.Errorf("failed to reset upload session: %w", err)
	}
	return nil
}

// reassemble concatenates the chunks. The index range check in AcceptChunk
// and the distinct count reaching TotalChunks guarantee received is 0..N-1.
func (s *UploadService) reassemble(ctx context.Context, req ChunkRequest, filename, folder, staging string, received []int) (*database.File, error) {
	target := storage.JoinPath(folder, filename)
	out, err := s.store.Create(req.OwnerID, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReassemblyFailed, mapStoreError("create file", err))
	}

	size, err := s.concat(ctx, out, req.OwnerID, staging, received)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		s.store.RemoveAll(req.OwnerID, target)
		return nil, fmt.Errorf("%w: %v", ErrReassemblyFailed, err)
	}

	now := s.now()
	file := &database.File{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Name:      filename,
		Path:      target,
		ParentID:  req.FolderID,
		Size:      size,
		MimeType:  detectMimeType(filename),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.scanner != nil {
		file.ScanStatus = database.ScanPending
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		s.store.RemoveAll(req.OwnerID, target)
		return nil, fmt.Errorf("%w: %w", ErrReassemblyFailed, mapStoreError("create file", err))
	}

	if err := s.store.RemoveAll(req.OwnerID, staging); err != nil {
		slog.Warn("failed to remove staging area", "path", staging, "error", err)
	}
	s.removeIfEmpty(req.OwnerID, parentPath(staging))
	if err := s.repo.DeleteUploadSession(ctx, req.OwnerID, filename); err != nil {
		slog.Warn("failed to delete upload session", "filename", filename, "error", err)
	}

	if req.FolderID != nil {
		if err := s.stats.Recalculate(ctx, *req.FolderID); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", *req.FolderID, "error", err)
		}
	}

	if s.scanner != nil {
		if err := s.scanner.Schedule(ctx, file); err != nil {
			slog.Error("failed to schedule scan", "file_id", file.ID, "error", err)
		}
	}

	slog.Info("upload reassembled",
		"id", file.ID,
		"owner_id", req.OwnerID,
		"path", target,
		"size", size,
		"chunks", len(received),
	)
	return file, nil
}

func (s *UploadService) concat(ctx context.Context, dst io.Writer, ownerID, staging string, received []int) (int64, error) {
	var total int64
	for _, idx := range received {
		if err := ctx.Err(); err != nil {
			return total, context.Cause(ctx)
		}
		f, err := s.store.Open(ownerID, chunkPath(staging, idx))
		if err != nil {
			return total, fmt.Errorf("failed to open chunk %d: %w", idx, err)
		}
		n, err := io.Copy(dst, f)
		f.Close()
		if err != nil {
			return total, fmt.Errorf("failed to append chunk %d: %w", idx, err)
		}
		total += n
	}
	return total, nil
}

// removeIfEmpty drops the shared chunks directory once no upload uses it.
func (s *UploadService) removeIfEmpty(ownerID, rel string) {
	abs, err := s.store.Resolve(ownerID, rel)
	if err != nil {
		return
	}
	os.Remove(abs)
}

// Status returns the sorted chunk indices received for filename in the
// given folder.
func (s *UploadService) Status(ctx context.Context, ownerID string, folderID *string, filename string) (*UploadStatus, error) {
	filename = sanitizeFilename(filename)
	folder, err := folderPath(ctx, s.repo, ownerID, folderID)
	if err != nil {
		return nil, err
	}
	key := uploadKey{ownerID, folder, filename}
	if done, ok := s.recentlyCompleted(ctx, key); ok {
		return &UploadStatus{
			Filename:    filename,
			Received:    allChunks(done.total),
			TotalChunks: done.total,
			Complete:    true,
		}, nil
	}

	session, err := s.repo.GetUploadSession(ctx, ownerID, filename)
	if err != nil {
		return nil, mapStoreError("get upload session", err)
	}
	if session.StagingPath != stagingPath(folder, filename) {
		return nil, ErrNotFound
	}
	received := append([]int(nil), session.Chunks...)
	sort.Ints(received)
	return &UploadStatus{
		Filename:    filename,
		Received:    received,
		TotalChunks: session.TotalChunks,
	}, nil
}

// recentlyCompleted returns the memo of a finished upload whose file is
// still active. Expired memos and memos of deleted files are dropped.
func (s *UploadService) recentlyCompleted(ctx context.Context, key uploadKey) (completedUpload, bool) {
	s.mu.Lock()
	now := s.now()
	for k, v := range s.completed {
		if now.Sub(v.at) > completedTTL {
			delete(s.completed, k)
		}
	}
	done, ok := s.completed[key]
	s.mu.Unlock()
	if !ok {
		return completedUpload{}, false
	}

	if _, err := s.repo.GetFile(ctx, done.file.ID); err != nil {
		s.forget(key)
		return completedUpload{}, false
	}
	return done, true
}

func (s *UploadService) forget(key uploadKey) {
	s.mu.Lock()
	delete(s.completed, key)
	s.mu.Unlock()
}

// --- Helpers ---

// keyedMutex serializes work per key and frees idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func stagingPath(folder, filename string) string {
	return storage.JoinPath(storage.JoinPath(folder, "chunks"), filename)
}

func chunkPath(staging string, index int) string {
	return storage.JoinPath(staging, "chunk_"+strconv.Itoa(index))
}

func allChunks(total int) []int {
	out := make([]int, total)
	for i := range out {
		out[i] = i
	}
	return out
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	// Limit length, keeping a short extension and whole runes
	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > maxExtLen {
			ext = ""
		}
		cut := maxNameLen - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "/" || name == "." {
		name = ""
	}

	return name
}
