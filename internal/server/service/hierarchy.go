package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"time"

	"canopy/internal/server/database"
	"canopy/internal/server/notify"
	"canopy/internal/server/storage"

	"github.com/google/uuid"
)

// MoveProgressFunc receives the item just handled and the share of the
// batch done so far.
type MoveProgressFunc func(name string, percent int)

// MoveResult is the partial-success summary of a batch move.
type MoveResult struct {
	Moved  int         `json:"moved"`
	Errors []ItemError `json:"errors,omitempty"`
}

// DeleteResult is the partial-success summary of a batch delete.
type DeleteResult struct {
	FilesDeleted   int64       `json:"filesDeleted"`
	FoldersDeleted int64       `json:"foldersDeleted"`
	Errors         []ItemError `json:"errors,omitempty"`
}

// HierarchyService owns structural changes to a user's tree: it keeps the
// metadata rows and the on-disk layout in step and refreshes folder stats.
type HierarchyService struct {
	repo      MetadataStore
	store     storage.Store
	stats     *StatsAggregator
	gate      *AccessGate
	publisher notify.Publisher
	now       func() time.Time
}

// NewHierarchyService creates a new hierarchy service.
func NewHierarchyService(repo MetadataStore, store storage.Store, stats *StatsAggregator, gate *AccessGate, publisher notify.Publisher) *HierarchyService {
	return &HierarchyService{
		repo:      repo,
		store:     store,
		stats:     stats,
		gate:      gate,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateFolder creates name under parentID, or at the top level when
// parentID is nil.
func (s *HierarchyService) CreateFolder(ctx context.Context, ownerID, name string, parentID *string) (*database.Folder, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, mapStoreError("validate name", err)
	}

	parent, err := folderPath(ctx, s.repo, ownerID, parentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccessDenied) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}

	p := storage.JoinPath(parent, name)
	if _, err := s.store.Resolve(ownerID, p); err != nil {
		return nil, mapStoreError("resolve path", err)
	}
	if err := s.ensureFree(ctx, ownerID, p); err != nil {
		return nil, err
	}

	if err := s.store.MkdirAll(ownerID, p); err != nil {
		return nil, mapStoreError("create directory", err)
	}

	now := s.now()
	folder := &database.Folder{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Path:      p,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateFolder(ctx, folder); err != nil {
		return nil, mapStoreError("create folder", err)
	}

	if parentID != nil {
		if err := s.stats.Recalculate(ctx, *parentID); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", *parentID, "error", err)
		}
	}

	slog.Info("folder created", "id", folder.ID, "owner_id", ownerID, "path", p)
	return folder, nil
}

// ensureFree fails when an active row already occupies p.
func (s *HierarchyService) ensureFree(ctx context.Context, ownerID, p string) error {
	if _, err := s.repo.GetFolderByPath(ctx, ownerID, p); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, database.ErrNotFound) {
		return mapStoreError("check path", err)
	}
	if _, err := s.repo.GetFileByPath(ctx, ownerID, p); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, database.ErrNotFound) {
		return mapStoreError("check path", err)
	}
	return nil
}

// Rename changes the name of a file or folder in place. Descendant paths
// of a folder are rewritten in one relocation. Stats never change.
func (s *HierarchyService) Rename(ctx context.Context, ownerID, itemID, newName string, isFolder bool) (Item, error) {
	if err := storage.ValidateName(newName); err != nil {
		return Item{}, mapStoreError("validate name", err)
	}

	if isFolder {
		folder, err := loadFolder(ctx, s.repo, ownerID, itemID)
		if err != nil {
			return Item{}, err
		}
		if folder.Name == newName {
			return folderItem(folder), nil
		}
		newPath := storage.JoinPath(parentPath(folder.Path), newName)
		if err := s.relocateFolder(ctx, folder, newName, folder.ParentID, newPath); err != nil {
			return Item{}, err
		}
		return folderItem(folder), nil
	}

	file, err := loadFile(ctx, s.repo, ownerID, itemID)
	if err != nil {
		return Item{}, err
	}
	if file.Name == newName {
		return fileItem(file), nil
	}
	newPath := storage.JoinPath(parentPath(file.Path), newName)
	if err := s.relocateFile(ctx, file, newName, file.ParentID, newPath); err != nil {
		return Item{}, err
	}
	return fileItem(file), nil
}

// relocateFolder moves the directory on disk and then the subtree rows.
// The disk move is undone if the metadata update fails.
func (s *HierarchyService) relocateFolder(ctx context.Context, folder *database.Folder, newName string, newParentID *string, newPath string) error {
	if err := s.ensureFree(ctx, folder.OwnerID, newPath); err != nil {
		return err
	}
	oldPath := folder.Path
	if err := s.store.Move(folder.OwnerID, oldPath, newPath); err != nil {
		return mapStoreError("move directory", err)
	}

	now := s.now()
	n, err := s.repo.RelocateSubtree(ctx, database.SubtreeRelocation{
		OwnerID:     folder.OwnerID,
		FolderID:    folder.ID,
		NewName:     newName,
		NewParentID: newParentID,
		OldPath:     oldPath,
		NewPath:     newPath,
		At:          now,
	})
	if err != nil {
		if rerr := s.store.Move(folder.OwnerID, newPath, oldPath); rerr != nil {
			slog.Error("failed to roll back directory move",
				"folder_id", folder.ID,
				"from", newPath,
				"to", oldPath,
				"error", rerr,
			)
		}
		return mapStoreError("relocate subtree", err)
	}

	folder.Name = newName
	folder.Path = newPath
	folder.ParentID = newParentID
	folder.UpdatedAt = now
	slog.Info("folder relocated", "id", folder.ID, "from", oldPath, "to", newPath, "descendants", n)
	return nil
}

func (s *HierarchyService) relocateFile(ctx context.Context, file *database.File, newName string, newParentID *string, newPath string) error {
	if err := s.ensureFree(ctx, file.OwnerID, newPath); err != nil {
		return err
	}
	oldPath := file.Path
	if err := s.store.Move(file.OwnerID, oldPath, newPath); err != nil {
		return mapStoreError("move file", err)
	}

	updated := *file
	updated.Name = newName
	updated.Path = newPath
	updated.ParentID = newParentID
	updated.UpdatedAt = s.now()
	if path.Ext(newName) != path.Ext(file.Name) {
		updated.MimeType = detectMimeType(newName)
	}
	if err := s.repo.UpdateFile(ctx, &updated); err != nil {
		if rerr := s.store.Move(file.OwnerID, newPath, oldPath); rerr != nil {
			slog.Error("failed to roll back file move",
				"file_id", file.ID,
				"from", newPath,
				"to", oldPath,
				"error", rerr,
			)
		}
		return mapStoreError("update file", err)
	}
	*file = updated
	return nil
}

// Move relocates every item under targetID (nil is the top level). Items
// that fail are reported and the rest of the batch continues.
func (s *HierarchyService) Move(ctx context.Context, ownerID string, itemIDs []string, targetID *string, onProgress MoveProgressFunc) (*MoveResult, error) {
	target, err := folderPath(ctx, s.repo, ownerID, targetID)
	if err != nil {
		return nil, err
	}

	res := &MoveResult{}
	touched := make(map[string]bool)
	for i, id := range itemIDs {
		n, err := s.moveOne(ctx, ownerID, id, target, targetID)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
		} else {
			res.Moved++
			if p := n.parentID(); p != nil {
				touched[*p] = true
			}
		}

		name := id
		if n.folder != nil || n.file != nil {
			name = n.name()
		}
		percent := (i + 1) * 100 / len(itemIDs)
		if onProgress != nil {
			onProgress(name, percent)
		}
		notify.Send(ctx, s.publisher, notify.Event{
			Name: notify.MovingProgress,
			Room: ownerID,
			Data: map[string]any{"name": name, "progress": percent},
		})
	}

	if targetID != nil {
		touched[*targetID] = true
	}
	for id := range touched {
		if err := s.stats.Recalculate(ctx, id); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", id, "error", err)
		}
	}

	slog.Info("items moved", "owner_id", ownerID, "moved", res.Moved, "failed", len(res.Errors))
	return res, nil
}

// moveOne returns the node as it was before the move so callers can
// refresh the old parent.
func (s *HierarchyService) moveOne(ctx context.Context, ownerID, id, target string, targetID *string) (node, error) {
	n, err := loadNode(ctx, s.repo, ownerID, id)
	if err != nil {
		return node{}, err
	}
	dst := storage.JoinPath(target, n.name())

	if n.isFolder() {
		if isWithin(target, n.folder.Path) {
			return n, ErrInvalidMove
		}
		orig := *n.folder
		if err := s.relocateFolder(ctx, n.folder, n.folder.Name, targetID, dst); err != nil {
			return n, err
		}
		return node{folder: &orig}, nil
	}

	orig := *n.file
	if err := s.relocateFile(ctx, n.file, n.file.Name, targetID, dst); err != nil {
		return n, err
	}
	return node{file: &orig}, nil
}

// DeleteOne removes a single item and surfaces its error.
func (s *HierarchyService) DeleteOne(ctx context.Context, ownerID, itemID string) (*DeleteResult, error) {
	res := &DeleteResult{}
	parent, err := s.deleteNode(ctx, ownerID, itemID, res)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		if err := s.stats.Recalculate(ctx, *parent); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", *parent, "error", err)
		}
	}
	return res, nil
}

// DeleteMany removes every item it can and accumulates per-item errors.
func (s *HierarchyService) DeleteMany(ctx context.Context, ownerID string, itemIDs []string) *DeleteResult {
	res := &DeleteResult{}
	touched := make(map[string]bool)
	for _, id := range itemIDs {
		parent, err := s.deleteNode(ctx, ownerID, id, res)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
			continue
		}
		if parent != nil {
			touched[*parent] = true
		}
	}
	for id := range touched {
		if err := s.stats.Recalculate(ctx, id); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", id, "error", err)
		}
	}
	slog.Info("items deleted",
		"owner_id", ownerID,
		"files", res.FilesDeleted,
		"folders", res.FoldersDeleted,
		"failed", len(res.Errors),
	)
	return res
}

func (s *HierarchyService) deleteNode(ctx context.Context, ownerID, id string, res *DeleteResult) (*string, error) {
	n, err := loadNode(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	folders, files, err := removeNode(ctx, s.repo, s.store, n, s.now())
	if err != nil {
		return nil, err
	}
	res.FoldersDeleted += folders
	res.FilesDeleted += files
	return n.parentID(), nil
}

// removeNode deletes the disk object of n and soft deletes its rows,
// including every descendant row of a folder.
func removeNode(ctx context.Context, repo MetadataStore, store storage.Store, n node, at time.Time) (int64, int64, error) {
	ownerID := n.ownerID()
	if err := store.RemoveAll(ownerID, n.path()); err != nil {
		return 0, 0, mapStoreError("remove from disk", err)
	}

	var folders, files int64
	if n.isFolder() {
		var err error
		folders, files, err = repo.SoftDeleteSubtree(ctx, ownerID, n.path(), at)
		if err != nil {
			return 0, 0, mapStoreError("delete subtree", err)
		}
	} else {
		if err := repo.SoftDeleteFile(ctx, n.id(), at); err != nil {
			return 0, 0, mapStoreError("delete file", err)
		}
		files = 1
	}

	if n.protected() {
		if err := repo.DeleteAccess(ctx, n.id()); err != nil {
			slog.Warn("failed to drop access grants", "item_id", n.id(), "error", err)
		}
	}
	return folders, files, nil
}

// List returns the immediate children of parentID, folders first. Rows
// whose disk object is gone are left out.
func (s *HierarchyService) List(ctx context.Context, ownerID string, parentID *string) ([]Item, error) {
	if parentID != nil {
		parent, err := loadFolder(ctx, s.repo, ownerID, *parentID)
		if err != nil {
			return nil, err
		}
		if err := s.gate.Require(ctx, ownerID, node{folder: parent}); err != nil {
			return nil, err
		}
	}

	folders, err := s.repo.ListFolders(ctx, ownerID, parentID)
	if err != nil {
		return nil, mapStoreError("list folders", err)
	}
	files, err := s.repo.ListFiles(ctx, ownerID, parentID)
	if err != nil {
		return nil, mapStoreError("list files", err)
	}

	items := make([]Item, 0, len(folders)+len(files))
	for _, f := range folders {
		if !s.onDisk(ownerID, f.Path) {
			continue
		}
		it := folderItem(f)
		has, err := s.repo.HasChildren(ctx, ownerID, f.ID)
		if err != nil {
			return nil, mapStoreError("check children", err)
		}
		it.HasChildren = has
		it.IsLocked = f.IsPasswordProtected && s.gate.Check(ctx, f.ID, ownerID) != nil
		items = append(items, it)
	}
	for _, f := range files {
		if !s.onDisk(ownerID, f.Path) {
			continue
		}
		it := fileItem(f)
		it.IsLocked = f.IsPasswordProtected && s.gate.Check(ctx, f.ID, ownerID) != nil
		items = append(items, it)
	}
	return items, nil
}

func (s *HierarchyService) onDisk(ownerID, p string) bool {
	_, err := s.store.Stat(ownerID, p)
	if err != nil && !storage.IsNotExist(err) {
		slog.Warn("failed to stat item", "path", p, "error", err)
	}
	return err == nil
}

// Open returns the absolute path of a file for download. A protected file,
// or one inside a protected folder, requires a current unlock of each lock.
func (s *HierarchyService) Open(ctx context.Context, ownerID, fileID string) (string, *database.File, error) {
	file, err := loadFile(ctx, s.repo, ownerID, fileID)
	if err != nil {
		return "", nil, err
	}
	if err := s.gate.Require(ctx, ownerID, node{file: file}); err != nil {
		return "", nil, err
	}
	if file.ScanStatus == database.ScanInfected {
		return "", nil, ErrNotFound
	}

	abs, err := s.store.Resolve(ownerID, file.Path)
	if err != nil {
		return "", nil, mapStoreError("resolve path", err)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return abs, file, nil
}

func detectMimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
