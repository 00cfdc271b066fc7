package service

import (
	"context"
	"errors"
	"path"
	"time"

	"canopy/internal/server/database"
)

// Item is the listing shape shared by folders and files.
type Item struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Path                string              `json:"path"`
	ParentID            *string             `json:"parentId"`
	IsFolder            bool                `json:"isFolder"`
	Size                int64               `json:"size"`
	MimeType            string              `json:"mimetype,omitempty"`
	FileCount           int                 `json:"fileCount,omitempty"`
	FolderCount         int                 `json:"folderCount,omitempty"`
	HasChildren         bool                `json:"hasChildren"`
	IsPasswordProtected bool                `json:"isPasswordProtected"`
	IsLocked            bool                `json:"isLocked"`
	ScanStatus          database.ScanStatus `json:"scanStatus,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// ItemError is a per-item failure inside a batch operation.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func folderItem(f *database.Folder) Item {
	return Item{
		ID:                  f.ID,
		Name:                f.Name,
		Path:                f.Path,
		ParentID:            f.ParentID,
		IsFolder:            true,
		Size:                f.Size,
		FileCount:           f.FileCount,
		FolderCount:         f.FolderCount,
		IsPasswordProtected: f.IsPasswordProtected,
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
}

func fileItem(f *database.File) Item {
	return Item{
		ID:                  f.ID,
		Name:                f.Name,
		Path:                f.Path,
		ParentID:            f.ParentID,
		Size:                f.Size,
		MimeType:            f.MimeType,
		IsPasswordProtected: f.IsPasswordProtected,
		ScanStatus:          f.ScanStatus,
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
}

// node is a loaded folder or file row.
type node struct {
	folder *database.Folder
	file   *database.File
}

func (n node) isFolder() bool { return n.folder != nil }

func (n node) id() string {
	if n.folder != nil {
		return n.folder.ID
	}
	return n.file.ID
}

func (n node) ownerID() string {
	if n.folder != nil {
		return n.folder.OwnerID
	}
	return n.file.OwnerID
}

func (n node) name() string {
	if n.folder != nil {
		return n.folder.Name
	}
	return n.file.Name
}

func (n node) path() string {
	if n.folder != nil {
		return n.folder.Path
	}
	return n.file.Path
}

func (n node) parentID() *string {
	if n.folder != nil {
		return n.folder.ParentID
	}
	return n.file.ParentID
}

func (n node) protected() bool {
	if n.folder != nil {
		return n.folder.IsPasswordProtected
	}
	return n.file.IsPasswordProtected
}

func (n node) passwordHash() *string {
	if n.folder != nil {
		return n.folder.PasswordHash
	}
	return n.file.PasswordHash
}

// loadNode finds id among the owner's folders, then files. Rows owned by
// another user yield ErrAccessDenied.
func loadNode(ctx context.Context, repo MetadataStore, ownerID, id string) (node, error) {
	folder, err := repo.GetFolder(ctx, id)
	if err == nil {
		if folder.OwnerID != ownerID {
			return node{}, ErrAccessDenied
		}
		return node{folder: folder}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return node{}, mapStoreError("load folder", err)
	}

	file, err := repo.GetFile(ctx, id)
	if err != nil {
		return node{}, mapStoreError("load file", err)
	}
	if file.OwnerID != ownerID {
		return node{}, ErrAccessDenied
	}
	return node{file: file}, nil
}

// loadFolder returns an owned folder.
func loadFolder(ctx context.Context, repo MetadataStore, ownerID, id string) (*database.Folder, error) {
	f, err := repo.GetFolder(ctx, id)
	if err != nil {
		return nil, mapStoreError("load folder", err)
	}
	if f.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return f, nil
}

// loadFile returns an owned file.
func loadFile(ctx context.Context, repo MetadataStore, ownerID, id string) (*database.File, error) {
	f, err := repo.GetFile(ctx, id)
	if err != nil {
		return nil, mapStoreError("load file", err)
	}
	if f.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return f, nil
}

// folderPath returns the path of an optional folder; nil is the owner root.
func folderPath(ctx context.Context, repo MetadataStore, ownerID string, folderID *string) (string, error) {
	if folderID == nil {
		return ownerID, nil
	}
	f, err := loadFolder(ctx, repo, ownerID, *folderID)
	if err != nil {
		return "", err
	}
	return f.Path, nil
}

func parentPath(p string) string {
	return path.Dir(p)
}

func isWithin(p, root string) bool {
	return p == root || len(p) > len(root) && p[:len(root)] == root && p[len(root)] == '/'
}
