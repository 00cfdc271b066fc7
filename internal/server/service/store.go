package service

import (
	"context"
	"time"

	"canopy/internal/server/database"
)

// MetadataStore is the hierarchy metadata backend. database.Repository and
// database.MemoryStore both satisfy it.
type MetadataStore interface {
	CreateFolder(ctx context.Context, f *database.Folder) error
	GetFolder(ctx context.Context, id string) (*database.Folder, error)
	GetFolderByPath(ctx context.Context, ownerID, path string) (*database.Folder, error)
	ListFolders(ctx context.Context, ownerID string, parentID *string) ([]*database.Folder, error)
	UpdateFolder(ctx context.Context, f *database.Folder) error
	UpdateFolderStats(ctx context.Context, id string, stats database.FolderStats) error

	CreateFile(ctx context.Context, f *database.File) error
	GetFile(ctx context.Context, id string) (*database.File, error)
	GetFileByPath(ctx context.Context, ownerID, path string) (*database.File, error)
	ListFiles(ctx context.Context, ownerID string, parentID *string) ([]*database.File, error)
	UpdateFile(ctx context.Context, f *database.File) error
	SoftDeleteFile(ctx context.Context, id string, at time.Time) error

	RelocateSubtree(ctx context.Context, rel database.SubtreeRelocation) (int64, error)
	SoftDeleteSubtree(ctx context.Context, ownerID, path string, at time.Time) (int64, int64, error)
	HasChildren(ctx context.Context, ownerID, folderID string) (bool, error)
	SearchByName(ctx context.Context, ownerID, query string, limit int) ([]*database.Folder, []*database.File, error)

	UpsertAccess(ctx context.Context, itemID, userID string, at time.Time) error
	GetAccess(ctx context.Context, itemID, userID string) (time.Time, error)
	DeleteAccess(ctx context.Context, itemID string) error

	AddUploadChunk(ctx context.Context, s *database.UploadSession, index int) ([]int, bool, error)
	GetUploadSession(ctx context.Context, ownerID, filename string) (*database.UploadSession, error)
	DeleteUploadSession(ctx context.Context, ownerID, filename string) error
}
