package database

import "time"

// Folder is a directory node of a user's tree. Path doubles as the on-disk
// location relative to the storage root and always starts with the owner id.
type Folder struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"ownerId"`
	Name                string    `json:"name"`
	Path                string    `json:"path"`
	ParentID            *string   `json:"parentId"`
	Deleted             bool      `json:"-"`
	IsPasswordProtected bool      `json:"isPasswordProtected"`
	PasswordHash        *string   `json:"-"`
	Size                int64     `json:"size"`
	FileCount           int       `json:"fileCount"`
	FolderCount         int       `json:"folderCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type ScanStatus string

const (
	ScanNone     ScanStatus = ""
	ScanPending  ScanStatus = "pending"
	ScanScanning ScanStatus = "scanning"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
)

type File struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"ownerId"`
	Name                string     `json:"name"`
	Path                string     `json:"path"`
	ParentID            *string    `json:"parentId"`
	Size                int64      `json:"size"`
	MimeType            string     `json:"mimetype"`
	Deleted             bool       `json:"-"`
	IsPasswordProtected bool       `json:"isPasswordProtected"`
	PasswordHash        *string    `json:"-"`
	ScanStatus          ScanStatus `json:"scanStatus,omitempty"`
	ScanProgress        int        `json:"scanProgress,omitempty"`
	ScanResult          string     `json:"scanResult,omitempty"`
	ScanDate            *time.Time `json:"scanDate,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// FolderStats are the cached aggregates of a folder. Counts cover
// immediate children only; Size is the recursive total.
type FolderStats struct {
	Size        int64
	FileCount   int
	FolderCount int
}

// SubtreeRelocation moves a folder row to NewPath and rewrites the path
// prefix of every active descendant in one transaction.
type SubtreeRelocation struct {
	OwnerID     string
	FolderID    string
	NewName     string
	NewParentID *string
	OldPath     string
	NewPath     string
	At          time.Time
}

// UploadSession tracks the chunks received for one (owner, filename).
type UploadSession struct {
	OwnerID     string
	Filename    string
	FolderID    *string
	StagingPath string
	TotalChunks int
	Chunks      []int
	CreatedAt   time.Time
}
