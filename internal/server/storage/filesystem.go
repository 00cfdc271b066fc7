package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("path escapes the owner root")
	ErrInvalidName = errors.New("invalid item name")
	ErrExists      = errors.New("destination already exists")
)

// Store defines the path-addressed disk operations used by the services.
// Every relative path is owner-rooted ("owner/docs/a.txt") and passes
// through Resolve before the filesystem is touched.
type Store interface {
	Resolve(ownerID, relPath string) (string, error)
	OwnerRoot(ownerID string) string
	EnsureDir() error
	MkdirAll(ownerID, relPath string) error
	Move(ownerID, srcRel, dstRel string) error
	RemoveAll(ownerID, relPath string) error
	Save(ownerID, relPath string, data io.Reader) (int64, error)
	Create(ownerID, relPath string) (*os.File, error)
	Open(ownerID, relPath string) (*os.File, error)
	Stat(ownerID, relPath string) (os.FileInfo, error)
	ReadDir(ownerID, relPath string) ([]os.DirEntry, error)
}

// FileSystemStore keeps every user's tree under basePath/<ownerID>.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: filepath.Clean(basePath)}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// OwnerRoot returns the absolute root directory of an owner.
func (fs *FileSystemStore) OwnerRoot(ownerID string) string {
	return filepath.Join(fs.basePath, ownerID)
}

// Resolve maps an owner-rooted relative path to an absolute one. The
// cleaned result must be the owner root itself or lie beneath it.
func (fs *FileSystemStore) Resolve(ownerID, relPath string) (string, error) {
	if ValidateName(ownerID) != nil {
		return "", ErrInvalidPath
	}
	root := fs.OwnerRoot(ownerID)
	abs := filepath.Clean(filepath.Join(fs.basePath, filepath.FromSlash(relPath)))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, relPath)
	}
	return abs, nil
}

// ValidateName checks a single user-supplied path segment.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// JoinPath builds a child path. Top-level items use the owner id as parent.
func JoinPath(parentPath, name string) string {
	return parentPath + "/" + name
}

func (fs *FileSystemStore) MkdirAll(ownerID, relPath string) error {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", relPath, err)
	}
	return nil
}

// Move renames src to dst. It never replaces an existing destination.
func (fs *FileSystemStore) Move(ownerID, srcRel, dstRel string) error {
	src, err := fs.Resolve(ownerID, srcRel)
	if err != nil {
		return err
	}
	dst, err := fs.Resolve(ownerID, dstRel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dstRel)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", dstRel, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dstRel, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", srcRel, dstRel, err)
	}
	return nil
}

// RemoveAll deletes a file or directory tree. Missing paths are not an error.
func (fs *FileSystemStore) RemoveAll(ownerID, relPath string) error {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return err
	}
	if abs == fs.OwnerRoot(ownerID) {
		return fmt.Errorf("%w: refusing to remove owner root", ErrInvalidPath)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}
	return nil
}

// Save writes data to relPath, replacing any previous content.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(ownerID, relPath string, data io.Reader) (int64, error) {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent of %s: %w", relPath, err)
	}

	file, err := os.Create(abs)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", relPath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(abs)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Create opens a new file for writing and fails with ErrExists if
// something is already there.
func (fs *FileSystemStore) Create(ownerID, relPath string) (*os.File, error) {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent of %s: %w", relPath, err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, relPath)
		}
		return nil, fmt.Errorf("failed to create file %s: %w", relPath, err)
	}
	return f, nil
}

func (fs *FileSystemStore) Open(ownerID, relPath string) (*os.File, error) {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (fs *FileSystemStore) Stat(ownerID, relPath string) (os.FileInfo, error) {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

func (fs *FileSystemStore) ReadDir(ownerID, relPath string) ([]os.DirEntry, error) {
	abs, err := fs.Resolve(ownerID, relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(abs)
}

// IsNotExist reports whether err means the path is missing on disk.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
