package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process hierarchy store with the same contract as
// Repository. It backs STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	folders  map[string]*Folder
	files    map[string]*File
	access   map[string]map[string]time.Time
	sessions map[uploadKey]*UploadSession
}

type uploadKey struct {
	owner    string
	filename string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders:  make(map[string]*Folder),
		files:    make(map[string]*File),
		access:   make(map[string]map[string]time.Time),
		sessions: make(map[uploadKey]*UploadSession),
	}
}

func copyFolder(f *Folder) *Folder {
	c := *f
	return &c
}

func copyFile(f *File) *File {
	c := *f
	return &c
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MemoryStore) pathTaken(ownerID, path, exceptID string) bool {
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && f.Path == path && f.ID != exceptID {
			return true
		}
	}
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && f.Path == path && f.ID != exceptID {
			return true
		}
	}
	return false
}

// --- Folders ---

func (m *MemoryStore) CreateFolder(_ context.Context, f *Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[f.ID]; ok || m.pathTaken(f.OwnerID, f.Path, "") {
		return ErrAlreadyExists
	}
	m.folders[f.ID] = copyFolder(f)
	return nil
}

func (m *MemoryStore) GetFolder(_ context.Context, id string) (*Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folders[id]
	if !ok || f.Deleted {
		return nil, ErrNotFound
	}
	return copyFolder(f), nil
}

func (m *MemoryStore) GetFolderByPath(_ context.Context, ownerID, path string) (*Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && f.Path == path {
			return copyFolder(f), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListFolders(_ context.Context, ownerID string, parentID *string) ([]*Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Folder
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && sameParent(f.ParentID, parentID) {
			out = append(out, copyFolder(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateFolder(_ context.Context, f *Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.folders[f.ID]
	if !ok || cur.Deleted {
		return ErrNotFound
	}
	if m.pathTaken(f.OwnerID, f.Path, f.ID) {
		return ErrAlreadyExists
	}
	cur.Name = f.Name
	cur.Path = f.Path
	cur.ParentID = f.ParentID
	cur.IsPasswordProtected = f.IsPasswordProtected
	cur.PasswordHash = f.PasswordHash
	cur.UpdatedAt = f.UpdatedAt
	return nil
}

func (m *MemoryStore) UpdateFolderStats(_ context.Context, id string, stats FolderStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.folders[id]
	if !ok || cur.Deleted {
		return ErrNotFound
	}
	cur.Size = stats.Size
	cur.FileCount = stats.FileCount
	cur.FolderCount = stats.FolderCount
	return nil
}

// --- Files ---

func (m *MemoryStore) CreateFile(_ context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok || m.pathTaken(f.OwnerID, f.Path, "") {
		return ErrAlreadyExists
	}
	m.files[f.ID] = copyFile(f)
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok || f.Deleted {
		return nil, ErrNotFound
	}
	return copyFile(f), nil
}

func (m *MemoryStore) GetFileByPath(_ context.Context, ownerID, path string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && f.Path == path {
			return copyFile(f), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListFiles(_ context.Context, ownerID string, parentID *string) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*File
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && sameParent(f.ParentID, parentID) {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateFile(_ context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[f.ID]
	if !ok || cur.Deleted {
		return ErrNotFound
	}
	if m.pathTaken(f.OwnerID, f.Path, f.ID) {
		return ErrAlreadyExists
	}
	created := cur.CreatedAt
	*cur = *f
	cur.CreatedAt = created
	cur.Deleted = false
	return nil
}

func (m *MemoryStore) SoftDeleteFile(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[id]
	if !ok || cur.Deleted {
		return ErrNotFound
	}
	cur.Deleted = true
	cur.UpdatedAt = at
	return nil
}

// --- Subtrees ---

// RelocateSubtree holds the write lock for the whole rewrite, so readers
// observe either the old or the new prefix for every descendant.
func (m *MemoryStore) RelocateSubtree(_ context.Context, rel SubtreeRelocation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.folders[rel.FolderID]
	if !ok || cur.Deleted {
		return 0, ErrNotFound
	}
	if m.pathTaken(rel.OwnerID, rel.NewPath, rel.FolderID) {
		return 0, ErrAlreadyExists
	}

	cur.Name = rel.NewName
	cur.Path = rel.NewPath
	cur.ParentID = rel.NewParentID
	cur.UpdatedAt = rel.At

	prefix := rel.OldPath + "/"
	var moved int64
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == rel.OwnerID && strings.HasPrefix(f.Path, prefix) {
			f.Path = rel.NewPath + strings.TrimPrefix(f.Path, rel.OldPath)
			f.UpdatedAt = rel.At
			moved++
		}
	}
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == rel.OwnerID && strings.HasPrefix(f.Path, prefix) {
			f.Path = rel.NewPath + strings.TrimPrefix(f.Path, rel.OldPath)
			f.UpdatedAt = rel.At
			moved++
		}
	}
	return moved, nil
}

func (m *MemoryStore) SoftDeleteSubtree(_ context.Context, ownerID, path string, at time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := path + "/"
	var folders, files int64
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && (f.Path == path || strings.HasPrefix(f.Path, prefix)) {
			f.Deleted = true
			f.UpdatedAt = at
			folders++
		}
	}
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && strings.HasPrefix(f.Path, prefix) {
			f.Deleted = true
			f.UpdatedAt = at
			files++
		}
	}
	return folders, files, nil
}

func (m *MemoryStore) HasChildren(_ context.Context, ownerID, folderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && f.ParentID != nil && *f.ParentID == folderID {
			return true, nil
		}
	}
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && f.ParentID != nil && *f.ParentID == folderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SearchByName(_ context.Context, ownerID, query string, limit int) ([]*Folder, []*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)

	var folders []*Folder
	for _, f := range m.folders {
		if !f.Deleted && f.OwnerID == ownerID && strings.Contains(strings.ToLower(f.Name), q) {
			folders = append(folders, copyFolder(f))
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	if len(folders) > limit {
		folders = folders[:limit]
	}

	var files []*File
	for _, f := range m.files {
		if !f.Deleted && f.OwnerID == ownerID && strings.Contains(strings.ToLower(f.Name), q) {
			files = append(files, copyFile(f))
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	if len(files) > limit {
		files = files[:limit]
	}
	return folders, files, nil
}

// --- Access grants ---

func (m *MemoryStore) UpsertAccess(_ context.Context, itemID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.access[itemID] == nil {
		m.access[itemID] = make(map[string]time.Time)
	}
	m.access[itemID][userID] = at
	return nil
}

func (m *MemoryStore) GetAccess(_ context.Context, itemID, userID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.access[itemID][userID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return at, nil
}

func (m *MemoryStore) DeleteAccess(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, itemID)
	return nil
}

func (m *MemoryStore) PruneAccess(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for itemID, users := range m.access {
		for userID, at := range users {
			if at.Before(before) {
				delete(users, userID)
				pruned++
			}
		}
		if len(users) == 0 {
			delete(m.access, itemID)
		}
	}
	return pruned, nil
}

// --- Upload sessions ---

func (m *MemoryStore) AddUploadChunk(_ context.Context, s *UploadSession, index int) ([]int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uploadKey{s.OwnerID, s.Filename}
	cur, ok := m.sessions[key]
	if !ok {
		c := *s
		c.Chunks = nil
		cur = &c
		m.sessions[key] = cur
	}

	for _, idx := range cur.Chunks {
		if idx == index {
			return append([]int(nil), cur.Chunks...), false, nil
		}
	}
	cur.Chunks = append(cur.Chunks, index)
	sort.Ints(cur.Chunks)
	return append([]int(nil), cur.Chunks...), true, nil
}

func (m *MemoryStore) GetUploadSession(_ context.Context, ownerID, filename string) (*UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.sessions[uploadKey{ownerID, filename}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cur
	c.Chunks = append([]int(nil), cur.Chunks...)
	return &c, nil
}

func (m *MemoryStore) DeleteUploadSession(_ context.Context, ownerID, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uploadKey{ownerID, filename})
	return nil
}

func (m *MemoryStore) ExpiredUploadSessions(_ context.Context, before time.Time) ([]*UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UploadSession
	for _, s := range m.sessions {
		if s.CreatedAt.Before(before) {
			c := *s
			c.Chunks = nil
			out = append(out, &c)
		}
	}
	return out, nil
}
