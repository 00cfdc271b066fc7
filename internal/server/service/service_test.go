package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canopy/internal/server/config"
	"canopy/internal/server/database"
	"canopy/internal/server/notify"
	"canopy/internal/server/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	_ MetadataStore = (*database.Repository)(nil)
	_ MetadataStore = (*database.MemoryStore)(nil)
)

const owner = "alice"

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) named(name string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, ev := range p.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	root      string
	repo      *database.MemoryStore
	store     *storage.FileSystemStore
	stats     *StatsAggregator
	gate      *AccessGate
	publisher *recordingPublisher
	hier      *HierarchyService
	uploads   *UploadService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	repo := database.NewMemoryStore()
	store := storage.NewFileSystemStore(root)
	require.NoError(t, store.EnsureDir())

	stats := NewStatsAggregator(repo, store)
	gate := NewAccessGate(repo, DefaultUnlockWindow)
	pub := &recordingPublisher{}
	cfg := &config.Config{MaxChunkSize: 1 << 20}

	return &testEnv{
		root:      root,
		repo:      repo,
		store:     store,
		stats:     stats,
		gate:      gate,
		publisher: pub,
		hier:      NewHierarchyService(repo, store, stats, gate, pub),
		uploads:   NewUploadService(repo, store, stats, nil, cfg),
	}
}

func (e *testEnv) mkdir(t *testing.T, name string, parentID *string) *database.Folder {
	t.Helper()
	f, err := e.hier.CreateFolder(context.Background(), owner, name, parentID)
	require.NoError(t, err)
	return f
}

// putFile writes content under the parent and registers a row for it.
func (e *testEnv) putFile(t *testing.T, name, content string, parentID *string) *database.File {
	t.Helper()
	ctx := context.Background()
	parent, err := folderPath(ctx, e.repo, owner, parentID)
	require.NoError(t, err)

	rel := storage.JoinPath(parent, name)
	abs, err := e.store.Resolve(owner, rel)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))

	now := time.Now().UTC()
	f := &database.File{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Name:      name,
		Path:      rel,
		ParentID:  parentID,
		Size:      int64(len(content)),
		MimeType:  detectMimeType(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.repo.CreateFile(ctx, f))
	if parentID != nil {
		require.NoError(t, e.stats.Recalculate(ctx, *parentID))
	}
	return f
}

func (e *testEnv) folder(t *testing.T, id string) *database.Folder {
	t.Helper()
	f, err := e.repo.GetFolder(context.Background(), id)
	require.NoError(t, err)
	return f
}

func (e *testEnv) abs(t *testing.T, rel string) string {
	t.Helper()
	p, err := e.store.Resolve(owner, rel)
	require.NoError(t, err)
	return p
}

func (e *testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(e.abs(t, rel))
	require.NoError(t, err)
	return string(b)
}

func ptr(s string) *string { return &s }
