package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"canopy/internal/server/database"
)

func TestCleanupService_RunOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileSystemStore(dir)
	repo := database.NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	repo.UpsertAccess(ctx, "item", "stale", now.Add(-45*time.Minute))
	repo.UpsertAccess(ctx, "item", "fresh", now.Add(-5*time.Minute))

	old := &database.UploadSession{
		OwnerID:     "alice",
		Filename:    "old.bin",
		StagingPath: "alice/chunks/old.bin",
		TotalChunks: 2,
		CreatedAt:   now.Add(-48 * time.Hour),
	}
	recent := &database.UploadSession{
		OwnerID:     "alice",
		Filename:    "recent.bin",
		StagingPath: "alice/chunks/recent.bin",
		TotalChunks: 2,
		CreatedAt:   now.Add(-time.Hour),
	}
	for _, s := range []*database.UploadSession{old, recent} {
		if _, _, err := repo.AddUploadChunk(ctx, s, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Save("alice", s.StagingPath+"/chunk_0", strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	cs := NewCleanupService(repo, store, time.Minute, 30*time.Minute, 24*time.Hour)
	cs.now = func() time.Time { return now }

	res := cs.RunOnce(ctx)
	if res.GrantsPruned != 1 || res.SessionsRemoved != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := repo.GetAccess(ctx, "item", "stale"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("stale grant survived: %v", err)
	}
	if _, err := repo.GetAccess(ctx, "item", "fresh"); err != nil {
		t.Errorf("fresh grant pruned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice", "chunks", "old.bin")); !os.IsNotExist(err) {
		t.Error("expected abandoned staging dir to be removed")
	}
	if _, err := repo.GetUploadSession(ctx, "alice", "recent.bin"); err != nil {
		t.Errorf("recent session removed: %v", err)
	}
}

func TestCleanupService_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cs := NewCleanupService(database.NewMemoryStore(), NewFileSystemStore(t.TempDir()), time.Hour, time.Minute, time.Hour)
	cs.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		cs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup service did not stop")
	}
}
