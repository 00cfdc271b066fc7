package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"canopy/internal/server/database"
	"canopy/internal/server/storage"
)

// StatsAggregator maintains the cached size and child counts of folders.
// Counts cover immediate children; Size is the recursive total built from
// the cached sizes of immediate subfolders.
type StatsAggregator struct {
	repo  MetadataStore
	store storage.Store
}

func NewStatsAggregator(repo MetadataStore, store storage.Store) *StatsAggregator {
	return &StatsAggregator{repo: repo, store: store}
}

// Recalculate recomputes folderID and then every ancestor up to the root.
// A missing folder ends the walk without error.
func (a *StatsAggregator) Recalculate(ctx context.Context, folderID string) error {
	seen := make(map[string]bool)
	id := folderID
	for id != "" && !seen[id] {
		seen[id] = true

		folder, err := a.repo.GetFolder(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load folder %s: %w", id, err)
		}

		if err := a.update(ctx, folder); err != nil {
			return err
		}

		if folder.ParentID == nil {
			return nil
		}
		id = *folder.ParentID
	}
	return nil
}

// RecalculateTree recomputes every folder below folderID children first,
// then the ancestors of folderID. A nil folderID covers the owner's whole
// tree.
func (a *StatsAggregator) RecalculateTree(ctx context.Context, ownerID string, folderID *string) error {
	var roots []*database.Folder
	if folderID == nil {
		top, err := a.repo.ListFolders(ctx, ownerID, nil)
		if err != nil {
			return fmt.Errorf("failed to list top-level folders: %w", err)
		}
		roots = top
	} else {
		root, err := a.repo.GetFolder(ctx, *folderID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load folder %s: %w", *folderID, err)
		}
		roots = []*database.Folder{root}
	}

	// Pre-order via an explicit stack; reversing it gives an order where
	// every folder comes after all of its descendants.
	var order []*database.Folder
	stack := append([]*database.Folder(nil), roots...)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, f)

		children, err := a.repo.ListFolders(ctx, ownerID, &f.ID)
		if err != nil {
			return fmt.Errorf("failed to list children of %s: %w", f.ID, err)
		}
		stack = append(stack, children...)
	}

	for i := len(order) - 1; i >= 0; i-- {
		if err := a.update(ctx, order[i]); err != nil {
			return err
		}
	}

	if folderID != nil && len(roots) == 1 && roots[0].ParentID != nil {
		return a.Recalculate(ctx, *roots[0].ParentID)
	}
	return nil
}

// Compute derives the stats of a folder from disk and the cached sizes of
// its immediate subfolders. Directories without an active folder row, such
// as upload staging areas, are ignored.
func (a *StatsAggregator) Compute(ctx context.Context, folder *database.Folder) (database.FolderStats, error) {
	var stats database.FolderStats

	entries, err := a.store.ReadDir(folder.OwnerID, folder.Path)
	if err != nil {
		if storage.IsNotExist(err) {
			slog.Warn("folder missing on disk", "folder_id", folder.ID, "path", folder.Path)
			return stats, nil
		}
		return stats, fmt.Errorf("failed to read %s: %w", folder.Path, err)
	}

	children, err := a.repo.ListFolders(ctx, folder.OwnerID, &folder.ID)
	if err != nil {
		return stats, fmt.Errorf("failed to list subfolders: %w", err)
	}
	byName := make(map[string]*database.Folder, len(children))
	for _, c := range children {
		byName[c.Name] = c
	}

	for _, e := range entries {
		if e.IsDir() {
			if sub, ok := byName[e.Name()]; ok {
				stats.Size += sub.Size
				stats.FolderCount++
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		stats.Size += info.Size()
		stats.FileCount++
	}
	return stats, nil
}

func (a *StatsAggregator) update(ctx context.Context, folder *database.Folder) error {
	stats, err := a.Compute(ctx, folder)
	if err != nil {
		return err
	}
	if err := a.repo.UpdateFolderStats(ctx, folder.ID, stats); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to save stats for %s: %w", folder.ID, err)
	}
	// keep the in-memory row current for callers walking the same slice
	folder.Size = stats.Size
	folder.FileCount = stats.FileCount
	folder.FolderCount = stats.FolderCount
	return nil
}
