package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canopy/internal/server/database"

	"golang.org/x/crypto/bcrypt"
)

// DefaultUnlockWindow is how long a successful Verify keeps an item open.
const DefaultUnlockWindow = 30 * time.Minute

// AccessGate locks individual files and folders behind a password with a
// per-user unlock window.
type AccessGate struct {
	repo   MetadataStore
	window time.Duration
	now    func() time.Time
}

func NewAccessGate(repo MetadataStore, window time.Duration) *AccessGate {
	if window <= 0 {
		window = DefaultUnlockWindow
	}
	return &AccessGate{
		repo:   repo,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetPassword protects an item. Existing unlocks are dropped.
func (g *AccessGate) SetPassword(ctx context.Context, ownerID, itemID, password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	n, err := loadNode(ctx, g.repo, ownerID, itemID)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	h := string(hash)

	if err := g.save(ctx, n, true, &h); err != nil {
		return err
	}
	if err := g.repo.DeleteAccess(ctx, itemID); err != nil {
		slog.Warn("failed to drop access grants", "item_id", itemID, "error", err)
	}
	slog.Info("password set", "item_id", itemID, "owner_id", ownerID)
	return nil
}

// RemovePassword unprotects an item after checking the current password.
func (g *AccessGate) RemovePassword(ctx context.Context, ownerID, itemID, current string) error {
	n, err := loadNode(ctx, g.repo, ownerID, itemID)
	if err != nil {
		return err
	}
	if !n.protected() {
		return nil
	}
	if err := comparePassword(n.passwordHash(), current); err != nil {
		return err
	}

	if err := g.save(ctx, n, false, nil); err != nil {
		return err
	}
	if err := g.repo.DeleteAccess(ctx, itemID); err != nil {
		slog.Warn("failed to drop access grants", "item_id", itemID, "error", err)
	}
	slog.Info("password removed", "item_id", itemID, "owner_id", ownerID)
	return nil
}

// Verify checks password and opens the item for userID for the unlock
// window.
func (g *AccessGate) Verify(ctx context.Context, userID, itemID, password string) error {
	n, err := loadNode(ctx, g.repo, userID, itemID)
	if err != nil {
		return err
	}
	if !n.protected() {
		return nil
	}
	if err := comparePassword(n.passwordHash(), password); err != nil {
		return err
	}
	if err := g.repo.UpsertAccess(ctx, itemID, userID, g.now()); err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

// Check reports whether userID holds an unlock for itemID that is still
// inside the window.
func (g *AccessGate) Check(ctx context.Context, itemID, userID string) error {
	at, err := g.repo.GetAccess(ctx, itemID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrPasswordRequired
	}
	if err != nil {
		return fmt.Errorf("failed to read access: %w", err)
	}
	if g.now().Sub(at) > g.window {
		return ErrPasswordRequired
	}
	return nil
}

// Require checks that userID may read n. n itself and every protected
// folder above it need a live unlock.
func (g *AccessGate) Require(ctx context.Context, userID string, n node) error {
	if n.protected() {
		if err := g.Check(ctx, n.id(), userID); err != nil {
			return err
		}
	}
	for pid := n.parentID(); pid != nil; {
		folder, err := g.repo.GetFolder(ctx, *pid)
		if err != nil {
			return mapStoreError("load folder", err)
		}
		if folder.IsPasswordProtected {
			if err := g.Check(ctx, folder.ID, userID); err != nil {
				return err
			}
		}
		pid = folder.ParentID
	}
	return nil
}

// RequireTree is Require plus every protected item below a folder n, for
// reads that copy a whole subtree.
func (g *AccessGate) RequireTree(ctx context.Context, userID string, n node) error {
	if err := g.Require(ctx, userID, n); err != nil {
		return err
	}
	if !n.isFolder() {
		return nil
	}

	pending := []string{n.folder.ID}
	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		folders, err := g.repo.ListFolders(ctx, n.folder.OwnerID, &id)
		if err != nil {
			return mapStoreError("list folders", err)
		}
		for _, f := range folders {
			if f.IsPasswordProtected {
				if err := g.Check(ctx, f.ID, userID); err != nil {
					return err
				}
			}
			pending = append(pending, f.ID)
		}
		files, err := g.repo.ListFiles(ctx, n.folder.OwnerID, &id)
		if err != nil {
			return mapStoreError("list files", err)
		}
		for _, f := range files {
			if f.IsPasswordProtected {
				if err := g.Check(ctx, f.ID, userID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Window returns the unlock window.
func (g *AccessGate) Window() time.Duration {
	return g.window
}

func (g *AccessGate) save(ctx context.Context, n node, protected bool, hash *string) error {
	now := g.now()
	if n.isFolder() {
		n.folder.IsPasswordProtected = protected
		n.folder.PasswordHash = hash
		n.folder.UpdatedAt = now
		return mapStoreError("update folder", g.repo.UpdateFolder(ctx, n.folder))
	}
	n.file.IsPasswordProtected = protected
	n.file.PasswordHash = hash
	n.file.UpdatedAt = now
	return mapStoreError("update file", g.repo.UpdateFile(ctx, n.file))
}

func comparePassword(hash *string, password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if hash == nil {
		return ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}
