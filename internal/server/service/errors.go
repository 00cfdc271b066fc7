package service

import (
	"errors"
	"fmt"

	"canopy/internal/server/database"
	"canopy/internal/server/jobs"
	"canopy/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound           = errors.New("item not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidPath        = errors.New("invalid path")
	ErrInvalidName        = errors.New("invalid name")
	ErrParentNotFound     = errors.New("parent folder not found")
	ErrAlreadyExists      = errors.New("an item with that name already exists")
	ErrInvalidMove        = errors.New("cannot move a folder into itself")
	ErrPasswordRequired   = errors.New("password required")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrCompressionFailed  = errors.New("compression failed")
	ErrExtractionConflict = errors.New("unresolved extraction conflict")
	ErrReassemblyFailed   = errors.New("failed to reassemble upload")
	ErrInvalidChunk       = errors.New("invalid chunk")
	ErrChunkTooLarge      = errors.New("chunk exceeds maximum allowed size")
	ErrFinalizeTimeout    = errors.New("archive finalize timed out")
	ErrUnsupportedArchive = errors.New("unsupported archive")
	ErrUnsupportedImage   = errors.New("unsupported image format")
	ErrConversionFailed   = errors.New("image conversion failed")

	// ErrCancelled is the cause attached to a cancelled job context.
	ErrCancelled = jobs.ErrCancelled
)

// mapStoreError translates lower layer errors into service errors. Errors
// without a mapping are wrapped with op.
func mapStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrAlreadyExists), errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, storage.ErrInvalidPath):
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	case errors.Is(err, storage.ErrInvalidName):
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// IsCancelled reports whether err carries the cancellation signal.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
