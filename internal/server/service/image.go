package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"canopy/internal/server/database"
	"canopy/internal/server/storage"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

// DefaultImageQuality is used when a conversion request names none.
const DefaultImageQuality = 100

// ImageFormat is a conversion target.
type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPG  ImageFormat = "jpg"
	ImageJPEG ImageFormat = "jpeg"
	ImageGIF  ImageFormat = "gif"
	ImageBMP  ImageFormat = "bmp"
	ImageTIFF ImageFormat = "tiff"
	ImageWebP ImageFormat = "webp"
	ImageAVIF ImageFormat = "avif"
)

// ParseImageFormat accepts a target name in any case. webp and avif are
// recognised but cannot be written.
func ParseImageFormat(s string) (ImageFormat, error) {
	f := ImageFormat(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case ImagePNG, ImageJPG, ImageJPEG, ImageGIF, ImageBMP, ImageTIFF:
		return f, nil
	case ImageWebP, ImageAVIF:
		return "", fmt.Errorf("%w: no encoder for %s", ErrUnsupportedImage, f)
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedImage, s)
}

func (f ImageFormat) encoding() imaging.Format {
	switch f {
	case ImageJPG, ImageJPEG:
		return imaging.JPEG
	case ImageGIF:
		return imaging.GIF
	case ImageBMP:
		return imaging.BMP
	case ImageTIFF:
		return imaging.TIFF
	}
	return imaging.PNG
}

// ImageService converts stored images into sibling files of another format.
type ImageService struct {
	repo  MetadataStore
	store storage.Store
	stats *StatsAggregator
	gate  *AccessGate
	now   func() time.Time
}

func NewImageService(repo MetadataStore, store storage.Store, stats *StatsAggregator, gate *AccessGate) *ImageService {
	return &ImageService{
		repo:  repo,
		store: store,
		stats: stats,
		gate:  gate,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Convert decodes fileID and writes it next to the source as
// <name>-converted-<ms>.<format>. quality applies to jpeg output; zero
// means DefaultImageQuality.
func (s *ImageService) Convert(ctx context.Context, ownerID, fileID, format string, quality int) (*database.File, error) {
	target, err := ParseImageFormat(format)
	if err != nil {
		return nil, err
	}
	if quality == 0 {
		quality = DefaultImageQuality
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("%w: quality must be between 1 and 100", ErrUnsupportedImage)
	}

	src, err := loadFile(ctx, s.repo, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, ownerID, node{file: src}); err != nil {
		return nil, err
	}
	if src.ScanStatus == database.ScanInfected {
		return nil, ErrNotFound
	}

	srcAbs, err := s.store.Resolve(ownerID, src.Path)
	if err != nil {
		return nil, mapStoreError("resolve source", err)
	}
	img, err := imaging.Open(srcAbs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	now := s.now()
	base := strings.TrimSuffix(src.Name, path.Ext(src.Name))
	name := sanitizeFilename(fmt.Sprintf("%s-converted-%d.%s", base, now.UnixMilli(), target))
	rel := storage.JoinPath(parentPath(src.Path), name)

	out, err := s.store.Create(ownerID, rel)
	if err != nil {
		return nil, mapStoreError("create image", err)
	}
	err = imaging.Encode(out, img, target.encoding(), imaging.JPEGQuality(quality))
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		s.store.RemoveAll(ownerID, rel)
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	info, err := s.store.Stat(ownerID, rel)
	if err != nil {
		s.store.RemoveAll(ownerID, rel)
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	file := &database.File{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Path:      rel,
		ParentID:  src.ParentID,
		Size:      info.Size(),
		MimeType:  detectMimeType(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		s.store.RemoveAll(ownerID, rel)
		return nil, mapStoreError("create file", err)
	}

	if src.ParentID != nil {
		if err := s.stats.Recalculate(ctx, *src.ParentID); err != nil {
			slog.Error("failed to recalculate stats", "folder_id", *src.ParentID, "error", err)
		}
	}

	slog.Info("image converted",
		"owner_id", ownerID,
		"source", src.Path,
		"path", rel,
		"format", target,
		"size", file.Size,
	)
	return file, nil
}
