package core

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var ErrUnsafeEntry = errors.New("archive entry escapes destination")

type ConflictAction string

const (
	ConflictSkip      ConflictAction = "skip"
	ConflictOverwrite ConflictAction = "overwrite"
	ConflictRename    ConflictAction = "rename"
)

func ParseConflictAction(s string) (ConflictAction, error) {
	switch a := ConflictAction(strings.ToLower(s)); a {
	case ConflictSkip, ConflictOverwrite, ConflictRename:
		return a, nil
	}
	return "", fmt.Errorf("unknown conflict action %q", s)
}

// Conflict is an archive entry whose target already exists.
type Conflict struct {
	Name   string `json:"name"`
	Target string `json:"-"`
	IsDir  bool   `json:"isDir"`
}

// ConflictFunc decides what happens to a colliding entry. Returning an
// error aborts the extraction.
type ConflictFunc func(ctx context.Context, c Conflict) (ConflictAction, error)

// ArchiveEntry is an entry as listed from an archive.
type ArchiveEntry struct {
	Name  string
	Size  int64
	IsDir bool
}

// Extracted is an entry written to disk. Name is relative to the
// destination and reflects any rename decided on conflict.
type Extracted struct {
	Name  string
	Size  int64
	IsDir bool
}

type ExtractOptions struct {
	Format     Format
	OnConflict ConflictFunc
	Progress   ProgressFunc
	SevenZip   *SevenZip
}

// SafeJoin joins an archive entry name onto dest and rejects names that
// would land outside of it.
func SafeJoin(dest, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
		}
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}

	target := filepath.Join(dest, filepath.FromSlash(clean))
	base := filepath.Clean(dest) + string(os.PathSeparator)
	if !strings.HasPrefix(target, base) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return target, nil
}

// ListEntries reads the table of contents of an archive.
func ListEntries(ctx context.Context, archivePath string, format Format, sz *SevenZip) ([]ArchiveEntry, error) {
	switch format {
	case FormatZip:
		zr, err := openZip(archivePath)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		out := make([]ArchiveEntry, 0, len(zr.File))
		for _, f := range zr.File {
			out = append(out, ArchiveEntry{
				Name:  strings.TrimSuffix(f.Name, "/"),
				Size:  int64(f.UncompressedSize64),
				IsDir: f.FileInfo().IsDir(),
			})
		}
		return out, nil
	case FormatTarGz:
		var out []ArchiveEntry
		err := walkTarGz(ctx, archivePath, nil, func(h *tar.Header, _ io.Reader) error {
			switch h.Typeflag {
			case tar.TypeDir, tar.TypeReg:
				out = append(out, ArchiveEntry{
					Name:  strings.TrimSuffix(h.Name, "/"),
					Size:  h.Size,
					IsDir: h.Typeflag == tar.TypeDir,
				})
			}
			return nil
		})
		return out, err
	case Format7z:
		if sz == nil {
			sz = NewSevenZip("")
		}
		return sz.List(ctx, archivePath)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// FindConflicts compares archive entries with what already exists under
// dest without writing anything. Directories that already exist merge and
// are not reported.
func FindConflicts(entries []ArchiveEntry, dest string) ([]Conflict, error) {
	var out []Conflict
	for _, e := range entries {
		target, err := SafeJoin(dest, e.Name)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		if e.IsDir && info.IsDir() {
			continue
		}
		out = append(out, Conflict{Name: e.Name, Target: target, IsDir: e.IsDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Extract unpacks archivePath into dest.
func Extract(ctx context.Context, archivePath, dest string, opts ExtractOptions) ([]Extracted, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	x := &extraction{ctx: ctx, dest: dest, onConflict: opts.OnConflict}

	var err error
	switch opts.Format {
	case FormatZip:
		err = x.zip(archivePath, opts.Progress)
	case FormatTarGz:
		err = x.tarGz(archivePath, opts.Progress)
	case Format7z:
		err = x.sevenZip(archivePath, opts.SevenZip, opts.Progress)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, opts.Format)
	}
	if err != nil {
		return x.out, err
	}
	return x.out, nil
}

type extraction struct {
	ctx        context.Context
	dest       string
	onConflict ConflictFunc
	renamed    map[string]string
	out        []Extracted
}

func (x *extraction) zip(archivePath string, progress ProgressFunc) error {
	zr, err := openZip(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		total += int64(f.UncompressedSize64)
	}
	tracker := newProgressTracker(total, progress)

	for _, f := range zr.File {
		if err := x.ctx.Err(); err != nil {
			return context.Cause(x.ctx)
		}
		name := strings.TrimSuffix(f.Name, "/")
		if f.FileInfo().IsDir() {
			if err := x.dir(name); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		err := x.file(name, int64(f.UncompressedSize64), tracker, func() (io.ReadCloser, error) {
			return f.Open()
		})
		if err != nil {
			return err
		}
	}

	tracker.finish()
	return nil
}

func (x *extraction) tarGz(archivePath string, progress ProgressFunc) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	tracker := newProgressTracker(info.Size(), progress)

	err = walkTarGz(x.ctx, archivePath, tracker, func(h *tar.Header, r io.Reader) error {
		name := strings.TrimSuffix(h.Name, "/")
		switch h.Typeflag {
		case tar.TypeDir:
			return x.dir(name)
		case tar.TypeReg:
			return x.file(name, h.Size, nil, func() (io.ReadCloser, error) {
				return io.NopCloser(r), nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	tracker.finish()
	return nil
}

func walkTarGz(ctx context.Context, archivePath string, tracker *progressTracker, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(&ctxReader{ctx: ctx, r: f, tracker: tracker})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if err := fn(h, tr); err != nil {
			return err
		}
	}
}

// sevenZip extracts into a staging directory next to dest and then places
// every entry with the same conflict handling as the streaming codecs.
func (x *extraction) sevenZip(archivePath string, sz *SevenZip, progress ProgressFunc) error {
	if sz == nil {
		sz = NewSevenZip("")
	}
	staging, err := os.MkdirTemp(x.dest, ".extract-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := sz.Extract(x.ctx, archivePath, staging, progress); err != nil {
		return err
	}

	return filepath.WalkDir(staging, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == staging {
			return nil
		}
		rel, err := filepath.Rel(staging, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			return x.dir(name)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return x.file(name, info.Size(), nil, func() (io.ReadCloser, error) {
			return os.Open(p)
		})
	})
}

// mapName applies renames chosen for parent entries so children follow
// their directory.
func (x *extraction) mapName(name string) string {
	for from, to := range x.renamed {
		if strings.HasPrefix(name, from+"/") {
			return to + strings.TrimPrefix(name, from)
		}
	}
	return name
}

func (x *extraction) resolve(name string, isDir bool) (string, string, bool, error) {
	name = x.mapName(name)
	target, err := SafeJoin(x.dest, name)
	if err != nil {
		return "", "", false, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return name, target, true, nil
	}
	if isDir && info.IsDir() {
		return name, target, true, nil
	}
	if x.onConflict == nil {
		return name, target, true, x.clear(target, info, isDir)
	}

	action, err := x.onConflict(x.ctx, Conflict{Name: name, Target: target, IsDir: isDir})
	if err != nil {
		return "", "", false, err
	}
	switch action {
	case ConflictSkip:
		return name, target, false, nil
	case ConflictRename:
		newTarget := UniqueName(target)
		newName := path.Join(path.Dir(name), filepath.Base(newTarget))
		if isDir {
			if x.renamed == nil {
				x.renamed = make(map[string]string)
			}
			x.renamed[name] = newName
		}
		return newName, newTarget, true, nil
	default:
		return name, target, true, x.clear(target, info, isDir)
	}
}

// clear makes room for an overwrite. A directory that is replaced by a
// file is removed with its contents.
func (x *extraction) clear(target string, info os.FileInfo, isDir bool) error {
	if info.IsDir() && !isDir {
		return os.RemoveAll(target)
	}
	if !info.IsDir() && isDir {
		return os.Remove(target)
	}
	return nil
}

func (x *extraction) dir(name string) error {
	name, target, ok, err := x.resolve(name, true)
	if err != nil || !ok {
		return err
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	x.out = append(x.out, Extracted{Name: name, IsDir: true})
	return nil
}

func (x *extraction) file(name string, size int64, tracker *progressTracker, open func() (io.ReadCloser, error)) error {
	name, target, ok, err := x.resolve(name, false)
	if err != nil {
		return err
	}
	if !ok {
		if tracker != nil {
			tracker.add(size)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", name, err)
	}

	src, err := open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}

	n, err := io.Copy(dst, &ctxReader{ctx: x.ctx, r: src, tracker: tracker})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		if x.ctx.Err() != nil {
			return context.Cause(x.ctx)
		}
		return fmt.Errorf("failed to extract %s: %w", name, err)
	}

	x.out = append(x.out, Extracted{Name: name, Size: n})
	return nil
}

// UniqueName returns p, or the first "name (n).ext" variant of it that
// does not exist yet.
func UniqueName(p string) string {
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return p
	}
	dir, base := filepath.Split(p)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if strings.HasSuffix(strings.ToLower(stem), ".tar") {
		ext = stem[len(stem)-4:] + ext
		stem = stem[:len(stem)-4]
	}
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func openZip(archivePath string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	return zr, nil
}
