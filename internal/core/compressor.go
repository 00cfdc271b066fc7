package core

import (
	"archive/tar"
	"archive/zip"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
)

// CompressOptions controls an archive run. Level follows the 0-9 scale of
// deflate; values outside it select the codec default.
type CompressOptions struct {
	Format   Format
	Level    int
	Progress ProgressFunc
	SevenZip *SevenZip
}

// WriteArchive streams the tree into w as a zip or tar.gz archive. Progress
// is reported as input bytes consumed over the tree's total size.
func (ft *Filetree) WriteArchive(ctx context.Context, w io.Writer, opts CompressOptions) error {
	manifest := NewManifest(ft)
	tracker := newProgressTracker(manifest.TotalSize, opts.Progress)

	var err error
	switch opts.Format {
	case FormatZip, "":
		err = writeZip(ctx, w, manifest.Entries, opts.Level, tracker)
	case FormatTarGz:
		err = writeTarGz(ctx, w, manifest.Entries, opts.Level, tracker)
	default:
		return fmt.Errorf("%w: %s cannot be streamed", ErrUnsupportedFormat, opts.Format)
	}
	if err != nil {
		return err
	}

	tracker.finish()
	return nil
}

// CompressToFile writes the tree to dst. The partial output is removed when
// the run fails or ctx is cancelled.
func (ft *Filetree) CompressToFile(ctx context.Context, dst string, opts CompressOptions) (err error) {
	if opts.Format == Format7z {
		// 7z appends to an existing archive instead of failing
		if _, err := os.Lstat(dst); err == nil {
			return fmt.Errorf("failed to create archive %s: %w", dst, os.ErrExist)
		}
		sz := opts.SevenZip
		if sz == nil {
			sz = NewSevenZip("")
		}
		if err := sz.Compress(ctx, ft.TopLevelPaths(), dst, opts.Level, opts.Progress); err != nil {
			os.Remove(dst)
			return err
		}
		return nil
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	return ft.WriteArchive(ctx, out, opts)
}

func writeZip(ctx context.Context, w io.Writer, entries []Entry, level int, tracker *progressTracker) error {
	zw := zip.NewWriter(w)
	method := uint16(zip.Deflate)
	switch {
	case level == 0:
		method = zip.Store
	case level > 0 && level <= 9:
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	for _, e := range entries {
		if err := addEntryToZip(ctx, zw, e, method, tracker); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func addEntryToZip(ctx context.Context, zw *zip.Writer, e Entry, method uint16, tracker *progressTracker) error {
	info, err := os.Stat(e.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", e.SourcePath, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = e.Name
	if e.IsDir {
		header.Name += "/"
		header.Method = zip.Store
		_, err := zw.CreateHeader(header)
		return err
	}
	header.Method = method

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	return copySource(ctx, writer, e.SourcePath, tracker)
}

func writeTarGz(ctx context.Context, w io.Writer, entries []Entry, level int, tracker *progressTracker) error {
	if level < 0 || level > 9 {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if err := addEntryToTar(ctx, tw, e, tracker); err != nil {
			tw.Close()
			gz.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

func addEntryToTar(ctx context.Context, tw *tar.Writer, e Entry, tracker *progressTracker) error {
	info, err := os.Stat(e.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", e.SourcePath, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = e.Name
	if e.IsDir {
		header.Name += "/"
		return tw.WriteHeader(header)
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	return copySource(ctx, tw, e.SourcePath, tracker)
}

func copySource(ctx context.Context, dst io.Writer, srcPath string, tracker *progressTracker) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: file, tracker: tracker}); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("failed to write %s to archive: %w", srcPath, err)
	}
	return nil
}

// AppendZip deflates the tree's entries into an open zip writer. The
// writer is left open so the caller decides when to finalize it.
func (ft *Filetree) AppendZip(ctx context.Context, zw *zip.Writer, progress ProgressFunc) error {
	manifest := NewManifest(ft)
	tracker := newProgressTracker(manifest.TotalSize, progress)
	for _, e := range manifest.Entries {
		if err := addEntryToZip(ctx, zw, e, zip.Deflate, tracker); err != nil {
			return err
		}
	}
	tracker.finish()
	return nil
}
