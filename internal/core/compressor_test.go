package core

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// helpers

func verifyZipContents(t *testing.T, zipBytes []byte, expectedFiles map[string]string) {
	t.Helper()

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("failed to create zip reader: %v", err)
	}

	var files int
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files++

		expectedContent, exists := expectedFiles[f.Name]
		if !exists {
			t.Errorf("unexpected file in zip: %s", f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			t.Errorf("failed to open file %s in zip: %v", f.Name, err)
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Errorf("failed to read file %s: %v", f.Name, err)
			continue
		}

		if string(content) != expectedContent {
			t.Errorf("file %s: expected content %q, got %q", f.Name, expectedContent, string(content))
		}
	}

	if files != len(expectedFiles) {
		t.Errorf("expected %d files in zip, got %d", len(expectedFiles), files)
	}
}

func readTarGz(t *testing.T, data []byte) map[string]string {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to open gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	out := make(map[string]string)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar: %v", err)
		}
		if h.Typeflag == tar.TypeDir {
			out[h.Name] = "<dir>"
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("failed to read entry: %v", err)
		}
		out[h.Name] = string(content)
	}
	return out
}

func buildTree(t *testing.T, paths ...ParsedPath) *Filetree {
	t.Helper()
	tree, err := BuildFiletree(paths)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// Tests

func TestFiletree_WriteArchiveZip(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		testFile := setupTestFile(t, "test.txt", "hello world")
		tree := buildTree(t, ParsedPath{FullPath: testFile, Kind: PathFile})

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip, Level: -1}); err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, buf.Bytes(), map[string]string{"test.txt": "hello world"})
	})

	t.Run("directory with files", func(t *testing.T) {
		dirPath := setupTestDir(t, "mydir", map[string]string{
			"file1.txt": "content1",
			"file2.txt": "content2",
		})
		tree := buildTree(t, ParsedPath{FullPath: dirPath, Kind: PathDir})

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip, Level: 6}); err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, buf.Bytes(), map[string]string{
			"mydir/file1.txt": "content1",
			"mydir/file2.txt": "content2",
		})
	})

	t.Run("multiple files sit at the archive root", func(t *testing.T) {
		file1 := setupTestFile(t, "file1.txt", "content1")
		file2 := setupTestFile(t, "file2.txt", "content2")
		tree := buildTree(t,
			ParsedPath{FullPath: file1, Kind: PathFile},
			ParsedPath{FullPath: file2, Kind: PathFile},
		)

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip}); err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, buf.Bytes(), map[string]string{
			"file1.txt": "content1",
			"file2.txt": "content2",
		})
	})

	t.Run("level zero stores entries", func(t *testing.T) {
		content := strings.Repeat("A", 4096)
		testFile := setupTestFile(t, "plain.txt", content)
		tree := buildTree(t, ParsedPath{FullPath: testFile, Kind: PathFile})

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip, Level: 0}); err != nil {
			t.Fatal(err)
		}

		reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		if err != nil {
			t.Fatal(err)
		}
		if reader.File[0].Method != zip.Store {
			t.Errorf("expected Store method, got %d", reader.File[0].Method)
		}
	})

	t.Run("repetitive content compresses", func(t *testing.T) {
		repetitiveContent := strings.Repeat("AAAAAAAAAA", 10000)
		testFile := setupTestFile(t, "test.txt", repetitiveContent)
		tree := buildTree(t, ParsedPath{FullPath: testFile, Kind: PathFile})

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip, Level: 9}); err != nil {
			t.Fatal(err)
		}

		if buf.Len() >= len(repetitiveContent) {
			t.Errorf("expected compression: archive %d bytes, input %d bytes", buf.Len(), len(repetitiveContent))
		}
	})

	t.Run("empty directories are kept", func(t *testing.T) {
		rootDir := setupNestedTestDir(t, map[string]interface{}{
			"outer": map[string]interface{}{
				"inner": map[string]interface{}{},
			},
		})
		tree := buildTree(t, ParsedPath{FullPath: filepath.Join(rootDir, "outer"), Kind: PathDir})

		var buf bytes.Buffer
		if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatZip}); err != nil {
			t.Fatal(err)
		}

		reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, f := range reader.File {
			if f.Name == "outer/inner/" {
				found = true
			}
		}
		if !found {
			t.Error("expected entry for empty directory")
		}
	})
}

func TestFiletree_WriteArchiveTarGz(t *testing.T) {
	rootDir := setupNestedTestDir(t, map[string]interface{}{
		"proj": map[string]interface{}{
			"main.go": "package main",
			"pkg": map[string]interface{}{
				"lib.go": "package pkg",
			},
		},
	})
	tree := buildTree(t, ParsedPath{FullPath: filepath.Join(rootDir, "proj"), Kind: PathDir})

	var buf bytes.Buffer
	if err := tree.WriteArchive(context.Background(), &buf, CompressOptions{Format: FormatTarGz, Level: 6}); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}

	got := readTarGz(t, buf.Bytes())
	expected := map[string]string{
		"proj/":           "<dir>",
		"proj/main.go":    "package main",
		"proj/pkg/":       "<dir>",
		"proj/pkg/lib.go": "package pkg",
	}
	for name, content := range expected {
		if got[name] != content {
			t.Errorf("entry %s: expected %q, got %q", name, content, got[name])
		}
	}
}

func TestFiletree_WriteArchiveProgress(t *testing.T) {
	dirPath := setupTestDir(t, "data", map[string]string{
		"a.bin": strings.Repeat("a", 64*1024),
		"b.bin": strings.Repeat("b", 64*1024),
	})
	tree := buildTree(t, ParsedPath{FullPath: dirPath, Kind: PathDir})

	var reports []int
	opts := CompressOptions{
		Format:   FormatZip,
		Progress: func(p int) { reports = append(reports, p) },
	}
	if err := tree.WriteArchive(context.Background(), io.Discard, opts); err != nil {
		t.Fatal(err)
	}

	if len(reports) == 0 {
		t.Fatal("expected progress reports")
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] <= reports[i-1] {
			t.Errorf("progress not increasing: %v", reports)
			break
		}
	}
	if reports[len(reports)-1] != 100 {
		t.Errorf("expected final report of 100, got %d", reports[len(reports)-1])
	}
}

func TestFiletree_CompressToFile(t *testing.T) {
	t.Run("writes the archive", func(t *testing.T) {
		testFile := setupTestFile(t, "note.txt", "remember")
		tree := buildTree(t, ParsedPath{FullPath: testFile, Kind: PathFile})
		dst := filepath.Join(t.TempDir(), "out.zip")

		if err := tree.CompressToFile(context.Background(), dst, CompressOptions{Format: FormatZip}); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		verifyZipContents(t, data, map[string]string{"note.txt": "remember"})
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		testFile := setupTestFile(t, "note.txt", "remember")
		tree := buildTree(t, ParsedPath{FullPath: testFile, Kind: PathFile})
		dst := filepath.Join(t.TempDir(), "out.zip")
		if err := os.WriteFile(dst, []byte("existing"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := tree.CompressToFile(context.Background(), dst, CompressOptions{Format: FormatZip}); err == nil {
			t.Fatal("expected error for existing destination")
		}
		data, _ := os.ReadFile(dst)
		if string(data) != "existing" {
			t.Error("existing file was modified")
		}
	})

	t.Run("cancellation removes the partial archive", func(t *testing.T) {
		dirPath := setupTestDir(t, "big", map[string]string{
			"a.bin": strings.Repeat("x", 256*1024),
			"b.bin": strings.Repeat("y", 256*1024),
		})
		tree := buildTree(t, ParsedPath{FullPath: dirPath, Kind: PathDir})
		dst := filepath.Join(t.TempDir(), "out.zip")

		errStop := errors.New("stopped by user")
		ctx, cancel := context.WithCancelCause(context.Background())
		opts := CompressOptions{
			Format: FormatZip,
			Progress: func(p int) {
				if p >= 10 {
					cancel(errStop)
				}
			},
		}

		err := tree.CompressToFile(ctx, dst, opts)
		if !errors.Is(err, errStop) {
			t.Fatalf("expected cancellation cause, got %v", err)
		}
		if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
			t.Error("expected partial archive to be removed")
		}
	})
}
