package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrToolNotFound = errors.New("archive tool not found")
	ErrNoSpace      = errors.New("no space left on device")
	ErrPermission   = errors.New("permission denied")
)

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// SevenZip drives the external 7z binary. Cancelling the context kills
// the process.
type SevenZip struct {
	Bin string
}

func NewSevenZip(bin string) *SevenZip {
	if bin == "" {
		bin = "7z"
	}
	return &SevenZip{Bin: bin}
}

func (s *SevenZip) Compress(ctx context.Context, inputs []string, dst string, level int, progress ProgressFunc) error {
	if level < 0 || level > 9 {
		level = 5
	}
	args := []string{"a", "-t7z", fmt.Sprintf("-mx=%d", level), "-mmt=on", "-bsp1", "-bb0", "-y", dst}
	args = append(args, inputs...)
	return s.run(ctx, args, progress)
}

func (s *SevenZip) Extract(ctx context.Context, archivePath, dst string, progress ProgressFunc) error {
	return s.run(ctx, []string{"x", "-o" + dst, "-y", "-bsp1", "-bb0", archivePath}, progress)
}

func (s *SevenZip) List(ctx context.Context, archivePath string) ([]ArchiveEntry, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Bin, "l", "-slt", archivePath)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, classifyToolError(ctx, s.Bin, err, stderr.String())
	}
	return parseSevenZipListing(out), nil
}

func (s *SevenZip) run(ctx context.Context, args []string, progress ProgressFunc) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Bin, args...)
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to 7z output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return classifyToolError(ctx, s.Bin, err, "")
	}

	tracker := newProgressTracker(100, progress)
	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		if p, ok := parseSevenZipPercent(scanner.Text()); ok && int64(p) > tracker.done {
			tracker.add(int64(p) - tracker.done)
		}
	}

	if err := cmd.Wait(); err != nil {
		return classifyToolError(ctx, s.Bin, err, stderr.String())
	}
	tracker.finish()
	return nil
}

// scanProgressLines splits 7z output on newlines, carriage returns and the
// backspaces it uses to redraw its progress indicator.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n\b"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseSevenZipPercent(line string) (int, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

// parseSevenZipListing reads the technical listing printed by `7z l -slt`.
func parseSevenZipListing(out []byte) []ArchiveEntry {
	var entries []ArchiveEntry
	var cur *ArchiveEntry
	inBody := false

	flush := func() {
		if cur != nil && cur.Name != "" {
			entries = append(entries, *cur)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !inBody {
			if strings.HasPrefix(line, "----------") {
				inBody = true
			}
			continue
		}
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		if cur == nil {
			cur = &ArchiveEntry{}
		}
		switch key {
		case "Path":
			cur.Name = strings.ReplaceAll(value, "\\", "/")
		case "Size":
			cur.Size, _ = strconv.ParseInt(value, 10, 64)
		case "Folder":
			cur.IsDir = value == "+"
		case "Attributes":
			if strings.HasPrefix(value, "D") {
				cur.IsDir = true
			}
		}
	}
	flush()
	return entries
}

// classifyToolError maps a failed subprocess run onto the package errors.
// A cancelled context always wins so callers can tell cancel from failure.
func classifyToolError(ctx context.Context, tool string, err error, stderr string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch {
		case exitErr.ExitCode() == 255 && strings.Contains(stderr, "Break signaled"):
			return context.Canceled
		case strings.Contains(stderr, "No space left on device"):
			return fmt.Errorf("%s: %w", tool, ErrNoSpace)
		case strings.Contains(stderr, "Permission denied"):
			return fmt.Errorf("%s: %w", tool, ErrPermission)
		}
		return fmt.Errorf("%s exited with code %d: %s", tool, exitErr.ExitCode(), strings.TrimSpace(stderr))
	}
	return fmt.Errorf("failed to run %s: %w", tool, err)
}
