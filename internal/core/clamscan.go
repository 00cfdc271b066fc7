package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

type ScanResult struct {
	Infected bool
	Details  string
}

// ClamScanner runs clamscan on a single file. Exit status 1 means a
// signature matched.
type ClamScanner struct {
	Bin string
}

func NewClamScanner(bin string) *ClamScanner {
	if bin == "" {
		bin = "clamscan"
	}
	return &ClamScanner{Bin: bin}
}

func (c *ClamScanner) Scan(ctx context.Context, path string) (ScanResult, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Bin, "--no-summary", path)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err == nil {
		return ScanResult{Details: "clean"}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && ctx.Err() == nil {
		return ScanResult{Infected: true, Details: parseClamOutput(out)}, nil
	}
	return ScanResult{}, classifyToolError(ctx, c.Bin, err, stderr.String())
}

// parseClamOutput extracts the signature names from lines such as
// "/path/file: Eicar-Signature FOUND".
func parseClamOutput(out []byte) string {
	var found []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		if i := strings.LastIndex(line, ": "); i >= 0 {
			line = line[i+2:]
		}
		found = append(found, line)
	}
	if len(found) == 0 {
		return "infected"
	}
	return strings.Join(found, ", ")
}
