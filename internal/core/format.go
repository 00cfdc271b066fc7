package core

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported archive format")

type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tgz"
	Format7z    Format = "7z"
)

// ParseFormat accepts the archive type names clients send.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tgz", "tar.gz", "tar", "gzip":
		return FormatTarGz, nil
	case "7z", "7zip":
		return Format7z, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// DetectFormat picks the format from a file name.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".7z"):
		return Format7z, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

func (f Format) Extension() string {
	switch f {
	case FormatTarGz:
		return ".tar.gz"
	case Format7z:
		return ".7z"
	}
	return ".zip"
}

func (f Format) MimeType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case Format7z:
		return "application/x-7z-compressed"
	}
	return "application/zip"
}

// EnsureExtension appends the format's extension unless name already has it.
func (f Format) EnsureExtension(name string) string {
	if got, err := DetectFormat(name); err == nil && got == f {
		return name
	}
	return name + f.Extension()
}
