package core

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

func (k PathKind) String() string {
	if k == PathDir {
		return "dir"
	}
	return "file"
}

// ParsedPath is an input of BuildFiletree. Name overrides the entry name
// used inside archives; when empty the base name of FullPath is used.
type ParsedPath struct {
	FullPath string
	Kind     PathKind
	Name     string
}

func (p ParsedPath) EntryName() string {
	if p.Name != "" {
		return p.Name
	}
	return filepath.Base(p.FullPath)
}

// ParseArgs validates command line paths for the pack command.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p, err := StatPath(raw, "")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

// StatPath builds a ParsedPath for an existing file or directory.
func StatPath(raw, name string) (ParsedPath, error) {
	p := filepath.Clean(raw)
	info, err := os.Stat(p)
	if err != nil {
		return ParsedPath{}, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
	}

	kind := PathFile
	if info.IsDir() {
		kind = PathDir
	} else if !info.Mode().IsRegular() {
		return ParsedPath{}, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
	}

	return ParsedPath{FullPath: p, Kind: kind, Name: name}, nil
}
