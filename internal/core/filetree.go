package core

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

type Filetree struct {
	Root Node
}

// Entry is a flattened tree node with its slash separated archive name.
type Entry struct {
	Name       string
	SourcePath string
	Size       int64
	IsDir      bool
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	var rootNodes []Node
	seen := make(map[string]bool)

	for _, parsedPath := range paths {
		name := parsedPath.EntryName()
		if seen[name] {
			return nil, fmt.Errorf("duplicate entry name %q", name)
		}
		seen[name] = true

		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath, name)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
			continue
		}

		info, err := os.Stat(parsedPath.FullPath)
		if err != nil {
			return nil, err
		}
		rootNodes = append(rootNodes, &File{
			path: parsedPath.FullPath,
			name: name,
			size: info.Size(),
		})
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	var root Node
	if len(rootNodes) == 1 {
		root = rootNodes[0]
	} else {
		root = createVirtualRoot(rootNodes)
	}

	return &Filetree{Root: root}, nil
}

func buildDirTree(dirPath, name string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     name,
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath, entry.Name())
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
		// symlinks, sockets and devices are never archived
	}

	return dir, nil
}

func createVirtualRoot(children []Node) *Dir {
	virtualRoot := &Dir{
		children: children,
		virtual:  true,
	}

	for _, child := range children {
		switch n := child.(type) {
		case *Dir:
			n.parent = virtualRoot
		case *File:
			n.dir = virtualRoot
		}
	}

	return virtualRoot
}

// FlattenTree returns every node in depth-first pre-order. The virtual
// root, if any, is not included.
func (ft *Filetree) FlattenTree() []Node {
	var nodes []Node
	var walk func(n Node)
	walk = func(n Node) {
		if d, ok := n.(*Dir); ok {
			if !d.virtual {
				nodes = append(nodes, d)
			}
			for _, child := range d.children {
				walk(child)
			}
			return
		}
		nodes = append(nodes, n)
	}
	walk(ft.Root)
	return nodes
}

// Entries returns the archive layout of the tree in depth-first pre-order.
func (ft *Filetree) Entries() []Entry {
	var out []Entry
	var walk func(n Node, base string)
	walk = func(n Node, base string) {
		switch v := n.(type) {
		case *File:
			out = append(out, Entry{
				Name:       path.Join(base, v.name),
				SourcePath: v.path,
				Size:       v.size,
			})
		case *Dir:
			name := base
			if !v.virtual {
				name = path.Join(base, v.name)
				out = append(out, Entry{Name: name, SourcePath: v.path, IsDir: true})
			}
			for _, child := range v.children {
				walk(child, name)
			}
		}
	}
	walk(ft.Root, "")
	return out
}

// TopLevelPaths returns the on-disk paths of the tree's inputs.
func (ft *Filetree) TopLevelPaths() []string {
	if d, ok := ft.Root.(*Dir); ok && d.virtual {
		out := make([]string, 0, len(d.children))
		for _, child := range d.children {
			out = append(out, child.Path())
		}
		return out
	}
	return []string{ft.Root.Path()}
}

func (ft *Filetree) GetUncompressedSize() int64 {
	var totalSize int64
	for _, node := range ft.FlattenTree() {
		if file, ok := node.(*File); ok {
			totalSize += file.size
		}
	}
	return totalSize
}
