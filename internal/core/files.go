package core

// Node is an entry of a Filetree: either a regular *File or a *Dir.
type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
	virtual  bool
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

// Size is the file size observed when the tree was built.
func (f *File) Size() int64 {
	return f.size
}

func (f *File) Dir() *Dir {
	return f.dir
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}

func (d *Dir) Parent() *Dir {
	return d.parent
}

// Virtual reports whether the directory only groups several inputs and
// has no counterpart on disk. Its name never appears in archive paths.
func (d *Dir) Virtual() bool {
	return d.virtual
}
