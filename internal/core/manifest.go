package core

import "time"

// Manifest summarizes what an archive run is going to write.
type Manifest struct {
	Entries   []Entry
	TotalSize int64
	FileCount int
	DirCount  int
	CreatedAt time.Time
}

func NewManifest(ft *Filetree) *Manifest {
	m := &Manifest{
		Entries:   ft.Entries(),
		CreatedAt: time.Now(),
	}
	for _, e := range m.Entries {
		if e.IsDir {
			m.DirCount++
			continue
		}
		m.FileCount++
		m.TotalSize += e.Size
	}
	return m
}
