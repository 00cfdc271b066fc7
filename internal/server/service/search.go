package service

import (
	"context"
	"strings"
)

const DefaultSearchLimit = 10

// SearchService finds items of one owner by name.
type SearchService struct {
	repo  MetadataStore
	limit int
}

func NewSearchService(repo MetadataStore, limit int) *SearchService {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &SearchService{repo: repo, limit: limit}
}

// Search returns folders then files whose name contains q, ignoring case.
// A blank query matches nothing.
func (s *SearchService) Search(ctx context.Context, ownerID, q string) ([]Item, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []Item{}, nil
	}
	folders, files, err := s.repo.SearchByName(ctx, ownerID, q, s.limit)
	if err != nil {
		return nil, mapStoreError("search", err)
	}
	items := make([]Item, 0, len(folders)+len(files))
	for _, f := range folders {
		items = append(items, folderItem(f))
	}
	for _, f := range files {
		items = append(items, fileItem(f))
	}
	return items, nil
}
