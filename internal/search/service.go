package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to a
// storage-side substring match.
type Service struct {
	meili *Meili
	pg    *PgLike
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PgLike) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise the storage fallback.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to storage: %v", err)
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: storage fallback error: %v", err)
		return Response{Results: []ListRecord{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexList indexes a list (fire-and-forget to Meilisearch). Called after
// every create, metadata update, and visibility change.
func (s *Service) IndexList(record ListRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexList(record); err != nil {
			log.Printf("search: index list %s: %v", record.ID, err)
		}
	}()
}

// DeleteList removes a list from the search index (fire-and-forget).
func (s *Service) DeleteList(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteList(id); err != nil {
			log.Printf("search: delete list %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads every list from PostgreSQL and pushes it into
// Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexLists(records); err != nil {
		log.Printf("search: reindex lists: %v", err)
	}
}

func nonNil(records []ListRecord) []ListRecord {
	if records == nil {
		return []ListRecord{}
	}
	return records
}
