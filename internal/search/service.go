package search

import (
	"context"
	"log/slog"
	"sync"

	"voicecanvas/api/internal/store"
)

const defaultLimit = 20

// TitleStore is the Postgres fallback.
type TitleStore interface {
	SearchTitles(ctx context.Context, ownerID, query string, limit int) ([]store.Summary, error)
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	index  Index
	titles TitleStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, titles TitleStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, titles: titles, logger: logger.With("component", "search")}
}

// Search returns the owner's canvases whose title matches text.
func (s *Service) Search(ctx context.Context, ownerID, text string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if s.indexReady() {
		results, err := s.index.Search(ownerID, text, limit)
		if err == nil {
			return nonNil(results), nil
		}
		s.logger.Warn("meilisearch error, falling back to postgres", "error", err)
	}

	summaries, err := s.titles.SearchTitles(ctx, ownerID, text, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(summaries))
	for _, summary := range summaries {
		results = append(results, Result{ID: summary.ID, Title: summary.Title, Snippet: summary.Title})
	}
	return results, nil
}

// Index pushes a canvas title to the index (fire-and-forget).
func (s *Service) Index(ownerID string, summary store.Summary) {
	if !s.indexReady() {
		return
	}
	record := Record{ID: summary.ID, OwnerID: ownerID, Title: summary.Title, UpdatedAt: summary.UpdatedAt.Unix()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.Upsert(record); err != nil {
			s.logger.Warn("index canvas", "canvas_id", record.ID, "error", err)
		}
	}()
}

// Remove deletes a canvas from the index (fire-and-forget).
func (s *Service) Remove(id string) {
	if !s.indexReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.Delete(id); err != nil {
			s.logger.Warn("remove canvas from index", "canvas_id", id, "error", err)
		}
	}()
}

// Wait blocks until pending index writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
