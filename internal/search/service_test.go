package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"voicecanvas/api/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	err     error
	results []Result
	records map[string]Record
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(ownerID, text string, limit int) ([]Result, error) {
	return f.results, f.err
}

func (f *fakeIndex) Upsert(record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
	return nil
}

func (f *fakeIndex) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

type fakeTitles struct {
	calls int
	owner string
}

func (f *fakeTitles) SearchTitles(_ context.Context, ownerID, query string, limit int) ([]store.Summary, error) {
	f.calls++
	f.owner = ownerID
	return []store.Summary{{ID: "cnv_pg", Title: "Floor plan"}}, nil
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, results: []Result{{ID: "cnv_meili", Title: "Floor plan"}}}
	titles := &fakeTitles{}
	svc := NewService(index, titles, nil)

	results, err := svc.Search(context.Background(), "usr_1", "floor", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "cnv_meili" || titles.calls != 0 {
		t.Fatalf("unexpected results %+v (pg calls %d)", results, titles.calls)
	}
}

func TestSearchFallsBackToPostgres(t *testing.T) {
	cases := []struct {
		name  string
		index Index
	}{
		{"no index", nil},
		{"unhealthy", &fakeIndex{healthy: false}},
		{"index error", &fakeIndex{healthy: true, err: errors.New("timeout")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			titles := &fakeTitles{}
			svc := NewService(tc.index, titles, nil)
			results, err := svc.Search(context.Background(), "usr_1", "floor", 5)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) != 1 || results[0].ID != "cnv_pg" || titles.owner != "usr_1" {
				t.Fatalf("unexpected fallback results %+v", results)
			}
		})
	}
}

func TestIndexAndRemove(t *testing.T) {
	index := &fakeIndex{healthy: true, records: map[string]Record{}}
	svc := NewService(index, &fakeTitles{}, nil)

	svc.Index("usr_1", store.Summary{ID: "cnv_1", Title: "Floor plan", UpdatedAt: time.Unix(100, 0)})
	svc.Wait()
	if got := index.records["cnv_1"]; got.OwnerID != "usr_1" || got.Title != "Floor plan" || got.UpdatedAt != 100 {
		t.Fatalf("unexpected record %+v", got)
	}

	svc.Remove("cnv_1")
	svc.Wait()
	if len(index.records) != 0 {
		t.Fatalf("record not removed: %+v", index.records)
	}
}

func TestHitToResultPrefersHighlight(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"cnv_1"`),
		"title":      json.RawMessage(`"Floor plan"`),
		"_formatted": json.RawMessage(`{"title":"<mark>Floor</mark> plan","id":"cnv_1"}`),
	}
	result := hitToResult(hit)
	if result.ID != "cnv_1" || result.Title != "Floor plan" || result.Snippet != "<mark>Floor</mark> plan" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestOwnerFilter(t *testing.T) {
	if got := ownerFilter(`usr_"1`); got != `ownerId = "usr_\"1"` {
		t.Fatalf("unexpected filter %s", got)
	}
}
