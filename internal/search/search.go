// Package search finds canvases by title, through Meilisearch when it is
// reachable and Postgres otherwise.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Record is the data we index for a canvas.
type Record struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Index is a title index scoped by owner.
type Index interface {
	Healthy() bool
	Search(ownerID, text string, limit int) ([]Result, error)
	Upsert(record Record) error
	Delete(id string) error
}
