package store

import (
	"encoding/json"
	"errors"
	"time"
)

// SnapshotVersion is the only snapshot format written today.
const SnapshotVersion = 1

const DefaultTitle = "Untitled"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidInput = errors.New("invalid input")
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// DocumentRecord is one persisted canvas. Snapshot is opaque to the store.
type DocumentRecord struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Title     string          `json:"title"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Thumbnail string          `json:"thumbnail,omitempty"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	OpenedAt  *time.Time      `json:"openedAt,omitempty"`
}

// SaveRequest is the autosave write payload.
type SaveRequest struct {
	ID        string
	Snapshot  json.RawMessage
	UpdatedAt time.Time
	Version   int
}

// Summary is a dashboard row; it carries the thumbnail but never the snapshot.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
