package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Load(ctx context.Context, ownerID, id string) (DocumentRecord, error) {
	var (
		record    DocumentRecord
		snapshot  []byte
		thumbnail sql.NullString
		openedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, snapshot, thumbnail, version, created_at, updated_at, opened_at
		FROM canvases
		WHERE id=$1 AND owner_id=$2
	`, id, ownerID).Scan(
		&record.ID,
		&record.OwnerID,
		&record.Title,
		&snapshot,
		&thumbnail,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
		&openedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("load canvas: %w", err)
	}
	if len(snapshot) > 0 {
		record.Snapshot = snapshot
	}
	record.Thumbnail = thumbnail.String
	if openedAt.Valid {
		opened := openedAt.Time
		record.OpenedAt = &opened
	}
	return record, nil
}

// Save overwrites the snapshot of an existing canvas. The thumbnail column is left alone.
func (s *PostgresStore) Save(ctx context.Context, ownerID string, req SaveRequest) error {
	if strings.TrimSpace(req.ID) == "" || len(req.Snapshot) == 0 {
		return fmt.Errorf("save canvas: %w", ErrInvalidInput)
	}
	version := req.Version
	if version == 0 {
		version = SnapshotVersion
	}
	updatedAt := req.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases
		SET snapshot=$3, updated_at=$4, version=$5
		WHERE id=$1 AND owner_id=$2
	`, req.ID, ownerID, []byte(req.Snapshot), updatedAt, version)
	if err != nil {
		return fmt.Errorf("save canvas: %w", err)
	}
	return expectOne(result, "save canvas")
}

// UpdateThumbnail writes only the thumbnail column.
func (s *PostgresStore) UpdateThumbnail(ctx context.Context, ownerID, id, image string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET thumbnail=$3 WHERE id=$1 AND owner_id=$2
	`, id, ownerID, image)
	if err != nil {
		return fmt.Errorf("update thumbnail: %w", err)
	}
	return expectOne(result, "update thumbnail")
}

func (s *PostgresStore) List(ctx context.Context, ownerID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(thumbnail, ''), created_at, updated_at
		FROM canvases
		WHERE owner_id=$1
		ORDER BY updated_at DESC, id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// SearchTitles is the fallback title search when no index is reachable.
func (s *PostgresStore) SearchTitles(ctx context.Context, ownerID, query string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(thumbnail, ''), created_at, updated_at
		FROM canvases
		WHERE owner_id=$1 AND title ILIKE $2 ESCAPE '\'
		ORDER BY updated_at DESC, id ASC
		LIMIT $3
	`, ownerID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search canvases: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *PostgresStore) Create(ctx context.Context, record DocumentRecord) (DocumentRecord, error) {
	if strings.TrimSpace(record.Title) == "" {
		record.Title = DefaultTitle
	}
	if record.Version == 0 {
		record.Version = SnapshotVersion
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO canvases (id, owner_id, title, version)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, record.ID, record.OwnerID, record.Title, record.Version).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("create canvas: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Rename(ctx context.Context, ownerID, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("rename canvas: %w", ErrInvalidInput)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET title=$3 WHERE id=$1 AND owner_id=$2
	`, id, ownerID, title)
	if err != nil {
		return fmt.Errorf("rename canvas: %w", err)
	}
	return expectOne(result, "rename canvas")
}

func (s *PostgresStore) Delete(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM canvases WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete canvas: %w", err)
	}
	return expectOne(result, "delete canvas")
}

// Touch records that the canvas was opened from the dashboard.
func (s *PostgresStore) Touch(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET opened_at=NOW() WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("touch canvas: %w", err)
	}
	return expectOne(result, "touch canvas")
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, user.ID, strings.ToLower(user.Email), user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email=$1`, strings.ToLower(user.Email)).Scan(&id); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if id != user.ID {
		return ErrEmailTaken
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email=$1`, strings.ToLower(email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1`, id)
}

func (s *PostgresStore) scanUser(ctx context.Context, query string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	summaries := []Summary{}
	for rows.Next() {
		var item Summary
		if err := rows.Scan(&item.ID, &item.Title, &item.Thumbnail, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canvases: %w", err)
	}
	return summaries, nil
}

func expectOne(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
