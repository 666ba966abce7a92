package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// SQLiteStore handles SQLite database operations. It is meant for local
// development where the main API's Postgres is not available.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/realtime.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/realtime.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT DEFAULT '',
		name TEXT DEFAULT '',
		avatar_url TEXT DEFAULT '',
		verified INTEGER DEFAULT 0,
		last_seen_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'public',
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		following_id TEXT NOT NULL,
		PRIMARY KEY (follower_id, following_id)
	);

	CREATE INDEX IF NOT EXISTS idx_posts_user_id ON posts(user_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UserSummaries retrieves display fields for the given users.
func (s *SQLiteStore) UserSummaries(ctx context.Context, userIDs []string) (map[string]models.UserSummary, error) {
	out := make(map[string]models.UserSummary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	defer observeDB(time.Now())

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, name, avatar_url, verified, last_seen_at
		FROM users WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u        models.UserSummary
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Verified, &lastSeen); err != nil {
			return out, err
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			u.LastSeenAt = &t
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// CanView reports whether viewer may subscribe to a post's update room.
func (s *SQLiteStore) CanView(ctx context.Context, viewer models.Viewer, postID string) (bool, error) {
	defer observeDB(time.Now())

	var p postAccess
	err := s.db.QueryRowContext(ctx, `
		SELECT p.user_id, p.visibility, p.deleted_at IS NOT NULL,
		       EXISTS (SELECT 1 FROM follows f WHERE f.follower_id = ? AND f.following_id = p.user_id)
		FROM posts p WHERE p.id = ?
	`, viewer.UserID, postID).Scan(&p.AuthorID, &p.Visibility, &p.Deleted, &p.Following)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return p.allowed(viewer), nil
}

// RecordLastSeen stores the time a user was last online.
func (s *SQLiteStore) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	defer observeDB(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, userID, at.UTC())
	return err
}
