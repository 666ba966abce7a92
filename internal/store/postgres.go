package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UserSummaries retrieves display fields for the given users.
func (s *PostgresStore) UserSummaries(ctx context.Context, userIDs []string) (map[string]models.UserSummary, error) {
	out := make(map[string]models.UserSummary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	defer observeDB(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(username, ''), COALESCE(name, ''), COALESCE(avatar_url, ''),
		       verified_status IS NOT NULL AND verified_status <> 'none', last_seen_at
		FROM users WHERE id = ANY($1)
	`, userIDs)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Verified, &u.LastSeenAt); err != nil {
			return out, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// CanView reports whether viewer may subscribe to a post's update room.
func (s *PostgresStore) CanView(ctx context.Context, viewer models.Viewer, postID string) (bool, error) {
	defer observeDB(time.Now())

	var p postAccess
	err := s.pool.QueryRow(ctx, `
		SELECT p.user_id, p.visibility, p.deleted_at IS NOT NULL,
		       EXISTS (SELECT 1 FROM follows f WHERE f.follower_id = $2 AND f.following_id = p.user_id)
		FROM posts p WHERE p.id = $1
	`, postID, viewer.UserID).Scan(&p.AuthorID, &p.Visibility, &p.Deleted, &p.Following)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return p.allowed(viewer), nil
}

// RecordLastSeen stores the time a user was last online.
func (s *PostgresStore) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	defer observeDB(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_seen_at = $2 WHERE id = $1
	`, userID, at)
	return err
}

func observeDB(start time.Time) {
	metrics.DatabaseLatency.Observe(time.Since(start).Seconds())
}
