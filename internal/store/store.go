package store

import (
	"context"
	"time"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// DataStore is the relational side of the service: display enrichment, content
// permissions and last-seen persistence. Both PostgresStore and SQLiteStore
// implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Directory lookups for broadcast enrichment
	UserSummaries(ctx context.Context, userIDs []string) (map[string]models.UserSummary, error)

	// Content permissions
	CanView(ctx context.Context, viewer models.Viewer, postID string) (bool, error)

	// Last-seen persistence
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Post visibilities understood by CanView.
const (
	VisibilityPublic    = "public"
	VisibilityFollowers = "followers"
	VisibilityOnlyMe    = "onlyMe"
)

// postAccess is the row data needed to decide visibility.
type postAccess struct {
	AuthorID   string
	Visibility string
	Deleted    bool
	Following  bool
}

// allowed decides whether viewer may see the post. Unknown visibilities deny.
func (p postAccess) allowed(viewer models.Viewer) bool {
	if p.Deleted {
		return false
	}
	if p.AuthorID == viewer.UserID || viewer.IsAdmin {
		return true
	}
	switch p.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityFollowers:
		return p.Following
	default:
		return false
	}
}

// NopStore is used when no database is configured. Lookups return nothing and
// content rooms are denied.
type NopStore struct{}

func (NopStore) Close()                         {}
func (NopStore) Ping(ctx context.Context) error { return nil }

func (NopStore) UserSummaries(ctx context.Context, userIDs []string) (map[string]models.UserSummary, error) {
	return map[string]models.UserSummary{}, nil
}

func (NopStore) CanView(ctx context.Context, viewer models.Viewer, postID string) (bool, error) {
	return false, nil
}

func (NopStore) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	return nil
}
