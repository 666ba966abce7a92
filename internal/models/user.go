package models

import "time"

// Viewer is the authenticated identity attached to a connection.
type Viewer struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// UserSummary is the display snapshot used to enrich broadcasts.
type UserSummary struct {
	ID          string     `json:"id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Verified    bool       `json:"verified,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}
