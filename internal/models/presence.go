package models

// Online is broadcast when a user becomes online anywhere in the fleet.
type Online struct {
	UserID        string       `json:"userId"`
	LastConnectAt int64        `json:"lastConnectAt"` // Unix ms
	Idle          bool         `json:"idle"`
	User          *UserSummary `json:"user,omitempty"`
}

// UserRef carries only a user id (idle, active and offline events).
type UserRef struct {
	UserID string `json:"userId"`
}

// PresenceSnapshot is the current state of one subscribed target.
type PresenceSnapshot struct {
	UserID        string `json:"userId"`
	Online        bool   `json:"online"`
	Idle          bool   `json:"idle"`
	LastConnectAt int64  `json:"lastConnectAt,omitempty"`
}

// Subscribed is the synchronous reply to a subscribe request.
type Subscribed struct {
	Users []PresenceSnapshot `json:"users"`
}

// OnlineFeedUser is a row of the online feed snapshot.
type OnlineFeedUser struct {
	UserID        string       `json:"userId"`
	LastConnectAt int64        `json:"lastConnectAt"`
	Idle          bool         `json:"idle"`
	User          *UserSummary `json:"user,omitempty"`
}

// OnlineFeedSnapshot is sent when a connection subscribes to the online feed.
type OnlineFeedSnapshot struct {
	Users       []OnlineFeedUser `json:"users"`
	TotalOnline int              `json:"totalOnline"`
}

// ContentUpdate is delivered to connections subscribed to a content room.
type ContentUpdate struct {
	PostID string `json:"postId"`
	Data   any    `json:"data,omitempty"`
}
