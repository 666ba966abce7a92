package models

// ChatMessage is an ephemeral chat line kept in a room's ring buffer.
type ChatMessage struct {
	ID        string      `json:"id"`  // ULID
	Seq       int64       `json:"seq"` // per room, monotonically increasing
	RoomID    string      `json:"roomId"`
	Sender    UserSummary `json:"sender"`
	Body      string      `json:"body"`
	CreatedAt int64       `json:"createdAt"` // Unix ms
}
