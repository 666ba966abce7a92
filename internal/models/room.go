package models

// Listeners is the roster of a listening room.
type Listeners struct {
	StationID     string   `json:"stationId"`
	UserIDs       []string `json:"userIds"`
	PausedUserIDs []string `json:"pausedUserIds"`
	MutedUserIDs  []string `json:"mutedUserIds"`
}

// LobbyCounts reports listener counts for every configured station.
type LobbyCounts struct {
	CountsByStationID map[string]int `json:"countsByStationId"`
}

// ChatSnapshot is sent to a connection when it joins or watches a room.
type ChatSnapshot struct {
	StationID string        `json:"stationId"`
	Messages  []ChatMessage `json:"messages"`
}

// ChatEnvelope wraps a single chat message for delivery.
type ChatEnvelope struct {
	StationID string      `json:"stationId"`
	Message   ChatMessage `json:"message"`
}

// RoomReplaced tells a device that another device of the same user took over its membership.
type RoomReplaced struct {
	StationID string `json:"stationId"`
}
