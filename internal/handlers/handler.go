package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Realtime is the view of the gateway the HTTP surface reads from.
type Realtime interface {
	ConnectionCount() int
	OnlineCount(ctx context.Context) (int, error)
	LobbyCounts(ctx context.Context) models.LobbyCounts
	OnlineUsers(ctx context.Context, limit int) (int, []string, error)
	PresenceOf(ctx context.Context, userID string) models.PresenceSnapshot
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	data     store.DataStore
	redis    Pinger
	realtime Realtime
	instance string
}

// NewHandler creates a new Handler.
func NewHandler(data store.DataStore, redis Pinger, realtime Realtime, instance string) *Handler {
	if data == nil {
		data = store.NopStore{}
	}
	return &Handler{data: data, redis: redis, realtime: realtime, instance: instance}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
