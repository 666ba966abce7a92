package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	defaultOnlineLimit = 100
	maxOnlineLimit     = 500
)

// OnlineResponse lists users online anywhere in the fleet.
type OnlineResponse struct {
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// Online handles GET /presence/online. Ids are ordered longest online first.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	limit := defaultOnlineLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOnlineLimit)
	}

	count, ids, err := h.realtime.OnlineUsers(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.JSON(w, http.StatusOK, OnlineResponse{Count: count, UserIDs: ids})
}

// UserPresence handles GET /presence/users/{id}.
func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		h.Error(w, http.StatusBadRequest, "user id is required")
		return
	}
	h.JSON(w, http.StatusOK, h.realtime.PresenceOf(r.Context(), id))
}
