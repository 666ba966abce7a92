package handlers

import "net/http"

// Lobby handles GET /radio/lobby with fleet-wide listener counts for every
// configured station.
func (h *Handler) Lobby(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.realtime.LobbyCounts(r.Context()))
}
