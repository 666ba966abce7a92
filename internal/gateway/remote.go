package gateway

import (
	"encoding/json"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// handleBusEvent re-emits a state change from another instance to local
// subscribers. Presence events are idempotent for clients, so duplicates are
// harmless.
func (g *Gateway) handleBusEvent(ev store.BusEvent) {
	switch ev.Type {
	case store.BusOnline:
		payload := models.Online{UserID: ev.UserID}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				g.logger.Debug().Err(err).Msg("malformed online payload")
			}
		}
		if payload.UserID == "" {
			return
		}
		g.fanout(payload.UserID, models.Event{Type: models.EventOnline, Data: payload})

	case store.BusOffline:
		g.fanoutRef(ev.UserID, models.EventOffline)

	case store.BusIdle:
		g.fanoutRef(ev.UserID, models.EventIdle)

	case store.BusActive:
		g.fanoutRef(ev.UserID, models.EventActive)
		// The user is active elsewhere; restart local timers that may have
		// already moved on to the disconnect window.
		if g.conns.HasUser(ev.UserID) {
			g.idle.Touch(ev.UserID)
		}

	case store.BusRadioClaim:
		g.remoteClaim(ev)

	case store.BusRadioRoster:
		g.remoteRoster(ev)

	case store.BusRadioChat:
		var msg models.ChatMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.RoomID == "" || !g.radio.IsStation(msg.RoomID) {
			return
		}
		stored := g.chat.AppendRemote(msg, g.now())
		metrics.ChatMessages.WithLabelValues("relayed").Inc()
		g.deliver(g.radio.RoomConnections(msg.RoomID), models.Event{
			Type: models.EventRadioChatMessage,
			Data: models.ChatEnvelope{StationID: msg.RoomID, Message: stored},
		})

	case store.BusPostUpdated:
		var update models.ContentUpdate
		if err := json.Unmarshal(ev.Payload, &update); err != nil || update.PostID == "" {
			return
		}
		g.deliverContent(update)

	default:
		g.logger.Debug().Str("type", ev.Type).Msg("ignoring unknown bus event")
	}
}

func (g *Gateway) fanoutRef(userID, eventType string) {
	if userID == "" {
		return
	}
	g.fanout(userID, models.Event{Type: eventType, Data: models.UserRef{UserID: userID}})
}

// remoteClaim evicts the local membership of a user who joined a station from
// a device on another instance. The last join wins fleet-wide.
func (g *Gateway) remoteClaim(ev store.BusEvent) {
	if ev.UserID == "" {
		return
	}
	m, ok := g.radio.EvictUser(ev.UserID)
	if !ok {
		return
	}

	if owner, ok := g.conns.Get(m.ConnID); ok {
		g.send(owner, models.Event{Type: models.EventRadioReplaced, Data: models.RoomReplaced{StationID: m.StationID}})
	}
	// Shared rosters arrive through the claimant's radio.roster event.
	if g.rooms == nil {
		ctx, cancel := g.background()
		defer cancel()
		g.deliverRoster(ctx, m.StationID)
		g.deliverLobbyCounts(ctx)
	}
}

// remoteRoster re-delivers rosters another instance changed to local room connections.
func (g *Gateway) remoteRoster(ev store.BusEvent) {
	var change rosterChange
	if err := json.Unmarshal(ev.Payload, &change); err != nil {
		g.logger.Debug().Err(err).Msg("malformed roster payload")
		return
	}
	ctx, cancel := g.background()
	defer cancel()

	for _, id := range change.StationIDs {
		if g.radio.IsStation(id) {
			g.deliverRoster(ctx, id)
		}
	}
	if change.Lobby {
		g.deliverLobbyCounts(ctx)
	}
}
