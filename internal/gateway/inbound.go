package gateway

import (
	"context"
	"encoding/json"

	"github.com/jpmcglone/menofhunger-realtime/internal/chat"
	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/radio"
	"github.com/jpmcglone/menofhunger-realtime/internal/registry"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// radioClaim is the payload of a radio.claim bus event.
type radioClaim struct {
	StationID string `json:"stationId"`
}

// rosterChange is the payload of a radio.roster bus event: the stations whose
// rosters changed and whether lobby counts moved.
type rosterChange struct {
	StationIDs []string `json:"stationIds"`
	Lobby      bool     `json:"lobby"`
}

// HandleInbound processes one frame from a connection. Malformed frames and
// unknown types are ignored.
func (g *Gateway) HandleInbound(ctx context.Context, conn *registry.Conn, raw []byte) {
	var in models.Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		g.logger.Debug().Str("conn_id", conn.ID).Msg("ignoring malformed frame")
		return
	}
	if _, ok := g.conns.Get(conn.ID); !ok {
		return
	}

	if in.Type != models.MsgIdle {
		g.activity(ctx, conn)
	}

	switch in.Type {
	case models.MsgSubscribe:
		var req models.UserIDsRequest
		if decode(in.Data, &req) {
			g.subscribe(ctx, conn, req.UserIDs)
		}
	case models.MsgUnsubscribe:
		var req models.UserIDsRequest
		if decode(in.Data, &req) {
			g.subs.Unsubscribe(conn.ID, req.UserIDs)
		}
	case models.MsgSubscribeOnlineFeed:
		g.subs.SubscribeOnlineFeed(conn.ID)
		g.send(conn, models.Event{Type: models.EventOnlineFeedSnapshot, Data: g.onlineFeedSnapshot(ctx)})
		g.send(conn, models.Event{Type: models.EventRadioLobbyCounts, Data: g.LobbyCounts(ctx)})
	case models.MsgUnsubscribeOnlineFeed:
		g.subs.UnsubscribeOnlineFeed(conn.ID)
	case models.MsgActivity:
		// Handled above.
	case models.MsgIdle:
		g.declareIdle(ctx, conn)
	case models.MsgRadioJoin:
		var req models.StationRequest
		if decode(in.Data, &req) {
			g.radioJoin(ctx, conn, req.StationID)
		}
	case models.MsgRadioWatch:
		var req models.StationRequest
		if decode(in.Data, &req) && g.radio.Watch(conn.ID, req.StationID) {
			g.sendRoom(ctx, conn, req.StationID, true)
		}
	case models.MsgRadioPause:
		if res := g.radio.Pause(conn.ID, conn.UserID); res.Changed {
			g.syncListener(ctx, conn)
			g.broadcastRooms(ctx, false, res.StationID)
		}
	case models.MsgRadioMute:
		var req models.MuteRequest
		if !decode(in.Data, &req) {
			return
		}
		if res := g.radio.SetMuted(conn.ID, conn.UserID, req.Muted); res.Changed {
			g.syncListener(ctx, conn)
			g.broadcastRooms(ctx, false, res.StationID)
		}
	case models.MsgRadioLeave:
		g.afterLeave(ctx, conn, g.radio.Leave(conn.ID, conn.UserID))
	case models.MsgRadioChatSend:
		var req models.ChatSendRequest
		if decode(in.Data, &req) {
			g.chatSend(ctx, conn, req)
		}
	case models.MsgPostsSubscribe:
		var req models.PostIDsRequest
		if decode(in.Data, &req) {
			g.subscribeContent(ctx, conn, req.PostIDs)
		}
	case models.MsgPostsUnsubscribe:
		var req models.PostIDsRequest
		if decode(in.Data, &req) {
			g.subs.UnsubscribeContent(conn.ID, req.PostIDs)
		}
	default:
		g.logger.Debug().Str("conn_id", conn.ID).Str("type", in.Type).Msg("ignoring unknown frame type")
	}
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// subscribe replies with a snapshot of every accepted target so the client
// cannot miss a transition between subscribing and the first event.
func (g *Gateway) subscribe(ctx context.Context, conn *registry.Conn, userIDs []string) {
	accepted := g.subs.Subscribe(conn.ID, userIDs)
	g.send(conn, models.Event{
		Type: models.EventSubscribed,
		Data: models.Subscribed{Users: g.presenceSnapshots(ctx, accepted)},
	})
}

// subscribeContent honors only the rooms the viewer may see. Denials and
// lookup errors are indistinguishable to the client.
func (g *Gateway) subscribeContent(ctx context.Context, conn *registry.Conn, postIDs []string) {
	remaining := g.subs.ContentRoomsRemaining(conn.ID)
	seen := make(map[string]struct{}, len(postIDs))
	allowed := make([]string, 0, len(postIDs))

	for _, id := range postIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		// Rooms already held cost nothing against the cap.
		if g.subs.HasContent(conn.ID, id) {
			continue
		}
		if len(allowed) >= remaining {
			break
		}

		lookupCtx, cancel := context.WithTimeout(ctx, g.opts.EnrichTimeout)
		ok, err := g.data.CanView(lookupCtx, conn.Viewer, id)
		cancel()
		if err != nil {
			g.logger.Warn().Err(err).Str("post_id", id).Msg("content permission check failed")
			continue
		}
		if ok {
			allowed = append(allowed, id)
		}
	}
	g.subs.SubscribeContent(conn.ID, allowed)
}

func (g *Gateway) radioJoin(ctx context.Context, conn *registry.Conn, stationID string) {
	res := g.radio.Join(conn.ID, conn.UserID, stationID)
	if !res.Joined {
		return
	}

	if res.SupersededConn != "" {
		if old, ok := g.conns.Get(res.SupersededConn); ok {
			replaced := res.PreviousStation
			if replaced == "" {
				replaced = stationID
			}
			g.send(old, models.Event{Type: models.EventRadioReplaced, Data: models.RoomReplaced{StationID: replaced}})
		}
	}

	previous, changed := res.PreviousStation, res.Changed
	if g.rooms != nil {
		// The shared roster also knows about memberships held on other instances.
		if prev, err := g.rooms.ClaimListener(ctx, conn.UserID, conn.ID, stationID); err == nil {
			previous = prev
			changed = changed || prev != stationID
		}
	}
	if previous == stationID {
		previous = ""
	}

	var stations []string
	if previous != "" {
		stations = append(stations, previous)
	}
	if changed {
		stations = append(stations, stationID)
	}
	if len(stations) > 0 {
		g.broadcastRooms(ctx, true, stations...)
	}

	// A changed roster already reached this connection through the broadcast.
	g.sendRoom(ctx, conn, stationID, !changed)
	g.publish(ctx, store.BusRadioClaim, conn.UserID, radioClaim{StationID: stationID})
}

// afterLeave re-broadcasts the roster a leave or disconnect changed.
func (g *Gateway) afterLeave(ctx context.Context, conn *registry.Conn, res radio.LeaveResult) {
	if !res.WasActive {
		return
	}
	if g.rooms != nil {
		if _, err := g.rooms.ReleaseListener(ctx, conn.UserID, conn.ID); err != nil {
			g.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("release listener failed")
		}
	}
	g.broadcastRooms(ctx, true, res.StationID)
}

// syncListener copies the connection's local membership flags to the shared roster.
func (g *Gateway) syncListener(ctx context.Context, conn *registry.Conn) {
	if g.rooms == nil {
		return
	}
	m, ok := g.radio.MembershipOf(conn.UserID)
	if !ok || m.ConnID != conn.ID {
		return
	}
	if _, err := g.rooms.UpdateListener(ctx, m.UserID, m.ConnID, m.StationID, m.Paused, m.Muted); err != nil {
		g.logger.Warn().Err(err).Str("user_id", m.UserID).Msg("update listener failed")
	}
}

func (g *Gateway) chatSend(ctx context.Context, conn *registry.Conn, req models.ChatSendRequest) {
	if !g.radio.InRoom(conn.ID, req.StationID) {
		return
	}
	body := chat.Normalize(req.Body, g.opts.ChatMaxBody)
	if body == "" {
		metrics.ChatMessages.WithLabelValues("empty").Inc()
		return
	}
	now := g.now()
	if !g.limiter.CanSend(conn.UserID, now) {
		metrics.ChatMessages.WithLabelValues("rate_limited").Inc()
		return
	}

	sender, ok := g.summary(ctx, conn.UserID)
	if !ok {
		sender = models.UserSummary{ID: conn.UserID, Username: conn.Viewer.Username}
	}
	msg := g.chat.Append(req.StationID, sender, body, now)
	metrics.ChatMessages.WithLabelValues("sent").Inc()

	g.deliver(g.radio.RoomConnections(req.StationID), models.Event{
		Type: models.EventRadioChatMessage,
		Data: models.ChatEnvelope{StationID: req.StationID, Message: msg},
	})
	g.publish(ctx, store.BusRadioChat, conn.UserID, msg)
}

// sendRoom sends the chat history of a room, and optionally its roster, to one connection.
func (g *Gateway) sendRoom(ctx context.Context, conn *registry.Conn, stationID string, roster bool) {
	if roster {
		g.send(conn, models.Event{Type: models.EventRadioListeners, Data: g.roster(ctx, stationID)})
	}
	g.send(conn, models.Event{
		Type: models.EventRadioChatSnapshot,
		Data: models.ChatSnapshot{StationID: stationID, Messages: g.chat.Recent(stationID)},
	})
}

// broadcastRooms delivers the changed rosters, plus lobby counts when lobby is
// set, to local connections and tells the rest of the fleet to do the same.
func (g *Gateway) broadcastRooms(ctx context.Context, lobby bool, stationIDs ...string) {
	for _, id := range stationIDs {
		g.deliverRoster(ctx, id)
	}
	if lobby {
		g.deliverLobbyCounts(ctx)
	}
	if g.rooms != nil {
		g.publish(ctx, store.BusRadioRoster, "", rosterChange{StationIDs: stationIDs, Lobby: lobby})
	}
}

func (g *Gateway) deliverRoster(ctx context.Context, stationID string) {
	listeners := g.roster(ctx, stationID)
	metrics.RadioListeners.WithLabelValues(stationID).Set(float64(len(listeners.UserIDs)))
	g.deliver(g.radio.RoomConnections(stationID), models.Event{Type: models.EventRadioListeners, Data: listeners})
}

// deliverLobbyCounts pushes counts to online feed subscribers and room watchers.
func (g *Gateway) deliverLobbyCounts(ctx context.Context) {
	targets := g.subs.OnlineFeed()
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		seen[id] = struct{}{}
	}
	for _, id := range g.radio.RoomWatchers() {
		if _, ok := seen[id]; !ok {
			targets = append(targets, id)
		}
	}
	g.deliver(targets, models.Event{Type: models.EventRadioLobbyCounts, Data: g.LobbyCounts(ctx)})
}
