package gateway

import (
	"context"
	"time"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/registry"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// activity refreshes the connection's heartbeat, clears idle and restarts the
// idle-mark timer.
func (g *Gateway) activity(ctx context.Context, conn *registry.Conn) {
	found, err := g.presence.TouchSocket(ctx, conn.UserID, conn.ID, g.now())
	if err == nil && !found {
		g.reregister(ctx, conn)
	}
	g.idle.Touch(conn.UserID)
	g.markActive(ctx, conn.UserID)
}

// markActive clears the idle flag and emits the transition if it was set.
func (g *Gateway) markActive(ctx context.Context, userID string) {
	cleared, err := g.presence.SetActive(ctx, userID)
	if err != nil || !cleared {
		return
	}
	metrics.PresenceTransitions.WithLabelValues("active").Inc()
	g.fanout(userID, models.Event{Type: models.EventActive, Data: models.UserRef{UserID: userID}})
	g.publish(ctx, store.BusActive, userID, nil)
}

// declareIdle handles a client-declared idle signal.
func (g *Gateway) declareIdle(ctx context.Context, conn *registry.Conn) {
	g.flagIdle(ctx, conn.UserID)
	g.idle.MarkIdle(conn.UserID)
}

// flagIdle sets the idle flag and emits the transition if it was not set.
func (g *Gateway) flagIdle(ctx context.Context, userID string) error {
	added, err := g.presence.SetIdle(ctx, userID)
	if err != nil {
		return err
	}
	if added {
		metrics.PresenceTransitions.WithLabelValues("idle").Inc()
		g.fanout(userID, models.Event{Type: models.EventIdle, Data: models.UserRef{UserID: userID}})
		g.publish(ctx, store.BusIdle, userID, nil)
	}
	return nil
}

// reregister restores a heartbeat that expired or was lost in a store outage.
func (g *Gateway) reregister(ctx context.Context, conn *registry.Conn) {
	now := g.now()
	newly, err := g.presence.RegisterSocket(ctx, conn.UserID, conn.ID, now)
	if err != nil {
		return
	}
	g.logger.Debug().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Msg("heartbeat restored")
	if newly {
		g.userOnline(ctx, conn.UserID, now.UnixMilli())
	}
}

// onIdle runs when a user's idle-mark window elapses. The user is flagged only
// if still online and no activity was recorded anywhere since the timer was
// scheduled; newer activity from another device restarts the window.
func (g *Gateway) onIdle(userID string, scheduledAt time.Time) bool {
	if !g.conns.HasUser(userID) {
		return false
	}
	ctx, cancel := g.background()
	defer cancel()

	online, err := g.presence.IsOnline(ctx, userID)
	if err != nil || !online {
		return false
	}
	last, err := g.presence.LastActivityAt(ctx, userID)
	if err != nil {
		return false
	}
	if last.UnixMilli() > scheduledAt.UnixMilli() {
		g.idle.Touch(userID)
		return false
	}
	return g.flagIdle(ctx, userID) == nil
}

// onIdleDisconnect force-closes the user's local connections once idleness has
// outlasted the second window. A user who became active again is left alone.
func (g *Gateway) onIdleDisconnect(userID string, generation uint64) {
	ctx, cancel := g.background()
	defer cancel()

	stillIdle, err := g.presence.IsIdle(ctx, userID)
	if err != nil || !stillIdle {
		return
	}

	conns := g.conns.ConnectionsForUser(userID)
	g.logger.Info().
		Str("user_id", userID).
		Uint64("generation", generation).
		Int("connections", len(conns)).
		Msg("idle disconnect")

	for _, c := range conns {
		rem, ok := g.conns.ForceUnregister(c.ID)
		if !ok {
			continue
		}
		metrics.ForcedDisconnects.Inc()
		c.Peer.Close()
		g.release(ctx, rem)
	}
}

// presenceSnapshots returns the current state of each target.
func (g *Gateway) presenceSnapshots(ctx context.Context, userIDs []string) []models.PresenceSnapshot {
	lastConnect, _ := g.presence.LastConnectAtMsByUserID(ctx, userIDs)
	idle, _ := g.presence.IdleByUserIDs(ctx, userIDs)

	out := make([]models.PresenceSnapshot, 0, len(userIDs))
	for _, id := range userIDs {
		at, online := lastConnect[id]
		out = append(out, models.PresenceSnapshot{
			UserID:        id,
			Online:        online,
			Idle:          online && idle[id],
			LastConnectAt: at,
		})
	}
	return out
}

// onlineFeedSnapshot lists online users longest online first, limited and enriched.
func (g *Gateway) onlineFeedSnapshot(ctx context.Context) models.OnlineFeedSnapshot {
	ids, _ := g.presence.OnlineUserIDs(ctx)
	total := len(ids)
	if len(ids) > g.opts.OnlineFeedLimit {
		ids = ids[:g.opts.OnlineFeedLimit]
	}

	lastConnect, _ := g.presence.LastConnectAtMsByUserID(ctx, ids)
	idle, _ := g.presence.IdleByUserIDs(ctx, ids)
	summaries := g.summaries(ctx, ids)

	users := make([]models.OnlineFeedUser, 0, len(ids))
	for _, id := range ids {
		u := models.OnlineFeedUser{UserID: id, LastConnectAt: lastConnect[id], Idle: idle[id]}
		if s, ok := summaries[id]; ok {
			u.User = &s
		}
		users = append(users, u)
	}
	return models.OnlineFeedSnapshot{Users: users, TotalOnline: total}
}

// OnlineUsers reports the fleet-wide online count and up to limit user ids,
// longest online first. A non-positive limit returns every id.
func (g *Gateway) OnlineUsers(ctx context.Context, limit int) (int, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	ids, err := g.presence.OnlineUserIDs(ctx)
	if err != nil {
		return 0, nil, err
	}
	total := len(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return total, ids, nil
}

// OnlineCount returns the size of the fleet-wide online set.
func (g *Gateway) OnlineCount(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	n, err := g.presence.OnlineCount(ctx)
	return int(n), err
}

// PresenceOf returns the current presence of a single user.
func (g *Gateway) PresenceOf(ctx context.Context, userID string) models.PresenceSnapshot {
	ctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()
	return g.presenceSnapshots(ctx, []string{userID})[0]
}
