package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

func join(station string) string {
	return fmt.Sprintf(`{"type":"radio:join","data":{"stationId":%q}}`, station)
}

func TestSwitchStationsBroadcastsOncePerRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)

	w1, p1 := connect(g, "w1")
	inbound(g, w1, `{"type":"radio:watch","data":{"stationId":"dronezone"}}`)
	w2, p2 := connect(g, "w2")
	inbound(g, w2, `{"type":"radio:watch","data":{"stationId":"groovesalad"}}`)

	alice, ap := connect(g, "alice")
	inbound(g, alice, join("dronezone"))
	require.Equal(t, 2, p1.count(models.EventRadioListeners), "snapshot on watch plus one delta")
	assert.Equal(t, []string{"alice"}, p1.last(models.EventRadioListeners).Data.(models.Listeners).UserIDs)

	inbound(g, alice, join("groovesalad"))
	assert.Equal(t, 3, p1.count(models.EventRadioListeners))
	assert.Empty(t, p1.last(models.EventRadioListeners).Data.(models.Listeners).UserIDs)
	assert.Equal(t, 2, p2.count(models.EventRadioListeners))
	assert.Equal(t, []string{"alice"}, p2.last(models.EventRadioListeners).Data.(models.Listeners).UserIDs)

	counts := ap.last(models.EventRadioLobbyCounts).Data.(models.LobbyCounts).CountsByStationID
	assert.Equal(t, 0, counts["dronezone"])
	assert.Equal(t, 1, counts["groovesalad"])
	assert.Equal(t, 2, ap.count(models.EventRadioListeners), "the joiner hears each roster change once")
}

func TestSecondDeviceTakesOverMembership(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)
	ctx := context.Background()

	d1, p1 := connect(g, "alice")
	d2, _ := connect(g, "alice")
	inbound(g, d1, join("lush"))
	inbound(g, d2, join("lush"))

	replaced := p1.last(models.EventRadioReplaced)
	require.Equal(t, models.EventRadioReplaced, replaced.Type)
	assert.Equal(t, "lush", replaced.Data.(models.RoomReplaced).StationID)
	assert.Equal(t, 1, g.LobbyCounts(ctx).CountsByStationID["lush"])

	// d1 no longer owns the membership, so its leave changes nothing.
	inbound(g, d1, `{"type":"radio:leave"}`)
	assert.Equal(t, 1, g.LobbyCounts(ctx).CountsByStationID["lush"])

	inbound(g, d1, `{"type":"radio:pause"}`)
	assert.Empty(t, g.roster(ctx, "lush").PausedUserIDs)

	inbound(g, d2, `{"type":"radio:mute","data":{"muted":true}}`)
	assert.Equal(t, []string{"alice"}, g.roster(ctx, "lush").MutedUserIDs)
	assert.Equal(t, []string{"alice"}, g.radio.ListenersForStation("lush").MutedUserIDs)

	g.Disconnect(ctx, d2.ID)
	assert.Zero(t, g.LobbyCounts(ctx).CountsByStationID["lush"])
}

func TestChatSendRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)

	listener, lp := connect(g, "bob")
	inbound(g, listener, join("lush"))
	alice, _ := connect(g, "alice")

	// Not in the room yet.
	inbound(g, alice, `{"type":"radio:chatSend","data":{"stationId":"lush","body":"hi"}}`)
	assert.Zero(t, lp.count(models.EventRadioChatMessage))

	inbound(g, alice, join("lush"))
	for i := 0; i < 10; i++ {
		inbound(g, alice, `{"type":"radio:chatSend","data":{"stationId":"lush","body":"  hello \n  there  "}}`)
	}
	require.Equal(t, 1, lp.count(models.EventRadioChatMessage))
	env := lp.last(models.EventRadioChatMessage).Data.(models.ChatEnvelope)
	assert.Equal(t, "hello there", env.Message.Body)
	assert.Equal(t, "alice", env.Message.Sender.ID)
	assert.Equal(t, int64(1), env.Message.Seq)

	late, lateP := connect(g, "carol")
	inbound(g, late, `{"type":"radio:watch","data":{"stationId":"lush"}}`)
	snap := lateP.last(models.EventRadioChatSnapshot).Data.(models.ChatSnapshot)
	require.Len(t, snap.Messages, 1)
}

func TestContentRoomsRequirePermission(t *testing.T) {
	mr := miniredis.RunT(t)
	data := newFakeData()
	data.visible["p1"] = true
	data.visible["p3"] = true
	g := newTestGateway(t, mr, "i1", func(o *Options) {
		o.Data = data
		o.ContentSubscriptionCap = 1
	})

	conn, peer := connect(g, "alice")
	inbound(g, conn, `{"type":"posts:subscribe","data":{"postIds":["p2","p1","p3"]}}`)

	postUpdated(g, "p2", map[string]int{"likes": 1})
	postUpdated(g, "p3", map[string]int{"likes": 1})
	assert.Zero(t, peer.count(models.EventPostUpdated), "denied and over-cap rooms are silently dropped")

	postUpdated(g, "p1", map[string]int{"likes": 2})
	require.Equal(t, 1, peer.count(models.EventPostUpdated))
	assert.Equal(t, "p1", peer.last(models.EventPostUpdated).Data.(models.ContentUpdate).PostID)

	inbound(g, conn, `{"type":"posts:unsubscribe","data":{"postIds":["p1"]}}`)
	postUpdated(g, "p1", nil)
	assert.Equal(t, 1, peer.count(models.EventPostUpdated))
}

func postUpdated(g *Gateway, postID string, data any) {
	g.deliverContent(models.ContentUpdate{PostID: postID, Data: data})
}

func TestResubscribingHeldRoomsKeepsCapacity(t *testing.T) {
	mr := miniredis.RunT(t)
	data := newFakeData()
	data.visible["p1"] = true
	data.visible["p2"] = true
	g := newTestGateway(t, mr, "i1", func(o *Options) {
		o.Data = data
		o.ContentSubscriptionCap = 2
	})

	conn, peer := connect(g, "alice")
	inbound(g, conn, `{"type":"posts:subscribe","data":{"postIds":["p1"]}}`)
	inbound(g, conn, `{"type":"posts:subscribe","data":{"postIds":["p1","p2"]}}`)
	assert.Zero(t, g.subs.ContentRoomsRemaining(conn.ID))

	postUpdated(g, "p2", nil)
	assert.Equal(t, 1, peer.count(models.EventPostUpdated))
	postUpdated(g, "p1", nil)
	assert.Equal(t, 2, peer.count(models.EventPostUpdated))
}

func TestCrossInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	data := newFakeData()
	data.visible["p1"] = true
	g1 := newTestGateway(t, mr, "i1", nil)
	g2 := newTestGateway(t, mr, "i2", func(o *Options) { o.Data = data })
	ctx := context.Background()

	watcher, wp := connect(g2, "bob")
	inbound(g2, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)
	inbound(g2, watcher, `{"type":"radio:watch","data":{"stationId":"lush"}}`)

	d1, p1 := connect(g1, "alice")
	require.Eventually(t, func() bool { return wp.count(models.EventOnline) == 1 }, time.Second, 5*time.Millisecond)

	// A second device on the other instance is not newly online.
	d2, _ := connect(g2, "alice")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, wp.count(models.EventOnline))

	// Chat appended on one instance reaches watchers on the other.
	// Rosters are shared fleet-wide.
	inbound(g1, d1, join("lush"))
	require.Eventually(t, func() bool {
		roster, ok := wp.last(models.EventRadioListeners).Data.(models.Listeners)
		return ok && len(roster.UserIDs) == 1 && roster.UserIDs[0] == "alice"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g2.LobbyCounts(ctx).CountsByStationID["lush"])

	inbound(g1, d1, `{"type":"radio:chatSend","data":{"stationId":"lush","body":"hello"}}`)
	require.Eventually(t, func() bool { return wp.count(models.EventRadioChatMessage) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g2.chat.Len("lush"))

	// The last join wins across instances.
	inbound(g2, d2, join("lush"))
	require.Eventually(t, func() bool { return p1.count(models.EventRadioReplaced) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g1.LobbyCounts(ctx).CountsByStationID["lush"])
	assert.Equal(t, 1, g2.LobbyCounts(ctx).CountsByStationID["lush"])

	// The replaced device's disconnect leaves the new owner in place.
	g1.Disconnect(ctx, d1.ID)
	assert.Equal(t, 1, g2.LobbyCounts(ctx).CountsByStationID["lush"])

	g2.Disconnect(ctx, d2.ID)
	assert.Zero(t, g1.LobbyCounts(ctx).CountsByStationID["lush"])
	require.Eventually(t, func() bool { return wp.count(models.EventOffline) == 1 }, time.Second, 5*time.Millisecond)

	// Content updates from services outside the fleet carry no instance id.
	inbound(g2, watcher, `{"type":"posts:subscribe","data":{"postIds":["p1"]}}`)
	mr.Publish("presence:events", `{"type":"post.updated","payload":{"postId":"p1"}}`)
	require.Eventually(t, func() bool { return wp.count(models.EventPostUpdated) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatSelfHeal(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)
	connect(g, "alice")
	require.Equal(t, 1, wp.count(models.EventOnline))

	// Simulate a store outage that lost alice's presence.
	mr.Del("presence:conns:alice")
	mr.ZRem("presence:online", "alice")

	g.refreshHeartbeats(context.Background())
	assert.Equal(t, 2, wp.count(models.EventOnline), "restored heartbeat is newly online again")
}

func TestSweepBroadcastsOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribeOnlineFeed"}`)

	// A user left behind by a crashed instance, still listening.
	ctx := context.Background()
	stale := time.Now().Add(-2 * time.Minute)
	_, err := g.presence.RegisterSocket(ctx, "ghost", "gone", stale)
	require.NoError(t, err)
	_, err = g.rooms.ClaimListener(ctx, "ghost", "gone", "lush")
	require.NoError(t, err)
	require.Equal(t, 1, g.LobbyCounts(ctx).CountsByStationID["lush"])

	g.sweep(ctx)
	require.Equal(t, 1, wp.count(models.EventOffline))
	assert.Equal(t, "ghost", wp.last(models.EventOffline).Data.(models.UserRef).UserID)
	assert.Zero(t, g.LobbyCounts(ctx).CountsByStationID["lush"])
	assert.Zero(t, wp.last(models.EventRadioLobbyCounts).Data.(models.LobbyCounts).CountsByStationID["lush"])
}
