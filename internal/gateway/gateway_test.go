package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/registry"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

type fakePeer struct {
	mu     sync.Mutex
	events []models.Event
	closed bool
}

func (p *fakePeer) Send(event models.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.events = append(p.events, event)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) ofType(eventType string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePeer) count(eventType string) int {
	return len(p.ofType(eventType))
}

func (p *fakePeer) last(eventType string) models.Event {
	events := p.ofType(eventType)
	if len(events) == 0 {
		return models.Event{}
	}
	return events[len(events)-1]
}

// fakeData is an in-memory directory and permission source.
type fakeData struct {
	store.NopStore
	mu       sync.Mutex
	users    map[string]models.UserSummary
	visible  map[string]bool
	lastSeen map[string]time.Time
}

func newFakeData() *fakeData {
	return &fakeData{
		users:    map[string]models.UserSummary{},
		visible:  map[string]bool{},
		lastSeen: map[string]time.Time{},
	}
}

func (d *fakeData) UserSummaries(ctx context.Context, ids []string) (map[string]models.UserSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]models.UserSummary{}
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (d *fakeData) CanView(ctx context.Context, viewer models.Viewer, postID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible[postID], nil
}

func (d *fakeData) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[userID] = at
	return nil
}

func (d *fakeData) seen(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.lastSeen[userID]
	return ok
}

func newTestGateway(t *testing.T, mr *miniredis.Miniredis, instanceID string, configure func(*Options)) *Gateway {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	presence := store.NewRedisStoreWithClient(client, store.PresenceOptions{HeartbeatTTL: time.Minute}, zerolog.Nop())
	opts := Options{
		Presence:            presence,
		Rooms:               presence,
		Bus:                 store.NewBus(client, "", instanceID, zerolog.Nop()),
		IdleAfter:           time.Hour,
		IdleDisconnectAfter: time.Hour,
		Logger:              zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}

	g := New(opts)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		g.Shutdown(context.Background())
		client.Close()
	})
	return g
}

func connect(g *Gateway, userID string) (*registry.Conn, *fakePeer) {
	peer := &fakePeer{}
	conn := g.Connect(context.Background(), models.Viewer{UserID: userID}, registry.ClientWeb, peer)
	return conn, peer
}

func inbound(g *Gateway, conn *registry.Conn, frame string) {
	g.HandleInbound(context.Background(), conn, []byte(frame))
}

func TestMultiDevicePresence(t *testing.T) {
	mr := miniredis.RunT(t)
	data := newFakeData()
	data.users["alice"] = models.UserSummary{ID: "alice", Username: "alice"}
	g := newTestGateway(t, mr, "i1", func(o *Options) { o.Data = data })

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)

	sub := wp.last(models.EventSubscribed).Data.(models.Subscribed)
	require.Len(t, sub.Users, 1)
	assert.False(t, sub.Users[0].Online)

	d1, _ := connect(g, "alice")
	require.Equal(t, 1, wp.count(models.EventOnline))
	online := wp.last(models.EventOnline).Data.(models.Online)
	assert.Equal(t, "alice", online.UserID)
	require.NotNil(t, online.User)
	assert.Equal(t, "alice", online.User.Username)

	d2, _ := connect(g, "alice")
	assert.Equal(t, 1, wp.count(models.EventOnline), "second device must not re-broadcast online")

	g.Disconnect(context.Background(), d1.ID)
	assert.Zero(t, wp.count(models.EventOffline))

	g.Disconnect(context.Background(), d2.ID)
	assert.Equal(t, 1, wp.count(models.EventOffline))
	require.Eventually(t, func() bool { return data.seen("alice") }, time.Second, 5*time.Millisecond)

	// A repeated disconnect is a no-op.
	g.Disconnect(context.Background(), d2.ID)
	assert.Equal(t, 1, wp.count(models.EventOffline))
}

func TestSubscribeSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)

	connect(g, "alice")
	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice","carol"]}}`)

	sub := wp.last(models.EventSubscribed).Data.(models.Subscribed)
	require.Len(t, sub.Users, 2)
	byID := map[string]models.PresenceSnapshot{}
	for _, u := range sub.Users {
		byID[u.UserID] = u
	}
	assert.True(t, byID["alice"].Online)
	assert.NotZero(t, byID["alice"].LastConnectAt)
	assert.False(t, byID["carol"].Online)

	inbound(g, watcher, `{"type":"presence:unsubscribe","data":{"userIds":["alice"]}}`)
	connect(g, "carol")
	assert.Equal(t, 1, wp.count(models.EventOnline), "carol is still subscribed")
}

func TestIdleAndActive(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", func(o *Options) { o.IdleAfter = 40 * time.Millisecond })

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)

	alice, _ := connect(g, "alice")
	require.Eventually(t, func() bool { return wp.count(models.EventIdle) == 1 }, time.Second, 5*time.Millisecond)

	inbound(g, alice, `{"type":"presence:activity"}`)
	assert.Equal(t, 1, wp.count(models.EventActive))

	// The idle-mark timer was rescheduled by the activity.
	require.Eventually(t, func() bool { return wp.count(models.EventIdle) == 2 }, time.Second, 5*time.Millisecond)
}

func TestExplicitIdleThenDisconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", func(o *Options) { o.IdleDisconnectAfter = 40 * time.Millisecond })

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribeOnlineFeed"}`)

	alice, ap := connect(g, "alice")
	inbound(g, alice, `{"type":"presence:idle"}`)
	assert.Equal(t, 1, wp.count(models.EventIdle))

	require.Eventually(t, ap.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return wp.count(models.EventOffline) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.ConnectionCount())

	// The transport's own close after the forced close finds nothing.
	g.Disconnect(context.Background(), alice.ID)
	assert.Equal(t, 1, wp.count(models.EventOffline))
}

func TestNewDeviceClearsIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)
	ctx := context.Background()

	alice, _ := connect(g, "alice")
	inbound(g, alice, `{"type":"presence:idle"}`)

	watcher, wp := connect(g, "bob")
	inbound(g, watcher, `{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)
	require.True(t, wp.last(models.EventSubscribed).Data.(models.Subscribed).Users[0].Idle)

	connect(g, "alice")
	assert.Equal(t, 1, wp.count(models.EventActive))
	assert.Zero(t, wp.count(models.EventOnline), "second device is not newly online")

	idle, err := g.presence.IsIdle(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, idle)

	// A further device of an active user emits nothing.
	connect(g, "alice")
	assert.Equal(t, 1, wp.count(models.EventActive))
}

func TestOnlineFeedSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	data := newFakeData()
	data.users["carol"] = models.UserSummary{ID: "carol", DisplayName: "Carol"}
	g := newTestGateway(t, mr, "i1", func(o *Options) {
		o.Data = data
		o.OnlineFeedLimit = 2
	})

	connect(g, "alice")
	time.Sleep(3 * time.Millisecond)
	connect(g, "carol")
	time.Sleep(3 * time.Millisecond)
	watcher, wp := connect(g, "bob")

	inbound(g, watcher, `{"type":"presence:subscribeOnlineFeed"}`)
	snap := wp.last(models.EventOnlineFeedSnapshot).Data.(models.OnlineFeedSnapshot)
	assert.Equal(t, 3, snap.TotalOnline)
	require.Len(t, snap.Users, 2)
	assert.Equal(t, "alice", snap.Users[0].UserID)
	assert.Equal(t, "carol", snap.Users[1].UserID)
	require.NotNil(t, snap.Users[1].User)
	assert.Equal(t, "Carol", snap.Users[1].User.DisplayName)

	lobby := wp.last(models.EventRadioLobbyCounts).Data.(models.LobbyCounts)
	assert.Len(t, lobby.CountsByStationID, 4)

	// The feed hears about everyone.
	connect(g, "dave")
	assert.Equal(t, "dave", wp.last(models.EventOnline).Data.(models.Online).UserID)
}

func TestMalformedFramesIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)
	conn, peer := connect(g, "alice")

	for _, frame := range []string{"", "nope", `{"type":""}`, `{"type":"unknown"}`, `{"type":"presence:subscribe","data":"x"}`, `{"type":"radio:join"}`} {
		require.NotPanics(t, func() { inbound(g, conn, frame) })
	}
	assert.Zero(t, peer.count(models.EventSubscribed))
	assert.False(t, peer.isClosed())
}

func TestOnlineUsersAndPresenceOf(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)
	ctx := context.Background()

	connect(g, "alice")
	time.Sleep(3 * time.Millisecond)
	bob, _ := connect(g, "bob")

	total, ids, err := g.OnlineUsers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"alice"}, ids)

	_, ids, err = g.OnlineUsers(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	count, err := g.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	inbound(g, bob, `{"type":"presence:idle"}`)
	snap := g.PresenceOf(ctx, "bob")
	assert.True(t, snap.Online)
	assert.True(t, snap.Idle)
	assert.NotZero(t, snap.LastConnectAt)

	assert.Equal(t, models.PresenceSnapshot{UserID: "nobody"}, g.PresenceOf(ctx, "nobody"))
}
