// Package gateway is the realtime integration point: it accepts connections,
// drives presence and listening-room state from inbound messages, and fans
// events out locally and to the rest of the fleet over the bus.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/chat"
	"github.com/jpmcglone/menofhunger-realtime/internal/idle"
	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/radio"
	"github.com/jpmcglone/menofhunger-realtime/internal/registry"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// Presence is the fleet-wide presence store.
type Presence interface {
	RegisterSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error)
	UnregisterSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error)
	TouchSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error)
	RefreshHeartbeat(ctx context.Context, userID, connID string, now time.Time) (bool, error)
	SetIdle(ctx context.Context, userID string) (bool, error)
	SetActive(ctx context.Context, userID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	IsIdle(ctx context.Context, userID string) (bool, error)
	IdleByUserIDs(ctx context.Context, userIDs []string) (map[string]bool, error)
	OnlineUserIDs(ctx context.Context) ([]string, error)
	OnlineCount(ctx context.Context) (int64, error)
	LastConnectAtMsByUserID(ctx context.Context, userIDs []string) (map[string]int64, error)
	LastActivityAt(ctx context.Context, userID string) (time.Time, error)
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Bus carries state changes between instances.
type Bus interface {
	Publish(ctx context.Context, eventType, userID string, payload any) error
	Subscribe(ctx context.Context, handler func(store.BusEvent)) (func(), error)
}

// Rooms holds listening-room rosters shared by every instance. Membership is
// owned by the connection that joined; calls from any other connection are
// no-ops, and ReleaseListener with an empty connID drops it regardless.
type Rooms interface {
	ClaimListener(ctx context.Context, userID, connID, stationID string) (string, error)
	UpdateListener(ctx context.Context, userID, connID, stationID string, paused, muted bool) (bool, error)
	ReleaseListener(ctx context.Context, userID, connID string) (string, error)
	StationListeners(ctx context.Context, stationID string) (models.Listeners, error)
	ListenerCounts(ctx context.Context, stations []string) (map[string]int, error)
}

// Options configures a Gateway. Zero values fall back to defaults.
type Options struct {
	Presence Presence
	Bus      Bus
	Data     store.DataStore
	// Rooms shares rosters across the fleet. Without it rosters and lobby
	// counts cover this instance only.
	Rooms Rooms

	Stations []string
	Chat     *chat.Buffer
	Limiter  *chat.Limiter

	IdleAfter              time.Duration
	IdleDisconnectAfter    time.Duration
	HeartbeatInterval      time.Duration
	SweepInterval          time.Duration
	SubscriptionCap        int
	ContentSubscriptionCap int
	OnlineFeedLimit        int
	ChatMaxBody            int

	// StoreTimeout bounds calls made outside a request context (timers, loops).
	StoreTimeout time.Duration
	// EnrichTimeout bounds directory lookups for broadcast payloads.
	EnrichTimeout time.Duration

	Logger zerolog.Logger
}

// Gateway wires the registries, the scheduler and the room coordinator to the
// presence store and the bus.
type Gateway struct {
	opts     Options
	presence Presence
	bus      Bus
	data     store.DataStore
	rooms    Rooms

	conns   *registry.Connections
	subs    *registry.Subscriptions
	idle    *idle.Scheduler
	radio   *radio.Coordinator
	chat    *chat.Buffer
	limiter *chat.Limiter

	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopBus func()
	wg      sync.WaitGroup
}

// New creates a gateway. Call Start to begin the background loops.
func New(opts Options) *Gateway {
	if opts.Data == nil {
		opts.Data = store.NopStore{}
	}
	if opts.Chat == nil {
		opts.Chat = chat.NewBuffer(0, 0)
	}
	if opts.Limiter == nil {
		opts.Limiter = chat.NewLimiter(chat.LimiterConfig{MinGap: chat.DefaultMinGap})
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * opts.HeartbeatInterval
	}
	if opts.OnlineFeedLimit <= 0 {
		opts.OnlineFeedLimit = 200
	}
	if opts.ChatMaxBody <= 0 {
		opts.ChatMaxBody = chat.DefaultMaxBody
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 2 * time.Second
	}

	g := &Gateway{
		opts:     opts,
		presence: opts.Presence,
		bus:      opts.Bus,
		data:     opts.Data,
		rooms:    opts.Rooms,
		conns:    registry.NewConnections(),
		subs:     registry.NewSubscriptions(opts.SubscriptionCap, opts.ContentSubscriptionCap),
		radio:    radio.NewCoordinator(opts.Stations),
		chat:     opts.Chat,
		limiter:  opts.Limiter,
		logger:   opts.Logger.With().Str("component", "gateway").Logger(),
		now:      time.Now,
	}
	g.idle = idle.New(idle.Config{
		IdleAfter:           opts.IdleAfter,
		IdleDisconnectAfter: opts.IdleDisconnectAfter,
	}, idle.Callbacks{
		OnIdle:           g.onIdle,
		OnIdleDisconnect: g.onIdleDisconnect,
	})
	return g
}

// Start subscribes to the bus and starts the heartbeat and sweep loops.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var stopBus func()
	if g.bus != nil {
		var err error
		stopBus, err = g.bus.Subscribe(ctx, g.handleBusEvent)
		if err != nil {
			cancel()
			return err
		}
	}

	g.mu.Lock()
	g.cancel = cancel
	g.stopBus = stopBus
	g.mu.Unlock()

	g.wg.Add(2)
	go g.heartbeatLoop(ctx)
	go g.sweepLoop(ctx)

	g.logger.Info().
		Dur("heartbeat_interval", g.opts.HeartbeatInterval).
		Dur("sweep_interval", g.opts.SweepInterval).
		Msg("gateway started")
	return nil
}

// Shutdown stops the loops and timers and closes every local connection,
// releasing its presence so the rest of the fleet sees it go offline.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	cancel, stopBus := g.cancel, g.stopBus
	g.cancel, g.stopBus = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopBus != nil {
		stopBus()
	}
	g.idle.Stop()

	for _, c := range g.conns.All() {
		if rem, ok := g.conns.ForceUnregister(c.ID); ok {
			c.Peer.Close()
			g.release(ctx, rem)
		}
	}
	g.wg.Wait()
}

// Connect registers an authenticated connection locally and in the presence
// store. A store failure leaves the connection accepted with degraded presence;
// the heartbeat loop registers it again later.
func (g *Gateway) Connect(ctx context.Context, viewer models.Viewer, clientType registry.ClientType, peer registry.Peer) *registry.Conn {
	now := g.now()
	conn := &registry.Conn{
		ID:          uuid.NewString(),
		UserID:      viewer.UserID,
		ClientType:  clientType,
		Viewer:      viewer,
		ConnectedAt: now,
		Peer:        peer,
	}
	g.conns.Register(conn)
	metrics.ConnectionsActive.Inc()

	newly, err := g.presence.RegisterSocket(ctx, conn.UserID, conn.ID, now)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("register socket failed, presence degraded")
	}
	g.idle.Touch(conn.UserID)

	g.logger.Debug().
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("client", string(clientType)).
		Bool("newly_online", newly).
		Msg("connected")

	switch {
	case newly:
		g.userOnline(ctx, conn.UserID, now.UnixMilli())
	case err == nil:
		// A new device of an online user is activity.
		g.markActive(ctx, conn.UserID)
	}
	return conn
}

// Disconnect releases a connection closed by its transport. Unknown ids, such
// as connections already closed by an idle disconnect, are ignored.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	rem, ok := g.conns.Unregister(connID)
	if !ok {
		return
	}
	g.release(ctx, rem)
}

func (g *Gateway) release(ctx context.Context, rem registry.Removal) {
	conn := rem.Conn
	metrics.ConnectionsActive.Dec()

	g.subs.RemoveConnection(conn.ID)
	g.afterLeave(ctx, conn, g.radio.OnDisconnect(conn.ID, conn.UserID))
	if rem.LastLocal {
		g.idle.Cancel(conn.UserID)
	}

	now := g.now()
	offline, err := g.presence.UnregisterSocket(ctx, conn.UserID, conn.ID, now)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("unregister socket failed")
	}

	g.logger.Debug().
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Bool("forced", rem.Forced).
		Bool("now_offline", offline).
		Msg("disconnected")

	if offline {
		g.userOffline(ctx, conn.UserID, now)
	}
}

// ConnectionCount returns the number of local connections.
func (g *Gateway) ConnectionCount() int {
	return g.conns.Count()
}

// LobbyCounts returns the listener count of every station, fleet-wide when
// rooms are shared. A store failure falls back to this instance's counts.
func (g *Gateway) LobbyCounts(ctx context.Context) models.LobbyCounts {
	if g.rooms != nil {
		counts, err := g.rooms.ListenerCounts(ctx, g.radio.Stations())
		if err == nil {
			return models.LobbyCounts{CountsByStationID: counts}
		}
	}
	return models.LobbyCounts{CountsByStationID: g.radio.LobbyCountsByStationID()}
}

// roster returns a station's listeners, fleet-wide when rooms are shared.
func (g *Gateway) roster(ctx context.Context, stationID string) models.Listeners {
	if g.rooms != nil {
		listeners, err := g.rooms.StationListeners(ctx, stationID)
		if err == nil {
			return listeners
		}
	}
	return g.radio.ListenersForStation(stationID)
}

// userOnline emits the fleet-wide first-connect transition.
func (g *Gateway) userOnline(ctx context.Context, userID string, lastConnectAt int64) {
	metrics.PresenceTransitions.WithLabelValues("online").Inc()

	payload := models.Online{UserID: userID, LastConnectAt: lastConnectAt}
	if summary, ok := g.summary(ctx, userID); ok {
		payload.User = &summary
	}
	g.fanout(userID, models.Event{Type: models.EventOnline, Data: payload})
	g.publish(ctx, store.BusOnline, userID, payload)
}

// userOffline emits the fleet-wide last-disconnect transition.
func (g *Gateway) userOffline(ctx context.Context, userID string, at time.Time) {
	metrics.PresenceTransitions.WithLabelValues("offline").Inc()

	if !g.conns.HasUser(userID) {
		g.idle.Cancel(userID)
	}
	g.fanout(userID, models.Event{Type: models.EventOffline, Data: models.UserRef{UserID: userID}})
	g.publish(ctx, store.BusOffline, userID, nil)
	g.recordLastSeen(userID, at)

	// Memberships left behind by an instance that died with the connection.
	if g.rooms != nil {
		station, err := g.rooms.ReleaseListener(ctx, userID, "")
		if err == nil && station != "" {
			g.broadcastRooms(ctx, true, station)
		}
	}
}

func (g *Gateway) fanout(userID string, event models.Event) {
	g.deliver(g.subs.FanoutTargets(userID), event)
}

func (g *Gateway) deliver(connIDs []string, event models.Event) {
	for _, c := range g.conns.Lookup(connIDs) {
		if !c.Peer.Send(event) {
			metrics.OutboundDropped.Inc()
		}
	}
}

func (g *Gateway) send(conn *registry.Conn, event models.Event) {
	if !conn.Peer.Send(event) {
		metrics.OutboundDropped.Inc()
	}
}

func (g *Gateway) deliverContent(update models.ContentUpdate) {
	g.deliver(g.subs.ContentTargets(update.PostID), models.Event{Type: models.EventPostUpdated, Data: update})
}

// publish sends a bus event. Failures are logged; local delivery has already happened.
func (g *Gateway) publish(ctx context.Context, eventType, userID string, payload any) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(context.WithoutCancel(ctx), eventType, userID, payload); err != nil {
		g.logger.Warn().Err(err).Str("type", eventType).Str("user_id", userID).Msg("bus publish failed")
	}
}

// summary looks up display fields. Failures omit enrichment.
func (g *Gateway) summary(ctx context.Context, userID string) (models.UserSummary, bool) {
	found := g.summaries(ctx, []string{userID})
	s, ok := found[userID]
	return s, ok
}

func (g *Gateway) summaries(ctx context.Context, userIDs []string) map[string]models.UserSummary {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.EnrichTimeout)
	defer cancel()

	found, err := g.data.UserSummaries(ctx, userIDs)
	if err != nil {
		g.logger.Debug().Err(err).Int("count", len(userIDs)).Msg("user summary lookup failed")
		return map[string]models.UserSummary{}
	}
	return found
}

// recordLastSeen persists the offline time without blocking the transition.
func (g *Gateway) recordLastSeen(userID string, at time.Time) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.StoreTimeout)
		defer cancel()
		if err := g.data.RecordLastSeen(ctx, userID, at); err != nil {
			g.logger.Warn().Err(err).Str("user_id", userID).Msg("record last seen failed")
		}
	}()
}

func (g *Gateway) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.opts.StoreTimeout)
}
