package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
)

const (
	defaultPrefix       = "presence:"
	defaultHeartbeatTTL = 90 * time.Second
)

// PresenceOptions configures the Redis presence layout.
type PresenceOptions struct {
	Prefix       string        // key prefix, defaults to "presence:"
	HeartbeatTTL time.Duration // lifetime of a heartbeat entry without a touch
}

// RedisStore is the fleet-wide presence source of truth.
//
// Every connection owns a heartbeat entry in a per-user sorted set scored by its
// expiry; a user is online while at least one entry has not expired. The
// first-online and last-offline transitions run as Lua scripts so concurrent
// instances observe each transition exactly once.
//
// Read methods return a conservative default alongside any error (empty sets,
// not online, not idle) so callers can log and carry on.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	heartbeatTTL time.Duration
	logger       zerolog.Logger
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string, opts PresenceOptions, logger zerolog.Logger) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(client, opts, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, opts PresenceOptions, logger zerolog.Logger) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = defaultHeartbeatTTL
	}
	return &RedisStore{
		client:       client,
		prefix:       opts.Prefix,
		heartbeatTTL: opts.HeartbeatTTL,
		logger:       logger.With().Str("component", "presence_store").Logger(),
	}
}

// Client exposes the underlying client for the rate limiter and the bus.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// HeartbeatTTL returns the configured heartbeat lifetime.
func (s *RedisStore) HeartbeatTTL() time.Duration {
	return s.heartbeatTTL
}

// connsKey returns the key for a user's heartbeat sorted set.
func (s *RedisStore) connsKey(userID string) string {
	return s.prefix + "conns:" + userID
}

// onlineKey returns the key of the online sorted set (score = first connect ms).
func (s *RedisStore) onlineKey() string {
	return s.prefix + "online"
}

// idleKey returns the key of the idle user set.
func (s *RedisStore) idleKey() string {
	return s.prefix + "idle"
}

// activityKey returns the key of the last-activity hash.
func (s *RedisStore) activityKey() string {
	return s.prefix + "activity"
}

// KEYS: conns, online, idle, activity
// ARGV: connID, nowMs, expiresAtMs, ttlMs, userID
var registerScript = redis.NewScript(`
	local now = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
	local live = redis.call('ZCARD', KEYS[1])
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('HSET', KEYS[4], ARGV[5], ARGV[2])
	if live == 0 then
		redis.call('ZADD', KEYS[2], now, ARGV[5])
		redis.call('SREM', KEYS[3], ARGV[5])
		return 1
	end
	if not redis.call('ZSCORE', KEYS[2], ARGV[5]) then
		redis.call('ZADD', KEYS[2], now, ARGV[5])
	end
	return 0
`)

// KEYS: conns, online, idle, activity
// ARGV: connID, nowMs, userID
var unregisterScript = redis.NewScript(`
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[2]))
	if redis.call('ZCARD', KEYS[1]) > 0 then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[3], ARGV[3])
	redis.call('HDEL', KEYS[4], ARGV[3])
	return redis.call('ZREM', KEYS[2], ARGV[3])
`)

// KEYS: conns, activity
// ARGV: connID, nowMs, expiresAtMs, ttlMs, userID, markActivity
var touchScript = redis.NewScript(`
	local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
	if (not score) or tonumber(score) <= tonumber(ARGV[2]) then
		return 0
	end
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	if ARGV[6] == '1' then
		redis.call('HSET', KEYS[2], ARGV[5], ARGV[2])
	end
	return 1
`)

// KEYS: online, idle
// ARGV: userID
var setIdleScript = redis.NewScript(`
	if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
		return 0
	end
	return redis.call('SADD', KEYS[2], ARGV[1])
`)

// KEYS: conns, online, idle, activity
// ARGV: nowMs, userID
var sweepScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]))
	if redis.call('ZCARD', KEYS[1]) > 0 then
		return 0
	end
	redis.call('SREM', KEYS[3], ARGV[2])
	redis.call('HDEL', KEYS[4], ARGV[2])
	return redis.call('ZREM', KEYS[2], ARGV[2])
`)

// RegisterSocket persists a heartbeat for the connection and reports whether this
// registration took the user from offline to online fleet-wide.
func (s *RedisStore) RegisterSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error) {
	defer s.observe(time.Now())

	nowMs := now.UnixMilli()
	res, err := registerScript.Run(ctx, s.client,
		[]string{s.connsKey(userID), s.onlineKey(), s.idleKey(), s.activityKey()},
		connID, nowMs, nowMs+s.heartbeatTTL.Milliseconds(), s.heartbeatTTL.Milliseconds(), userID,
	).Int64()
	if err != nil {
		return false, s.fail("register", err)
	}
	return res == 1, nil
}

// UnregisterSocket removes the connection's heartbeat and reports whether the user
// has no live heartbeat left anywhere.
func (s *RedisStore) UnregisterSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error) {
	defer s.observe(time.Now())

	res, err := unregisterScript.Run(ctx, s.client,
		[]string{s.connsKey(userID), s.onlineKey(), s.idleKey(), s.activityKey()},
		connID, now.UnixMilli(), userID,
	).Int64()
	if err != nil {
		return false, s.fail("unregister", err)
	}
	return res == 1, nil
}

// TouchSocket refreshes the heartbeat and records user activity. found is false
// when the heartbeat no longer exists and the caller should register again.
func (s *RedisStore) TouchSocket(ctx context.Context, userID, connID string, now time.Time) (bool, error) {
	return s.touch(ctx, "touch", userID, connID, now, true)
}

// RefreshHeartbeat extends the heartbeat without counting as user activity.
func (s *RedisStore) RefreshHeartbeat(ctx context.Context, userID, connID string, now time.Time) (bool, error) {
	return s.touch(ctx, "heartbeat", userID, connID, now, false)
}

func (s *RedisStore) touch(ctx context.Context, op, userID, connID string, now time.Time, activity bool) (bool, error) {
	defer s.observe(time.Now())

	mark := "0"
	if activity {
		mark = "1"
	}
	nowMs := now.UnixMilli()
	res, err := touchScript.Run(ctx, s.client,
		[]string{s.connsKey(userID), s.activityKey()},
		connID, nowMs, nowMs+s.heartbeatTTL.Milliseconds(), s.heartbeatTTL.Milliseconds(), userID, mark,
	).Int64()
	if err != nil {
		return false, s.fail(op, err)
	}
	return res == 1, nil
}

// SetIdle flags an online user as idle. Offline users are never flagged.
func (s *RedisStore) SetIdle(ctx context.Context, userID string) (bool, error) {
	defer s.observe(time.Now())

	res, err := setIdleScript.Run(ctx, s.client, []string{s.onlineKey(), s.idleKey()}, userID).Int64()
	if err != nil {
		return false, s.fail("set_idle", err)
	}
	return res == 1, nil
}

// SetActive clears the idle flag and reports whether it was set.
func (s *RedisStore) SetActive(ctx context.Context, userID string) (bool, error) {
	defer s.observe(time.Now())

	n, err := s.client.SRem(ctx, s.idleKey(), userID).Result()
	if err != nil {
		return false, s.fail("set_active", err)
	}
	return n > 0, nil
}

// IsOnline reports whether the user has at least one unexpired heartbeat.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	defer s.observe(time.Now())

	n, err := s.client.ZCount(ctx, s.connsKey(userID), liveMin(time.Now()), "+inf").Result()
	if err != nil {
		return false, s.fail("is_online", err)
	}
	return n > 0, nil
}

// IsIdle reports whether the user is flagged idle.
func (s *RedisStore) IsIdle(ctx context.Context, userID string) (bool, error) {
	defer s.observe(time.Now())

	idle, err := s.client.SIsMember(ctx, s.idleKey(), userID).Result()
	if err != nil {
		return false, s.fail("is_idle", err)
	}
	return idle, nil
}

// IdleByUserIDs returns the idle flag for each id. Every id is present in the result.
func (s *RedisStore) IdleByUserIDs(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = false
	}
	if len(userIDs) == 0 {
		return out, nil
	}
	defer s.observe(time.Now())

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.SIsMember(ctx, s.idleKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return out, s.fail("idle_by_user_ids", err)
	}
	for i, id := range userIDs {
		out[id] = cmds[i].Val()
	}
	return out, nil
}

// OnlineUserIDs returns online users ordered longest online first. Users whose
// heartbeats all expired but who have not been swept yet are left out.
func (s *RedisStore) OnlineUserIDs(ctx context.Context) ([]string, error) {
	defer s.observe(time.Now())

	ids, err := s.client.ZRange(ctx, s.onlineKey(), 0, -1).Result()
	if err != nil {
		return []string{}, s.fail("online_user_ids", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	lower := liveMin(time.Now())
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZCount(ctx, s.connsKey(id), lower, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return []string{}, s.fail("online_user_ids", err)
	}

	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if cmds[i].Val() > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// OnlineCount returns the size of the online set.
func (s *RedisStore) OnlineCount(ctx context.Context) (int64, error) {
	defer s.observe(time.Now())

	n, err := s.client.ZCard(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, s.fail("online_count", err)
	}
	return n, nil
}

// LastConnectAtMsByUserID returns the first-connect time of the current online
// session for each online id. Offline ids are absent.
func (s *RedisStore) LastConnectAtMsByUserID(ctx context.Context, userIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	defer s.observe(time.Now())

	pipe := s.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.ZScore(ctx, s.onlineKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return out, s.fail("last_connect_at", err)
	}
	for i, id := range userIDs {
		if score, err := cmds[i].Result(); err == nil {
			out[id] = int64(score)
		}
	}
	return out, nil
}

// LastActivityAt returns the user's last recorded activity, or the zero time.
func (s *RedisStore) LastActivityAt(ctx context.Context, userID string) (time.Time, error) {
	defer s.observe(time.Now())

	ms, err := s.client.HGet(ctx, s.activityKey(), userID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, s.fail("last_activity", err)
	}
	return time.UnixMilli(ms), nil
}

// SweepExpired removes users whose heartbeats all expired (for example after an
// instance crashed) and returns their ids. Each user is returned by exactly one
// caller across the fleet.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.onlineKey(), 0, -1).Result()
	if err != nil {
		return nil, s.fail("sweep", err)
	}

	var offline []string
	nowMs := now.UnixMilli()
	for _, id := range ids {
		res, err := sweepScript.Run(ctx, s.client,
			[]string{s.connsKey(id), s.onlineKey(), s.idleKey(), s.activityKey()},
			nowMs, id,
		).Int64()
		if err != nil {
			return offline, s.fail("sweep", err)
		}
		if res == 1 {
			offline = append(offline, id)
		}
	}
	return offline, nil
}

// liveMin is the exclusive lower score bound of unexpired heartbeats.
func liveMin(now time.Time) string {
	return "(" + strconv.FormatInt(now.UnixMilli(), 10)
}

func (s *RedisStore) observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

func (s *RedisStore) fail(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Str("op", op).Msg("presence store error")
	return err
}
