package store

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
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, PresenceOptions{HeartbeatTTL: time.Minute}, zerolog.Nop()), mr
}

func TestRegisterSocketReportsFirstConnectionOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := s.RegisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.RegisterSocket(ctx, "u1", "c2", now)
	require.NoError(t, err)
	assert.False(t, second, "second device must not re-trigger online")

	online, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestRegisterSocketConcurrentRegistrationsTransitionOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			newly, err := s.RegisterSocket(ctx, "u1", "c"+string(rune('a'+i)), now)
			if err == nil && newly {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestUnregisterSocketOnlyLastConnectionGoesOffline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.RegisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)
	_, err = s.RegisterSocket(ctx, "u1", "c2", now)
	require.NoError(t, err)

	offline, err := s.UnregisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)
	assert.False(t, offline)

	offline, err = s.UnregisterSocket(ctx, "u1", "c2", now)
	require.NoError(t, err)
	assert.True(t, offline)

	// A duplicate unregister must not report a second transition.
	offline, err = s.UnregisterSocket(ctx, "u1", "c2", now)
	require.NoError(t, err)
	assert.False(t, offline)

	online, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestIdleRequiresOnline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	changed, err := s.SetIdle(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, changed, "offline users are never idle")

	_, err = s.RegisterSocket(ctx, "u1", "c1", time.Now())
	require.NoError(t, err)

	changed, err = s.SetIdle(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetIdle(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, changed)

	idle, err := s.IdleByUserIDs(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1": true, "ghost": false}, idle)

	changed, err = s.SetActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, changed)

	// Going offline clears the idle flag.
	_, err = s.SetIdle(ctx, "u1")
	require.NoError(t, err)
	_, err = s.UnregisterSocket(ctx, "u1", "c1", time.Now())
	require.NoError(t, err)
	isIdle, err := s.IsIdle(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, isIdle)
}

func TestReconnectClearsIdle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.RegisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)
	_, err = s.SetIdle(ctx, "u1")
	require.NoError(t, err)
	_, err = s.UnregisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)

	newly, err := s.RegisterSocket(ctx, "u1", "c2", now)
	require.NoError(t, err)
	assert.True(t, newly)
	idle, err := s.IsIdle(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, idle)
}

func TestOnlineUserIDsLongestOnlineFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	_, err := s.RegisterSocket(ctx, "late", "c3", base)
	require.NoError(t, err)
	_, err = s.RegisterSocket(ctx, "early", "c1", base.Add(-10*time.Second))
	require.NoError(t, err)
	_, err = s.RegisterSocket(ctx, "middle", "c2", base.Add(-5*time.Second))
	require.NoError(t, err)

	ids, err := s.OnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "middle", "late"}, ids)

	at, err := s.LastConnectAtMsByUserID(ctx, []string{"early", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, base.Add(-10*time.Second).UnixMilli(), at["early"])
	_, ok := at["ghost"]
	assert.False(t, ok)

	count, err := s.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestTouchSocketRefreshesAndDetectsMissingHeartbeat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	found, err := s.TouchSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)
	assert.False(t, found, "touching an unknown heartbeat reports it missing")

	_, err = s.RegisterSocket(ctx, "u1", "c1", now)
	require.NoError(t, err)

	later := now.Add(30 * time.Second)
	found, err = s.TouchSocket(ctx, "u1", "c1", later)
	require.NoError(t, err)
	assert.True(t, found)

	last, err := s.LastActivityAt(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), last.UnixMilli())

	// A heartbeat refresh does not count as activity.
	found, err = s.RefreshHeartbeat(ctx, "u1", "c1", later.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, found)
	last, err = s.LastActivityAt(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), last.UnixMilli())
}

func TestExpiredHeartbeatsAreSwept(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Minute)
	_, err := s.RegisterSocket(ctx, "crashed", "c1", stale)
	require.NoError(t, err)
	_, err = s.RegisterSocket(ctx, "alive", "c2", time.Now())
	require.NoError(t, err)

	online, err := s.IsOnline(ctx, "crashed")
	require.NoError(t, err)
	assert.False(t, online, "expired heartbeats do not count as online")

	ids, err := s.OnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, ids)

	swept, err := s.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, swept)

	swept, err = s.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, swept)

	// The user comes back: a fresh online transition.
	newly, err := s.RegisterSocket(ctx, "crashed", "c3", time.Now())
	require.NoError(t, err)
	assert.True(t, newly)
}

func TestStoreErrorsReturnConservativeDefaults(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	ids, err := s.OnlineUserIDs(ctx)
	assert.Error(t, err)
	assert.Empty(t, ids)

	idle, err := s.IdleByUserIDs(ctx, []string{"u1"})
	assert.Error(t, err)
	assert.Equal(t, map[string]bool{"u1": false}, idle)

	online, err := s.IsOnline(ctx, "u1")
	assert.Error(t, err)
	assert.False(t, online)
}
