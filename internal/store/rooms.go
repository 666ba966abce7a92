package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// Listening-room membership shared by every instance. The members hash maps a
// user to "station|flags" where flags holds 'p' when paused and 'm' when muted;
// the owners hash maps the user to the connection that joined.

// claimScript makes ARGV[2] the owner of ARGV[1]'s membership in ARGV[3] and
// returns the previous member value, "" when there was none.
var claimScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3] .. '|')
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if not prev then
	return ''
end
return prev
`)

// updateScript rewrites the member value only while ARGV[2] still owns it.
var updateScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// releaseScript drops the membership when ARGV[2] owns it, or unconditionally
// when ARGV[2] is empty, and returns the dropped member value.
var releaseScript = redis.NewScript(`
if ARGV[2] ~= '' and redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return ''
end
local prev = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if not prev then
	return ''
end
return prev
`)

// membersKey returns the key of the listener hash (user -> "station|flags").
func (s *RedisStore) membersKey() string {
	return s.prefix + "radio_members"
}

// ownersKey returns the key of the membership owner hash (user -> connID).
func (s *RedisStore) ownersKey() string {
	return s.prefix + "radio_owners"
}

// ClaimListener records connID as the owner of the user's membership in
// stationID. It returns the station the user was in before, "" when none.
func (s *RedisStore) ClaimListener(ctx context.Context, userID, connID, stationID string) (string, error) {
	defer s.observe(time.Now())

	prev, err := claimScript.Run(ctx, s.client, []string{s.membersKey(), s.ownersKey()}, userID, connID, stationID).Text()
	if err != nil {
		return "", s.fail("claim_listener", err)
	}
	station, _, _ := parseMember(prev)
	return station, nil
}

// UpdateListener stores the paused and muted flags if connID still owns the
// membership. It reports whether the write happened.
func (s *RedisStore) UpdateListener(ctx context.Context, userID, connID, stationID string, paused, muted bool) (bool, error) {
	defer s.observe(time.Now())

	n, err := updateScript.Run(ctx, s.client, []string{s.membersKey(), s.ownersKey()}, userID, connID, formatMember(stationID, paused, muted)).Int()
	if err != nil {
		return false, s.fail("update_listener", err)
	}
	return n == 1, nil
}

// ReleaseListener drops the user's membership if connID owns it. An empty
// connID drops it regardless of owner. It returns the station that was left.
func (s *RedisStore) ReleaseListener(ctx context.Context, userID, connID string) (string, error) {
	defer s.observe(time.Now())

	prev, err := releaseScript.Run(ctx, s.client, []string{s.membersKey(), s.ownersKey()}, userID, connID).Text()
	if err != nil {
		return "", s.fail("release_listener", err)
	}
	station, _, _ := parseMember(prev)
	return station, nil
}

// StationListeners returns the fleet-wide roster of a station with ids sorted.
func (s *RedisStore) StationListeners(ctx context.Context, stationID string) (models.Listeners, error) {
	out := models.Listeners{
		StationID:     stationID,
		UserIDs:       []string{},
		PausedUserIDs: []string{},
		MutedUserIDs:  []string{},
	}
	members, err := s.members(ctx)
	if err != nil {
		return out, err
	}
	for userID, value := range members {
		station, paused, muted := parseMember(value)
		if station != stationID {
			continue
		}
		out.UserIDs = append(out.UserIDs, userID)
		if paused {
			out.PausedUserIDs = append(out.PausedUserIDs, userID)
		}
		if muted {
			out.MutedUserIDs = append(out.MutedUserIDs, userID)
		}
	}
	sort.Strings(out.UserIDs)
	sort.Strings(out.PausedUserIDs)
	sort.Strings(out.MutedUserIDs)
	return out, nil
}

// ListenerCounts returns the fleet-wide listener count of each station. Every
// requested station is present in the result.
func (s *RedisStore) ListenerCounts(ctx context.Context, stations []string) (map[string]int, error) {
	out := make(map[string]int, len(stations))
	for _, id := range stations {
		out[id] = 0
	}
	members, err := s.members(ctx)
	if err != nil {
		return out, err
	}
	for _, value := range members {
		station, _, _ := parseMember(value)
		if _, ok := out[station]; ok {
			out[station]++
		}
	}
	return out, nil
}

func (s *RedisStore) members(ctx context.Context) (map[string]string, error) {
	defer s.observe(time.Now())

	members, err := s.client.HGetAll(ctx, s.membersKey()).Result()
	if err != nil {
		return nil, s.fail("listeners", err)
	}
	return members, nil
}

func formatMember(stationID string, paused, muted bool) string {
	var b strings.Builder
	b.WriteString(stationID)
	b.WriteByte('|')
	if paused {
		b.WriteByte('p')
	}
	if muted {
		b.WriteByte('m')
	}
	return b.String()
}

func parseMember(value string) (stationID string, paused, muted bool) {
	station, flags, _ := strings.Cut(value, "|")
	return station, strings.ContainsRune(flags, 'p'), strings.ContainsRune(flags, 'm')
}
