package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchStationsSameDevice(t *testing.T) {
	c := NewCoordinator(nil)

	res := c.Join("d1", "alice", "dronezone")
	require.True(t, res.Joined)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, c.LobbyCountsByStationID()["dronezone"])

	res = c.Join("d1", "alice", "groovesalad")
	require.True(t, res.Joined)
	assert.Equal(t, "dronezone", res.PreviousStation)
	assert.Empty(t, res.SupersededConn)

	counts := c.LobbyCountsByStationID()
	assert.Equal(t, 0, counts["dronezone"])
	assert.Equal(t, 1, counts["groovesalad"])
	assert.Equal(t, map[string]int{"dronezone": 0, "groovesalad": 1, "lush": 0, "spacestation": 0}, counts)

	assert.Empty(t, c.RoomConnections("dronezone"))
	assert.Equal(t, []string{"d1"}, c.RoomConnections("groovesalad"))
}

func TestSecondDeviceSameStation(t *testing.T) {
	c := NewCoordinator(nil)

	c.Join("d1", "alice", "dronezone")
	res := c.Join("d2", "alice", "dronezone")
	assert.Equal(t, "d1", res.SupersededConn)
	assert.Empty(t, res.PreviousStation)

	l := c.ListenersForStation("dronezone")
	assert.Equal(t, []string{"alice"}, l.UserIDs)

	// d1 no longer owns the membership.
	leave := c.Leave("d1", "alice")
	assert.False(t, leave.WasActive)
	assert.Equal(t, "dronezone", leave.RoomStationID)
	assert.Equal(t, []string{"alice"}, c.ListenersForStation("dronezone").UserIDs)

	m, ok := c.MembershipOf("alice")
	require.True(t, ok)
	assert.Equal(t, "d2", m.ConnID)
}

func TestStaleConnectionIsNoop(t *testing.T) {
	c := NewCoordinator(nil)
	c.Join("d1", "alice", "lush")
	c.Join("d2", "alice", "spacestation")

	assert.Equal(t, MutationResult{}, c.Pause("d1", "alice"))
	assert.Equal(t, MutationResult{}, c.SetMuted("d1", "alice", true))

	l := c.ListenersForStation("spacestation")
	assert.Empty(t, l.PausedUserIDs)
	assert.Empty(t, l.MutedUserIDs)
	assert.Zero(t, c.LobbyCountsByStationID()["lush"])
}

func TestPauseMuteResume(t *testing.T) {
	c := NewCoordinator(nil)
	c.Join("d1", "alice", "lush")
	c.Join("b1", "bob", "lush")

	res := c.Pause("d1", "alice")
	assert.Equal(t, MutationResult{WasActive: true, Changed: true, StationID: "lush"}, res)
	assert.False(t, c.Pause("d1", "alice").Changed, "pausing twice is not a change")

	assert.True(t, c.SetMuted("b1", "bob", true).Changed)
	assert.False(t, c.SetMuted("b1", "bob", true).Changed)

	l := c.ListenersForStation("lush")
	assert.Equal(t, []string{"alice", "bob"}, l.UserIDs)
	assert.Equal(t, []string{"alice"}, l.PausedUserIDs)
	assert.Equal(t, []string{"bob"}, l.MutedUserIDs)

	// Joining the same station again resumes.
	join := c.Join("d1", "alice", "lush")
	assert.True(t, join.Changed)
	assert.Empty(t, c.ListenersForStation("lush").PausedUserIDs)
}

func TestUnknownStation(t *testing.T) {
	c := NewCoordinator([]string{"a", "b", "a", ""})
	assert.Equal(t, []string{"a", "b"}, c.Stations())

	assert.False(t, c.Join("d1", "alice", "zzz").Joined)
	assert.False(t, c.Watch("d1", "zzz"))
	_, ok := c.MembershipOf("alice")
	assert.False(t, ok)
}

func TestWatchAndDisconnect(t *testing.T) {
	c := NewCoordinator(nil)
	assert.True(t, c.Watch("w1", "lush"))
	c.Join("d1", "alice", "lush")

	assert.ElementsMatch(t, []string{"w1", "d1"}, c.RoomConnections("lush"))
	assert.Equal(t, 1, c.LobbyCountsByStationID()["lush"], "watchers are not listeners")

	res := c.OnDisconnect("d1", "alice")
	assert.Equal(t, LeaveResult{WasActive: true, StationID: "lush", RoomStationID: "lush"}, res)
	assert.Equal(t, []string{"w1"}, c.RoomConnections("lush"))
	assert.Equal(t, []string{"w1"}, c.RoomWatchers())
}

func TestEvictUser(t *testing.T) {
	c := NewCoordinator(nil)
	c.Join("d1", "alice", "lush")

	m, ok := c.EvictUser("alice")
	require.True(t, ok)
	assert.Equal(t, "d1", m.ConnID)
	assert.Zero(t, c.LobbyCountsByStationID()["lush"])

	_, ok = c.EvictUser("alice")
	assert.False(t, ok)
	assert.False(t, c.Leave("d1", "alice").WasActive)
}
