// Package radio tracks listening-room membership for the connections held by
// this process.
//
// A user owns at most one membership, tagged with the connection that joined.
// Only that connection can pause, mute or leave it; calls from a connection
// that was superseded by a newer join are no-ops.
package radio

import (
	"sort"
	"sync"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// DefaultStations are used when none are configured.
var DefaultStations = []string{"dronezone", "groovesalad", "lush", "spacestation"}

// Membership is a user's current station.
type Membership struct {
	StationID string
	UserID    string
	ConnID    string
	Paused    bool
	Muted     bool
}

// JoinResult describes the effect of a join.
type JoinResult struct {
	Joined bool
	// PreviousStation is set when the user left another station to join this one.
	PreviousStation string
	// SupersededConn is the connection that owned the membership before, if it
	// was a different one.
	SupersededConn string
	// Changed reports whether the joined station's roster changed.
	Changed bool
}

// MutationResult describes a pause or mute.
type MutationResult struct {
	WasActive bool
	Changed   bool
	StationID string
}

// LeaveResult describes a leave or disconnect.
type LeaveResult struct {
	// WasActive is true when the connection owned a membership and it was evicted.
	WasActive bool
	// StationID is the station whose roster changed.
	StationID string
	// RoomStationID is the room whose broadcasts the connection stopped receiving.
	RoomStationID string
}

// Coordinator holds memberships and room subscriptions.
type Coordinator struct {
	stations []string
	known    map[string]struct{}

	mu        sync.Mutex
	members   map[string]*Membership         // userID -> membership
	byStation map[string]map[string]struct{} // stationID -> userIDs
	rooms     map[string]map[string]struct{} // stationID -> connIDs receiving broadcasts
	roomOf    map[string]string              // connID -> stationID
}

// NewCoordinator creates a coordinator for the given stations.
func NewCoordinator(stations []string) *Coordinator {
	if len(stations) == 0 {
		stations = DefaultStations
	}
	c := &Coordinator{
		known:     make(map[string]struct{}, len(stations)),
		members:   make(map[string]*Membership),
		byStation: make(map[string]map[string]struct{}),
		rooms:     make(map[string]map[string]struct{}),
		roomOf:    make(map[string]string),
	}
	for _, s := range stations {
		if _, dup := c.known[s]; dup || s == "" {
			continue
		}
		c.known[s] = struct{}{}
		c.stations = append(c.stations, s)
	}
	return c
}

// Stations returns the configured station ids in configuration order.
func (c *Coordinator) Stations() []string {
	out := make([]string, len(c.stations))
	copy(out, c.stations)
	return out
}

// IsStation reports whether id is a configured station.
func (c *Coordinator) IsStation(id string) bool {
	_, ok := c.known[id]
	return ok
}

// Join makes connID the owner of userID's membership in stationID.
func (c *Coordinator) Join(connID, userID, stationID string) JoinResult {
	if !c.IsStation(stationID) {
		return JoinResult{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res := JoinResult{Joined: true}
	prev := c.members[userID]
	if prev != nil && prev.ConnID != connID {
		res.SupersededConn = prev.ConnID
	}

	switch {
	case prev != nil && prev.StationID == stationID:
		// Same station: resume, or transfer ownership to the joining device.
		res.Changed = prev.Paused || prev.Muted
		prev.ConnID = connID
		prev.Paused = false
		prev.Muted = false
	default:
		if prev != nil {
			c.removeMemberLocked(prev)
			res.PreviousStation = prev.StationID
		}
		m := &Membership{StationID: stationID, UserID: userID, ConnID: connID}
		c.members[userID] = m
		addTo(c.byStation, stationID, userID)
		res.Changed = true
	}

	c.setRoomLocked(connID, stationID)
	return res
}

// Watch subscribes connID to a room's broadcasts without counting it as a listener.
func (c *Coordinator) Watch(connID, stationID string) bool {
	if !c.IsStation(stationID) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setRoomLocked(connID, stationID)
	return true
}

// Pause pauses the membership if connID owns it.
func (c *Coordinator) Pause(connID, userID string) MutationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ownedLocked(connID, userID)
	if !ok {
		return MutationResult{}
	}
	res := MutationResult{WasActive: true, Changed: !m.Paused, StationID: m.StationID}
	m.Paused = true
	return res
}

// SetMuted sets the muted flag if connID owns the membership.
func (c *Coordinator) SetMuted(connID, userID string, muted bool) MutationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ownedLocked(connID, userID)
	if !ok {
		return MutationResult{}
	}
	res := MutationResult{WasActive: true, Changed: m.Muted != muted, StationID: m.StationID}
	m.Muted = muted
	return res
}

// Leave clears the connection's room subscription and, if it owns the user's
// membership, evicts it.
func (c *Coordinator) Leave(connID, userID string) LeaveResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := LeaveResult{RoomStationID: c.clearRoomLocked(connID)}
	if m, ok := c.ownedLocked(connID, userID); ok {
		c.removeMemberLocked(m)
		res.WasActive = true
		res.StationID = m.StationID
	}
	return res
}

// OnDisconnect is Leave for a closed connection.
func (c *Coordinator) OnDisconnect(connID, userID string) LeaveResult {
	return c.Leave(connID, userID)
}

// EvictUser drops the user's membership regardless of owner. It is used when a
// device on another instance claims a station for the same user.
func (c *Coordinator) EvictUser(userID string) (Membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[userID]
	if !ok {
		return Membership{}, false
	}
	c.removeMemberLocked(m)
	return *m, true
}

// MembershipOf returns the user's current membership.
func (c *Coordinator) MembershipOf(userID string) (Membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[userID]
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

// ListenersForStation returns the roster of a station with ids sorted.
func (c *Coordinator) ListenersForStation(stationID string) models.Listeners {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := models.Listeners{
		StationID:     stationID,
		UserIDs:       []string{},
		PausedUserIDs: []string{},
		MutedUserIDs:  []string{},
	}
	for userID := range c.byStation[stationID] {
		m := c.members[userID]
		out.UserIDs = append(out.UserIDs, userID)
		if m.Paused {
			out.PausedUserIDs = append(out.PausedUserIDs, userID)
		}
		if m.Muted {
			out.MutedUserIDs = append(out.MutedUserIDs, userID)
		}
	}
	sort.Strings(out.UserIDs)
	sort.Strings(out.PausedUserIDs)
	sort.Strings(out.MutedUserIDs)
	return out
}

// LobbyCountsByStationID reports the listener count of every configured station.
func (c *Coordinator) LobbyCountsByStationID() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.stations))
	for _, s := range c.stations {
		out[s] = len(c.byStation[s])
	}
	return out
}

// RoomConnections returns the connections receiving a station's broadcasts.
func (c *Coordinator) RoomConnections(stationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms[stationID]))
	for id := range c.rooms[stationID] {
		out = append(out, id)
	}
	return out
}

// InRoom reports whether connID receives stationID's broadcasts.
func (c *Coordinator) InRoom(connID, stationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomOf[connID] == stationID && stationID != ""
}

// RoomWatchers returns every connection subscribed to any room.
func (c *Coordinator) RoomWatchers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.roomOf))
	for id := range c.roomOf {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) ownedLocked(connID, userID string) (*Membership, bool) {
	m, ok := c.members[userID]
	if !ok || m.ConnID != connID {
		return nil, false
	}
	return m, true
}

func (c *Coordinator) removeMemberLocked(m *Membership) {
	delete(c.members, m.UserID)
	removeFrom(c.byStation, m.StationID, m.UserID)
}

func (c *Coordinator) setRoomLocked(connID, stationID string) {
	if prev, ok := c.roomOf[connID]; ok {
		if prev == stationID {
			return
		}
		removeFrom(c.rooms, prev, connID)
	}
	c.roomOf[connID] = stationID
	addTo(c.rooms, stationID, connID)
}

func (c *Coordinator) clearRoomLocked(connID string) string {
	prev, ok := c.roomOf[connID]
	if !ok {
		return ""
	}
	delete(c.roomOf, connID)
	removeFrom(c.rooms, prev, connID)
	return prev
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	set := m[key]
	if set == nil {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	set := m[key]
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
