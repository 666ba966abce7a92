package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

type nopPeer struct{}

func (nopPeer) Send(models.Event) bool { return true }
func (nopPeer) Close()                 {}

func conn(id, user string) *Conn {
	return &Conn{ID: id, UserID: user, ClientType: ClientWeb, Peer: nopPeer{}}
}

func TestConnectionsLastLocal(t *testing.T) {
	r := NewConnections()
	r.Register(conn("a1", "alice"))
	r.Register(conn("a2", "alice"))
	r.Register(conn("b1", "bob"))

	require.Equal(t, 3, r.Count())
	assert.Len(t, r.ConnectionsForUser("alice"), 2)

	rem, ok := r.Unregister("a1")
	require.True(t, ok)
	assert.False(t, rem.LastLocal)
	assert.True(t, r.HasUser("alice"))

	rem, ok = r.Unregister("a2")
	require.True(t, ok)
	assert.True(t, rem.LastLocal)
	assert.Equal(t, "alice", rem.Conn.UserID)
	assert.False(t, r.HasUser("alice"))
	assert.Empty(t, r.ConnectionsForUser("alice"))
}

func TestConnectionsDoubleRemoval(t *testing.T) {
	r := NewConnections()
	r.Register(conn("a1", "alice"))

	rem, ok := r.ForceUnregister("a1")
	require.True(t, ok)
	assert.True(t, rem.Forced)
	assert.True(t, rem.LastLocal)

	_, ok = r.Unregister("a1")
	assert.False(t, ok, "transport close after forced close must be a no-op")
	assert.Zero(t, r.Count())
}

func TestConnectionsReRegisterReplaces(t *testing.T) {
	r := NewConnections()
	r.Register(conn("x", "alice"))
	r.Register(conn("x", "bob"))

	assert.Equal(t, 1, r.Count())
	assert.False(t, r.HasUser("alice"))
	c, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "bob", c.UserID)
}

func TestConnectionsLookupSkipsMissing(t *testing.T) {
	r := NewConnections()
	r.Register(conn("a1", "alice"))

	got := r.Lookup([]string{"a1", "gone"})
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.Len(t, r.All(), 1)
}

func TestParseClientType(t *testing.T) {
	assert.Equal(t, ClientIOS, ParseClientType("ios"))
	assert.Equal(t, ClientUnknown, ParseClientType("toaster"))
	assert.Equal(t, ClientUnknown, ParseClientType(""))
}
