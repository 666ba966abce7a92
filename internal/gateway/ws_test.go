package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmcglone/menofhunger-realtime/internal/auth"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

func TestWebsocketRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	g := newTestGateway(t, mr, "i1", nil)
	authenticator := auth.NewAuthenticator("test-secret", "")

	srv := httptest.NewServer(NewWSHandler(g, authenticator, nil, zerolog.Nop()))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := authenticator.Issue(models.Viewer{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?client=ios&token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence:subscribe","data":{"userIds":["alice"]}}`)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type string            `json:"type"`
		Data models.Subscribed `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, models.EventSubscribed, frame.Type)
	require.Len(t, frame.Data.Users, 1)
	assert.True(t, frame.Data.Users[0].Online)
	assert.Equal(t, 1, g.ConnectionCount())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return g.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://menofhunger.com", "not a url"}, zerolog.Nop())

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")), "native clients send no origin")
	assert.True(t, check(req("https://MenOfHunger.com")))
	assert.False(t, check(req("https://evil.example")))
	assert.True(t, originChecker(nil, zerolog.Nop())(req("https://anything.example")))
}
