package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/auth"
	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
	"github.com/jpmcglone/menofhunger-realtime/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Authenticator resolves a request's credential to a viewer.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Viewer, error)
}

// WSHandler upgrades authenticated requests and runs the connection pumps.
type WSHandler struct {
	gateway  *Gateway
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWSHandler creates the /ws handler. An empty allowlist accepts any origin.
func NewWSHandler(gw *Gateway, authenticator Authenticator, allowedOrigins []string, logger zerolog.Logger) *WSHandler {
	logger = logger.With().Str("component", "ws").Logger()
	return &WSHandler{
		gateway: gw,
		auth:    authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins, logger),
		},
		logger: logger,
	}
}

// ServeHTTP rejects unauthenticated requests with 401 before upgrading.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFromContext(r.Context())
	if !ok {
		var err error
		viewer, err = h.auth.Authenticate(r)
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	// The connection outlives the request's cancellation semantics.
	ctx := context.WithoutCancel(r.Context())

	peer := newWSPeer(ws)
	conn := h.gateway.Connect(ctx, viewer, registry.ParseClientType(r.URL.Query().Get("client")), peer)

	go peer.writePump(h.logger)
	h.readPump(ctx, conn, peer)
}

func (h *WSHandler) readPump(ctx context.Context, conn *registry.Conn, peer *wsPeer) {
	defer func() {
		peer.Close()
		h.gateway.Disconnect(ctx, conn.ID)
	}()

	ws := peer.ws
	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.logger.Debug().Str("conn_id", conn.ID).Msg("read deadline exceeded")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("read error")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		h.gateway.HandleInbound(ctx, conn, msg)
	}
}

// wsPeer queues outbound frames for a single writer goroutine.
type wsPeer struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(ws *websocket.Conn) *wsPeer {
	return &wsPeer{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues an event. A client too slow to drain its buffer is disconnected.
func (p *wsPeer) Send(event models.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		p.Close()
		return false
	}
}

// Close stops the writer, which closes the socket and ends the read pump.
func (p *wsPeer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *wsPeer) writePump(logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.ws.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-p.send:
			if err := p.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.Close()
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug().Err(err).Msg("write error")
				p.Close()
				return
			}
		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.Close()
				return
			}
		}
	}
}

// originChecker allows requests without an Origin header (native clients) and
// browser origins on the allowlist.
func originChecker(allowlist []string, logger zerolog.Logger) func(*http.Request) bool {
	if len(allowlist) == 0 {
		return func(*http.Request) bool { return true }
	}

	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid allowed origin")
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		u, err := url.Parse(header)
		if err != nil || u.Host == "" {
			return false
		}
		if _, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
			return true
		}
		logger.Debug().Str("origin", header).Msg("rejecting disallowed origin")
		return false
	}
}
