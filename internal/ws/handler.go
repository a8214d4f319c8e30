// Package ws owns the WebSocket session endpoint: handshake authentication,
// keepalive, inbound rate limiting, command dispatch and disconnect cleanup.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/warroomhq/warroom/internal/auth"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/hub"
	"github.com/warroomhq/warroom/pkg/protocol"
)

const (
	// pingInterval is how often the server sends WebSocket ping frames.
	pingInterval = 30 * time.Second
	// pongWait is the maximum time to wait for a pong from the peer.
	pongWait = 60 * time.Second
	// writeWait bounds a single frame write to a peer.
	writeWait = 10 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Handler upgrades HTTP requests to WebSocket sessions and runs their
// read/write loops.
type Handler struct {
	auth       auth.Provider
	hub        *hub.Hub
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	log        *slog.Logger

	queueSize       int
	maxMessageBytes int64
}

// NewHandler creates a WebSocket session handler.
func NewHandler(ap auth.Provider, h *hub.Hub, d *Dispatcher, serverCfg config.ServerConfig, rtCfg config.RealtimeConfig, log *slog.Logger) *Handler {
	return &Handler{
		auth:            ap,
		hub:             h,
		dispatcher:      d,
		upgrader:        makeUpgrader(serverCfg.AllowedOrigins),
		log:             log.With("component", "ws"),
		queueSize:       rtCfg.SendQueueSize,
		maxMessageBytes: rtCfg.MaxMessageBytes,
	}
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Extract the bearer token from query param or Authorization header.
	// Browsers cannot set custom headers during the WebSocket handshake, so
	// the query param path is the normal one; access logs must be configured
	// to exclude query parameters.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := h.auth.Verify(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessID := uuid.New().String()
	sess := hub.NewSession(sessID, identity.UserID, identity.Name, identity.Role, h.queueSize)
	h.hub.Register(sess)

	h.log.Info("session connected", "session", sessID, "user", identity.Email)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(conn, sess)
	}()

	h.readLoop(conn, sess)

	// Cleanup runs exactly once per session, whether the read loop ended on
	// a client close, a network error, or a queue-overflow drop.
	h.dispatcher.Disconnect(sess)
	_ = conn.Close()
	wg.Wait()

	h.log.Info("session disconnected", "session", sessID, "user", identity.Email)
}

// readLoop consumes inbound frames until the connection dies. Commands are
// dispatched synchronously so each session's commands apply in the order the
// client sent them.
func (h *Handler) readLoop(conn *websocket.Conn, sess *hub.Session) {
	conn.SetReadLimit(h.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := newMessageLimiter()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("session read error", "session", sess.ID, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.allow() {
			h.log.Debug("session rate limited", "session", sess.ID)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.log.Warn("invalid message from session", "session", sess.ID, "error", err)
			continue
		}

		h.dispatcher.Dispatch(sess, env)
	}
}

// writeLoop drains the session's outbound queue and keeps the connection
// alive with periodic pings. It exits when the queue is closed (session
// removed from the hub) or a write fails.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *hub.Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case msg, ok := <-sess.Outbound():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// messageLimiter is a token bucket applied to inbound frames per connection.
type messageLimiter struct {
	tokens   float64
	lastTime time.Time
}

const (
	msgRate  = 30.0 // messages per second
	msgBurst = 50.0 // max burst
)

func newMessageLimiter() *messageLimiter {
	return &messageLimiter{tokens: msgBurst, lastTime: time.Now()}
}

func (l *messageLimiter) allow() bool {
	now := time.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * msgRate
	if l.tokens > msgBurst {
		l.tokens = msgBurst
	}
	l.lastTime = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
