package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/hyper-ai-inc/pullbroker/internal/notify"
	"github.com/hyper-ai-inc/pullbroker/internal/sessions"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are not browsers; auth is enforced by the middleware.
		return true
	},
}

// Router serves the agent wake channel.
type Router struct {
	hub      *notify.Hub
	sessions *sessions.Manager
	log      zerolog.Logger
}

// NewRouter creates a websocket router.
func NewRouter(hub *notify.Hub, sm *sessions.Manager, log zerolog.Logger) *Router {
	return &Router{
		hub:      hub,
		sessions: sm,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// HandleEvents upgrades to a websocket that streams wakes. An optional
// session_id query parameter scopes approval wakes to that session.
func (r *Router) HandleEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := r.sessions.Get(sessionID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, r.hub, sessionID, r.log)
	if client == nil {
		// Hub already stopped
		return
	}
	go client.ReadPump()
	go client.WritePump()
}
