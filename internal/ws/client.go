package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyper-ai-inc/pullbroker/internal/notify"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client is one agent connected to the wake channel.
type Client struct {
	conn *websocket.Conn
	hub  *notify.Hub
	out  chan notify.Wake
	log  zerolog.Logger
}

// NewClient registers conn with hub. It returns nil and closes conn if the
// hub is already stopped.
func NewClient(conn *websocket.Conn, hub *notify.Hub, sessionID string, log zerolog.Logger) *Client {
	c := &Client{
		conn: conn,
		hub:  hub,
		out:  make(chan notify.Wake, 16),
		log:  log,
	}
	if !hub.Register(&notify.Subscriber{SessionID: sessionID, Out: c.out}) {
		conn.Close()
		return nil
	}
	return c
}

// ReadPump drains the connection so control frames are processed. Agents
// do not send anything meaningful.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.out)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}
	}
}

// WritePump sends wakes and keepalive pings until the hub closes the
// subscriber channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case wake, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(wake); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
