package statusfeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

// upgrader's CheckOrigin always allows — origin validation for this
// read-only mirror is left to whatever reverse proxy fronts the server.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected status-feed observer. There is no inbound
// application protocol: the client only ever receives aggregator.Delta
// values as JSON, and the server only ever reads pong frames.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan aggregator.Delta
	log  *zap.Logger
}

// Upgrade upgrades r into a WebSocket connection and returns the resulting
// Client, not yet registered with the hub.
func Upgrade(hub *Hub, w http.ResponseWriter, r *http.Request, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan aggregator.Delta, sendBufferSize),
		log:  log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run subscribes c to the hub and blocks, running the read and write pumps,
// until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)
	go c.writePump()
	c.readPump()
}

// readPump's only job is to detect disconnection — this protocol is
// server-push only, so any inbound frame besides a pong is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("statusfeed: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case d, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(d); err != nil {
				c.log.Warn("statusfeed: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("statusfeed: ping error", zap.Error(err))
				return
			}
		}
	}
}
