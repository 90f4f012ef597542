package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// handleWebSocket upgrades the connection and answers each command with
// one reply.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 16),
		server: s,
	}
	go c.writePump()
	go c.readPump()
}

// readPump reads commands until the connection closes.
func (c *client) readPump() {
	defer func() {
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var reply Reply
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			reply = errorReply("", CodeInvalidMessage, "invalid JSON")
		} else {
			reply = c.server.Dispatch(context.Background(), req)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			c.server.log.Error("failed to encode reply", "error", err)
			continue
		}
		select {
		case c.send <- data:
		default:
			c.server.log.Warn("websocket client too slow, reply dropped", "type", reply.Type)
		}
	}
}

// writePump writes replies and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
