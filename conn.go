package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// connection is the server end of one websocket. It stays a dumb pipe: the
// node interprets frames, the registry owns the session.
type connection struct {
	node *Node

	cid     int64
	channel string

	// session is set once the handshake succeeds; readPump is the only
	// writer.
	session *Session

	log *zap.SugaredLogger

	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	done chan struct{}
	once sync.Once
}

// Enqueue queues an outbound frame without blocking. Frames for a full or
// closing connection are dropped; one slow receiver must not stall the
// dispatcher.
func (c *connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warnw("send queue full, dropping frame")
		return false
	}
}

// Shutdown asks writePump to drain queued frames and close the socket.
// Queued frames (such as a superseded notice) go out before the close.
func (c *connection) Shutdown() {
	c.once.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket to the node.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *connection) readPump() {
	defer func() {
		c.node.dropConnection(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.node.cfg.Socket.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debugw("read", "err", err)
			}
			break
		}
		c.node.handleFrame(c, frame)
	}
}

// writePump pumps frames from the send queue to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debugw("write", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain what is already queued, then close cleanly.
			for {
				select {
				case frame := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
