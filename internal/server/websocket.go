package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	// writeWait bounds a single wire write so a stalled client errors
	// out instead of wedging its write pump.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection event backlog. When it fills,
	// further events for that connection are dropped.
	sendBuffer = 64
)

var errConnClosed = errors.New("websocket connection closed")

// wsConn decouples the broadcaster from the wire: events are queued on
// a buffered channel and a single pump goroutine writes them out, so a
// slow or stalled client never blocks a publish. Delivery stays
// at-most-once: events beyond the buffer are dropped for that
// connection only.
type wsConn struct {
	conn *websocket.Conn
	send chan interface{}
	done chan struct{}
	once sync.Once
}

func newWSConn(raw *websocket.Conn, ping time.Duration) *wsConn {
	c := &wsConn{
		conn: raw,
		send: make(chan interface{}, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump(ping)
	return c
}

// WriteJSON queues the value for delivery. It never blocks: when the
// connection's buffer is full the event is dropped.
func (c *wsConn) WriteJSON(v interface{}) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- v:
	default:
		// Slow consumer; skip this event for this connection.
	}
	return nil
}

// writePump is the sole writer on the underlying connection, draining
// the send queue and pinging so intermediaries keep the connection
// open. gorilla allows only one concurrent writer.
func (c *wsConn) writePump(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

// handleWebSocket upgrades the connection and subscribes it to live
// updates, optionally filtered by the task_id query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	taskID := r.URL.Query().Get("task_id")
	conn := newWSConn(raw, s.ping)

	s.orch.Subscribe(conn, taskID)
	s.orch.Welcome(conn, taskID)

	// The read loop only detects disconnects; observers never send
	// application messages.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}

	s.orch.Unsubscribe(conn)
	conn.Close()
}
