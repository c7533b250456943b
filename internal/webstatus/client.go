package webstatus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// client wraps one websocket connection with a buffered outbound queue and
// the standard gorilla ping/pong keepalive, grounded on the teacher's
// internal/gateway.Client (not present in the retrieved pack, but the
// read/write-pump split and ping cadence are the idiom its server.go's
// writeWait/pongWait/pingPeriod constants imply).
type client struct {
	id   string
	conn *websocket.Conn
	out  chan bus.Event
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   connID(conn),
		conn: conn,
		out:  make(chan bus.Event, 32),
		done: make(chan struct{}),
	}
}

func connID(conn *websocket.Conn) string {
	return conn.RemoteAddr().String() + ":" + time.Now().Format("150405.000000000")
}

// send enqueues an event for delivery, dropping it if the client's buffer is
// full rather than blocking the broadcaster.
func (c *client) send(event bus.Event) {
	select {
	case c.out <- event:
	default:
	}
}

// run drives both pumps until the connection closes or ctx is cancelled.
func (c *client) run(ctx context.Context) {
	readDone := make(chan struct{})
	go c.readPump(readDone)

	c.writePump(ctx, readDone)
}

// readPump only exists to detect client disconnects and keep pong
// deadlines fresh; this feed accepts no inbound client messages.
func (c *client) readPump(done chan struct{}) {
	defer close(done)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(ctx context.Context, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-readDone:
			return
		case event := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}
