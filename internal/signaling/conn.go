package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
)

const wsWriteWait = 1 * time.Second

// wsConn owns one signaling WebSocket. Only the write pump writes to ws.
type wsConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	send   chan meshproto.Message
	closed chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, queueLen int, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		log:    logger,
		send:   make(chan meshproto.Message, queueLen),
		closed: make(chan struct{}),
	}
}

// Send implements room.Conn. It never blocks.
func (c *wsConn) Send(msg meshproto.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Closed implements room.Conn.
func (c *wsConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close implements room.Conn.
func (c *wsConn) Close() {
	c.closeWith(websocket.CloseGoingAway, "closing")
}

func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			// Queued frames (e.g. the error explaining the close) go out before
			// the close frame.
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(msg meshproto.Message) error {
	data, err := meshproto.Encode(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
