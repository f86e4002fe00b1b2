// Package signalclient is the mesh client's WebSocket connection to the
// signaling server.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
)

const (
	writeWait = 10 * time.Second

	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultSendQueueLen    = 64
)

var (
	ErrClosed        = errors.New("signalclient: connection closed")
	ErrSendQueueFull = errors.New("signalclient: send queue full")
)

type Config struct {
	// URL is the ws:// or wss:// signaling endpoint.
	URL string
	// Origin is sent as the Origin header when set.
	Origin string

	// PongWait closes the connection when no pong (or message) arrives for
	// this long. Pings go out at 9/10 of it.
	PongWait        time.Duration
	MaxMessageBytes int64
	SendQueueLen    int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client owns one WebSocket. A read pump parses server frames onto
// Incoming; a write pump drains the send queue and keeps the connection
// alive with pings.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	incoming chan meshproto.Message
	outgoing chan meshproto.Message
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error

	malformed atomic.Uint64
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("signalclient: url is required")
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = defaultSendQueueLen
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var header http.Header
	if cfg.Origin != "" {
		header = http.Header{"Origin": []string{cfg.Origin}}
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:     conn,
		log:      cfg.Logger.With("url", cfg.URL),
		incoming: make(chan meshproto.Message, cfg.SendQueueLen),
		outgoing: make(chan meshproto.Message, cfg.SendQueueLen),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.readPump(cfg.PongWait)
	go c.writePump(cfg.PongWait * 9 / 10)
	return c, nil
}

// Send queues msg without blocking.
func (c *Client) Send(msg meshproto.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Incoming yields parsed server frames. It is closed when the connection
// ends; Err then reports why.
func (c *Client) Incoming() <-chan meshproto.Message { return c.incoming }

// Done is closed once the connection has fully stopped.
func (c *Client) Done() <-chan struct{} { return c.stopped }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Malformed counts server frames that failed to parse.
func (c *Client) Malformed() uint64 { return c.malformed.Load() }

// Close sends a normal close frame after flushing queued messages.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Join sends a join frame and waits for the roster. An error frame in reply
// (room full, too many rooms) is returned as an error.
func (c *Client) Join(ctx context.Context, roomID, displayName string) (meshproto.Message, error) {
	if err := c.Send(meshproto.Join(roomID, displayName)); err != nil {
		return meshproto.Message{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return meshproto.Message{}, ctx.Err()
		case msg, ok := <-c.incoming:
			if !ok {
				if err := c.Err(); err != nil {
					return meshproto.Message{}, err
				}
				return meshproto.Message{}, ErrClosed
			}
			switch msg.Type {
			case meshproto.TypeRoster:
				return msg, nil
			case meshproto.TypeError:
				return meshproto.Message{}, fmt.Errorf("join %s refused: %s: %s", roomID, msg.Code, msg.Message)
			default:
				c.log.Debug("ignoring frame before roster", "type", string(msg.Type))
			}
		}
	}
}

func (c *Client) readPump(pongWait time.Duration) {
	defer close(c.incoming)
	defer c.Close()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			c.malformed.Add(1)
			continue
		}
		msg, err := meshproto.ParseServer(data)
		if err != nil {
			c.malformed.Add(1)
			c.log.Debug("dropping malformed server frame", "err", err)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case msg := <-c.outgoing:
			if err := c.write(msg); err != nil {
				c.setErr(err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.setErr(err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.outgoing:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg meshproto.Message) error {
	data, err := meshproto.Encode(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// SignalURL turns an http(s) base URL into the ws(s) signaling endpoint.
func SignalURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	return u.String(), nil
}

// FetchICEServers reads the server's /webrtc/ice endpoint.
func FetchICEServers(ctx context.Context, client *http.Client, base string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/webrtc/ice"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
