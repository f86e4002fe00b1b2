package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling endpoint.
type Config struct {
	// Coordinator must be running (see Coordinator.Run) for joins to be
	// answered.
	Coordinator *Coordinator

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Clock drives the per-connection rate limiters. Defaults to the real clock.
	Clock ratelimit.Clock

	// Keepalive: the server pings every SignalingWSPingInterval and drops the
	// connection if nothing (including a pong) arrives within
	// SignalingWSIdleTimeout.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxSignalingBytesPerSecond    int
	SignalingSendQueueLen         int

	MaxChatBytes int
}

// Server implements the mesh signaling WebSocket surface.
//
// Endpoints:
//   - GET /signal : one WebSocket per participant carrying the JSON protocol
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = NewCoordinator(CoordinatorConfig{Metrics: m, Logger: logger})
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin middleware. For
			// unit tests that don't use httpserver.Server, accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) Coordinator() *Coordinator { return s.cfg.Coordinator }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close closes every open signaling connection. Each one is then reported to
// the coordinator as a disconnect by its read pump.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// OpenConnections reports the number of live signaling WebSockets.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueLen() int {
	if s.cfg.SignalingSendQueueLen <= 0 {
		return 256
	}
	return s.cfg.SignalingSendQueueLen
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newWSConn(ws, s.sendQueueLen(), s.log)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	s.metrics.Inc(metrics.ConnectionOpened)

	go c.writePump(s.pingInterval())
	s.readPump(c)
}

func (s *Server) readPump(c *wsConn) {
	sess := NewSession(c)
	coord := s.cfg.Coordinator
	limiter := ratelimit.NewConnLimiter(s.cfg.Clock, s.maxSignalingMessagesPerSecond(), s.cfg.MaxSignalingBytesPerSecond)
	limits := meshproto.Limits{MaxChatBytes: s.cfg.MaxChatBytes}
	idle := s.idleTimeout()

	defer func() {
		coord.Disconnect(sess)
		c.Close()
		s.untrack(c)
		s.metrics.Inc(metrics.ConnectionClosed)
	}()

	c.ws.SetReadLimit(s.maxSignalingMessageBytes())
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.log.Debug("signaling connection idle; closing")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			// Oversized frames are closed by gorilla with 1009 before we get here.
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Apply the per-connection rate limit *after* reading the message so any
		// bytes already in the TCP receive buffer are consumed. Closing before
		// reading can turn into an RST that hides the close code from the client.
		if ok, reason := limiter.Allow(len(data)); !ok {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.log.Info("signaling rate limit exceeded; closing", "reason", reason)
			c.Send(meshproto.Error(meshproto.ErrorCodeRateLimited, "rate limit exceeded"))
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonMalformed)
			s.log.Debug("discarding non-text signaling frame")
			continue
		}
		msg, err := meshproto.ParseClient(data, limits)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonMalformed)
			s.log.Debug("discarding malformed signaling message", "err", err)
			continue
		}

		if !coord.Submit(sess, msg) {
			return
		}
	}
}
