package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peermesh/signal-relay/internal/metrics"
	"github.com/peermesh/signal-relay/internal/ratelimit"
	"github.com/peermesh/signal-relay/internal/room"
)

// Config wires the signaling server's collaborators and limits.
type Config struct {
	Logger   *slog.Logger
	Registry *room.Registry
	Metrics  *metrics.Metrics

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxSendQueueMessages int

	// CheckOrigin decides whether a browser Origin header is acceptable for
	// the upgrade. Nil allows everything (dev/test).
	CheckOrigin func(r *http.Request) bool
}

// WithDefaults fills unset limits with production defaults.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.WSIdleTimeout <= 0 {
		c.WSIdleTimeout = 60 * time.Second
	}
	if c.WSPingInterval <= 0 {
		c.WSPingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	if c.MaxSendQueueMessages <= 0 {
		c.MaxSendQueueMessages = 256
	}
	return c
}

// Server accepts signaling WebSocket connections and binds each one to a
// Session around the shared Registry.
type Server struct {
	cfg      Config
	log      *slog.Logger
	reg      *room.Registry
	metrics  *metrics.Metrics
	router   *Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*wsPeer]struct{}
}

func NewServer(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	if cfg.Registry == nil {
		cfg.Registry = room.NewRegistry(0)
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		reg:     cfg.Registry,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		peers: make(map[*wsPeer]struct{}),
	}
	s.router = NewRouter(cfg.Logger, cfg.Registry, cfg.Metrics, func(h room.Handle) {
		// A failed delivery means the recipient's transport is broken or
		// backlogged. Close it; its read loop then runs disconnect cleanup.
		if p, ok := h.(*wsPeer); ok {
			p.close()
		}
	})
	return s
}

// RegisterRoutes mounts the signaling endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status.
		return
	}

	connID := uuid.NewString()
	log := s.log.With("conn_id", connID, "remote_addr", r.RemoteAddr)
	s.metrics.Inc(metrics.ConnOpened)
	log.Debug("connection opened")

	peer := newWSPeer(log, conn, s.cfg.MaxSendQueueMessages)
	s.trackPeer(peer)
	defer s.untrackPeer(peer)

	go peer.writePump(s.cfg.WSPingInterval)

	sess := NewSession(log, s.router, s.reg, s.metrics, peer)
	defer sess.Close()
	defer peer.close()

	limiter := ratelimit.NewTokenBucket(nil, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("connection closed", "err", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.FrameRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		sess.HandleFrame(data)
	}
}

// Close tears down every active connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*wsPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *Server) trackPeer(p *wsPeer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackPeer(p *wsPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
