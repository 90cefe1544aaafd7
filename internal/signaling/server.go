package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamloom/call-relay/internal/metrics"
	"github.com/streamloom/call-relay/internal/origin"
	"github.com/streamloom/call-relay/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser origin allowlist for the WebSocket
	// upgrade. Empty means same-host only; an absent Origin header is
	// always allowed (non-browser clients).
	AllowedOrigins []string

	// Inbound hardening. Zero values fall back to conservative defaults.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	IdleTimeout                   time.Duration
	PingInterval                  time.Duration
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoint:
//   - GET /signaling : WebSocket carrying join/offer/answer/ice-candidate
type Server struct {
	hub *Hub
	log *slog.Logger
	m   *metrics.Metrics

	allowedOrigins []string

	maxMessageBytes int64
	messagesPerSec  int
	idleTimeout     time.Duration
	pingInterval    time.Duration

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		hub:             cfg.Hub,
		log:             log,
		m:               m,
		allowedOrigins:  cfg.AllowedOrigins,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		messagesPerSec:  cfg.MaxSignalingMessagesPerSecond,
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.messagesPerSec <= 0 {
		s.messagesPerSec = 50
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.HeaderAllowed(r.Header.Get("Origin"), r.Host, s.allowedOrigins)
		},
	}

	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signaling", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		log:  s.log,
		m:    s.m,

		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.messagesPerSec),
			int64(s.messagesPerSec),
		),
		maxMessageBytes: s.maxMessageBytes,
		idleTimeout:     s.idleTimeout,
		pingInterval:    s.pingInterval,

		done: make(chan struct{}),
	}

	s.log.Debug("participant connected", "participant", c.id, "remote_addr", r.RemoteAddr)
	c.run()
	s.log.Debug("participant disconnected", "participant", c.id)
}
