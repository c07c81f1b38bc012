package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/bt-bridge/realtime-relay/agents"
	"github.com/bt-bridge/realtime-relay/drift"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 16 << 20

// ServerConfig holds what every session of a server shares.
type ServerConfig struct {
	Primary        *agents.Persona
	Backup         *agents.Persona
	DefaultProfile agents.Profile
	Dispatcher     *tools.Dispatcher
	Monitor        *drift.Monitor
	DrainGrace     time.Duration
}

// Server accepts client websockets and runs one Session per connection.
type Server struct {
	logger   shared.LoggerAdapter
	dialer   Dialer
	cfg      ServerConfig
	tracker  *Tracker
	upgrader websocket.Upgrader
}

func NewServer(logger shared.LoggerAdapter, dialer Dialer, cfg ServerConfig) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dialer == nil {
		return nil, shared.ErrNoEndpoint
	}
	if cfg.Primary == nil || cfg.Backup == nil {
		return nil, shared.ErrNoPersona
	}
	if cfg.Dispatcher == nil {
		return nil, shared.ErrNoConfig
	}
	return &Server{
		logger:  logger,
		dialer:  dialer,
		cfg:     cfg,
		tracker: NewTracker(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// profile reads the customer from the connection query, falling back to the
// configured default.
func (s *Server) profile(r *http.Request) agents.Profile {
	p := s.cfg.DefaultProfile
	q := r.URL.Query()
	if v := q.Get("customer_id"); v != "" {
		p.CustomerID = v
	}
	if v := q.Get("customer_name"); v != "" {
		p.CustomerName = v
	}
	return p
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	client := NewWebsocketConn(ws)

	session, err := NewSession(s.logger, client, s.dialer, SessionConfig{
		Primary:    s.cfg.Primary,
		Backup:     s.cfg.Backup,
		Profile:    s.profile(r),
		Dispatcher: s.cfg.Dispatcher,
		Monitor:    s.cfg.Monitor,
		DrainGrace: s.cfg.DrainGrace,
	})
	if err != nil {
		s.logger.Error("creating session", err)
		_ = client.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	unregister := s.tracker.Register(session.ID(), SessionHandle{Cancel: cancel, Warn: session.Warn})
	defer unregister()

	_ = session.Run(ctx)
}

// Shutdown tells every client the relay is going away, cancels all sessions
// and waits for them to close.
func (s *Server) Shutdown(ctx context.Context) error {
	warned := s.tracker.WarnAll("server_shutdown", "relay is shutting down")
	cancelled := s.tracker.CancelAll()
	s.logger.Info("shutting down sessions", zap.Int("warned", warned), zap.Int("cancelled", cancelled))
	if !s.tracker.Wait(ctx) {
		return ctx.Err()
	}
	return nil
}
