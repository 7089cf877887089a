package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/indigoai-us/hq/internal/auth"
	"github.com/indigoai-us/hq/internal/config"
	"github.com/indigoai-us/hq/internal/orchestrator"
	"github.com/indigoai-us/hq/internal/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the relay Service.
type Options struct {
	AllowedOrigins    []string
	ConnectTimeout    time.Duration // agent must attach within this window
	KeepAlive         time.Duration // agent keep_alive frame interval
	PingInterval      time.Duration // browser WS ping interval
	PongTimeout       time.Duration // browser pong grace after a ping
	BufferCapacity    int           // replay ring size per session
	MaxBrowserMsgSize int64
	MaxAgentMsgSize   int64
	FrameRate         float64 // browser frames per second per connection
	FrameBurst        int
}

// Service owns the relay's live state: the session registry, the agent and
// browser WebSocket endpoints, connection timeouts, and session lifecycle.
type Service struct {
	store        store.Store
	authProvider auth.Provider
	launcher     orchestrator.Launcher
	registry     *Registry
	timeouts     *ConnectionTimeouts
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	connectTimeout    time.Duration
	keepAlive         time.Duration
	pingInterval      time.Duration
	pongTimeout       time.Duration
	maxBrowserMsgSize int64
	maxAgentMsgSize   int64
	frameRate         float64
	frameBurst        int
}

// NewService creates the relay service.
func NewService(s store.Store, ap auth.Provider, launcher orchestrator.Launcher, logger *slog.Logger, opts Options) *Service {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 2 * time.Minute
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.BufferCapacity == 0 {
		opts.BufferCapacity = 1000
	}
	if opts.MaxBrowserMsgSize == 0 {
		opts.MaxBrowserMsgSize = 64 * 1024
	}
	if opts.MaxAgentMsgSize == 0 {
		opts.MaxAgentMsgSize = 1024 * 1024
	}
	if opts.FrameRate == 0 {
		opts.FrameRate = 10
	}
	if opts.FrameBurst == 0 {
		opts.FrameBurst = 20
	}

	logger = logger.With("component", "relay")
	return &Service{
		store:             s,
		authProvider:      ap,
		launcher:          launcher,
		registry:          NewRegistry(opts.BufferCapacity, logger),
		timeouts:          NewConnectionTimeouts(),
		upgrader:          makeUpgrader(opts.AllowedOrigins),
		logger:            logger,
		connectTimeout:    opts.ConnectTimeout,
		keepAlive:         opts.KeepAlive,
		pingInterval:      opts.PingInterval,
		pongTimeout:       opts.PongTimeout,
		maxBrowserMsgSize: opts.MaxBrowserMsgSize,
		maxAgentMsgSize:   opts.MaxAgentMsgSize,
		frameRate:         opts.FrameRate,
		frameBurst:        opts.FrameBurst,
	}
}

// Registry exposes the live session registry.
func (s *Service) Registry() *Registry { return s.registry }

// NewServiceFromConfig builds Options from the session config section.
func NewServiceFromConfig(st store.Store, ap auth.Provider, launcher orchestrator.Launcher, logger *slog.Logger, cfg *config.Config) *Service {
	return NewService(st, ap, launcher, logger, Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ConnectTimeout:    cfg.Session.ConnectTimeout.Duration,
		KeepAlive:         cfg.Session.KeepAlive.Duration,
		PingInterval:      cfg.Session.PingInterval.Duration,
		PongTimeout:       cfg.Session.PongTimeout.Duration,
		BufferCapacity:    cfg.Session.BufferCapacity,
		MaxBrowserMsgSize: cfg.Session.MaxMessageBytes,
		MaxAgentMsgSize:   cfg.Session.MaxAgentMsgBytes,
		FrameRate:         cfg.RateLimit.RequestsPerSecond,
		FrameBurst:        cfg.RateLimit.Burst,
	})
}

// StartSession provisions a new session: store record, relay in launching,
// connection timeout armed, container launch requested.
func (s *Service) StartSession(ctx context.Context, userID, initialPrompt, workerContext string) (*store.Session, error) {
	token, err := config.GenerateRandomSecret()
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	sess := &store.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Status:         store.StatusStarting,
		AccessToken:    token,
		InitialPrompt:  initialPrompt,
		WorkerContext:  workerContext,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	r := s.registry.GetOrCreate(sess.ID, userID, initialPrompt)
	r.SetPhase(PhaseLaunching, "")
	s.armConnectTimeout(sess.ID)

	taskRef, err := s.launcher.Launch(ctx, orchestrator.LaunchSpec{
		SessionID:     sess.ID,
		AccessToken:   token,
		WorkerContext: workerContext,
	})
	if err != nil {
		s.timeouts.Clear(sess.ID)
		s.FailSession(sess.ID, "Container launch failed")
		return nil, fmt.Errorf("launch container: %w", err)
	}
	if taskRef != "" {
		if err := s.store.SetSessionTaskRef(ctx, sess.ID, taskRef); err != nil {
			s.logger.Warn("failed to store task ref", "session_id", sess.ID, "error", err)
		}
		sess.TaskRef = taskRef
	}
	r.SetPhase(PhaseConnecting, "")

	s.logger.Info("session started", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// armConnectTimeout fails the session if no agent attaches in time.
func (s *Service) armConnectTimeout(sessionID string) {
	s.timeouts.Set(sessionID, s.connectTimeout, func() {
		s.logger.Warn("agent connect timeout", "session_id", sessionID)
		s.FailSession(sessionID, "Container failed to connect")
	})
}

// FailSession moves a session to failed/errored, notifying browsers and
// persisting the error.
func (s *Service) FailSession(sessionID, msg string) {
	if r := s.registry.Get(sessionID); r != nil {
		r.SetPhase(PhaseFailed, msg)
	}
	if err := s.store.UpdateSessionStatus(context.Background(), sessionID, store.StatusErrored,
		&store.StatusExtras{Error: msg}); err != nil {
		s.logger.Warn("failed to persist errored status", "session_id", sessionID, "error", err)
	}
}

// StopSession ends a session: relay torn down, container stopped, record
// marked stopped.
func (s *Service) StopSession(ctx context.Context, sessionID string) error {
	s.timeouts.Clear(sessionID)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session not found")
	}

	if sess.TaskRef != "" {
		if err := s.launcher.Stop(ctx, sess.TaskRef); err != nil {
			s.logger.Warn("container stop failed", "session_id", sessionID, "error", err)
		}
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, store.StatusStopped, nil); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if r := s.registry.Remove(sessionID); r != nil {
		r.BroadcastFinalStatus(store.StatusStopped)
		r.Shutdown(websocket.CloseNormalClosure, websocket.CloseNormalClosure, "Session stopped")
	}

	s.logger.Info("session stopped", "session_id", sessionID)
	return nil
}

// Close tears down every live relay: agents get a normal close, browsers a
// going-away, matching a server shutdown.
func (s *Service) Close() {
	for _, r := range s.registry.All() {
		s.registry.Remove(r.SessionID())
		r.Shutdown(websocket.CloseNormalClosure, websocket.CloseGoingAway, "Server shutting down")
	}
}
