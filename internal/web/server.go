package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var webLog = logging.ForComponent(logging.CompWeb)

const (
	DefaultListenAddr  = "127.0.0.1:8420"
	DefaultSendTimeout = 10 * time.Second
)

// Deliverer hands a message to one agent pane.
type Deliverer interface {
	Deliver(ctx context.Context, target relay.Target, text string) relay.DeliveryResult
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	// SendTimeout bounds one /api/send request end to end.
	SendTimeout time.Duration

	Targets relay.TargetSource
	States  *relay.StateStore
	Sender  Deliverer
	Push    *PushService

	// TmuxCheck reports whether tmux can be driven. Defaults to tmux.IsAvailable.
	TmuxCheck func() error
}

// Server is the relay's HTTP API: target status, manual sends, a websocket
// notification stream and Web Push registration.
type Server struct {
	cfg        Config
	httpServer *http.Server
	push       pushServiceAPI
	hub        *eventHub
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.TmuxCheck == nil {
		cfg.TmuxCheck = tmux.IsAvailable
	}
	if cfg.States == nil {
		cfg.States = relay.NewStateStore()
	}

	s := &Server{
		cfg: cfg,
		hub: newEventHub(),
	}
	if cfg.Push != nil {
		s.push = cfg.Push
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/api/push/test", s.handlePushTest)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Notify broadcasts a notification to every connected websocket client.
// It never blocks on slow clients.
func (s *Server) Notify(_ context.Context, n relay.Notification) error {
	s.hub.publish(notificationEvent(n))
	return nil
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// websocket handlers watch the base context
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Hijacked websocket connections can still hold up a graceful shutdown.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
