// Package api is the HTTP caller surface of cpucomd. A caller opens an SSE
// stream, which becomes its listener endpoint and its liveness channel, and
// then subscribes, sends and registers for errors with plain JSON requests.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/events"
	"github.com/mattjoyce/cpucom/internal/journal"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/session"
)

// CallerService is the validated, gated entry point. *service.Service
// implements it.
type CallerService interface {
	Send(id session.Identity, raw command.Raw) error
	SubscribeMany(id session.Identity, raws []command.Raw, l router.Listener) error
	UnsubscribeMany(id session.Identity, raws []command.Raw, l router.Listener) error
	SetErrorListener(id session.Identity, l router.ErrorListener) error
}

// SessionInspector exposes the registry for diagnostics. *dispatch.Dispatcher
// implements it.
type SessionInspector interface {
	Snapshot(ctx context.Context) ([]session.Info, error)
	Pending() int
}

// JournalReader lists journal entries. *journal.Journal implements it.
type JournalReader interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// EventFeed is the operator feed. *events.Hub implements it.
type EventFeed interface {
	Subscribe(caller string, buffer int) (<-chan events.Event, func())
	SnapshotSince(caller string, lastID int64) []events.Event
}

// PermissionInspect grants the diagnostic endpoints.
const PermissionInspect = "inspect"

// Config holds API server configuration
type Config struct {
	Listen       string
	Tokens       []auth.TokenConfig
	StreamBuffer int
	KeepAlive    time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	service   CallerService
	sessions  SessionInspector
	journal   JournalReader
	feed      EventFeed
	streams   *streamTable
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. jr and feed may be nil.
func New(config Config, svc CallerService, sessions SessionInspector, jr JournalReader, feed EventFeed, logger *slog.Logger) *Server {
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = 64
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:    config,
		service:   svc,
		sessions:  sessions,
		journal:   jr,
		feed:      feed,
		streams:   newStreamTable(),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: streams stay open for the life of the caller.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		s.streams.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/callers/{caller}", func(r chi.Router) {
			r.Get("/stream", s.handleStream)
			r.Post("/send", s.handleSend)
			r.Post("/subscribe", s.handleSubscribe)
			r.Post("/unsubscribe", s.handleUnsubscribe)
			r.Put("/error-listener", s.handleSetErrorListener)
			r.Delete("/error-listener", s.handleClearErrorListener)
		})

		r.With(s.requirePermissions(PermissionInspect, "*")).Get("/sessions", s.handleSessions)
		r.With(s.requirePermissions(PermissionInspect, "*")).Get("/journal", s.handleJournal)
		r.With(s.requirePermissions(PermissionInspect, "*")).Get("/events", s.handleFeed)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
