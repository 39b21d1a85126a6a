// Package api provides the HTTP surface of SiteVoice: the panel WebSocket, prompt lookup, the
// text chat fallback and read-only admin endpoints for leads and session records.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/presence"
	"github.com/BTreeMap/SiteVoice/internal/sessions"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	maxBodyBytes           = 64 << 10
	readHeaderTimeout      = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	CORSAllowAll    bool
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCORSAllowAll enables permissive CORS headers.
func WithCORSAllowAll(enabled bool) Option {
	return func(o *Opts) { o.CORSAllowAll = enabled }
}

// WithAdminToken protects /leads and /sessions with a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// PromptRegistry is the registry view the API serves.
type PromptRegistry interface {
	Resolve(key string) models.PromptConfiguration
	Exists(key string) bool
	ListAll() []models.PromptConfiguration
}

// ChatClient answers text chat messages.
type ChatClient interface {
	Reply(ctx context.Context, cfg models.PromptConfiguration, req models.ChatRequest) (string, error)
}

// Records lists stored leads and session records.
type Records interface {
	ListLeads(limit int) ([]models.Lead, error)
	ListSessionRecords(limit int) ([]models.SessionRecord, error)
}

// Metrics is the subset of the metrics registry used by the API.
type Metrics interface {
	requestRecorder
	RecordChat(status string)
	Handler() http.Handler
}

// Deps are the collaborators a Server routes to. Chat, Presence and Metrics are optional.
type Deps struct {
	Registry PromptRegistry
	Records  Records
	Panels   http.Handler
	Tracker  *sessions.Tracker
	Chat     ChatClient
	Presence presence.Store
	Metrics  Metrics
}

// Server is the SiteVoice HTTP server.
type Server struct {
	deps Deps
	opts Opts
	mux  *chi.Mux
}

// NewServer builds the router.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{deps: deps, opts: cfg}
	s.mux = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	if s.opts.CORSAllowAll {
		r.Use(CORS)
	}
	r.Use(RequestID)
	var rec requestRecorder
	if s.deps.Metrics != nil {
		rec = s.deps.Metrics
	}
	r.Use(AccessLog(rec))
	r.Use(Recovery)

	r.Get("/health", s.healthHandler)
	r.Route("/prompts", func(r chi.Router) {
		r.Get("/", s.listPromptsHandler)
		r.Get("/{key}", s.getPromptHandler)
	})
	r.Post("/chat", s.chatHandler)
	if s.deps.Panels != nil {
		r.Handle("/voice/ws", s.deps.Panels)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.opts.AdminToken))
		r.Get("/leads", s.listLeadsHandler)
		r.Get("/sessions", s.listSessionsHandler)
	})
	return r
}

// Serve listens on the configured address until ctx is done, then shuts down gracefully:
// panels are notified and cancelled, the server stops accepting requests and in-flight
// requests get ShutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Serve: shutting down", "panels", s.deps.Tracker.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.deps.Tracker.NotifyAll("server shutting down")
	s.deps.Tracker.CancelAll()
	if !s.deps.Tracker.Wait(shutdownCtx) {
		slog.Warn("Server.Serve: panels still open at shutdown deadline", "panels", s.deps.Tracker.Count())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Serve: shutdown failed", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Server.Serve: stopped")
	return nil
}
