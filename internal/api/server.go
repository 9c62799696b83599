// Package api exposes the sharegate operations over HTTP.
//
// Callers authenticate with a scoped bearer token. Operations that touch
// jobs or states also need a session token, obtained from POST /sessions and
// sent in the X-Session-Token header; the session it names is the only
// identity the service layer sees.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sharegate/internal/auth"
	"github.com/mattjoyce/sharegate/internal/events"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/service"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state"
)

// Service is the operation surface served by the API.
type Service interface {
	SubmitData(ctx context.Context, sessionID string, req service.DataRequest) ([]*queue.Job, error)
	SubmitAnalysis(ctx context.Context, sessionID string, req service.AnalysisRequest) (*queue.Job, error)
	PollJob(ctx context.Context, sessionID, id string) (*queue.Job, error)
	WaitJob(ctx context.Context, sessionID, id string, timeout time.Duration) (*queue.Job, error)
	CancelJob(ctx context.Context, sessionID, id string) (*queue.Job, error)
	ListJobs(ctx context.Context, sessionID string) ([]*queue.Job, error)
	SaveState(ctx context.Context, sessionID string, req service.SaveStateRequest) (string, error)
	RequestAccess(ctx context.Context, sessionID, stateID string, cred plugin.Credential) (*session.Grant, error)
	ReadState(ctx context.Context, sessionID, stateID string) (*state.Outcome, error)
	WaitState(ctx context.Context, sessionID, stateID string, timeout time.Duration) (*state.Outcome, error)
}

// PluginLister describes the loaded plugins.
type PluginLister interface {
	Describe() []plugin.Info
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxWait bounds ?wait=1 requests.
	MaxWait time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	svc       Service
	plugins   PluginLister
	sessions  *auth.Sessions
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, svc Service, plugins PluginLister, sessions *auth.Sessions, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = 60 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		svc:       svc,
		plugins:   plugins,
		sessions:  sessions,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Long enough for ?wait=1 requests.
		WriteTimeout: s.config.MaxWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Post("/sessions", s.handleCreateSession)
		r.With(s.requireScopes(auth.ScopePluginsRO)).Get("/plugins", s.handleListPlugins)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)
			r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/data", s.handleSubmitData)
			r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/analytics", s.handleSubmitAnalysis)
			r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs", s.handleListJobs)
			r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs/{jobID}", s.handleGetJob)
			r.With(s.requireScopes(auth.ScopeJobsRW)).Delete("/jobs/{jobID}", s.handleCancelJob)
			r.With(s.requireScopes(auth.ScopeStateRW)).Post("/state", s.handleSaveState)
			r.With(s.requireScopes(auth.ScopeStateRW)).Post("/state/{stateID}", s.handleRequestAccess)
			r.With(s.requireScopes(auth.ScopeStateRO)).Get("/state/{stateID}", s.handleReadState)
		})
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
