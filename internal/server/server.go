// Package server exposes identification over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/preprocess"
)

// MaxImageBytes bounds the body of an identify request.
const MaxImageBytes = 20 << 20

// ReloadFunc rebuilds the enrollment database from its source.
type ReloadFunc func(ctx context.Context) (*matcher.Database, error)

// Deps are the collaborators the handlers need. Reload may be nil, in which
// case the reload endpoint reports that it is unavailable.
type Deps struct {
	Matcher   *matcher.Matcher
	Embedder  matcher.Embedder
	Detector  preprocess.Detector
	Reload    ReloadFunc
	InputSize int
	Logger    *slog.Logger
}

// Server represents the identification web server.
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger

	// reloadMu keeps rebuilds from overlapping; identification never waits on it.
	reloadMu sync.Mutex
}

// New creates the server and its routes. It does not start listening.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()
	s := &Server{deps: deps, router: r, logger: logger}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/identities", s.handleIdentities)
		r.Post("/identify", s.handleIdentify)
		r.Post("/enrollment/reload", s.handleReload)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
