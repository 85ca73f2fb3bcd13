// Package httpapi exposes the callable endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/auth"
	"github.com/toolink/eventfn/chat"
	"github.com/toolink/eventfn/ratelimit"
)

// JobRunner runs a named job once, outside its schedule.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. A nil dependency disables
// its routes.
type Deps struct {
	Limiter     *ratelimit.Limiter
	Ingestor    *chat.Ingestor
	Jobs        JobRunner
	TrendingJob string
	Store       Pinger
}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	deps     Deps
	listener net.Listener
	done     chan error
}

// New creates a Server with all routes registered.
func New(cfg Config, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware)

	s := &Server{
		router: r,
		deps:   deps,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Post("/ratelimit/check", s.handleRateLimitCheck)
		}
		if s.deps.Ingestor != nil {
			r.Post("/chats/{chatId}/messages", s.handlePostMessage)
		}
		if s.deps.Jobs != nil && s.deps.TrendingJob != "" {
			r.Post("/trending/recompute", s.handleTrendingRecompute)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "NotFound", "the requested resource was not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "the requested method is not allowed for this resource")
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "http"
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.done = make(chan error, 1)

	go func() {
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
		s.done <- err
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	log.Info().Msg("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
