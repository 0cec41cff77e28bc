package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	v1 "github.com/gosuda/inkboard/internal/api/v1"
	"github.com/gosuda/inkboard/internal/api/ws"
	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/config"
	"github.com/gosuda/inkboard/internal/pipeline"
	"github.com/gosuda/inkboard/internal/server/middleware"
)

// Deps are the collaborators the HTTP surface is built on. A worker-only
// process leaves Store, Verifier and Hub nil and serves just /healthz.
type Deps struct {
	Store    v1.DataStore
	Verifier auth.Verifier
	Hub      *ws.Hub
	// WorkerStats reports persistence worker counters. May be nil.
	WorkerStats func() pipeline.Stats
	// Dropped reports persistence jobs lost on enqueue. May be nil.
	Dropped func() uint64
	// Connections reports live WebSocket connections. May be nil.
	Connections func() int
	// Checks are probed by /healthz; any failure reports 503.
	Checks map[string]func(context.Context) error
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. ctx bounds background
// middleware goroutines.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			// Hijacked sockets are not tracked by Shutdown; tie them to ctx.
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}

	if deps.Store != nil && deps.Verifier != nil {
		mountAPI(ctx, router, deps)
	}
	if deps.Hub != nil {
		// The socket authenticates with its token query parameter, not a header.
		registerWSRoutes(router, deps.Hub)
	}

	// Health check (unauthenticated).
	router.Get("/healthz", healthHandler(deps))

	return s
}

func mountAPI(ctx context.Context, router chi.Router, deps Deps) {
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, 100, 200))
		r.Use(middleware.Auth(deps.Verifier))

		apiConfig := huma.DefaultConfig("Inkboard API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, deps.Store)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
