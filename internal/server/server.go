// Package server wires the HTTP API, WebSocket streams, and middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/caravel-dev/caravel/internal/api/v1"
	"github.com/caravel-dev/caravel/internal/api/ws"
	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/config"
	"github.com/caravel-dev/caravel/internal/server/middleware"
	redisstore "github.com/caravel-dev/caravel/internal/store/redis"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        *config.Config
}

// New creates a Server with all routes wired. pubsub may be nil, which
// disables the WebSocket streams; notifier may be nil, which disables
// deployment notifications.
func New(ctx context.Context, cfg *config.Config, store v1.DataStore, deployer v1.Deployer, sessions v1.SessionManager, pubsub *redisstore.PubSub, notifier v1.DeploymentNotifier) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	authMiddleware := middleware.NoAuth()
	var authorizer auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.Enabled {
		authMiddleware = middleware.Auth(cfg.Auth.JWTSecret, cfg.Auth.APIKeyRoles)
		authorizer = auth.NewRoleAuthorizer(middleware.RoleFromContext)
	}

	registerAPIRoutes(ctx, router, cfg, store, deployer, sessions, notifier, authorizer, authMiddleware)

	// WebSocket streams need the pub/sub backbone.
	if pubsub != nil {
		hub := ws.NewHub(pubsub)
		router.Route("/ws", func(r chi.Router) {
			r.Use(authMiddleware)
			registerWSRoutes(r, hub)
		})
	} else {
		log.Info().Msg("redis not configured; websocket streams disabled")
	}

	// Liveness probe (unauthenticated, no store access).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

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
