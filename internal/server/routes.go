package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	v1 "github.com/caravel-dev/caravel/internal/api/v1"
	"github.com/caravel-dev/caravel/internal/api/ws"
	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/config"
	"github.com/caravel-dev/caravel/internal/server/middleware"
)

func registerAPIRoutes(ctx context.Context, router chi.Router, cfg *config.Config, store v1.DataStore, deployer v1.Deployer, sessions v1.SessionManager, notifier v1.DeploymentNotifier, authorizer auth.Authorizer, authMiddleware func(http.Handler) http.Handler) {
	router.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated health snapshot for load balancers.
		r.Group(func(r chi.Router) {
			healthConfig := huma.DefaultConfig("Caravel Health API", "1.0.0")
			healthConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			healthAPI := humachi.New(r, healthConfig)
			v1.RegisterHealthRoutes(healthAPI, store)
		})

		// Everything else requires credentials.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(middleware.RateLimit(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateBurst))

			apiConfig := huma.DefaultConfig("Caravel API", "1.0.0")
			apiConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			api := humachi.New(r, apiConfig)

			v1.RegisterApplicationRoutes(api, store, authorizer)
			v1.RegisterAgentRoutes(api, store, deployer, notifier, v1.GitDefaults{
				Strategy:   cfg.Git.DefaultStrategy,
				WorkingDir: cfg.Git.WorkingDir,
			}, authorizer)
			v1.RegisterSessionRoutes(api, store, sessions, authorizer)
		})
	})
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{sessionID}", hub.ServeSession)
	r.Get("/deployments", hub.ServeDeployments)
}
