package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	v1 "github.com/caravel-dev/caravel/internal/api/v1"
	"github.com/caravel-dev/caravel/internal/config"
	"github.com/caravel-dev/caravel/internal/gitgate"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/notify"
	"github.com/caravel-dev/caravel/internal/registry"
	"github.com/caravel-dev/caravel/internal/runtime"
	"github.com/caravel-dev/caravel/internal/server"
	"github.com/caravel-dev/caravel/internal/store/postgres"
	redisstore "github.com/caravel-dev/caravel/internal/store/redis"
	"github.com/caravel-dev/caravel/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	level, parseErr := zerolog.ParseLevel(os.Getenv("CARAVEL_LOG_LEVEL"))
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("CARAVEL_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Open the persistence backend.
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Connect to Redis when configured; fan-out is optional.
	var pubsub *redisstore.PubSub
	if cfg.Redis.Addr != "" {
		pubsub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer pubsub.Close()
	}

	// Build the deployment pipeline.
	gate := gitgate.New(gitgate.NewCLI())
	engine := machine.NewChartEngine()
	reg := registry.New(store.Agents(), store.Sessions(), gate, engine)

	// Load active agents into the definition cache.
	if err := reg.HydrateFromStore(ctx); err != nil {
		return fmt.Errorf("hydrate registry: %w", err)
	}

	// Session runtime; a nil pubsub disables transition fan-out.
	var publisher runtime.Publisher
	if pubsub != nil {
		publisher = pubsub
	}
	rt := runtime.New(reg, store.Sessions(), store.Conversations(), publisher)

	// Deployment notifications.
	var notifier v1.DeploymentNotifier
	if cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		notifiers := notify.NewRegistry()
		notifiers.Register(notify.NewSlackNotifierFromToken(cfg.Slack.BotToken, cfg.Slack.Channel))
		notifier = notifiers
		log.Info().Str("channel", cfg.Slack.Channel).Msg("Slack deployment notifications enabled")
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Periodic cleanup of old terminal sessions.
	go func() {
		ticker := time.NewTicker(cfg.Sessions.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, cleanupErr := rt.CleanupSessions(ctx, cfg.Sessions.MaxAge)
				if cleanupErr != nil {
					log.Error().Err(cleanupErr).Msg("session cleanup failed")
					continue
				}
				if removed > 0 {
					log.Info().Int64("removed", removed).Msg("cleaned up terminal sessions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, store, reg, rt, pubsub, notifier)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Backend).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

// openStore selects the persistence backend from configuration.
func openStore(ctx context.Context, cfg *config.Config) (v1.DataStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		if cfg.Store.MaxConns < 0 || cfg.Store.MaxConns > math.MaxInt32 {
			return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Store.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Store.DSN(), int32(cfg.Store.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
