package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/cache"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/database"
	"github.com/Kopilov/carabiserver/internal/handlers"
	"github.com/Kopilov/carabiserver/internal/jobs"
	"github.com/Kopilov/carabiserver/internal/log"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/registry"
	"github.com/Kopilov/carabiserver/internal/repository"
	"github.com/Kopilov/carabiserver/internal/server"
	"github.com/Kopilov/carabiserver/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Kernel.CurrentServerName)

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	currentServer := resolveCurrentServer(ctx, dbPool, cfg, logger)

	handlerSet := handlers.NewHandlerSet(logger, dbPool, redisClient, cfg, currentServer)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(handlerSet.Registry(), session.NullCursorRegistry{},
		currentServer.IsMaster, cfg.Kernel, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, handlerSet.Registry(), dbPool, redisClient)
}

// resolveCurrentServer finds this node's row in the appservers table. The
// row decides whether this node runs the nightly token purge. A missing
// row leaves the node a regular worker.
func resolveCurrentServer(ctx context.Context, dbPool *pgxpool.Pool, cfg *config.AppConfig, logger zerolog.Logger) models.AppServer {
	appServers := repository.NewAppServerRepository(dbPool)
	current, err := appServers.GetServerByName(ctx, cfg.Kernel.CurrentServerName)
	if err != nil {
		if errors.Is(err, repository.ErrServerNotFound) {
			logger.Warn().Str("server", cfg.Kernel.CurrentServerName).
				Msg("this node is not listed in appservers; running as non-master")
			return models.AppServer{Name: cfg.Kernel.CurrentServerName}
		}
		logger.Fatal().Err(err).Msg("failed to resolve the current app server")
	}
	return current
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, reg *registry.Registry, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	// Give the backend connections back before dropping the stores.
	reg.Shutdown(shutdownCtx)

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
