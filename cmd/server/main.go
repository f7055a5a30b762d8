package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsrota/ctask-backend/internal/config"
	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/db"
	httpapi "github.com/opsrota/ctask-backend/internal/http"
	"github.com/opsrota/ctask-backend/internal/service"
	"github.com/opsrota/ctask-backend/internal/servicenow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "ctask-backend").Logger()

	ctx := context.Background()
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	ticketing := servicenow.NewHTTPClient(cfg.ServiceNowInstance, cfg.ServiceNowUser, cfg.ServiceNowPassword, cfg.Groups(), cfg.ServiceNowTimeout, logger)
	if !ticketing.IsConfigured() {
		logger.Warn().Msg("ticketing backend not configured, assignments run in simulated mode")
	}

	audit := console.NewAudit(logger)
	assigner := service.NewAssigner(store, ticketing, store, audit, logger, cfg.Groups())
	scheduler := service.NewScheduler(assigner, audit, logger, cfg.CheckInterval, cfg.ErrorRetryInterval)
	if cfg.SchedulerAutoStart {
		scheduler.Start()
	}

	router := httpapi.Router(cfg, store, assigner, scheduler, audit, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	scheduler.Stop()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
