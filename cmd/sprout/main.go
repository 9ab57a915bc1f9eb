package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leafwise/sprout/internal/app"
	"github.com/leafwise/sprout/internal/config"
	"github.com/leafwise/sprout/internal/logging"
)

func main() {
	// A missing .env is fine; deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		lg := logging.Setup("info", false)
		lg.Fatal().Err(err).Msg("invalid configuration")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	res, err := app.Build(runCtx, cfg)
	if err != nil {
		lg := logging.Setup(cfg.LogLevel, cfg.LogPretty)
		lg.Fatal().Err(err).Msg("startup failed")
	}
	log := res.Log

	res.Sessions.StartJanitor(runCtx, 5*time.Second)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("generate_mode", cfg.GenerateMode).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed, forcing close")
		_ = httpServer.Close()
	}

	if err := res.Cleanup(); err != nil {
		log.Error().Err(err).Msg("cleanup failed")
	}
	log.Info().Msg("shutdown complete")
}
