package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/apiclient"
	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/signaling"
	"github.com/avask/conclave/internal/state"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	b, err := bus.ConnectNATS(cfg.Bus.URL, "conclave-signaling")
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Bus.URL).Msg("bus connect")
	}
	defer b.Close()

	store := state.NewStore()
	limiter := signaling.NewJoinRateLimiter(cfg.Signaling.JoinLimit, cfg.Signaling.JoinWindow)
	ctl := signaling.NewController(b, store, cfg.Bus.Topics, limiter)

	// Auth claims are optional: without API credentials participants
	// join without claims.
	if access := os.Getenv("API_ACCESS_TOKEN"); access != "" {
		tokens := apiclient.NewMemoryTokens(access, os.Getenv("API_REFRESH_TOKEN"))
		ctl.Auth = apiclient.New(cfg.API, tokens)
	}

	if err := ctl.Start(); err != nil {
		log.Fatal().Err(err).Msg("update consumer start")
	}
	defer ctl.CloseEvents()

	r := signaling.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Signaling.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
