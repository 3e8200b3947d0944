package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/media"
	"github.com/avask/conclave/internal/media/pion"
	"github.com/avask/conclave/internal/sfuserver"
	"github.com/avask/conclave/internal/state"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	b, err := bus.ConnectNATS(cfg.Bus.URL, "conclave-media")
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Bus.URL).Msg("bus connect")
	}
	defer b.Close()

	engine := pion.NewEngine(pion.DefaultConfig())
	manager := media.NewManager(engine)
	store := state.NewStore()

	srv := sfuserver.New(b, store, manager, cfg.Bus.Topics)
	if err := srv.Start(cfg.Media.Workers); err != nil {
		log.Fatal().Err(err).Msg("command consumer start")
	}

	log.Info().Int("workers", cfg.Media.Workers).Msg("media server started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	srv.Close()
	log.Info().Msg("Media server exited gracefully")
}
