// Command worker runs the Background Sync Engine / Worker Lifecycle &
// Handshake process: it intercepts /api/sync, durably queues
// submissions, and drains them to the remote cache webhook.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/searchmesh/cachesync/internal/config"
	"github.com/searchmesh/cachesync/internal/telemetry"
	"github.com/searchmesh/cachesync/internal/worker"
	"github.com/searchmesh/cachesync/pkg/models"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Msg("starting cachesync worker")

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("ensure data dir")
	}
	cfg := config.Get()

	fingerprint := models.NewFingerprintId()

	metrics, err := telemetry.New()
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		metrics = nil
	}

	pool := worker.NewRedisPool(cfg)
	svc := worker.NewService(Version, cfg, pool, fingerprint)
	if metrics != nil {
		svc.SetMetrics(metrics)
	}

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker service")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("worker shutdown complete")
}
