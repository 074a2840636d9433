// memoryd — a cross-project conversational memory service.
//
// It ingests chat transcripts, compresses them into durable memory units,
// indexes them for hybrid vector+keyword retrieval, and injects the most
// relevant memories back into future prompts. It exposes this over two
// parallel surfaces: a line-delimited JSON-RPC tool server on stdio, and
// an HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/api"
	"github.com/jetgogoing/memoryd/internal/api/handlers"
	"github.com/jetgogoing/memoryd/internal/config"
	"github.com/jetgogoing/memoryd/internal/rpcserver"
	"github.com/jetgogoing/memoryd/internal/service"
	"github.com/jetgogoing/memoryd/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Local-dev convenience: load a .env file if present, before reading
	// any MEMORY_* vars. Missing file is not an error.
	_ = godotenv.Load()

	log.Info().Msg("🧠 memoryd starting...")

	cfg := config.Load()
	if cfg.Telemetry.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel); err == nil && cfg.Telemetry.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize memory service")
	}
	svc.Start(ctx)

	go func() {
		rpc := rpcserver.New(svc, cfg.Project.SystemUserID)
		if err := rpc.Run(ctx, os.Stdin, os.Stdout); err != nil {
			log.Warn().Err(err).Msg("📡 stdio tool server stopped")
		}
	}()

	h := handlers.New(svc)
	router := api.NewRouter(cfg, h)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("🛑 shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		svc.Stop(shutdownCtx)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("📡 error shutting down telemetry")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("🧠 memoryd is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
}
