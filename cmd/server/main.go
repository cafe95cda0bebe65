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

	router "github.com/dkeye/VoiceCall/internal/adapters/http"
	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("failed to load config")
	}
	config.SetupLogging(cfg)

	policy := app.PolicyByName(cfg.BackpressurePolicy)
	log.Info().Str("module", "main").Str("policy", cfg.BackpressurePolicy).Msg("backpressure policy")
	reg := app.NewRegistry()
	sb := app.NewSwitchboard(reg, policy)

	r := router.SetupRouter(ctx, cfg, sb)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("VoiceCall relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("module", "main").Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
}
