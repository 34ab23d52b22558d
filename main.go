package main

import (
	"context"
	"errors"
	"github.com/Angel-Anselmo/NestPay-sub000/endpoints"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	art := kernel.LoadConfig()
	art.SetupLogger()

	if art.DeploymentEnvironment == "production" {
		log.Info().Msg(" === RUNNING IN PRODUCTION MODE ===")
		gin.SetMode(gin.ReleaseMode)
	}

	cleanupFunc, err := art.SetupOtel()
	if err != nil {
		log.Fatal().Err(err).Msg("could not set up telemetry")
	}
	defer cleanupFunc()

	span, _ := art.Diagnostic.BeginTracing(art.Context, "main")

	if err = art.PrepareDatabase(); err != nil {
		span.RecordError(err)
		log.Fatal().Err(err).Msg("could not prepare database")
	}
	if err = art.PrepareFlows(); err != nil {
		span.RecordError(err)
		log.Fatal().Err(err).Msg("could not prepare payment flows")
	}
	defer art.Close()

	r, err := endpoints.NewRouter(art)
	if err != nil {
		span.RecordError(err)
		log.Fatal().Err(err).Msg("could not set up router")
	}
	span.End()

	ctx, stop := signal.NotifyContext(art.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go art.RunReaper(ctx)

	srv := &http.Server{Addr: art.Host, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", art.Host).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("could not shut down gracefully")
	}
}
