// Command server runs the marketplace transaction backend: the HTTP API, the
// SQLite-backed conversation store, and the background sweep that fires
// meetup and confirmation timeouts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-backend/internal/config"
	httpapi "github.com/tbourn/go-market-backend/internal/http"
	"github.com/tbourn/go-market-backend/internal/observability"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
	"github.com/tbourn/go-market-backend/internal/sweep"
	"github.com/tbourn/go-market-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load() // load .env if present

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if sysutil.IsTruthy(os.Getenv("LOG_PRETTY")) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Guard against an empty -X stamp.
	ver := sysutil.FirstNonEmpty(version, "dev")
	log.Info().Str("version", ver).Str("gin_mode", cfg.GinMode).Msg("starting")

	// Tracing (no-op unless enabled)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Fatal().Err(err).Msg("enable db tracing")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Shared conversation service: HTTP handlers and the sweep must funnel
	// through the same per-conversation locks.
	convSvc := services.NewConversationService(db, services.NewConversationRepo())

	// HTTP transport
	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, convSvc, cfg)

	// Background sweep: the single writer of time-triggered transitions.
	sweeper := sweep.New(convSvc, cfg.SweepInterval)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	sqlDB, err := db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}
