// Command server runs the reliability backend: the saga orchestrator, the
// dead-letter drain, the idempotency sweeper, and the HTTP API in front of
// them. Configuration comes from the environment (a local .env is loaded
// when present); shutdown is graceful and drains in-flight background work.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reliability-backend/internal/commands"
	"github.com/tbourn/go-reliability-backend/internal/config"
	"github.com/tbourn/go-reliability-backend/internal/events"
	httpapi "github.com/tbourn/go-reliability-backend/internal/http"
	"github.com/tbourn/go-reliability-backend/internal/observability"
	"github.com/tbourn/go-reliability-backend/internal/repo"
	"github.com/tbourn/go-reliability-backend/internal/services"
	"github.com/tbourn/go-reliability-backend/internal/workers"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Local development convenience; absence of .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	// Broker wiring. Without NATS, events are logged and step commands are
	// served by an (empty) in-process registry; useful for local development.
	var (
		rawPublisher events.Publisher
		dispatcher   commands.Dispatcher
		natsConn     *nats.Conn
	)
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.OTEL.ServiceName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("nats connect failed")
		}
		defer natsConn.Drain() //nolint:errcheck
		rawPublisher = events.NewNATSPublisher(natsConn, cfg.NATS.EventPrefix)
		dispatcher = commands.NewNATSDispatcher(natsConn, cfg.NATS.CommandPrefix)
		log.Info().Str("url", cfg.NATS.URL).Msg("connected to nats")
	} else {
		rawPublisher = events.NopPublisher{}
		dispatcher = commands.NewRegistry()
		log.Warn().Msg("nats disabled: events are logged, saga commands need in-process handlers")
	}

	// Services.
	guard := services.NewIdempotencyService(db, httpapi.NewIdempotencyRepo(),
		cfg.Idempotency.DefaultTTL, cfg.Idempotency.MinTTL, cfg.Idempotency.MaxTTL,
		cfg.Idempotency.ProcessingTimeout)
	dlq := services.NewDeadLetterService(db, httpapi.NewDeadLetterRepo(),
		cfg.DeadLetter.MaxRetries, cfg.DeadLetter.BaseBackoff, cfg.DeadLetter.MaxBackoff)
	publisher := services.NewReliablePublisher(rawPublisher, dlq)
	sagas := services.NewSagaService(db, httpapi.NewSagaRepo(), guard, publisher, dispatcher)
	sagas.CompensationRetries = cfg.Saga.CompensationRetries

	// Background machinery: one shared pool feeding the dead-letter drain and
	// the housekeeping sweeps.
	pool := workers.NewPool(cfg.Workers.PoolSize, cfg.Workers.QueueSize)
	pool.Start(ctx)
	retrier := workers.NewRetrier(dlq, rawPublisher, pool, cfg.DeadLetter.DrainInterval)
	sweeper := workers.NewSweeper(db, guard, sagas, pool, cfg.Saga.SweepInterval, cfg.Saga.StallAfter)
	go retrier.Run(ctx)
	go sweeper.Run(ctx)

	// HTTP transport.
	engine := gin.New()
	httpapi.RegisterRoutes(engine, guard, sagas, dlq, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// The loops observe ctx cancellation; wait for them, then drain the pool.
	<-retrier.Done()
	<-sweeper.Done()
	pool.Stop()
	log.Info().Msg("server stopped")
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
