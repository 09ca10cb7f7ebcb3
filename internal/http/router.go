// Package httpapi wires the HTTP transport (Gin) to the reliability
// services, middleware, and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging, panic recovery,
// metrics, compression, CORS, security headers, idempotency, and rate
// limiting.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/config"
	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/http/handlers"
	"github.com/tbourn/go-reliability-backend/internal/http/middleware"
	"github.com/tbourn/go-reliability-backend/internal/repo"
	"github.com/tbourn/go-reliability-backend/internal/services"
)

// sagaRepoShim adapts the repository free functions to the services.SagaRepo
// interface expected by the orchestrator. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type sagaRepoShim struct{}

func (sagaRepoShim) Create(ctx context.Context, db *gorm.DB, saga *domain.Saga) error {
	return repo.CreateSaga(ctx, db, saga)
}

func (sagaRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Saga, error) {
	return repo.GetSaga(ctx, db, id)
}

func (sagaRepoShim) CountByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus) (int64, error) {
	return repo.CountSagasByStatus(ctx, db, status)
}

func (sagaRepoShim) ListByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus, offset, limit int) ([]domain.Saga, error) {
	return repo.ListSagasByStatus(ctx, db, status, offset, limit)
}

func (sagaRepoShim) UpdateCAS(ctx context.Context, db *gorm.DB, id string, expectedVersion int, upd repo.SagaUpdate) error {
	return repo.UpdateSagaCAS(ctx, db, id, expectedVersion, upd)
}

func (sagaRepoShim) UpdateStep(ctx context.Context, db *gorm.DB, stepID string, status domain.StepStatus, lastError string) error {
	return repo.UpdateStepStatus(ctx, db, stepID, status, lastError)
}

func (sagaRepoShim) ListStalled(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Saga, error) {
	return repo.ListStalledSagas(ctx, db, cutoff, limit)
}

// deadLetterRepoShim adapts repo free functions to services.DeadLetterRepo.
type deadLetterRepoShim struct{}

func (deadLetterRepoShim) Create(ctx context.Context, db *gorm.DB, eventType string, payload []byte, correlationID, lastError string, nextRetryAt time.Time) (*domain.DeadLetter, error) {
	return repo.CreateDeadLetter(ctx, db, eventType, payload, correlationID, lastError, nextRetryAt)
}

func (deadLetterRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	return repo.GetDeadLetter(ctx, db, id)
}

func (deadLetterRepoShim) ListReady(ctx context.Context, db *gorm.DB, now time.Time, maxRetries, limit int) ([]domain.DeadLetter, error) {
	return repo.ListReadyForRetry(ctx, db, now, maxRetries, limit)
}

func (deadLetterRepoShim) Claim(ctx context.Context, db *gorm.DB, id string, version int) error {
	return repo.ClaimDeadLetter(ctx, db, id, version)
}

func (deadLetterRepoShim) MarkFailed(ctx context.Context, db *gorm.DB, id, lastError string, retryCount int, nextRetryAt time.Time, exhausted bool) error {
	return repo.MarkDeadLetterFailed(ctx, db, id, lastError, retryCount, nextRetryAt, exhausted)
}

func (deadLetterRepoShim) Delete(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteDeadLetter(ctx, db, id)
}

func (deadLetterRepoShim) Requeue(ctx context.Context, db *gorm.DB, id string, maxRetries int, now time.Time) error {
	return repo.RequeueDeadLetter(ctx, db, id, maxRetries, now)
}

func (deadLetterRepoShim) Stats(ctx context.Context, db *gorm.DB, now time.Time, maxRetries int) (*domain.DeadLetterStats, error) {
	return repo.DeadLetterStats(ctx, db, now, maxRetries)
}

func (deadLetterRepoShim) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountDeadLetters(ctx, db)
}

func (deadLetterRepoShim) ListPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeadLetter, error) {
	return repo.ListDeadLettersPage(ctx, db, offset, limit)
}

// idempotencyRepoShim adapts repo free functions to services.IdempotencyRepo.
type idempotencyRepoShim struct{}

func (idempotencyRepoShim) Get(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	return repo.GetIdempotency(ctx, db, scope, key, now)
}

func (idempotencyRepoShim) Create(ctx context.Context, db *gorm.DB, scope, key, requestHash string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	return repo.CreateIdempotency(ctx, db, scope, key, requestHash, ttl)
}

func (idempotencyRepoShim) Complete(ctx context.Context, db *gorm.DB, scope, key string, result []byte) error {
	return repo.CompleteIdempotency(ctx, db, scope, key, result)
}

func (idempotencyRepoShim) Delete(ctx context.Context, db *gorm.DB, scope, key string) error {
	return repo.DeleteIdempotency(ctx, db, scope, key)
}

func (idempotencyRepoShim) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	return repo.DeleteExpiredIdempotency(ctx, db, now)
}

// NewSagaRepo returns the production SagaRepo implementation.
func NewSagaRepo() services.SagaRepo { return sagaRepoShim{} }

// NewDeadLetterRepo returns the production DeadLetterRepo implementation.
func NewDeadLetterRepo() services.DeadLetterRepo { return deadLetterRepoShim{} }

// NewIdempotencyRepo returns the production IdempotencyRepo implementation.
func NewIdempotencyRepo() services.IdempotencyRepo { return idempotencyRepoShim{} }

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics + /metrics endpoint
//  7. Gzip compression
//  8. Idempotency guard (before rate limiter so replays bypass it)
//  9. Rate limiter (per client IP, bypass on replay)
//  10. CORS and security headers
func RegisterRoutes(r *gin.Engine, guard *services.IdempotencyService, sagas *services.SagaService, dlq *services.DeadLetterService, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compress JSON responses
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 8) Idempotency for unsafe methods (before rate limiting)
	r.Use(middleware.Idempotency(guard, middleware.IdempotencyOptions{}))

	// 9) Token-bucket rate limiter per client IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplay},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplay},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(sagas, dlq)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Sagas
		api.POST("/sagas", h.StartSaga)
		api.GET("/sagas", h.ListSagas)
		api.GET("/sagas/:id", h.GetSaga)

		// Dead letters
		api.GET("/dead-letters", h.ListDeadLetters)
		api.GET("/dead-letters/stats", h.DeadLetterStats)
		api.POST("/dead-letters/:id/requeue", h.RequeueDeadLetter)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests over the cap error on body reads.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
