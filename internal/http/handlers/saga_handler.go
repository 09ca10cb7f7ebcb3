// Saga HTTP handlers.
//
// This file exposes REST endpoints for saga resources:
//   - POST /sagas        (start and drive a saga to a terminal state)
//   - GET  /sagas/:id    (fetch a saga with its full step history)
//   - GET  /sagas        (list by status, paginated)
//
// Handlers are transport-thin: they validate input, call the orchestrator,
// and translate results into HTTP responses. POST /sagas is guarded by the
// idempotency middleware, so a client retry of the same request observes the
// original outcome instead of starting a second saga.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/http/middleware"
	"github.com/tbourn/go-reliability-backend/internal/services"
	"github.com/tbourn/go-reliability-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SagaOrchestrator defines the saga lifecycle operations consumed by HTTP
// handlers. Implementations must be safe for concurrent use and honor the
// provided context for cancellation and timeouts.
type SagaOrchestrator interface {
	// Start validates and persists a saga definition without executing it.
	Start(ctx context.Context, sagaType, correlationID string, steps []services.StepInput) (*domain.Saga, error)
	// Run drives a saga until it reaches a terminal state.
	Run(ctx context.Context, id string) error
	// GetByID returns a saga with its full step history.
	GetByID(ctx context.Context, id string) (*domain.Saga, error)
	// ListByStatus returns a page of sagas in a status and the total count.
	ListByStatus(ctx context.Context, status domain.SagaStatus, page, pageSize int) ([]domain.Saga, int64, error)
}

// DeadLetterManager defines the operator-facing dead-letter operations
// consumed by HTTP handlers.
type DeadLetterManager interface {
	// ListPage returns a page of dead letters and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error)
	// Stats returns the aggregate queue view.
	Stats(ctx context.Context) (*domain.DeadLetterStats, error)
	// Requeue grants an exhausted message one more automatic attempt.
	Requeue(ctx context.Context, id string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for sagas and dead letters. It depends
// on abstract service interfaces to keep transport concerns separate from
// orchestration logic.
type Handlers struct {
	sagas SagaOrchestrator
	dlq   DeadLetterManager
}

// New constructs a Handlers instance bound to the given services.
func New(sagas SagaOrchestrator, dlq DeadLetterManager) *Handlers {
	return &Handlers{sagas: sagas, dlq: dlq}
}

//
// DTOs
//

// StepRequest is one step of a saga definition as submitted over HTTP.
// An empty compensation declares the step irreversible.
type StepRequest struct {
	Name         string          `json:"name" binding:"required"`
	Target       string          `json:"target" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Compensation string          `json:"compensation"`
}

// StartSagaRequest is the JSON payload for starting a saga.
type StartSagaRequest struct {
	Type  string        `json:"type" binding:"required"`
	Steps []StepRequest `json:"steps" binding:"required,min=1"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSagasResponse wraps a page of sagas and pagination information.
type ListSagasResponse struct {
	Sagas      []domain.Saga `json:"sagas"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// sagaStatuses is the set of values accepted by the status query param.
var sagaStatuses = map[domain.SagaStatus]struct{}{
	domain.SagaStarted:        {},
	domain.SagaStepInProgress: {},
	domain.SagaStepCompleted:  {},
	domain.SagaCompensating:   {},
	domain.SagaCompensated:    {},
	domain.SagaCompleted:      {},
	domain.SagaFailed:         {},
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// StartSaga creates a saga from the posted definition and drives it to a
// terminal state before responding with the final saga record. The request
// correlation ID is carried onto the saga and every event it emits.
func (h *Handlers) StartSaga(c *gin.Context) {
	var req StartSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	steps := make([]services.StepInput, len(req.Steps))
	for i, st := range req.Steps {
		steps[i] = services.StepInput{
			Name:         st.Name,
			Target:       st.Target,
			Payload:      st.Payload,
			Compensation: st.Compensation,
		}
	}

	saga, err := h.sagas.Start(ctx, strings.TrimSpace(req.Type), middleware.CorrelationID(c), steps)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSaga) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidSaga, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStartFailed, err.Error())
		return
	}

	if err := h.sagas.Run(ctx, saga.ID); err != nil {
		if errors.Is(err, services.ErrConflict) {
			fail(c, http.StatusConflict, ErrCodeIdempotencyConflict, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	// Re-read so the response reflects the terminal state and step outcomes.
	final, err := h.sagas.GetByID(ctx, saga.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusCreated, final)
}

// GetSaga returns a saga with its full step history.
func (h *Handlers) GetSaga(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "saga id must be a UUID")
		return
	}

	saga, err := h.sagas.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrSagaNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "saga not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, saga)
}

// ListSagas returns a page of sagas filtered by the required status query
// parameter.
func (h *Handlers) ListSagas(c *gin.Context) {
	status := domain.SagaStatus(strings.TrimSpace(c.Query("status")))
	if _, valid := sagaStatuses[status]; !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status query param is required and must be a valid saga status")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.sagas.ListByStatus(c.Request.Context(), status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListSagasResponse{
		Sagas:      items,
		Pagination: newPagination(page, pageSize, total),
	})
}
