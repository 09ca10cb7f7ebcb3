// Dead-letter HTTP handlers.
//
// Operator-facing endpoints over the dead-letter queue:
//   - GET  /dead-letters              (list, paginated)
//   - GET  /dead-letters/stats        (aggregate queue view)
//   - POST /dead-letters/:id/requeue  (grant an exhausted message one retry)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/services"
)

// ListDeadLettersResponse wraps a page of dead letters and pagination info.
type ListDeadLettersResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
	Pagination  Pagination          `json:"pagination"`
}

// ListDeadLetters returns a page of captured messages, newest first.
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.dlq.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{
		DeadLetters: items,
		Pagination:  newPagination(page, pageSize, total),
	})
}

// DeadLetterStats returns the aggregate operator view of the queue.
func (h *Handlers) DeadLetterStats(c *gin.Context) {
	stats, err := h.dlq.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}

// RequeueDeadLetter puts an exhausted message back on the automatic retry
// path for exactly one more attempt. Requeueing a message that is not
// exhausted is rejected with 409.
func (h *Handlers) RequeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "dead letter id must be a UUID")
		return
	}

	err := h.dlq.Requeue(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrDeadLetterNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter not found")
	case errors.Is(err, services.ErrNotExhausted):
		fail(c, http.StatusConflict, ErrCodeNotExhausted, "only exhausted dead letters can be requeued")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
