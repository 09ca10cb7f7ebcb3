package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/services"
)

func TestListDeadLetters(t *testing.T) {
	dlq := &fakeDLQ{
		list: []domain.DeadLetter{
			{ID: uuid.NewString(), EventType: "order.created", Status: domain.DeadLetterPending, NextRetryAt: time.Now().UTC()},
		},
		total: 1,
	}
	r := newTestRouter(&fakeOrchestrator{}, dlq)

	w := perform(r, http.MethodGet, "/dead-letters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp ListDeadLettersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].EventType != "order.created" {
		t.Fatalf("unexpected page: %+v", resp)
	}
	if resp.Pagination.Total != 1 || resp.Pagination.HasNext {
		t.Fatalf("unexpected pagination: %+v", resp.Pagination)
	}
}

func TestDeadLetterStats(t *testing.T) {
	dlq := &fakeDLQ{stats: &domain.DeadLetterStats{TotalEvents: 4, MaxRetriesReached: 1, ReadyForRetry: 2}}
	r := newTestRouter(&fakeOrchestrator{}, dlq)

	w := perform(r, http.MethodGet, "/dead-letters/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got domain.DeadLetterStats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalEvents != 4 || got.MaxRetriesReached != 1 || got.ReadyForRetry != 2 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	id := uuid.NewString()

	t.Run("success", func(t *testing.T) {
		dlq := &fakeDLQ{}
		r := newTestRouter(&fakeOrchestrator{}, dlq)
		w := perform(r, http.MethodPost, "/dead-letters/"+id+"/requeue", "")
		if w.Code != http.StatusNoContent {
			t.Fatalf("status %d", w.Code)
		}
		if dlq.requeued != id {
			t.Fatalf("wrong id requeued: %q", dlq.requeued)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		r := newTestRouter(&fakeOrchestrator{}, &fakeDLQ{})
		if w := perform(r, http.MethodPost, "/dead-letters/nope/requeue", ""); w.Code != http.StatusBadRequest {
			t.Fatalf("status %d", w.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		r := newTestRouter(&fakeOrchestrator{}, &fakeDLQ{requeueErr: services.ErrDeadLetterNotFound})
		if w := perform(r, http.MethodPost, "/dead-letters/"+id+"/requeue", ""); w.Code != http.StatusNotFound {
			t.Fatalf("status %d", w.Code)
		}
	})

	t.Run("not exhausted", func(t *testing.T) {
		r := newTestRouter(&fakeOrchestrator{}, &fakeDLQ{requeueErr: services.ErrNotExhausted})
		w := perform(r, http.MethodPost, "/dead-letters/"+id+"/requeue", "")
		if w.Code != http.StatusConflict {
			t.Fatalf("status %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), ErrCodeNotExhausted) {
			t.Fatalf("body %s", w.Body.String())
		}
	})
}
