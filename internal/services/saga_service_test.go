package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/commands"
	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/events"
	"github.com/tbourn/go-reliability-backend/internal/repo"
)

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

// recordingPublisher collects published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) typesSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// callLog tracks command invocations across a registry's handlers.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) ordered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newSagaService(t *testing.T, db *gorm.DB, disp commands.Dispatcher, pub events.Publisher) *SagaService {
	t.Helper()
	guard := newGuard(t, db)
	svc := NewSagaService(db, sagaRepoShim{}, guard, pub, disp)
	svc.CompensationRetryDelay = time.Millisecond
	return svc
}

// purchaseSteps is the canonical three-step definition used across tests:
// reserve inventory, charge payment, schedule delivery.
func purchaseSteps() []StepInput {
	return []StepInput{
		{Name: "reserve-inventory", Target: "inventory", Payload: []byte(`{"sku":"a","qty":1}`), Compensation: "release-inventory"},
		{Name: "charge-payment", Target: "payments", Payload: []byte(`{"amount":100}`), Compensation: "refund-payment"},
		{Name: "schedule-delivery", Target: "delivery", Payload: []byte(`{"slot":"am"}`), Compensation: "cancel-delivery"},
	}
}

func registerPurchaseHandlers(reg *commands.Registry, log *callLog, failing map[string]error) {
	handler := func(name string) commands.Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			log.add(name)
			if err, ok := failing[name]; ok {
				return nil, err
			}
			return []byte(`{"ok":true}`), nil
		}
	}
	reg.Register("inventory", "reserve-inventory", handler("reserve-inventory"))
	reg.Register("inventory", "release-inventory", handler("release-inventory"))
	reg.Register("payments", "charge-payment", handler("charge-payment"))
	reg.Register("payments", "refund-payment", handler("refund-payment"))
	reg.Register("delivery", "schedule-delivery", handler("schedule-delivery"))
	reg.Register("delivery", "cancel-delivery", handler("cancel-delivery"))
}

func TestSagaStart_RejectsInvalidDefinitions(t *testing.T) {
	db := newTestDB(t)
	svc := newSagaService(t, db, commands.NewRegistry(), &recordingPublisher{})
	ctx := context.Background()

	cases := []struct {
		name  string
		typ   string
		steps []StepInput
	}{
		{"empty type", "  ", purchaseSteps()},
		{"no steps", "t", nil},
		{"unnamed step", "t", []StepInput{{Target: "x"}}},
		{"no target", "t", []StepInput{{Name: "a"}}},
		{"bad payload", "t", []StepInput{{Name: "a", Target: "x", Payload: []byte("{not json")}}},
	}
	for _, tc := range cases {
		if _, err := svc.Start(ctx, tc.typ, "", tc.steps); !errors.Is(err, ErrInvalidSaga) {
			t.Fatalf("%s: expected ErrInvalidSaga, got %v", tc.name, err)
		}
	}

	// Nothing persisted for rejected definitions.
	n, err := repo.CountSagasByStatus(ctx, db, domain.SagaStarted)
	if err != nil || n != 0 {
		t.Fatalf("rejected saga must not persist: n=%d err=%v", n, err)
	}
}

func TestSagaRun_HappyPath(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, nil)
	pub := &recordingPublisher{}
	svc := newSagaService(t, db, reg, pub)
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "corr-1", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := svc.GetByID(ctx, saga.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.SagaCompleted {
		t.Fatalf("expected completed, got %s (last error %q)", got.Status, got.LastError)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	for i, st := range got.Steps {
		if st.Status != domain.StepSucceeded {
			t.Fatalf("step %d not succeeded: %s", i, st.Status)
		}
	}

	// Strict in-order execution, each step exactly once.
	want := []string{"reserve-inventory", "charge-payment", "schedule-delivery"}
	gotCalls := log.ordered()
	if len(gotCalls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), gotCalls)
	}
	for i := range want {
		if gotCalls[i] != want[i] {
			t.Fatalf("call order mismatch at %d: %v", i, gotCalls)
		}
	}

	// Events: one completed per step plus the terminal notification, all
	// carrying the correlation id.
	types := pub.typesSeen()
	completed, finished := 0, 0
	for _, ty := range types {
		switch ty {
		case EventStepCompleted:
			completed++
		case EventSagaFinished:
			finished++
		}
	}
	if completed != 3 || finished != 1 {
		t.Fatalf("unexpected events: %v", types)
	}
	for _, ev := range pub.events {
		if ev.CorrelationID != "corr-1" {
			t.Fatalf("event lost its correlation id: %+v", ev)
		}
	}
}

func TestSagaRun_FailureCompensatesInReverseOrder(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, map[string]error{
		"schedule-delivery": errors.New("no slots"),
	})
	pub := &recordingPublisher{}
	svc := newSagaService(t, db, reg, pub)
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "corr-2", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := svc.GetByID(ctx, saga.ID)
	if got.Status != domain.SagaCompensated {
		t.Fatalf("expected compensated, got %s", got.Status)
	}
	if got.Steps[0].Status != domain.StepCompensated || got.Steps[1].Status != domain.StepCompensated {
		t.Fatalf("succeeded steps must be compensated: %s, %s", got.Steps[0].Status, got.Steps[1].Status)
	}
	if got.Steps[2].Status != domain.StepFailed || got.Steps[2].LastError == "" {
		t.Fatalf("failing step must record its error: %+v", got.Steps[2])
	}

	// LIFO: refund the payment before releasing the inventory.
	want := []string{"reserve-inventory", "charge-payment", "schedule-delivery", "refund-payment", "release-inventory"}
	gotCalls := log.ordered()
	if len(gotCalls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, gotCalls)
	}
	for i := range want {
		if gotCalls[i] != want[i] {
			t.Fatalf("compensation order mismatch: %v", gotCalls)
		}
	}

	// The failed step is announced before the terminal event.
	types := pub.typesSeen()
	sawFailed := false
	for _, ty := range types {
		if ty == EventStepFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected a step-failed event, got %v", types)
	}
	if types[len(types)-1] != EventSagaFinished {
		t.Fatalf("terminal event must be last: %v", types)
	}
}

func TestSagaRun_IrreversibleStepBlocksCompensation(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, map[string]error{
		"schedule-delivery": errors.New("no slots"),
	})
	svc := newSagaService(t, db, reg, &recordingPublisher{})
	ctx := context.Background()

	steps := purchaseSteps()
	steps[1].Compensation = "" // charging payment is declared irreversible

	saga, err := svc.Start(ctx, "vehicle-purchase", "", steps)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := svc.GetByID(ctx, saga.ID)
	if got.Status != domain.SagaFailed {
		t.Fatalf("irreversible step must land the saga in failed, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Fatalf("failed saga must carry the reason")
	}
	// Rollback stops at the irreversible step: nothing before it is undone.
	if log.count("refund-payment") != 0 || log.count("release-inventory") != 0 {
		t.Fatalf("no compensation may run past an irreversible step: %v", log.ordered())
	}
	if got.Steps[1].Status != domain.StepSucceeded {
		t.Fatalf("irreversible step keeps its succeeded status: %s", got.Steps[1].Status)
	}
}

func TestSagaRun_CompensationFailureAfterRetries(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, map[string]error{
		"schedule-delivery": errors.New("no slots"),
		"refund-payment":    errors.New("refund endpoint down"),
	})
	svc := newSagaService(t, db, reg, &recordingPublisher{})
	svc.CompensationRetries = 2
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := svc.GetByID(ctx, saga.ID)
	if got.Status != domain.SagaFailed {
		t.Fatalf("expected failed after compensation retries, got %s", got.Status)
	}
	// Initial attempt plus the bounded retries.
	if n := log.count("refund-payment"); n != svc.CompensationRetries+1 {
		t.Fatalf("expected %d refund attempts, got %d", svc.CompensationRetries+1, n)
	}
}

func TestSagaRun_CompensationRetrySucceeds(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}

	// refund-payment fails twice, then succeeds.
	var mu sync.Mutex
	refundAttempts := 0
	handler := func(name string, fail func(attempt int) error) commands.Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			log.add(name)
			if fail != nil {
				mu.Lock()
				refundAttempts++
				n := refundAttempts
				mu.Unlock()
				if err := fail(n); err != nil {
					return nil, err
				}
			}
			return []byte(`{}`), nil
		}
	}
	reg.Register("inventory", "reserve-inventory", handler("reserve-inventory", nil))
	reg.Register("inventory", "release-inventory", handler("release-inventory", nil))
	reg.Register("payments", "charge-payment", handler("charge-payment", nil))
	reg.Register("payments", "refund-payment", handler("refund-payment", func(attempt int) error {
		if attempt <= 2 {
			return errors.New("transient")
		}
		return nil
	}))
	reg.Register("delivery", "schedule-delivery", func(ctx context.Context, payload []byte) ([]byte, error) {
		log.add("schedule-delivery")
		return nil, errors.New("no slots")
	})
	reg.Register("delivery", "cancel-delivery", handler("cancel-delivery", nil))

	svc := newSagaService(t, db, reg, &recordingPublisher{})
	svc.CompensationRetries = 3
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := svc.GetByID(ctx, saga.ID)
	if got.Status != domain.SagaCompensated {
		t.Fatalf("expected compensated after transient refund failure, got %s", got.Status)
	}
	if log.count("refund-payment") != 3 {
		t.Fatalf("expected 3 refund attempts, got %d", log.count("refund-payment"))
	}
}

func TestSagaAdvanceStep_ReplayDoesNotDoubleExecute(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, nil)
	svc := newSagaService(t, db, reg, &recordingPublisher{})
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.AdvanceStep(ctx, saga.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if log.count("reserve-inventory") != 1 {
		t.Fatalf("step executed %d times", log.count("reserve-inventory"))
	}

	// Simulate a crash that lost the transition but kept the guard record:
	// rewind the saga to its initial state and re-drive the same step.
	cur, _ := svc.GetByID(ctx, saga.ID)
	if err := db.Model(&domain.Saga{}).Where("id = ?", saga.ID).Updates(map[string]any{
		"status":       domain.SagaStarted,
		"current_step": 0,
		"version":      cur.Version + 1,
	}).Error; err != nil {
		t.Fatalf("rewind: %v", err)
	}

	if err := svc.AdvanceStep(ctx, saga.ID); err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	// The guard replayed the stored result; the handler did not run again.
	if log.count("reserve-inventory") != 1 {
		t.Fatalf("re-driven step must replay, not re-execute: %d calls", log.count("reserve-inventory"))
	}
}

func TestSagaRun_TerminalIsNoOp(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	log := &callLog{}
	registerPurchaseHandlers(reg, log, nil)
	svc := newSagaService(t, db, reg, &recordingPublisher{})
	ctx := context.Background()

	saga, err := svc.Start(ctx, "vehicle-purchase", "", purchaseSteps())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	before := len(log.ordered())

	// Re-running a finished saga changes nothing.
	if err := svc.Run(ctx, saga.ID); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if err := svc.AdvanceStep(ctx, saga.ID); err != nil {
		t.Fatalf("advance terminal: %v", err)
	}
	if len(log.ordered()) != before {
		t.Fatalf("terminal saga must not execute commands")
	}
}

func TestSagaGetByID_Missing(t *testing.T) {
	db := newTestDB(t)
	svc := newSagaService(t, db, commands.NewRegistry(), &recordingPublisher{})

	if _, err := svc.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestSagaListByStatus_Pages(t *testing.T) {
	db := newTestDB(t)
	reg := commands.NewRegistry()
	registerPurchaseHandlers(reg, &callLog{}, nil)
	svc := newSagaService(t, db, reg, &recordingPublisher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		saga, err := svc.Start(ctx, "vehicle-purchase", "", purchaseSteps())
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := svc.Run(ctx, saga.ID); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	items, total, err := svc.ListByStatus(ctx, domain.SagaCompleted, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected total=3 page=2, got total=%d page=%d", total, len(items))
	}
	items, _, err = svc.ListByStatus(ctx, domain.SagaCompensating, 1, 10)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty page: n=%d err=%v", len(items), err)
	}
}
