// Package services – IdempotencyService
//
// This file implements the idempotency guard: the first gate on every
// endpoint or saga step that must not apply its side effect twice. The
// guard only gates the operation — it never invokes it. Callers Check,
// then BeginProcessing, run the operation, and CompleteProcessing with the
// result to replay on retries.
package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/repo"
)

// CheckState classifies what the guard knows about a (scope, key) pair.
type CheckState int

// Check outcomes.
const (
	// CheckNotFound: no live record; caller should BeginProcessing.
	CheckNotFound CheckState = iota
	// CheckInProgress: a concurrent duplicate holds the Processing record.
	CheckInProgress
	// CheckReplay: the operation completed before; replay the stored result.
	CheckReplay
	// CheckConflict: same key, different payload. A caller bug.
	CheckConflict
)

// CheckResult is the guard's verdict plus the record backing it (nil for
// CheckNotFound).
type CheckResult struct {
	State  CheckState
	Record *domain.IdempotencyRecord
}

// IdempotencyRepo defines the persistence contract required by the guard.
type IdempotencyRepo interface {
	Get(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.IdempotencyRecord, error)
	Create(ctx context.Context, db *gorm.DB, scope, key, requestHash string, ttl time.Duration) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, db *gorm.DB, scope, key string, result []byte) error
	Delete(ctx context.Context, db *gorm.DB, scope, key string) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

// IdempotencyService implements the guard on top of the shared store.
// All coordination between concurrent duplicates happens through the
// store's unique index; the service holds no mutable state of its own.
type IdempotencyService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the idempotency repository used by this service.
	Repo IdempotencyRepo

	// DefaultTTL is applied to new records, clamped to [MinTTL, MaxTTL].
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration

	// ProcessingTimeout bounds how long WaitForResult polls a concurrent
	// duplicate before giving up; PollInterval is the polling step.
	ProcessingTimeout time.Duration
	PollInterval      time.Duration
}

// NewIdempotencyService constructs a guard with the configured TTL bounds.
func NewIdempotencyService(db *gorm.DB, r IdempotencyRepo, defaultTTL, minTTL, maxTTL, processingTimeout time.Duration) *IdempotencyService {
	return &IdempotencyService{
		DB:                db,
		Repo:              r,
		DefaultTTL:        defaultTTL,
		MinTTL:            minTTL,
		MaxTTL:            maxTTL,
		ProcessingTimeout: processingTimeout,
		PollInterval:      100 * time.Millisecond,
	}
}

// HashRequest fingerprints a request body. JSON bodies are compacted first
// so that formatting differences do not turn a retry into a conflict;
// non-JSON bodies are hashed as-is.
func HashRequest(body []byte) string {
	var buf bytes.Buffer
	if json.Valid(body) {
		if err := json.Compact(&buf, body); err == nil {
			body = buf.Bytes()
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ttl clamps the configured default to the [MinTTL, MaxTTL] window.
func (s *IdempotencyService) ttl() time.Duration {
	ttl := s.DefaultTTL
	if s.MinTTL > 0 && ttl < s.MinTTL {
		ttl = s.MinTTL
	}
	if s.MaxTTL > 0 && ttl > s.MaxTTL {
		ttl = s.MaxTTL
	}
	return ttl
}

// Check classifies the (scope, key) pair without side effects. Expired
// records are treated as absent (lazy expiry).
func (s *IdempotencyService) Check(ctx context.Context, scope, key, requestHash string) (CheckResult, error) {
	rec, err := s.Repo.Get(ctx, s.DB, scope, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return CheckResult{State: CheckNotFound}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	return s.classify(rec, requestHash), nil
}

func (s *IdempotencyService) classify(rec *domain.IdempotencyRecord, requestHash string) CheckResult {
	if rec.RequestHash != requestHash {
		return CheckResult{State: CheckConflict, Record: rec}
	}
	if rec.Status == domain.IdempotencyCompleted {
		return CheckResult{State: CheckReplay, Record: rec}
	}
	return CheckResult{State: CheckInProgress, Record: rec}
}

// BeginProcessing claims the key with a single atomic insert-if-absent.
// If two duplicates race, exactly one wins; the loser gets the existing
// record classified as replay, in-progress, or conflict.
func (s *IdempotencyService) BeginProcessing(ctx context.Context, scope, key, requestHash string) (CheckResult, error) {
	rec, err := s.Repo.Create(ctx, s.DB, scope, key, requestHash, s.ttl())
	if err == nil {
		return CheckResult{State: CheckNotFound, Record: rec}, nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return CheckResult{}, err
	}

	// Lost the insert race (or the key was seen earlier): classify the
	// existing record instead.
	existing, err := s.Repo.Get(ctx, s.DB, scope, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		// The winner's record expired or was purged between the insert and
		// this read; the caller may simply retry.
		return CheckResult{State: CheckInProgress}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	return s.classify(existing, requestHash), nil
}

// CompleteProcessing stores the operation's result and flips the record to
// Completed, making every later duplicate a replay.
func (s *IdempotencyService) CompleteProcessing(ctx context.Context, scope, key string, result []byte) error {
	return s.Repo.Complete(ctx, s.DB, scope, key, result)
}

// Release drops a Processing record after the guarded operation failed, so
// a later retry starts fresh instead of replaying a failure.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	return s.Repo.Delete(ctx, s.DB, scope, key)
}

// WaitForResult polls a key held by a concurrent duplicate until it
// completes, the processing timeout elapses (ErrProcessingTimeout), or the
// context is cancelled. Returns the completed record on success.
func (s *IdempotencyService) WaitForResult(ctx context.Context, scope, key, requestHash string) (*domain.IdempotencyRecord, error) {
	deadline := time.Now().Add(s.ProcessingTimeout)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		res, err := s.Check(ctx, scope, key, requestHash)
		if err != nil {
			return nil, err
		}
		switch res.State {
		case CheckReplay:
			return res.Record, nil
		case CheckConflict:
			return nil, ErrConflict
		case CheckNotFound:
			// The holder released the key (its operation failed); the caller
			// should re-attempt from BeginProcessing.
			return nil, ErrInProgress
		}

		if time.Now().After(deadline) {
			return nil, ErrProcessingTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PurgeExpired removes expired records; invoked by the background sweep.
func (s *IdempotencyService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.Repo.DeleteExpired(ctx, s.DB, time.Now().UTC())
}
