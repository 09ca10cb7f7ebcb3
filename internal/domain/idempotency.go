// Package domain defines the core persistence models for the reliability
// layer. This file holds the idempotency record: the durable memory that
// lets a retried request replay its original result instead of re-executing
// side effects.
package domain

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

// Idempotency record states. A Processing record blocks concurrent
// duplicates; a Completed record replays its stored result.
const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord represents one observed idempotency key within a scope
// (typically a method+path or a saga step namespace). At most one record
// exists per (scope, key); the unique index is what makes BeginProcessing an
// atomic insert-if-absent with no read-then-write window.
//
// Fields:
//   - RequestHash: fingerprint of the normalized request body. A second
//     request under the same key with a different hash is a conflict and is
//     never silently accepted.
//   - Result: the payload to replay once the record is Completed.
//   - ExpiresAt: lazy expiry boundary; expired rows are treated as absent
//     even while physically present, and a background sweep reclaims them.
type IdempotencyRecord struct {
	ID          string            `json:"id"         gorm:"type:char(36);primaryKey"`
	Scope       string            `json:"scope"      gorm:"type:varchar(256);not null;uniqueIndex:ux_idem_scope_key,priority:1"`
	Key         string            `json:"key"        gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_scope_key,priority:2"`
	RequestHash string            `json:"-"          gorm:"type:varchar(64);not null"`
	Status      IdempotencyStatus `json:"status"     gorm:"type:varchar(16);not null"`
	Result      []byte            `json:"-"          gorm:"type:blob"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name for IdempotencyRecord.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Expired reports whether the record's TTL has elapsed at the given time.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
