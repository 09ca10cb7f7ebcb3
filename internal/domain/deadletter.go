// Package domain defines the core persistence models for the reliability
// layer. This file holds the dead-letter queue model: events whose publish
// to the broker failed are parked here with a retry schedule instead of
// being dropped.
package domain

import "time"

// DeadLetterStatus is the lifecycle state of a captured event.
type DeadLetterStatus string

// Dead-letter lifecycle states. Exhausted messages are excluded from
// automatic retries and surface for manual intervention; Resolved is
// recorded transiently before removal.
const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetrying  DeadLetterStatus = "retrying"
	DeadLetterExhausted DeadLetterStatus = "exhausted"
	DeadLetterResolved  DeadLetterStatus = "resolved"
)

// DeadLetter is a single failed event publish awaiting redelivery.
//
// Fields:
//   - EventType: broker topic discriminator of the original event.
//   - Payload: the serialized event exactly as it was meant to be published.
//   - RetryCount: number of failed republish attempts so far.
//   - NextRetryAt: earliest time the retry processor may attempt again;
//     indexed together with Status, the drain query's access path.
//   - Version: optimistic concurrency token used to claim a message before
//     republishing, so overlapping drain cycles cannot double-fire.
type DeadLetter struct {
	ID            string           `json:"id"             gorm:"type:char(36);primaryKey"`
	EventType     string           `json:"event_type"     gorm:"type:varchar(128);not null"`
	Payload       []byte           `json:"payload"        gorm:"type:blob;not null"`
	CorrelationID string           `json:"correlation_id" gorm:"type:varchar(64)"`
	RetryCount    int              `json:"retry_count"    gorm:"not null;default:0"`
	NextRetryAt   time.Time        `json:"next_retry_at"  gorm:"not null;index:idx_dlq_status_retry,priority:2"`
	LastError     string           `json:"last_error"     gorm:"type:text"`
	Status        DeadLetterStatus `json:"status"         gorm:"type:varchar(16);not null;index:idx_dlq_status_retry,priority:1"`
	Version       int              `json:"-"              gorm:"not null;default:0"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName returns the database table name for DeadLetter.
func (DeadLetter) TableName() string { return "dead_letters" }

// DeadLetterStats is the aggregate view exposed to operators.
type DeadLetterStats struct {
	TotalEvents       int64 `json:"total_events"`
	ReadyForRetry     int64 `json:"ready_for_retry"`
	MaxRetriesReached int64 `json:"max_retries_reached"`
}
