package pendingqueue

import (
	"errors"
	"time"
)

var (
	ErrPersistence = errors.New("pending queue persistence error")
	ErrNotFound    = errors.New("pending record not found")
)

// MinRetention is the shortest retention horizon the queue accepts.
const MinRetention = 180 * 24 * time.Hour

// maxBackoffExponent caps 2^attempt hours; retention purges long before.
const maxBackoffExponent = 12

// Record is a formatted record awaiting delivery.
type Record struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeFailed    Outcome = "format_failed"
)

// LogEntry is one line of the record history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// RetryDelay is the wait before the next attempt once attemptCount
// deliveries have failed: 2^attemptCount hours.
func RetryDelay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount > maxBackoffExponent {
		attemptCount = maxBackoffExponent
	}
	return time.Duration(1<<attemptCount) * time.Hour
}

// EffectiveRetention applies the retention floor.
func EffectiveRetention(configured time.Duration) time.Duration {
	return max(configured, MinRetention)
}
