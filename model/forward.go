package model

import "time"

// ForwardRecord tracks delivery of one transaction to one downstream target.
type ForwardRecord struct {
	TransactionID string        `json:"transaction_id"`
	Target        string        `json:"target"`
	Status        ForwardStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Exhausted reports whether automatic retries are used up.
func (r *ForwardRecord) Exhausted() bool {
	return r.MaxAttempts > 0 && r.Attempts >= r.MaxAttempts
}

// CircuitBreakerState is the persisted breaker row for a downstream service.
// Version is bumped on every write and used for compare-and-swap updates.
type CircuitBreakerState struct {
	ServiceName      string        `json:"service_name"`
	Status           BreakerStatus `json:"status"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	TripCount        int           `json:"trip_count"`
	ReopenCount      int           `json:"reopen_count"`
	LastFailureAt    *time.Time    `json:"last_failure_at,omitempty"`
	CooldownUntil    *time.Time    `json:"cooldown_until,omitempty"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	TotalOpenSeconds int64         `json:"total_open_seconds"`
	Version          int64         `json:"version"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CooldownElapsed reports whether an open breaker may admit a trial call at now.
func (s *CircuitBreakerState) CooldownElapsed(now time.Time) bool {
	return s.CooldownUntil == nil || !now.Before(*s.CooldownUntil)
}

// Downtime returns the cumulative time spent open, including the current open period.
func (s *CircuitBreakerState) Downtime(now time.Time) time.Duration {
	total := time.Duration(s.TotalOpenSeconds) * time.Second
	if s.Status != BreakerClosed && s.OpenedAt != nil && now.After(*s.OpenedAt) {
		total += now.Sub(*s.OpenedAt)
	}
	return total
}

// Clone returns a deep copy so callers can mutate a candidate state before swapping it in.
func (s *CircuitBreakerState) Clone() *CircuitBreakerState {
	c := *s
	c.LastFailureAt = cloneTime(s.LastFailureAt)
	c.CooldownUntil = cloneTime(s.CooldownUntil)
	c.OpenedAt = cloneTime(s.OpenedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ForwardCandidate is a transaction eligible for forwarding together with its existing
// forward record, if any.
type ForwardCandidate struct {
	Transaction *Transaction
	Record      *ForwardRecord
}
