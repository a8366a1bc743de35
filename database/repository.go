/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/relay/model"
)

// IDataSource groups every store the relay needs.
type IDataSource interface {
	SubmissionStore
	TransactionStore
	ForwardRecordStore
	BreakerStore
	Ping(ctx context.Context) error
}

// SubmissionStore persists submission envelopes.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, submissionUUID, terminalID string) (*model.SubmissionEnvelope, error)
	// CreateSubmission writes the envelope, its new transactions and their ledger entries
	// in one database transaction.
	CreateSubmission(ctx context.Context, envelope *model.SubmissionEnvelope, txns []*model.Transaction) error
	// MarkSubmissionProcessed moves RECEIVED to PROCESSED once every transaction of the
	// envelope is in a terminal state.
	MarkSubmissionProcessed(ctx context.Context, submissionUUID, terminalID string) (bool, error)
}

// JobChange is a compare-and-swap update of a transaction's job state. The update only
// applies when the stored job status still equals From.
type JobChange struct {
	From        model.JobStatus
	To          model.JobStatus
	Attempts    *int
	LastError   *string
	CompletedAt *time.Time

	// IncrementAttempts adds one to the stored attempt count, capped at MaxAttempts.
	// It takes precedence over Attempts.
	IncrementAttempts bool
	MaxAttempts       int
	// RequireAttemptsLeft restricts the change to rows whose incremented count stays
	// below MaxAttempts.
	RequireAttemptsLeft bool
}

// TransactionStore persists transactions and the never-pruned transaction ID ledger.
type TransactionStore interface {
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	// LookupTransactionChecksums returns the ledger checksum of every id that was ever admitted.
	LookupTransactionChecksums(ctx context.Context, ids []string) (map[string]string, error)
	TransitionValidation(ctx context.Context, id string, from, to model.ValidationStatus, lastError string) (bool, error)
	TransitionJob(ctx context.Context, id string, change JobChange) (bool, error)
	// IncrementRequeueAttempt bumps job_attempts of a QUEUED transaction below maxAttempts.
	IncrementRequeueAttempt(ctx context.Context, id string, maxAttempts int) (bool, error)
	// GetRequeueCandidates returns QUEUED transactions created in (newerThan, olderThan].
	GetRequeueCandidates(ctx context.Context, newerThan, olderThan time.Time, limit int) ([]*model.Transaction, error)
	// GetTimedOutTransactions returns PENDING validation or QUEUED/PROCESSING jobs created at or before cutoff.
	GetTimedOutTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error)
	GetForwardCandidates(ctx context.Context, target string, now time.Time, limit int) ([]*model.ForwardCandidate, error)
	CountPendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ForwardRecordStore persists delivery bookkeeping.
type ForwardRecordStore interface {
	GetForwardRecord(ctx context.Context, transactionID, target string) (*model.ForwardRecord, error)
	// UpsertForwardRecord never overwrites a COMPLETED record.
	UpsertForwardRecord(ctx context.Context, record *model.ForwardRecord) error
	// ResetForwardRecord moves a FAILED record back to PENDING with zero attempts.
	ResetForwardRecord(ctx context.Context, transactionID, target string, now time.Time) (bool, error)
	CountExhaustedForwardRecords(ctx context.Context, target string) (int64, error)
	CountCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BreakerStore persists one circuit breaker row per downstream service.
type BreakerStore interface {
	GetBreaker(ctx context.Context, serviceName string) (*model.CircuitBreakerState, error)
	// CreateBreaker inserts the row if it does not exist yet.
	CreateBreaker(ctx context.Context, state *model.CircuitBreakerState) error
	// SwapBreaker writes next only if the stored version equals expectedVersion.
	SwapBreaker(ctx context.Context, next *model.CircuitBreakerState, expectedVersion int64) (bool, error)
}
