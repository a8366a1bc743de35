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

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/canonical"
	"github.com/blnkfinance/relay/internal/notification"
	"github.com/blnkfinance/relay/model"
)

// ValidationOutcome is the verdict of a Validator.
type ValidationOutcome struct {
	Valid  bool
	Reason string
}

// Validator decides whether an admitted transaction is acceptable. Business rules live
// outside the relay; a returned error means the verdict could not be reached and the
// validation task will be retried.
type Validator interface {
	Validate(ctx context.Context, txn *model.Transaction) (ValidationOutcome, error)
}

// Processor performs the work of a queued transaction.
type Processor interface {
	Process(ctx context.Context, txn *model.Transaction) error
}

// SchemaValidator only checks that the fields every transaction needs are present.
type SchemaValidator struct{}

func (SchemaValidator) Validate(_ context.Context, txn *model.Transaction) (ValidationOutcome, error) {
	if txn.TransactionTimestamp == "" {
		return ValidationOutcome{Reason: "transaction_timestamp is required"}, nil
	}
	if _, ok := model.ParseUTCTimestamp(txn.TransactionTimestamp); !ok {
		return ValidationOutcome{Reason: "transaction_timestamp must be an ISO-8601 timestamp in UTC"}, nil
	}
	if txn.Raw != nil {
		if _, ok := txn.Raw["base_amount"]; !ok {
			return ValidationOutcome{Reason: "base_amount is required"}, nil
		}
	}
	return ValidationOutcome{Valid: true}, nil
}

// ChecksumProcessor re-verifies the stored canonical payload against the checksum
// recorded at admission.
type ChecksumProcessor struct{}

func (ChecksumProcessor) Process(_ context.Context, txn *model.Transaction) error {
	ok, err := canonical.Verify(txn, txn.TransactionChecksum)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: stored payload of %s no longer matches its checksum", ErrChecksumMismatch, txn.TransactionID)
	}
	return nil
}

// ValidateTransaction runs the validator over a PENDING transaction and applies the
// verdict. Transactions that already left PENDING are ignored.
func (r *Relay) ValidateTransaction(ctx context.Context, transactionID string) error {
	ctx, span := tracer.Start(ctx, "ValidateTransaction")
	defer span.End()

	txn, err := r.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.ValidationStatus != model.ValidationPending || txn.JobStatus != model.JobUnset {
		logrus.WithField("transaction_id", transactionID).Debug("transaction already validated, skipping")
		return nil
	}

	outcome, err := r.validator.Validate(ctx, txn)
	if err != nil {
		return fmt.Errorf("validating %s: %w", transactionID, err)
	}
	return r.ApplyValidation(ctx, txn, outcome)
}

// ApplyValidation moves a PENDING transaction to VALID and queues it for processing, or
// to INVALID with the validator's reason. INVALID is terminal.
func (r *Relay) ApplyValidation(ctx context.Context, txn *model.Transaction, outcome ValidationOutcome) error {
	entry := logrus.WithField("transaction_id", txn.TransactionID)

	if !outcome.Valid {
		ok, err := r.datasource.TransitionValidation(ctx, txn.TransactionID, model.ValidationPending, model.ValidationInvalid, outcome.Reason)
		if err != nil {
			return err
		}
		if !ok {
			entry.Info("validation verdict ignored, transaction is no longer pending")
			return nil
		}
		entry.WithField("reason", outcome.Reason).Warn("transaction failed validation")
		r.settleSubmission(ctx, txn)
		return nil
	}

	ok, err := r.datasource.TransitionValidation(ctx, txn.TransactionID, model.ValidationPending, model.ValidationValid, "")
	if err != nil {
		return err
	}
	if !ok {
		entry.Info("validation verdict ignored, transaction is no longer pending")
		return nil
	}

	attempts := 0
	ok, err = r.datasource.TransitionJob(ctx, txn.TransactionID, database.JobChange{
		From:     model.JobUnset,
		To:       model.JobQueued,
		Attempts: &attempts,
	})
	if err != nil {
		return err
	}
	if !ok {
		entry.Info("transaction already has a job, not queueing again")
		return nil
	}

	if err := r.queue.EnqueueProcessing(ctx, txn.TransactionID, 0); err != nil {
		entry.WithError(err).Error("failed to enqueue processing, the watchdog will requeue it")
	}
	return nil
}

// StartProcessing claims a QUEUED transaction. It reports false when another worker
// got there first or the transaction is no longer queued.
func (r *Relay) StartProcessing(ctx context.Context, transactionID string) (bool, error) {
	return r.datasource.TransitionJob(ctx, transactionID, database.JobChange{
		From: model.JobQueued,
		To:   model.JobProcessing,
	})
}

// CompleteProcessing moves a PROCESSING transaction to COMPLETED.
func (r *Relay) CompleteProcessing(ctx context.Context, txn *model.Transaction) error {
	now := r.clock.Now()
	ok, err := r.datasource.TransitionJob(ctx, txn.TransactionID, database.JobChange{
		From:        model.JobProcessing,
		To:          model.JobCompleted,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		logrus.WithField("transaction_id", txn.TransactionID).Warn("transaction left PROCESSING before it could be completed")
		return nil
	}
	r.settleSubmission(ctx, txn)
	return nil
}

// FailProcessing records a failed attempt. The attempt count is incremented in the
// store, so a requeue the watchdog counted in the meantime is kept. Below the attempt
// limit the transaction is queued again; at the limit it becomes FAILED and an alert
// is raised.
func (r *Relay) FailProcessing(ctx context.Context, txn *model.Transaction, cause error) error {
	maxAttempts := r.config.Watchdog.MaxRequeueAttempts
	reason := cause.Error()
	entry := logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"max_attempts":   maxAttempts,
	})

	requeued, err := r.datasource.TransitionJob(ctx, txn.TransactionID, database.JobChange{
		From:                model.JobProcessing,
		To:                  model.JobQueued,
		IncrementAttempts:   true,
		MaxAttempts:         maxAttempts,
		RequireAttemptsLeft: true,
		LastError:           &reason,
	})
	if err != nil {
		return err
	}
	if requeued {
		fresh, err := r.datasource.GetTransaction(ctx, txn.TransactionID)
		if err != nil {
			entry.WithError(err).Error("failed to reload requeued transaction, the watchdog will requeue it")
			return nil
		}
		entry = entry.WithField("attempts", fresh.JobAttempts)
		entry.WithError(cause).Warn("transaction processing failed, requeueing")
		if err := r.queue.EnqueueProcessing(ctx, txn.TransactionID, fresh.JobAttempts); err != nil {
			entry.WithError(err).Error("failed to enqueue processing retry, the watchdog will requeue it")
		}
		return nil
	}

	now := r.clock.Now()
	ok, err := r.datasource.TransitionJob(ctx, txn.TransactionID, database.JobChange{
		From:              model.JobProcessing,
		To:                model.JobFailed,
		IncrementAttempts: true,
		MaxAttempts:       maxAttempts,
		LastError:         &reason,
		CompletedAt:       &now,
	})
	if err != nil || !ok {
		return err
	}
	entry.WithError(cause).Error("transaction processing failed, attempts exhausted")
	notification.NotifyAsync(r.notifier, notification.Alert{
		Event:   "transaction.failed",
		Title:   "Transaction processing failed",
		Message: fmt.Sprintf("transaction %s failed after %d attempts: %s", txn.TransactionID, maxAttempts, reason),
		Fields: map[string]string{
			"transaction_id":  txn.TransactionID,
			"submission_uuid": txn.SubmissionUUID,
			"terminal_id":     txn.TerminalID,
		},
		Time: now,
	})
	r.settleSubmission(ctx, txn)
	return nil
}

// ProcessTransaction is the body of a processing task.
func (r *Relay) ProcessTransaction(ctx context.Context, transactionID string) error {
	ctx, span := tracer.Start(ctx, "ProcessTransaction")
	defer span.End()

	txn, err := r.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.JobStatus != model.JobQueued {
		logrus.WithFields(logrus.Fields{
			"transaction_id": transactionID,
			"job_status":     txn.JobStatus,
		}).Debug("transaction is not queued, skipping")
		return nil
	}

	started, err := r.StartProcessing(ctx, transactionID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	if perr := r.processor.Process(ctx, txn); perr != nil {
		span.RecordError(perr)
		return r.FailProcessing(ctx, txn, perr)
	}
	return r.CompleteProcessing(ctx, txn)
}

// GetTransaction returns a stored transaction.
func (r *Relay) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	return r.datasource.GetTransaction(ctx, transactionID)
}

// settleSubmission marks the transaction's submission PROCESSED once none of its
// transactions can change any more. Failures are logged: the next terminal transition
// of the same submission tries again.
func (r *Relay) settleSubmission(ctx context.Context, txn *model.Transaction) {
	ok, err := r.datasource.MarkSubmissionProcessed(ctx, txn.SubmissionUUID, txn.TerminalID)
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).WithField("submission_uuid", txn.SubmissionUUID).Warn("failed to settle submission")
		return
	}
	if ok {
		logrus.WithField("submission_uuid", txn.SubmissionUUID).Info("submission processed")
	}
}
