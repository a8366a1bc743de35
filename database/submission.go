package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

func (d Datasource) GetSubmission(ctx context.Context, submissionUUID, terminalID string) (*model.SubmissionEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Fetching submission from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT submission_uuid, terminal_id, tenant_id, transaction_count, checksum, submission_timestamp, submitted_at, status, result, created_at
		FROM relay.submissions
		WHERE submission_uuid = $1 AND terminal_id = $2
	`, submissionUUID, terminalID)

	envelope := &model.SubmissionEnvelope{}
	var submittedAt sql.NullTime
	var resultJSON []byte
	err := row.Scan(&envelope.SubmissionUUID, &envelope.TerminalID, &envelope.TenantID, &envelope.TransactionCount,
		&envelope.SubmissionChecksum, &envelope.SubmissionTime, &submittedAt, &envelope.Status, &resultJSON, &envelope.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission '%s' for terminal '%s' not found", submissionUUID, terminalID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submission", err)
	}
	if submittedAt.Valid {
		envelope.SubmittedAt = submittedAt.Time
	}

	if len(resultJSON) > 0 {
		var result model.AdmissionResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal admission result", err)
		}
		envelope.Result = &result
	}

	return envelope, nil
}

func (d Datasource) CreateSubmission(ctx context.Context, envelope *model.SubmissionEnvelope, txns []*model.Transaction) error {
	ctx, span := tracer.Start(ctx, "Saving submission to db")
	defer span.End()

	resultJSON, err := json.Marshal(envelope.Result)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal admission result", err)
	}

	var submittedAt sql.NullTime
	if !envelope.SubmittedAt.IsZero() {
		submittedAt = sql.NullTime{Time: envelope.SubmittedAt, Valid: true}
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relay.submissions(submission_uuid, terminal_id, tenant_id, transaction_count, checksum, submission_timestamp, submitted_at, status, result, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, envelope.SubmissionUUID, envelope.TerminalID, envelope.TenantID, envelope.TransactionCount, envelope.SubmissionChecksum,
			envelope.SubmissionTime, submittedAt, envelope.Status, resultJSON, envelope.CreatedAt)
		if err != nil {
			if IsUniqueViolation(err) {
				return apierror.NewAPIError(apierror.ErrConflict, "Submission already exists", err)
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record submission", err)
		}

		for _, txn := range txns {
			if err := insertTransaction(ctx, tx, txn); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO relay.transaction_ids(transaction_id, checksum, first_seen_at) VALUES ($1, $2, $3)
	`, txn.TransactionID, txn.TransactionChecksum, txn.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already exists", txn.TransactionID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction id", err)
	}

	adjustments, err := json.Marshal(nonNil(txn.Adjustments))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal adjustments", err)
	}
	taxes, err := json.Marshal(nonNil(txn.Taxes))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal taxes", err)
	}
	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relay.transactions(transaction_id, submission_uuid, tenant_id, terminal_id, transaction_timestamp, currency,
			base_amount, discount_amount, tax_amount, total_amount, adjustments, taxes, meta_data, checksum, payload,
			validation_status, job_status, job_attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, txn.TransactionID, txn.SubmissionUUID, txn.TenantID, txn.TerminalID, txn.TransactionTimestamp, txn.Currency,
		txn.BaseAmount, txn.DiscountAmount, txn.TaxAmount, txn.TotalAmount, adjustments, taxes, metaDataJSON,
		txn.TransactionChecksum, []byte(txn.Payload), txn.ValidationStatus, txn.JobStatus, txn.JobAttempts, txn.LastError, txn.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already exists", txn.TransactionID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}
	return nil
}

// MarkSubmissionProcessed only succeeds once no transaction of the envelope is still in flight.
func (d Datasource) MarkSubmissionProcessed(ctx context.Context, submissionUUID, terminalID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Marking submission processed")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relay.submissions s
		SET status = 'PROCESSED'
		WHERE s.submission_uuid = $1 AND s.terminal_id = $2 AND s.status = 'RECEIVED'
		AND NOT EXISTS (
			SELECT 1 FROM relay.transactions t
			WHERE t.submission_uuid = s.submission_uuid AND t.terminal_id = s.terminal_id
			AND t.validation_status <> 'INVALID' AND t.job_status NOT IN ('COMPLETED', 'FAILED')
		)
	`, submissionUUID, terminalID)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update submission status", err)
	}
	return affected(result)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return n > 0, nil
}
