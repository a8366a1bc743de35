package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/internal/canonical"
	"github.com/blnkfinance/relay/model"
)

const transactionColumns = `t.transaction_id, t.submission_uuid, t.tenant_id, t.terminal_id, t.transaction_timestamp, t.currency,
	t.base_amount, t.discount_amount, t.tax_amount, t.total_amount, t.adjustments, t.taxes, t.meta_data, t.checksum, t.payload,
	t.validation_status, t.job_status, t.job_attempts, t.last_error, t.created_at, t.completed_at`

func scanTransaction(row rowScanner, extra ...any) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var adjustments, taxes, metaDataJSON, payload []byte
	var completedAt sql.NullTime

	dest := []any{&txn.TransactionID, &txn.SubmissionUUID, &txn.TenantID, &txn.TerminalID, &txn.TransactionTimestamp, &txn.Currency,
		&txn.BaseAmount, &txn.DiscountAmount, &txn.TaxAmount, &txn.TotalAmount, &adjustments, &taxes, &metaDataJSON,
		&txn.TransactionChecksum, &payload, &txn.ValidationStatus, &txn.JobStatus, &txn.JobAttempts, &txn.LastError,
		&txn.CreatedAt, &completedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if completedAt.Valid {
		txn.CompletedAt = model.TimePtr(completedAt.Time)
	}
	if len(adjustments) > 0 {
		if err := json.Unmarshal(adjustments, &txn.Adjustments); err != nil {
			return nil, fmt.Errorf("unmarshal adjustments: %w", err)
		}
	}
	if len(taxes) > 0 {
		if err := json.Unmarshal(taxes, &txn.Taxes); err != nil {
			return nil, fmt.Errorf("unmarshal taxes: %w", err)
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(payload) > 0 {
		txn.Payload = payload
		doc, err := canonical.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if raw, ok := doc.(map[string]any); ok {
			txn.Raw = raw
		}
	}
	return txn, nil
}

func (d Datasource) queryTransactions(ctx context.Context, query string, args ...any) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating transactions", err)
	}
	return txns, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM relay.transactions t WHERE t.transaction_id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) LookupTransactionChecksums(ctx context.Context, ids []string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "Looking up transaction checksums")
	defer span.End()

	found := make(map[string]string)
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, checksum FROM relay.transaction_ids WHERE transaction_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to look up transaction ids", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction id", err)
		}
		found[id] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating transaction ids", err)
	}
	return found, nil
}

// TransitionValidation only applies while the job has not started, so a transaction the
// watchdog already failed stays failed.
func (d Datasource) TransitionValidation(ctx context.Context, id string, from, to model.ValidationStatus, lastError string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Updating transaction validation status")
	defer span.End()

	if err := model.CheckValidationTransition(from, to); err != nil {
		return false, apierror.NewAPIError(apierror.ErrConflict, err.Error(), err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relay.transactions
		SET validation_status = $3, last_error = COALESCE(NULLIF($4, ''), last_error)
		WHERE transaction_id = $1 AND validation_status = $2 AND job_status = ''
	`, id, from, to, lastError)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update validation status", err)
	}
	return affected(result)
}

func (d Datasource) TransitionJob(ctx context.Context, id string, change JobChange) (bool, error) {
	ctx, span := tracer.Start(ctx, "Updating transaction job status")
	defer span.End()

	if err := model.CheckJobTransition(change.From, change.To); err != nil {
		return false, apierror.NewAPIError(apierror.ErrConflict, err.Error(), err)
	}

	sets := []string{"job_status = $3"}
	args := []any{id, change.From, change.To}
	where := "transaction_id = $1 AND job_status = $2"
	switch {
	case change.IncrementAttempts:
		args = append(args, change.MaxAttempts)
		sets = append(sets, fmt.Sprintf("job_attempts = LEAST(job_attempts + 1, $%d)", len(args)))
		if change.RequireAttemptsLeft {
			where += fmt.Sprintf(" AND job_attempts + 1 < $%d", len(args))
		}
	case change.Attempts != nil:
		args = append(args, *change.Attempts)
		sets = append(sets, fmt.Sprintf("job_attempts = $%d", len(args)))
	}
	if change.LastError != nil {
		args = append(args, *change.LastError)
		sets = append(sets, fmt.Sprintf("last_error = $%d", len(args)))
	}
	if change.CompletedAt != nil {
		args = append(args, *change.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE relay.transactions SET %s WHERE %s`, strings.Join(sets, ", "), where)
	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update job status", err)
	}
	return affected(result)
}

func (d Datasource) IncrementRequeueAttempt(ctx context.Context, id string, maxAttempts int) (bool, error) {
	ctx, span := tracer.Start(ctx, "Incrementing requeue attempt")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relay.transactions
		SET job_attempts = job_attempts + 1
		WHERE transaction_id = $1 AND job_status = 'QUEUED' AND job_attempts < $2
	`, id, maxAttempts)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment job attempts", err)
	}
	return affected(result)
}

func (d Datasource) GetRequeueCandidates(ctx context.Context, newerThan, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching requeue candidates")
	defer span.End()

	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM relay.transactions t
		WHERE t.job_status = 'QUEUED' AND t.created_at > $1 AND t.created_at <= $2
		ORDER BY t.created_at ASC
		LIMIT $3
	`, newerThan, olderThan, limit)
}

func (d Datasource) GetTimedOutTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching timed out transactions")
	defer span.End()

	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM relay.transactions t
		WHERE t.created_at <= $1
		AND t.validation_status <> 'INVALID'
		AND t.job_status IN ('', 'QUEUED', 'PROCESSING')
		ORDER BY t.created_at ASC
		LIMIT $2
	`, cutoff, limit)
}

func (d Datasource) GetForwardCandidates(ctx context.Context, target string, now time.Time, limit int) ([]*model.ForwardCandidate, error) {
	ctx, span := tracer.Start(ctx, "Fetching forward candidates")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`,
			f.status, f.attempts, f.max_attempts, f.next_attempt_at, f.last_error, f.created_at, f.updated_at
		FROM relay.transactions t
		LEFT JOIN relay.forward_records f ON f.transaction_id = t.transaction_id AND f.target = $1
		WHERE t.validation_status = 'VALID' AND t.job_status = 'COMPLETED'
		AND (f.transaction_id IS NULL OR (f.status = 'PENDING' AND f.next_attempt_at <= $2))
		AND NOT EXISTS (
			SELECT 1 FROM relay.forward_deliveries fd
			WHERE fd.transaction_id = t.transaction_id AND fd.target = $1
		)
		ORDER BY t.created_at ASC
		LIMIT $3
	`, target, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query forward candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []*model.ForwardCandidate
	for rows.Next() {
		var status, lastError sql.NullString
		var attempts, maxAttempts sql.NullInt64
		var nextAttemptAt, createdAt, updatedAt sql.NullTime

		txn, err := scanTransaction(rows, &status, &attempts, &maxAttempts, &nextAttemptAt, &lastError, &createdAt, &updatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan forward candidate", err)
		}

		candidate := &model.ForwardCandidate{Transaction: txn}
		if status.Valid {
			candidate.Record = &model.ForwardRecord{
				TransactionID: txn.TransactionID,
				Target:        target,
				Status:        model.ForwardStatus(status.String),
				Attempts:      int(attempts.Int64),
				MaxAttempts:   int(maxAttempts.Int64),
				NextAttemptAt: nextAttemptAt.Time,
				LastError:     lastError.String,
				CreatedAt:     createdAt.Time,
				UpdatedAt:     updatedAt.Time,
			}
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating forward candidates", err)
	}
	return candidates, nil
}

func (d Datasource) CountPendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.count(ctx, `SELECT COUNT(*) FROM relay.transactions WHERE validation_status = 'PENDING' AND created_at < $1`, cutoff)
}

func (d Datasource) DeletePendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.delete(ctx, `DELETE FROM relay.transactions WHERE validation_status = 'PENDING' AND created_at < $1`, cutoff)
}

// Failed covers both job failures and transactions rejected by validation.
const failedTransactionsWhere = `(job_status = 'FAILED' OR validation_status = 'INVALID') AND COALESCE(completed_at, created_at) < $1`

func (d Datasource) CountFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.count(ctx, `SELECT COUNT(*) FROM relay.transactions WHERE `+failedTransactionsWhere, cutoff)
}

func (d Datasource) DeleteFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.delete(ctx, `DELETE FROM relay.transactions WHERE `+failedTransactionsWhere, cutoff)
}

func (d Datasource) count(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, span := tracer.Start(ctx, "Counting rows")
	defer span.End()

	var n int64
	if err := d.Conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count rows", err)
	}
	return n, nil
}

func (d Datasource) delete(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, span := tracer.Start(ctx, "Deleting rows")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete rows", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return n, nil
}
