package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

func (d Datasource) GetForwardRecord(ctx context.Context, transactionID, target string) (*model.ForwardRecord, error) {
	ctx, span := tracer.Start(ctx, "Fetching forward record from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT transaction_id, target, status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at, completed_at
		FROM relay.forward_records
		WHERE transaction_id = $1 AND target = $2
	`, transactionID, target)

	record := &model.ForwardRecord{}
	var completedAt sql.NullTime
	err := row.Scan(&record.TransactionID, &record.Target, &record.Status, &record.Attempts, &record.MaxAttempts,
		&record.NextAttemptAt, &record.LastError, &record.CreatedAt, &record.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Forward record for transaction '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve forward record", err)
	}
	if completedAt.Valid {
		record.CompletedAt = model.TimePtr(completedAt.Time)
	}
	return record, nil
}

const upsertForwardRecordQuery = `
		INSERT INTO relay.forward_records(transaction_id, target, status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_id, target) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE relay.forward_records.status <> 'COMPLETED'
	`

// UpsertForwardRecord leaves a COMPLETED row untouched, so a transaction is completed at
// most once per target. Completing a record also writes the delivery marker that keeps
// the transaction out of forwarding after the record itself is pruned.
func (d Datasource) UpsertForwardRecord(ctx context.Context, record *model.ForwardRecord) error {
	ctx, span := tracer.Start(ctx, "Saving forward record to db")
	defer span.End()

	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *record.CompletedAt, Valid: true}
	}
	args := []interface{}{record.TransactionID, record.Target, record.Status, record.Attempts, record.MaxAttempts, record.NextAttemptAt,
		record.LastError, record.CreatedAt, record.UpdatedAt, completedAt}

	if record.Status != model.ForwardCompleted {
		if _, err := d.Conn.ExecContext(ctx, upsertForwardRecordQuery, args...); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save forward record", err)
		}
		return nil
	}

	deliveredAt := record.UpdatedAt
	if record.CompletedAt != nil {
		deliveredAt = *record.CompletedAt
	}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relay.forward_deliveries(transaction_id, target, delivered_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (transaction_id, target) DO NOTHING
		`, record.TransactionID, record.Target, deliveredAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, upsertForwardRecordQuery, args...)
		return err
	})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save forward record", err)
	}
	return nil
}

func (d Datasource) ResetForwardRecord(ctx context.Context, transactionID, target string, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "Resetting forward record")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relay.forward_records
		SET status = 'PENDING', attempts = 0, next_attempt_at = $3, last_error = '', updated_at = $3
		WHERE transaction_id = $1 AND target = $2 AND status = 'FAILED'
	`, transactionID, target, now)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset forward record", err)
	}
	return affected(result)
}

func (d Datasource) CountExhaustedForwardRecords(ctx context.Context, target string) (int64, error) {
	return d.count(ctx, `SELECT COUNT(*) FROM relay.forward_records WHERE target = $1 AND status = 'FAILED' AND attempts >= max_attempts`, target)
}

func (d Datasource) CountCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.count(ctx, `SELECT COUNT(*) FROM relay.forward_records WHERE status = 'COMPLETED' AND completed_at < $1`, cutoff)
}

func (d Datasource) DeleteCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.delete(ctx, `DELETE FROM relay.forward_records WHERE status = 'COMPLETED' AND completed_at < $1`, cutoff)
}

func (d Datasource) CountExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.count(ctx, `SELECT COUNT(*) FROM relay.forward_records WHERE status = 'FAILED' AND attempts >= max_attempts AND updated_at < $1`, cutoff)
}

func (d Datasource) DeleteExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.delete(ctx, `DELETE FROM relay.forward_records WHERE status = 'FAILED' AND attempts >= max_attempts AND updated_at < $1`, cutoff)
}
