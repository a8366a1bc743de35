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

func (d Datasource) GetBreaker(ctx context.Context, serviceName string) (*model.CircuitBreakerState, error) {
	ctx, span := tracer.Start(ctx, "Fetching circuit breaker from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT service_name, status, failure_count, failure_threshold, trip_count, reopen_count, last_failure_at,
			cooldown_until, opened_at, total_open_seconds, version, updated_at
		FROM relay.circuit_breakers
		WHERE service_name = $1
	`, serviceName)

	state := &model.CircuitBreakerState{}
	var lastFailureAt, cooldownUntil, openedAt sql.NullTime
	err := row.Scan(&state.ServiceName, &state.Status, &state.FailureCount, &state.FailureThreshold, &state.TripCount,
		&state.ReopenCount, &lastFailureAt, &cooldownUntil, &openedAt, &state.TotalOpenSeconds, &state.Version, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Circuit breaker for '%s' not found", serviceName), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve circuit breaker", err)
	}
	state.LastFailureAt = fromNullTime(lastFailureAt)
	state.CooldownUntil = fromNullTime(cooldownUntil)
	state.OpenedAt = fromNullTime(openedAt)
	return state, nil
}

func (d Datasource) CreateBreaker(ctx context.Context, state *model.CircuitBreakerState) error {
	ctx, span := tracer.Start(ctx, "Creating circuit breaker")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO relay.circuit_breakers(service_name, status, failure_count, failure_threshold, trip_count, reopen_count,
			last_failure_at, cooldown_until, opened_at, total_open_seconds, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (service_name) DO NOTHING
	`, state.ServiceName, state.Status, state.FailureCount, state.FailureThreshold, state.TripCount, state.ReopenCount,
		toNullTime(state.LastFailureAt), toNullTime(state.CooldownUntil), toNullTime(state.OpenedAt), state.TotalOpenSeconds,
		state.Version, state.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create circuit breaker", err)
	}
	return nil
}

// SwapBreaker bumps the version on success and reports false when another writer got there first.
func (d Datasource) SwapBreaker(ctx context.Context, next *model.CircuitBreakerState, expectedVersion int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "Swapping circuit breaker state")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relay.circuit_breakers
		SET status = $3, failure_count = $4, failure_threshold = $5, trip_count = $6, reopen_count = $7,
			last_failure_at = $8, cooldown_until = $9, opened_at = $10, total_open_seconds = $11,
			updated_at = $12, version = version + 1
		WHERE service_name = $1 AND version = $2
	`, next.ServiceName, expectedVersion, next.Status, next.FailureCount, next.FailureThreshold, next.TripCount,
		next.ReopenCount, toNullTime(next.LastFailureAt), toNullTime(next.CooldownUntil), toNullTime(next.OpenedAt),
		next.TotalOpenSeconds, next.UpdatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update circuit breaker", err)
	}

	swapped, err := affected(result)
	if err != nil {
		return false, err
	}
	if swapped {
		next.Version = expectedVersion + 1
	}
	return swapped, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return model.TimePtr(t.Time)
}
