package database

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

var breakerColumns = []string{"service_name", "status", "failure_count", "failure_threshold", "trip_count", "reopen_count",
	"last_failure_at", "cooldown_until", "opened_at", "total_open_seconds", "version", "updated_at"}

func TestGetBreaker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(breakerColumns).
		AddRow("downstream", "OPEN", 5, 5, 1, 0, now, now.Add(5*time.Minute), now, 0, 7, now)
	mock.ExpectQuery("FROM relay.circuit_breakers").WithArgs("downstream").WillReturnRows(rows)

	state, err := ds.GetBreaker(context.Background(), "downstream")
	require.NoError(t, err)
	assert.Equal(t, model.BreakerOpen, state.Status)
	assert.Equal(t, 5, state.FailureCount)
	assert.EqualValues(t, 7, state.Version)
	require.NotNil(t, state.CooldownUntil)
	assert.True(t, state.CooldownUntil.After(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBreaker_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("FROM relay.circuit_breakers").WillReturnRows(sqlmock.NewRows(breakerColumns))

	_, err = ds.GetBreaker(context.Background(), "downstream")
	assert.True(t, apierror.IsNotFound(err))
}

func TestCreateBreaker_IgnoresExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectExec("ON CONFLICT \\(service_name\\) DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.CreateBreaker(context.Background(), &model.CircuitBreakerState{
		ServiceName: "downstream", Status: model.BreakerClosed, FailureThreshold: 5, UpdatedAt: time.Now(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapBreaker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	next := &model.CircuitBreakerState{
		ServiceName: "downstream", Status: model.BreakerClosed, FailureThreshold: 5, Version: 3, UpdatedAt: now,
	}

	anyArgs := make([]driver.Value, 0, 12)
	anyArgs = append(anyArgs, "downstream", int64(3))
	for i := 0; i < 10; i++ {
		anyArgs = append(anyArgs, sqlmock.AnyArg())
	}

	mock.ExpectExec("WHERE service_name = \\$1 AND version = \\$2").WithArgs(anyArgs...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("WHERE service_name = \\$1 AND version = \\$2").WithArgs(anyArgs...).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := ds.SwapBreaker(context.Background(), next, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 4, next.Version)

	stale := next.Clone()
	ok, err = ds.SwapBreaker(context.Background(), stale, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 4, stale.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
