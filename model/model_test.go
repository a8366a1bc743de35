package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/relay/internal/canonical"
)

func TestIsUUIDv4(t *testing.T) {
	assert.True(t, IsUUIDv4("3b241101-e2bb-4255-8caf-4136c566a962"))
	assert.False(t, IsUUIDv4("3b241101-e2bb-1255-8caf-4136c566a962"), "version 1 is not accepted")
	assert.False(t, IsUUIDv4("3b241101e2bb42558caf4136c566a962"), "unhyphenated form is not accepted")
	assert.False(t, IsUUIDv4("3b241101-e2bb-4255-8caf-4136c566a96r"), "look-alike characters are not repaired")
	assert.False(t, IsUUIDv4("S1"))
}

func TestParseUTCTimestamp(t *testing.T) {
	ts, ok := ParseUTCTimestamp("2024-05-01T10:00:00.123Z")
	require.True(t, ok)
	assert.Equal(t, 123*time.Millisecond, time.Duration(ts.Nanosecond()))

	_, ok = ParseUTCTimestamp("2024-05-01T10:00:00+01:00")
	assert.False(t, ok)
	_, ok = ParseUTCTimestamp("yesterday Z")
	assert.False(t, ok)
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransitionJob(JobUnset, JobQueued))
	assert.True(t, CanTransitionJob(JobQueued, JobProcessing))
	assert.True(t, CanTransitionJob(JobProcessing, JobCompleted))
	assert.True(t, CanTransitionJob(JobProcessing, JobQueued))
	assert.True(t, CanTransitionJob(JobQueued, JobFailed))

	for _, terminal := range []JobStatus{JobCompleted, JobFailed} {
		for _, to := range []JobStatus{JobQueued, JobProcessing, JobCompleted, JobFailed} {
			assert.False(t, CanTransitionJob(terminal, to), "%s must be a sink", terminal)
		}
	}

	err := CheckJobTransition(JobCompleted, JobQueued)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Contains(t, err.Error(), "COMPLETED -> QUEUED")
}

func TestValidationTransitions(t *testing.T) {
	assert.NoError(t, CheckValidationTransition(ValidationPending, ValidationValid))
	assert.NoError(t, CheckValidationTransition(ValidationPending, ValidationInvalid))
	assert.ErrorIs(t, CheckValidationTransition(ValidationInvalid, ValidationValid), ErrIllegalTransition)
	assert.ErrorIs(t, CheckValidationTransition(ValidationValid, ValidationInvalid), ErrIllegalTransition)
}

func TestForwardAndBreakerTransitions(t *testing.T) {
	assert.NoError(t, CheckForwardTransition(ForwardPending, ForwardCompleted))
	assert.NoError(t, CheckForwardTransition(ForwardFailed, ForwardPending))
	assert.ErrorIs(t, CheckForwardTransition(ForwardCompleted, ForwardPending), ErrIllegalTransition)

	assert.NoError(t, CheckBreakerTransition(BreakerClosed, BreakerOpen))
	assert.NoError(t, CheckBreakerTransition(BreakerOpen, BreakerHalfOpen))
	assert.NoError(t, CheckBreakerTransition(BreakerHalfOpen, BreakerClosed))
	assert.ErrorIs(t, CheckBreakerTransition(BreakerClosed, BreakerHalfOpen), ErrIllegalTransition)
}

func TestParseSubmission(t *testing.T) {
	body := []byte(`{
		"submission_uuid": "9b2a1c64-8f7e-4c2b-9d3a-1e5f6a7b8c9d",
		"tenant_id": 12,
		"terminal_id": 7,
		"submission_timestamp": "2024-05-01T10:00:00Z",
		"transaction_count": 1,
		"payload_checksum": "abc",
		"transactions": [{
			"transaction_id": "0d9c8b7a-6f5e-4d3c-8b2a-1f0e9d8c7b6a",
			"transaction_timestamp": "2024-05-01T09:59:00Z",
			"base_amount": 100.0,
			"adjustments": [],
			"taxes": [{"name": "vat", "rate": "7.5", "amount": 7.5}],
			"register_label": "front",
			"payload_checksum": "def"
		}]
	}`)

	sub, err := ParseSubmission(body)
	require.NoError(t, err)

	assert.Equal(t, "12", sub.Envelope.TenantID)
	assert.Equal(t, "7", sub.Envelope.TerminalID)
	assert.Equal(t, "abc", sub.Envelope.SubmissionChecksum)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), sub.Envelope.SubmittedAt)
	require.Len(t, sub.Transactions, 1)

	txn := sub.Transactions[0]
	assert.Equal(t, "def", txn.TransactionChecksum)
	assert.Equal(t, "7", txn.TerminalID)
	assert.Equal(t, "100", txn.BaseAmount.String())
	require.NotNil(t, txn.Raw)
	assert.Equal(t, "front", txn.Raw["register_label"], "unmodelled fields are kept for checksums")

	encoded, err := canonical.Canonicalize(txn)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"register_label":"front"`)
	assert.NotContains(t, string(encoded), "payload_checksum")
}

func TestParseSubmission_InvalidBody(t *testing.T) {
	_, err := ParseSubmission([]byte(`[1,2,3]`))
	assert.Error(t, err)
	_, err = ParseSubmission([]byte(`{"terminal_id": {"x": 1}}`))
	assert.Error(t, err)
}

func TestParseSubmission_RejectsUnboundedAmount(t *testing.T) {
	body := `{"submission_uuid":"` + uuid.NewString() + `","transactions":[{"transaction_id":"` + uuid.NewString() + `","base_amount":1e50000000}]}`
	_, err := ParseSubmission([]byte(body))
	assert.ErrorIs(t, err, canonical.ErrUnsupportedType)
}

func TestTransactionCanonicalValue_TypedFields(t *testing.T) {
	txn := &Transaction{TransactionID: "T1"}
	txn.BaseAmount = txn.BaseAmount.Add(decimalFromString(t, "100.0"))

	encoded, err := canonical.Canonicalize(txn)
	require.NoError(t, err)
	assert.Equal(t, `{"base_amount":100,"transaction_id":"T1"}`, string(encoded))
}

func TestCircuitBreakerState_Downtime(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-90 * time.Second)
	s := &CircuitBreakerState{Status: BreakerOpen, OpenedAt: &opened, TotalOpenSeconds: 30}
	assert.Equal(t, 120*time.Second, s.Downtime(now))

	s.Status = BreakerClosed
	assert.Equal(t, 30*time.Second, s.Downtime(now))

	clone := s.Clone()
	*clone.OpenedAt = now
	assert.Equal(t, opened, *s.OpenedAt, "clone must not share time pointers")
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
