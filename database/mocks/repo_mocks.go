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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Submission methods

func (m *MockDataSource) GetSubmission(ctx context.Context, submissionUUID, terminalID string) (*model.SubmissionEnvelope, error) {
	args := m.Called(ctx, submissionUUID, terminalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SubmissionEnvelope), args.Error(1)
}

func (m *MockDataSource) CreateSubmission(ctx context.Context, envelope *model.SubmissionEnvelope, txns []*model.Transaction) error {
	args := m.Called(ctx, envelope, txns)
	return args.Error(0)
}

func (m *MockDataSource) MarkSubmissionProcessed(ctx context.Context, submissionUUID, terminalID string) (bool, error) {
	args := m.Called(ctx, submissionUUID, terminalID)
	return args.Bool(0), args.Error(1)
}

// Transaction methods

func (m *MockDataSource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockDataSource) LookupTransactionChecksums(ctx context.Context, ids []string) (map[string]string, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockDataSource) TransitionValidation(ctx context.Context, id string, from, to model.ValidationStatus, lastError string) (bool, error) {
	args := m.Called(ctx, id, from, to, lastError)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) TransitionJob(ctx context.Context, id string, change database.JobChange) (bool, error) {
	args := m.Called(ctx, id, change)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) IncrementRequeueAttempt(ctx context.Context, id string, maxAttempts int) (bool, error) {
	args := m.Called(ctx, id, maxAttempts)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetRequeueCandidates(ctx context.Context, newerThan, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, newerThan, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetTimedOutTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetForwardCandidates(ctx context.Context, target string, now time.Time, limit int) ([]*model.ForwardCandidate, error) {
	args := m.Called(ctx, target, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ForwardCandidate), args.Error(1)
}

func (m *MockDataSource) CountPendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DeletePendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DeleteFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// Forward record methods

func (m *MockDataSource) GetForwardRecord(ctx context.Context, transactionID, target string) (*model.ForwardRecord, error) {
	args := m.Called(ctx, transactionID, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ForwardRecord), args.Error(1)
}

func (m *MockDataSource) UpsertForwardRecord(ctx context.Context, record *model.ForwardRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDataSource) ResetForwardRecord(ctx context.Context, transactionID, target string, now time.Time) (bool, error) {
	args := m.Called(ctx, transactionID, target, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CountExhaustedForwardRecords(ctx context.Context, target string) (int64, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DeleteCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DeleteExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// Circuit breaker methods

func (m *MockDataSource) GetBreaker(ctx context.Context, serviceName string) (*model.CircuitBreakerState, error) {
	args := m.Called(ctx, serviceName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CircuitBreakerState), args.Error(1)
}

func (m *MockDataSource) CreateBreaker(ctx context.Context, state *model.CircuitBreakerState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDataSource) SwapBreaker(ctx context.Context, next *model.CircuitBreakerState, expectedVersion int64) (bool, error) {
	args := m.Called(ctx, next, expectedVersion)
	return args.Bool(0), args.Error(1)
}
