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

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/api/middleware"
	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/database/mocks"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/internal/canonical"
	"github.com/blnkfinance/relay/model"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		if err := json.NewDecoder(resp.Body).Decode(s.Response); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "relay-api-test",
		Watchdog:    config.WatchdogConfig{RequeueAfterMinutes: 10, MaxPendingMinutes: 60, MaxRequeueAttempts: 3, BatchSize: 10},
		Forwarding: config.ForwardingConfig{
			TargetService: config.DEFAULT_TARGET_SERVICE,
			Url:           "http://downstream.test/transactions",
			MaxAttempts:   3,
			Workers:       1,
		},
		Breaker:   config.BreakerConfig{FailureThreshold: 3, CooldownSeconds: 300, BackoffMultiplier: 2},
		Retention: config.RetentionConfig{RetainFailedDays: 30, RetainPendingMinutes: 1440, CleanupCompletedAfterDays: 7, CleanupFailedAfterDays: 30},
		Schedule:  config.ScheduleConfig{LockTTLSeconds: 60},
	}
}

func setupRouter(t *testing.T, cfg *config.Configuration) (*gin.Engine, *mocks.MockDataSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ds := new(mocks.MockDataSource)
	r := relay.New(cfg, ds)
	return NewAPI(r).Router(), ds
}

// signedSubmission builds a request body the way a terminal does: every transaction
// and the envelope carry the checksum of their own document.
func signedSubmission(t *testing.T) (map[string]any, string) {
	t.Helper()
	txnID := uuid.NewString()
	txn := map[string]any{
		"transaction_id":        txnID,
		"transaction_timestamp": time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		"currency":              "USD",
		"base_amount":           gofakeit.Price(1, 500),
		"items":                 []any{map[string]any{"sku": gofakeit.Numerify("SKU-####"), "qty": 2}},
	}
	sum, err := canonical.Checksum(txn)
	require.NoError(t, err)
	txn["payload_checksum"] = sum

	body := map[string]any{
		"submission_uuid":      uuid.NewString(),
		"tenant_id":            gofakeit.Numerify("####"),
		"terminal_id":          "T-" + gofakeit.Numerify("###"),
		"submission_timestamp": time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		"transaction_count":    1,
		"transactions":         []any{txn},
	}
	sum, err = canonical.Checksum(body)
	require.NoError(t, err)
	body["payload_checksum"] = sum
	return body, txnID
}

func encode(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func notFound() error {
	return apierror.NewAPIError(apierror.ErrNotFound, "not found", nil)
}

func TestCreateSubmission(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	body, txnID := signedSubmission(t)

	ds.On("GetSubmission", mock.Anything, body["submission_uuid"], body["terminal_id"]).Return(nil, notFound()).Once()
	ds.On("LookupTransactionChecksums", mock.Anything, []string{txnID}).Return(map[string]string{}, nil)
	ds.On("CreateSubmission", mock.Anything, mock.MatchedBy(func(env *model.SubmissionEnvelope) bool {
		return env.Status == model.SubmissionReceived && env.Result != nil
	}), mock.MatchedBy(func(txns []*model.Transaction) bool {
		return len(txns) == 1 && txns[0].TransactionID == txnID && txns[0].ValidationStatus == model.ValidationPending
	})).Return(nil)

	var result model.AdmissionResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  encode(t, body),
		Router:   router,
		Response: &result,
		Method:   http.MethodPost,
		Route:    "/submissions",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, []string{txnID}, result.Accepted)
	assert.False(t, result.Replayed)
	ds.AssertExpectations(t)
}

func TestCreateSubmission_ReplayReturnsRecordedResult(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	body, txnID := signedSubmission(t)

	recorded := &model.AdmissionResult{
		SubmissionUUID:   body["submission_uuid"].(string),
		TerminalID:       body["terminal_id"].(string),
		Status:           model.SubmissionReceived,
		TransactionCount: 1,
		Accepted:         []string{txnID},
		AlreadyAdmitted:  []string{},
	}
	ds.On("GetSubmission", mock.Anything, recorded.SubmissionUUID, recorded.TerminalID).
		Return(&model.SubmissionEnvelope{SubmissionUUID: recorded.SubmissionUUID, TerminalID: recorded.TerminalID, Result: recorded}, nil)

	var result model.AdmissionResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  encode(t, body),
		Router:   router,
		Response: &result,
		Method:   http.MethodPost,
		Route:    "/submissions",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, result.Replayed)
	assert.Equal(t, []string{txnID}, result.Accepted)
	ds.AssertNotCalled(t, "CreateSubmission", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateSubmission_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(body map[string]any)
		raw        string
		wantStatus int
		wantCode   apierror.ErrorCode
	}{
		{
			name:       "malformed json",
			raw:        `{"submission_uuid": `,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidInput,
		},
		{
			name:       "unbounded exponent",
			raw:        `{"submission_uuid":"x","transactions":[{"base_amount":1e50000000}]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidInput,
		},
		{
			name: "tampered envelope",
			mutate: func(body map[string]any) {
				body["tenant_id"] = "someone-else"
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apierror.ErrChecksumMismatch,
		},
		{
			name: "tampered transaction",
			mutate: func(body map[string]any) {
				txn := body["transactions"].([]any)[0].(map[string]any)
				txn["base_amount"] = 0.01
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apierror.ErrChecksumMismatch,
		},
		{
			name: "not a v4 uuid",
			mutate: func(body map[string]any) {
				body["submission_uuid"] = "12345"
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidInput,
		},
		{
			name: "count mismatch",
			mutate: func(body map[string]any) {
				body["transaction_count"] = 3
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, ds := setupRouter(t, testConfig())

			var payload io.Reader
			if tt.raw != "" {
				payload = bytes.NewBufferString(tt.raw)
			} else {
				body, _ := signedSubmission(t)
				tt.mutate(body)
				payload = encode(t, body)
			}

			var resp map[string]any
			rec, err := SetUpTestRequest(TestRequest{
				Payload:  payload,
				Router:   router,
				Response: &resp,
				Method:   http.MethodPost,
				Route:    "/submissions",
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, string(tt.wantCode), resp["code"])
			assert.NotEmpty(t, resp["error"])
			ds.AssertNotCalled(t, "CreateSubmission", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCreateSubmission_ReusedTransactionIDConflicts(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	body, txnID := signedSubmission(t)

	ds.On("GetSubmission", mock.Anything, mock.Anything, mock.Anything).Return(nil, notFound())
	ds.On("LookupTransactionChecksums", mock.Anything, []string{txnID}).
		Return(map[string]string{txnID: "0000000000000000000000000000000000000000000000000000000000000000"}, nil)

	var resp map[string]any
	rec, err := SetUpTestRequest(TestRequest{
		Payload:  encode(t, body),
		Router:   router,
		Response: &resp,
		Method:   http.MethodPost,
		Route:    "/submissions",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apierror.ErrConflict), resp["code"])
}

func TestGetSubmission(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	subUUID := uuid.NewString()
	ds.On("GetSubmission", mock.Anything, subUUID, "T-1").Return(&model.SubmissionEnvelope{
		SubmissionUUID:   subUUID,
		TerminalID:       "T-1",
		Status:           model.SubmissionProcessed,
		TransactionCount: 2,
	}, nil)
	ds.On("GetSubmission", mock.Anything, mock.Anything, mock.Anything).Return(nil, notFound())

	var result model.AdmissionResult
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &result,
		Method:   http.MethodGet,
		Route:    "/submissions/T-1/" + subUUID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.SubmissionProcessed, result.Status)

	resp, err = SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/submissions/T-2/" + subUUID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetTransaction(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	txnID := uuid.NewString()
	ds.On("GetTransaction", mock.Anything, txnID).Return(&model.Transaction{
		TransactionID:    txnID,
		ValidationStatus: model.ValidationValid,
		JobStatus:        model.JobCompleted,
	}, nil)
	ds.On("GetTransaction", mock.Anything, "missing").Return(nil, notFound())
	ds.On("GetTransaction", mock.Anything, "broken").Return(nil, errors.New("pq: connection reset"))

	var txn model.Transaction
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &txn, Method: http.MethodGet, Route: "/transactions/" + txnID})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.JobCompleted, txn.JobStatus)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/transactions/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	var body map[string]any
	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &body, Method: http.MethodGet, Route: "/transactions/broken"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, body["error"], "pq:", "storage details are not exposed")
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router, ds := setupRouter(t, testConfig())
		ds.On("Ping", mock.Anything).Return(nil)
		ds.On("CountPendingTransactionsBefore", mock.Anything, mock.Anything).Return(int64(0), nil)
		ds.On("CountExhaustedForwardRecords", mock.Anything, config.DEFAULT_TARGET_SERVICE).Return(int64(0), nil)
		ds.On("GetBreaker", mock.Anything, config.DEFAULT_TARGET_SERVICE).Return(&model.CircuitBreakerState{
			ServiceName: config.DEFAULT_TARGET_SERVICE,
			Status:      model.BreakerClosed,
		}, nil)

		var report relay.HealthReport
		resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &report, Method: http.MethodGet, Route: "/health"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, relay.HealthStatusHealthy, report.Status)
	})

	t.Run("database down", func(t *testing.T) {
		router, ds := setupRouter(t, testConfig())
		ds.On("Ping", mock.Anything).Return(errors.New("connection refused"))

		var report relay.HealthReport
		resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &report, Method: http.MethodGet, Route: "/health"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
		assert.Equal(t, relay.HealthStatusDegraded, report.Status)
	})
}

func TestCircuitBreakerRoutes(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	now := time.Now().UTC()
	cooldown := now.Add(time.Minute)
	open := &model.CircuitBreakerState{
		ServiceName:      config.DEFAULT_TARGET_SERVICE,
		Status:           model.BreakerOpen,
		FailureCount:     3,
		FailureThreshold: 3,
		OpenedAt:         &now,
		CooldownUntil:    &cooldown,
		Version:          2,
	}
	ds.On("GetBreaker", mock.Anything, config.DEFAULT_TARGET_SERVICE).Return(open, nil)
	ds.On("SwapBreaker", mock.Anything, mock.MatchedBy(func(next *model.CircuitBreakerState) bool {
		return next.Status == model.BreakerClosed && next.FailureCount == 0
	}), int64(2)).Return(true, nil)

	var state model.CircuitBreakerState
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &state, Method: http.MethodGet, Route: "/circuit-breakers/downstream"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.BreakerOpen, state.Status)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &state, Method: http.MethodPost, Route: "/circuit-breakers/downstream/reset"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.BreakerClosed, state.Status)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/circuit-breakers/ledger"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRetryForwardRecordRoute(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	ds.On("ResetForwardRecord", mock.Anything, "txn-1", config.DEFAULT_TARGET_SERVICE, mock.Anything).Return(true, nil)
	ds.On("GetForwardRecord", mock.Anything, "txn-1", config.DEFAULT_TARGET_SERVICE).Return(&model.ForwardRecord{
		TransactionID: "txn-1",
		Target:        config.DEFAULT_TARGET_SERVICE,
		Status:        model.ForwardPending,
	}, nil)
	ds.On("ResetForwardRecord", mock.Anything, "txn-2", config.DEFAULT_TARGET_SERVICE, mock.Anything).Return(false, nil)
	ds.On("GetForwardRecord", mock.Anything, "txn-2", config.DEFAULT_TARGET_SERVICE).Return(&model.ForwardRecord{
		TransactionID: "txn-2",
		Target:        config.DEFAULT_TARGET_SERVICE,
		Status:        model.ForwardCompleted,
	}, nil)

	var rec model.ForwardRecord
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &rec, Method: http.MethodPost, Route: "/forward-records/txn-1/retry"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.ForwardPending, rec.Status)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: "/forward-records/txn-2/retry"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestRunJobRoute(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	ds.On("CountFailedTransactionsBefore", mock.Anything, mock.Anything).Return(int64(0), nil)
	ds.On("CountPendingTransactionsBefore", mock.Anything, mock.Anything).Return(int64(0), nil)

	var body map[string]any
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &body, Method: http.MethodPost, Route: "/jobs/pruner/run"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "pruner", body["job"])

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: "/jobs/reindex/run"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestOperatorRoutesRequireSecretKey(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Secure = true
	cfg.Server.SecretKey = "operator-key"
	router, ds := setupRouter(t, cfg)
	ds.On("GetBreaker", mock.Anything, config.DEFAULT_TARGET_SERVICE).Return(&model.CircuitBreakerState{
		ServiceName: config.DEFAULT_TARGET_SERVICE,
		Status:      model.BreakerClosed,
	}, nil)

	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/circuit-breakers/downstream"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/circuit-breakers/downstream",
		Header: map[string]string{middleware.SecretKeyHeader: "operator-key"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}
