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
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/internal/cache"
	"github.com/blnkfinance/relay/internal/canonical"
	"github.com/blnkfinance/relay/model"
)

const admissionCacheTTL = 24 * time.Hour

var checksumPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

func admissionCacheKey(terminalID, submissionUUID string) string {
	return fmt.Sprintf("relay:admission:%s:%s", terminalID, submissionUUID)
}

// Admit verifies and records a submission exactly once.
//
// A submission already seen for the same (submission_uuid, terminal_id) returns the
// result recorded the first time with Replayed set. Transactions already admitted with
// the same checksum are reported as already admitted and are not stored again; a
// transaction id admitted with a different checksum rejects the whole submission.
func (r *Relay) Admit(ctx context.Context, sub *model.Submission) (*model.AdmissionResult, error) {
	ctx, span := tracer.Start(ctx, "Admit")
	defer span.End()

	if sub == nil {
		return nil, invalidSubmission("submission is required")
	}
	if err := validateSubmission(sub); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := verifyChecksums(sub); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result, err := r.admit(ctx, sub)
	if err != nil && database.IsUniqueViolation(err) {
		// Another instance stored an overlapping submission between our lookups and
		// the insert. Resolve against what it wrote.
		logrus.WithFields(logrus.Fields{
			"submission_uuid": sub.Envelope.SubmissionUUID,
			"terminal_id":     sub.Envelope.TerminalID,
		}).Info("concurrent admission detected, re-resolving")
		result, err = r.admit(ctx, sub)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (r *Relay) admit(ctx context.Context, sub *model.Submission) (*model.AdmissionResult, error) {
	env := &sub.Envelope

	recorded, err := r.recordedAdmission(ctx, env.SubmissionUUID, env.TerminalID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		replay := *recorded
		replay.Replayed = true
		logrus.WithFields(logrus.Fields{
			"submission_uuid": env.SubmissionUUID,
			"terminal_id":     env.TerminalID,
		}).Info("duplicate submission, returning recorded result")
		return &replay, nil
	}

	ids := make([]string, 0, len(sub.Transactions))
	for _, txn := range sub.Transactions {
		ids = append(ids, txn.TransactionID)
	}
	known, err := r.datasource.LookupTransactionChecksums(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	result := &model.AdmissionResult{
		SubmissionUUID:   env.SubmissionUUID,
		TenantID:         env.TenantID,
		TerminalID:       env.TerminalID,
		Status:           model.SubmissionReceived,
		TransactionCount: len(sub.Transactions),
		Accepted:         []string{},
		AlreadyAdmitted:  []string{},
		AdmittedAt:       now,
	}

	fresh := make([]*model.Transaction, 0, len(sub.Transactions))
	for _, txn := range sub.Transactions {
		if stored, ok := known[txn.TransactionID]; ok {
			if !strings.EqualFold(stored, strings.TrimSpace(txn.TransactionChecksum)) {
				logrus.WithFields(logrus.Fields{
					"submission_uuid": env.SubmissionUUID,
					"transaction_id":  txn.TransactionID,
				}).Warn("transaction id reused with a different payload")
				return nil, duplicateConflict(txn.TransactionID)
			}
			result.AlreadyAdmitted = append(result.AlreadyAdmitted, txn.TransactionID)
			continue
		}

		row, err := newTransactionRow(txn, env, now)
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, row)
		result.Accepted = append(result.Accepted, txn.TransactionID)
	}
	if len(fresh) == 0 {
		result.Status = model.SubmissionProcessed
	}

	envelope := &model.SubmissionEnvelope{
		SubmissionUUID:     env.SubmissionUUID,
		TenantID:           env.TenantID,
		TerminalID:         env.TerminalID,
		SubmissionTime:     env.SubmissionTime,
		TransactionCount:   env.TransactionCount,
		SubmissionChecksum: strings.ToLower(strings.TrimSpace(env.SubmissionChecksum)),
		Status:             result.Status,
		SubmittedAt:        env.SubmittedAt,
		Result:             result,
		CreatedAt:          now,
	}
	if err := r.datasource.CreateSubmission(ctx, envelope, fresh); err != nil {
		return nil, err
	}

	r.cacheAdmission(ctx, result)

	for _, txn := range fresh {
		if err := r.queue.EnqueueValidation(ctx, txn.TransactionID); err != nil {
			logrus.WithError(err).WithField("transaction_id", txn.TransactionID).
				Error("failed to enqueue validation, the watchdog timeout sweep will resolve it")
		}
	}

	logrus.WithFields(logrus.Fields{
		"submission_uuid":  env.SubmissionUUID,
		"terminal_id":      env.TerminalID,
		"accepted":         len(result.Accepted),
		"already_admitted": len(result.AlreadyAdmitted),
	}).Info("submission admitted")
	return result, nil
}

// GetAdmission returns the result recorded for a submission.
func (r *Relay) GetAdmission(ctx context.Context, terminalID, submissionUUID string) (*model.AdmissionResult, error) {
	result, err := r.recordedAdmission(ctx, submissionUUID, terminalID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("submission %s not found", submissionUUID), nil)
	}
	return result, nil
}

// recordedAdmission consults the cache first and the database second. It returns nil
// when the submission has never been admitted.
func (r *Relay) recordedAdmission(ctx context.Context, submissionUUID, terminalID string) (*model.AdmissionResult, error) {
	key := admissionCacheKey(terminalID, submissionUUID)
	if r.cache != nil {
		var cached model.AdmissionResult
		err := r.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logrus.WithError(err).WithField("key", key).Warn("admission cache lookup failed, falling back to database")
		}
	}

	envelope, err := r.datasource.GetSubmission(ctx, submissionUUID, terminalID)
	if err != nil {
		if apierror.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	result := envelope.Result
	if result == nil {
		result = &model.AdmissionResult{
			SubmissionUUID:   envelope.SubmissionUUID,
			TenantID:         envelope.TenantID,
			TerminalID:       envelope.TerminalID,
			Status:           envelope.Status,
			TransactionCount: envelope.TransactionCount,
			AdmittedAt:       envelope.CreatedAt,
		}
	}
	r.cacheAdmission(ctx, result)
	return result, nil
}

func (r *Relay) cacheAdmission(ctx context.Context, result *model.AdmissionResult) {
	if r.cache == nil {
		return
	}
	key := admissionCacheKey(result.TerminalID, result.SubmissionUUID)
	if err := r.cache.Set(ctx, key, result, admissionCacheTTL); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("failed to cache admission result")
	}
}

// newTransactionRow copies a received transaction into the row that will be stored,
// discarding any lifecycle state the client may have sent.
func newTransactionRow(txn *model.Transaction, env *model.SubmissionEnvelope, now time.Time) (*model.Transaction, error) {
	payload, err := canonical.Canonicalize(txn)
	if err != nil {
		return nil, invalidSubmission("transaction %s cannot be encoded: %v", txn.TransactionID, err)
	}

	row := *txn
	row.SubmissionUUID = env.SubmissionUUID
	row.TenantID = env.TenantID
	row.TerminalID = env.TerminalID
	row.TransactionChecksum = strings.ToLower(strings.TrimSpace(txn.TransactionChecksum))
	row.ValidationStatus = model.ValidationPending
	row.JobStatus = model.JobUnset
	row.JobAttempts = 0
	row.LastError = ""
	row.CompletedAt = nil
	row.CreatedAt = now
	row.Payload = payload
	return &row, nil
}

func validateSubmission(sub *model.Submission) error {
	env := &sub.Envelope
	err := validation.ValidateStruct(env,
		validation.Field(&env.SubmissionUUID, validation.Required, validation.By(uuidV4)),
		validation.Field(&env.TenantID, validation.Required),
		validation.Field(&env.TerminalID, validation.Required),
		validation.Field(&env.SubmissionTime, validation.By(utcTimestamp)),
		validation.Field(&env.SubmissionChecksum, validation.Required, validation.Match(checksumPattern)),
		validation.Field(&env.TransactionCount, validation.By(func(value interface{}) error {
			if value.(int) != len(sub.Transactions) {
				return fmt.Errorf("must equal the number of transactions (%d)", len(sub.Transactions))
			}
			return nil
		})),
	)
	if err != nil {
		return invalidSubmission("%v", err)
	}
	if len(sub.Transactions) == 0 {
		return invalidSubmission("transactions: cannot be empty")
	}

	seen := make(map[string]struct{}, len(sub.Transactions))
	for i, txn := range sub.Transactions {
		if txn == nil {
			return invalidSubmission("transactions[%d]: cannot be null", i)
		}
		err := validation.ValidateStruct(txn,
			validation.Field(&txn.TransactionID, validation.Required, validation.By(uuidV4)),
			validation.Field(&txn.TransactionTimestamp, validation.By(utcTimestamp)),
			validation.Field(&txn.TransactionChecksum, validation.Required, validation.Match(checksumPattern)),
		)
		if err != nil {
			return invalidSubmission("transactions[%d]: %v", i, err)
		}
		if _, dup := seen[txn.TransactionID]; dup {
			return invalidSubmission("transactions[%d]: transaction_id %s appears more than once", i, txn.TransactionID)
		}
		seen[txn.TransactionID] = struct{}{}
	}
	return nil
}

func verifyChecksums(sub *model.Submission) error {
	for i, txn := range sub.Transactions {
		ok, err := canonical.Verify(txn, txn.TransactionChecksum)
		if err != nil {
			return invalidSubmission("transactions[%d]: %v", i, err)
		}
		if !ok {
			return checksumMismatch("transaction %s: payload_checksum does not match its payload", txn.TransactionID)
		}
	}

	ok, err := canonical.Verify(sub, sub.Envelope.SubmissionChecksum)
	if err != nil {
		return invalidSubmission("%v", err)
	}
	if !ok {
		return checksumMismatch("submission %s: payload_checksum does not match its payload", sub.Envelope.SubmissionUUID)
	}
	return nil
}

func uuidV4(value interface{}) error {
	s, _ := value.(string)
	if s != "" && !model.IsUUIDv4(s) {
		return errors.New("must be a canonical version 4 UUID")
	}
	return nil
}

func utcTimestamp(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, ok := model.ParseUTCTimestamp(s); !ok {
		return errors.New("must be an ISO-8601 timestamp in UTC")
	}
	return nil
}
