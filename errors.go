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
	"errors"
	"fmt"

	"github.com/blnkfinance/relay/internal/apierror"
)

var (
	// ErrChecksumMismatch is returned when a recomputed payload checksum differs from the one sent.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidSubmission is returned for structurally malformed submissions.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrDuplicateTransactionConflict is returned when a transaction id was already
	// admitted with a different checksum. The whole submission is rejected.
	ErrDuplicateTransactionConflict = errors.New("transaction id already admitted with a different checksum")

	// ErrForwardingFailure wraps errors returned by the downstream service.
	ErrForwardingFailure = errors.New("forwarding failure")

	// ErrJobAlreadyRunning is returned when another instance holds a scheduled job's lock.
	ErrJobAlreadyRunning = errors.New("job already running")

	ErrUnknownJob = errors.New("unknown job")
)

func invalidSubmission(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return apierror.NewAPIError(apierror.ErrInvalidInput, msg, fmt.Errorf("%w: %s", ErrInvalidSubmission, msg))
}

func checksumMismatch(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return apierror.NewAPIError(apierror.ErrChecksumMismatch, msg, fmt.Errorf("%w: %s", ErrChecksumMismatch, msg))
}

func duplicateConflict(transactionID string) error {
	msg := fmt.Sprintf("transaction %s was already admitted with a different checksum", transactionID)
	return apierror.NewAPIError(apierror.ErrConflict, msg, fmt.Errorf("%w: %s", ErrDuplicateTransactionConflict, transactionID))
}
