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

package model

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not allowed by its state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

type SubmissionStatus string

const (
	SubmissionReceived  SubmissionStatus = "RECEIVED"
	SubmissionProcessed SubmissionStatus = "PROCESSED"
)

type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
)

// JobStatus is empty until a transaction has been validated and queued.
type JobStatus string

const (
	JobUnset      JobStatus = ""
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

type ForwardStatus string

const (
	ForwardPending   ForwardStatus = "PENDING"
	ForwardCompleted ForwardStatus = "COMPLETED"
	ForwardFailed    ForwardStatus = "FAILED"
)

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

var validationTransitions = map[ValidationStatus][]ValidationStatus{
	ValidationPending: {ValidationValid, ValidationInvalid},
}

// QUEUED and unset may be forced to FAILED by the watchdog timeout sweep.
var jobTransitions = map[JobStatus][]JobStatus{
	JobUnset:      {JobQueued, JobFailed},
	JobQueued:     {JobProcessing, JobFailed},
	JobProcessing: {JobCompleted, JobFailed, JobQueued},
}

// FAILED -> PENDING is the operator retry.
var forwardTransitions = map[ForwardStatus][]ForwardStatus{
	ForwardPending: {ForwardPending, ForwardCompleted, ForwardFailed},
	ForwardFailed:  {ForwardPending},
}

var breakerTransitions = map[BreakerStatus][]BreakerStatus{
	BreakerClosed:   {BreakerClosed, BreakerOpen},
	BreakerOpen:     {BreakerHalfOpen, BreakerClosed},
	BreakerHalfOpen: {BreakerClosed, BreakerOpen},
}

func (s SubmissionStatus) IsValid() bool {
	return s == SubmissionReceived || s == SubmissionProcessed
}

func (s ValidationStatus) IsValid() bool {
	switch s {
	case ValidationPending, ValidationValid, ValidationInvalid:
		return true
	}
	return false
}

func (s ValidationStatus) IsTerminal() bool {
	return s == ValidationInvalid
}

func (s JobStatus) IsValid() bool {
	switch s {
	case JobUnset, JobQueued, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s ForwardStatus) IsValid() bool {
	switch s {
	case ForwardPending, ForwardCompleted, ForwardFailed:
		return true
	}
	return false
}

func (s BreakerStatus) IsValid() bool {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return true
	}
	return false
}

func CanTransitionValidation(from, to ValidationStatus) bool {
	return contains(validationTransitions[from], to)
}

func CanTransitionJob(from, to JobStatus) bool {
	return contains(jobTransitions[from], to)
}

func CanTransitionForward(from, to ForwardStatus) bool {
	return contains(forwardTransitions[from], to)
}

func CanTransitionBreaker(from, to BreakerStatus) bool {
	return contains(breakerTransitions[from], to)
}

// CheckValidationTransition returns a wrapped ErrIllegalTransition when the move is not allowed.
func CheckValidationTransition(from, to ValidationStatus) error {
	if !CanTransitionValidation(from, to) {
		return fmt.Errorf("%w: validation %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckJobTransition(from, to JobStatus) error {
	if !CanTransitionJob(from, to) {
		return fmt.Errorf("%w: job %s -> %s", ErrIllegalTransition, displayJob(from), displayJob(to))
	}
	return nil
}

func CheckForwardTransition(from, to ForwardStatus) error {
	if !CanTransitionForward(from, to) {
		return fmt.Errorf("%w: forward %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckBreakerTransition(from, to BreakerStatus) error {
	if !CanTransitionBreaker(from, to) {
		return fmt.Errorf("%w: breaker %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func displayJob(s JobStatus) string {
	if s == JobUnset {
		return "UNSET"
	}
	return string(s)
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
