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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/internal/breaker"
	"github.com/blnkfinance/relay/internal/downstream"
	"github.com/blnkfinance/relay/internal/notification"
	"github.com/blnkfinance/relay/model"
)

const (
	ReasonCompleted      = "completed"
	ReasonCircuitOpen    = "circuit_open"
	ReasonNoTransactions = "no_transactions"
)

// ForwardResult summarises one forwarding run.
type ForwardResult struct {
	Target         string `json:"target"`
	ForwardedCount int    `json:"forwarded_count"`
	FailedCount    int    `json:"failed_count"`
	ExhaustedCount int    `json:"exhausted_count"`
	Reason         string `json:"reason"`
}

// ForwardStore is the storage the forwarder selects from and records into.
type ForwardStore interface {
	GetForwardCandidates(ctx context.Context, target string, now time.Time, limit int) ([]*model.ForwardCandidate, error)
	database.ForwardRecordStore
}

// CircuitBreaker gates calls to the downstream service.
type CircuitBreaker interface {
	Allow(ctx context.Context) (breaker.Decision, error)
	RecordSuccess(ctx context.Context) (*model.CircuitBreakerState, error)
	RecordFailure(ctx context.Context) (*model.CircuitBreakerState, error)
	Snapshot(ctx context.Context) (*model.CircuitBreakerState, error)
}

// Forwarder delivers completed transactions to the target service, one forward record
// per transaction, behind the persisted circuit breaker.
type Forwarder struct {
	store    ForwardStore
	breaker  CircuitBreaker
	sender   downstream.Sender
	cfg      config.ForwardingConfig
	clock    Clock
	notifier notification.Notifier
	limiter  *rate.Limiter
}

func NewForwarder(store ForwardStore, cb CircuitBreaker, sender downstream.Sender, cfg config.ForwardingConfig, clock Clock, notifier notification.Notifier) *Forwarder {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	cfg.Workers = workers
	return &Forwarder{
		store:    store,
		breaker:  cb,
		sender:   sender,
		cfg:      cfg,
		clock:    clock,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, workers),
	}
}

type attemptOutcome struct {
	forwarded bool
	exhausted bool
	tripped   bool
}

// Run forwards one batch. An open breaker whose cooldown has not elapsed ends the run
// before any selection or network call. A half-open breaker gets exactly one trial
// call and the rest of the batch only runs if the trial succeeds.
func (f *Forwarder) Run(ctx context.Context) (ForwardResult, error) {
	ctx, span := tracer.Start(ctx, "Forwarder.Run")
	defer span.End()

	result := ForwardResult{Target: f.cfg.TargetService}
	entry := logrus.WithField("target", f.cfg.TargetService)
	now := f.clock.Now()

	state, err := f.breaker.Snapshot(ctx)
	if err != nil {
		return result, err
	}
	if state.Status == model.BreakerOpen && !state.CooldownElapsed(now) {
		result.Reason = ReasonCircuitOpen
		entry.WithField("cooldown_until", state.CooldownUntil).Info("circuit open, skipping forwarding run")
		return result, nil
	}

	candidates, err := f.store.GetForwardCandidates(ctx, f.cfg.TargetService, now, f.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("selecting forward candidates: %w", err)
	}
	if len(candidates) == 0 {
		result.Reason = ReasonNoTransactions
		return result, nil
	}

	decision, err := f.breaker.Allow(ctx)
	if err != nil {
		return result, err
	}
	if !decision.Allowed {
		result.Reason = ReasonCircuitOpen
		return result, nil
	}

	if decision.Trial {
		out, err := f.forwardOne(ctx, candidates[0])
		if err != nil {
			return result, err
		}
		result.add(out)
		if !out.forwarded {
			result.Reason = ReasonCircuitOpen
			entry.Warn("half-open trial call failed, circuit reopened")
			return result, nil
		}
		entry.Info("half-open trial call succeeded, circuit closed")
		candidates = candidates[1:]
	}

	tripped, err := f.forwardBatch(ctx, candidates, &result)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	result.Reason = ReasonCompleted
	if tripped {
		result.Reason = ReasonCircuitOpen
	}
	entry.WithFields(logrus.Fields{
		"forwarded": result.ForwardedCount,
		"failed":    result.FailedCount,
		"exhausted": result.ExhaustedCount,
		"reason":    result.Reason,
	}).Info("forwarding run complete")
	return result, nil
}

func (res *ForwardResult) add(out attemptOutcome) {
	if out.forwarded {
		res.ForwardedCount++
		return
	}
	res.FailedCount++
	if out.exhausted {
		res.ExhaustedCount++
	}
}

// forwardBatch sends candidates through a bounded worker pool. Once the breaker trips
// no further calls are started.
func (f *Forwarder) forwardBatch(ctx context.Context, candidates []*model.ForwardCandidate, result *ForwardResult) (bool, error) {
	var (
		mu      sync.Mutex
		tripped atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)

	for _, candidate := range candidates {
		if tripped.Load() || gctx.Err() != nil {
			break
		}
		c := candidate
		g.Go(func() error {
			if tripped.Load() {
				return nil
			}
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			if tripped.Load() {
				return nil
			}
			out, err := f.forwardOne(gctx, c)
			if err != nil {
				return err
			}
			if out.tripped {
				tripped.Store(true)
			}
			mu.Lock()
			result.add(out)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return tripped.Load(), err
}

// forwardOne makes one downstream call and records its outcome. Only storage and
// configuration problems are returned as errors; a failed call is an outcome.
func (f *Forwarder) forwardOne(ctx context.Context, c *model.ForwardCandidate) (attemptOutcome, error) {
	var out attemptOutcome
	txn := c.Transaction
	now := f.clock.Now()

	current := c.Record
	if current == nil {
		current = &model.ForwardRecord{
			TransactionID: txn.TransactionID,
			Target:        f.cfg.TargetService,
			Status:        model.ForwardPending,
			MaxAttempts:   f.cfg.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
	}
	next := *current
	if next.MaxAttempts <= 0 {
		next.MaxAttempts = f.cfg.MaxAttempts
	}

	entry := logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"target":         f.cfg.TargetService,
	})

	sendErr := f.sender.Send(ctx, txn)
	if errors.Is(sendErr, downstream.ErrNotConfigured) {
		return out, sendErr
	}

	now = f.clock.Now()
	next.UpdatedAt = now

	if sendErr == nil {
		next.Status = model.ForwardCompleted
		next.CompletedAt = &now
		next.LastError = ""
		if err := f.saveRecord(ctx, current.Status, &next); err != nil {
			return out, err
		}
		if _, err := f.breaker.RecordSuccess(ctx); err != nil {
			return out, err
		}
		out.forwarded = true
		entry.Debug("transaction forwarded")
		return out, nil
	}

	failure := fmt.Errorf("%w: %v", ErrForwardingFailure, sendErr)
	next.Attempts++
	next.LastError = sendErr.Error()
	if next.Attempts >= next.MaxAttempts {
		next.Status = model.ForwardFailed
		out.exhausted = true
	} else {
		next.Status = model.ForwardPending
		next.NextAttemptAt = now.Add(f.retryDelay(next.Attempts))
	}
	if err := f.saveRecord(ctx, current.Status, &next); err != nil {
		return out, err
	}

	state, err := f.breaker.RecordFailure(ctx)
	if err != nil {
		return out, err
	}
	out.tripped = state.Status == model.BreakerOpen

	if out.exhausted {
		notification.NotifyAsync(f.notifier, notification.Alert{
			Event:   "forward.failed",
			Title:   "Forwarding permanently failed",
			Message: fmt.Sprintf("transaction %s could not be forwarded to %s after %d attempts: %s", txn.TransactionID, f.cfg.TargetService, next.Attempts, next.LastError),
			Fields: map[string]string{
				"transaction_id": txn.TransactionID,
				"target":         f.cfg.TargetService,
			},
			Time: now,
		})
		return out, nil
	}
	entry.WithError(failure).WithFields(logrus.Fields{
		"attempts":        next.Attempts,
		"next_attempt_at": next.NextAttemptAt,
	}).Warn("forwarding attempt failed")
	return out, nil
}

func (f *Forwarder) saveRecord(ctx context.Context, from model.ForwardStatus, next *model.ForwardRecord) error {
	if err := model.CheckForwardTransition(from, next.Status); err != nil {
		return apierror.NewAPIError(apierror.ErrConflict, "illegal forward record transition", err)
	}
	return f.store.UpsertForwardRecord(ctx, next)
}

// retryDelay is the exponential delay before the next attempt, doubling from the
// initial backoff and capped at the maximum.
func (f *Forwarder) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(f.cfg.InitialBackoffSeconds) * time.Second
	b.MaxInterval = time.Duration(f.cfg.MaxBackoffSeconds) * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// RetryForwardRecord returns a permanently failed forward record to PENDING with its
// attempts reset, so the next forwarding run picks it up again.
func (r *Relay) RetryForwardRecord(ctx context.Context, transactionID string) (*model.ForwardRecord, error) {
	target := r.config.Forwarding.TargetService
	ok, err := r.datasource.ResetForwardRecord(ctx, transactionID, target, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		record, err := r.datasource.GetForwardRecord(ctx, transactionID, target)
		if err != nil {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("forward record is %s, only FAILED records can be retried", record.Status),
			fmt.Errorf("%w: forward %s -> %s", model.ErrIllegalTransition, record.Status, model.ForwardPending))
	}

	logrus.WithFields(logrus.Fields{"transaction_id": transactionID, "target": target}).Info("forward record reset for retry")
	return r.datasource.GetForwardRecord(ctx, transactionID, target)
}

// GetForwardRecord returns the forward record of a transaction for the configured target.
func (r *Relay) GetForwardRecord(ctx context.Context, transactionID string) (*model.ForwardRecord, error) {
	return r.datasource.GetForwardRecord(ctx, transactionID, r.config.Forwarding.TargetService)
}
