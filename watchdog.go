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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/notification"
	"github.com/blnkfinance/relay/model"
)

// WatchdogTimeoutReason is written to last_error of transactions failed by the timeout sweep.
const WatchdogTimeoutReason = "watchdog timeout exceeded"

// WatchdogReport summarises one watchdog run.
type WatchdogReport struct {
	Requeued      int `json:"requeued"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	EnqueueErrors int `json:"enqueue_errors"`
}

// WatchdogStore is the storage the watchdog sweeps.
type WatchdogStore interface {
	database.TransactionStore
	MarkSubmissionProcessed(ctx context.Context, submissionUUID, terminalID string) (bool, error)
}

// Watchdog requeues stuck QUEUED transactions and fails anything that outlived
// max_pending_minutes.
type Watchdog struct {
	store    WatchdogStore
	queue    TaskQueue
	cfg      config.WatchdogConfig
	clock    Clock
	notifier notification.Notifier
}

func NewWatchdog(store WatchdogStore, queue TaskQueue, cfg config.WatchdogConfig, clock Clock, notifier notification.Notifier) *Watchdog {
	return &Watchdog{store: store, queue: queue, cfg: cfg, clock: clock, notifier: notifier}
}

func (w *Watchdog) requeueAfter() time.Duration {
	return time.Duration(w.cfg.RequeueAfterMinutes) * time.Minute
}

func (w *Watchdog) maxPending() time.Duration {
	return time.Duration(w.cfg.MaxPendingMinutes) * time.Minute
}

// Run performs the requeue sweep and then the timeout sweep. A storage error aborts the
// run and is returned with the counts gathered so far.
func (w *Watchdog) Run(ctx context.Context) (WatchdogReport, error) {
	ctx, span := tracer.Start(ctx, "Watchdog.Run")
	defer span.End()

	var report WatchdogReport
	now := w.clock.Now()

	if err := w.requeueSweep(ctx, now, &report); err != nil {
		span.RecordError(err)
		return report, err
	}
	if err := w.timeoutSweep(ctx, now, &report); err != nil {
		span.RecordError(err)
		return report, err
	}

	logrus.WithFields(logrus.Fields{
		"requeued":       report.Requeued,
		"failed":         report.Failed,
		"skipped":        report.Skipped,
		"enqueue_errors": report.EnqueueErrors,
	}).Info("watchdog run complete")
	return report, nil
}

func (w *Watchdog) requeueSweep(ctx context.Context, now time.Time, report *WatchdogReport) error {
	candidates, err := w.store.GetRequeueCandidates(ctx, now.Add(-w.maxPending()), now.Add(-w.requeueAfter()), w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("loading requeue candidates: %w", err)
	}

	for _, txn := range candidates {
		if txn.JobAttempts >= w.cfg.MaxRequeueAttempts {
			report.Skipped++
			logrus.WithFields(logrus.Fields{
				"transaction_id": txn.TransactionID,
				"attempts":       txn.JobAttempts,
			}).Warn("transaction exhausted its requeue attempts, waiting for the timeout sweep")
			continue
		}

		ok, err := w.store.IncrementRequeueAttempt(ctx, txn.TransactionID, w.cfg.MaxRequeueAttempts)
		if err != nil {
			return fmt.Errorf("requeueing %s: %w", txn.TransactionID, err)
		}
		if !ok {
			report.Skipped++
			continue
		}

		report.Requeued++
		if err := w.queue.EnqueueProcessing(ctx, txn.TransactionID, txn.JobAttempts+1); err != nil {
			report.EnqueueErrors++
			logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Error("failed to enqueue requeued transaction")
		}
	}
	return nil
}

func (w *Watchdog) timeoutSweep(ctx context.Context, now time.Time, report *WatchdogReport) error {
	expired, err := w.store.GetTimedOutTransactions(ctx, now.Add(-w.maxPending()), w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("loading timed out transactions: %w", err)
	}

	reason := WatchdogTimeoutReason
	for _, txn := range expired {
		ok, err := w.store.TransitionJob(ctx, txn.TransactionID, database.JobChange{
			From:        txn.JobStatus,
			To:          model.JobFailed,
			LastError:   &reason,
			CompletedAt: &now,
		})
		if err != nil {
			return fmt.Errorf("timing out %s: %w", txn.TransactionID, err)
		}
		if !ok {
			report.Skipped++
			continue
		}

		report.Failed++
		logrus.WithFields(logrus.Fields{
			"transaction_id":    txn.TransactionID,
			"submission_uuid":   txn.SubmissionUUID,
			"validation_status": txn.ValidationStatus,
			"job_status":        txn.JobStatus,
		}).Warn("transaction timed out")

		if _, err := w.store.MarkSubmissionProcessed(ctx, txn.SubmissionUUID, txn.TerminalID); err != nil {
			logrus.WithError(err).WithField("submission_uuid", txn.SubmissionUUID).Warn("failed to settle submission")
		}
	}

	if report.Failed > 0 {
		notification.NotifyAsync(w.notifier, notification.Alert{
			Event:   "transaction.timeout",
			Title:   "Transactions timed out",
			Message: fmt.Sprintf("%d transactions did not finish within %d minutes", report.Failed, w.cfg.MaxPendingMinutes),
			Fields:  map[string]string{"count": fmt.Sprint(report.Failed)},
			Time:    now,
		})
	}
	return nil
}
