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
)

// PruneCount is the row count of one category before and after deletion.
type PruneCount struct {
	Before  int64 `json:"before"`
	Deleted int64 `json:"deleted"`
	After   int64 `json:"after"`
}

// PruneReport summarises one pruner run. Categories that were not part of the run are nil.
type PruneReport struct {
	FailedTransactions      *PruneCount `json:"failed_transactions,omitempty"`
	PendingTransactions     *PruneCount `json:"pending_transactions,omitempty"`
	CompletedForwardRecords *PruneCount `json:"completed_forward_records,omitempty"`
	ExhaustedForwardRecords *PruneCount `json:"exhausted_forward_records,omitempty"`
}

// PruneStore holds the count and delete pairs of every retention category.
type PruneStore interface {
	CountFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFailedTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountPendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteCompletedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExhaustedForwardRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes rows past their retention. Valid and in-flight transactions are never
// candidates and the transaction id ledger is never pruned.
type Pruner struct {
	store PruneStore
	cfg   config.RetentionConfig
	clock Clock
}

func NewPruner(store PruneStore, cfg config.RetentionConfig, clock Clock) *Pruner {
	return &Pruner{store: store, cfg: cfg, clock: clock}
}

const day = 24 * time.Hour

// Run prunes every category.
func (p *Pruner) Run(ctx context.Context) (PruneReport, error) {
	ctx, span := tracer.Start(ctx, "Pruner.Run")
	defer span.End()

	report, err := p.PruneTransactions(ctx)
	if err != nil {
		return report, err
	}
	records, err := p.PruneForwardRecords(ctx)
	report.CompletedForwardRecords = records.CompletedForwardRecords
	report.ExhaustedForwardRecords = records.ExhaustedForwardRecords
	return report, err
}

// PruneTransactions deletes failed transactions older than retain_failed_days and
// transactions still pending validation after retain_pending_minutes.
func (p *Pruner) PruneTransactions(ctx context.Context) (PruneReport, error) {
	var report PruneReport
	now := p.clock.Now()

	failed, err := p.prune(ctx, "failed_transactions", now.Add(-time.Duration(p.cfg.RetainFailedDays)*day),
		p.store.CountFailedTransactionsBefore, p.store.DeleteFailedTransactionsBefore)
	report.FailedTransactions = failed
	if err != nil {
		return report, err
	}

	pending, err := p.prune(ctx, "pending_transactions", now.Add(-time.Duration(p.cfg.RetainPendingMinutes)*time.Minute),
		p.store.CountPendingTransactionsBefore, p.store.DeletePendingTransactionsBefore)
	report.PendingTransactions = pending
	return report, err
}

// PruneForwardRecords deletes completed forward records older than
// cleanup_completed_after_days and exhausted ones older than cleanup_failed_after_days.
func (p *Pruner) PruneForwardRecords(ctx context.Context) (PruneReport, error) {
	var report PruneReport
	now := p.clock.Now()

	completed, err := p.prune(ctx, "completed_forward_records", now.Add(-time.Duration(p.cfg.CleanupCompletedAfterDays)*day),
		p.store.CountCompletedForwardRecordsBefore, p.store.DeleteCompletedForwardRecordsBefore)
	report.CompletedForwardRecords = completed
	if err != nil {
		return report, err
	}

	exhausted, err := p.prune(ctx, "exhausted_forward_records", now.Add(-time.Duration(p.cfg.CleanupFailedAfterDays)*day),
		p.store.CountExhaustedForwardRecordsBefore, p.store.DeleteExhaustedForwardRecordsBefore)
	report.ExhaustedForwardRecords = exhausted
	return report, err
}

type countFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (p *Pruner) prune(ctx context.Context, category string, cutoff time.Time, count, remove countFunc) (*PruneCount, error) {
	before, err := count(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("counting %s: %w", category, err)
	}

	result := &PruneCount{Before: before}
	if before > 0 {
		result.Deleted, err = remove(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("deleting %s: %w", category, err)
		}
	}

	result.After, err = count(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("counting %s: %w", category, err)
	}

	logrus.WithFields(logrus.Fields{
		"category": category,
		"cutoff":   cutoff.Format(time.RFC3339),
		"before":   result.Before,
		"deleted":  result.Deleted,
		"after":    result.After,
	}).Info("pruned expired rows")
	return result, nil
}
