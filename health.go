package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/internal/notification"
	"github.com/blnkfinance/relay/model"
)

const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// HealthReport is the state of the relay as seen by the health job and endpoint.
type HealthReport struct {
	Status            string                     `json:"status"`
	Database          string                     `json:"database"`
	Breaker           *model.CircuitBreakerState `json:"circuit_breaker,omitempty"`
	DowntimeSeconds   int64                      `json:"downtime_seconds"`
	StalePending      int64                      `json:"stale_pending_transactions"`
	ExhaustedForwards int64                      `json:"exhausted_forward_records"`
	Problems          []string                   `json:"problems,omitempty"`
	CheckedAt         time.Time                  `json:"checked_at"`
}

type HealthStore interface {
	Ping(ctx context.Context) error
	CountPendingTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountExhaustedForwardRecords(ctx context.Context, target string) (int64, error)
}

type breakerSnapshotter interface {
	Snapshot(ctx context.Context) (*model.CircuitBreakerState, error)
}

type HealthChecker struct {
	store    HealthStore
	breaker  breakerSnapshotter
	cfg      *config.Configuration
	clock    Clock
	notifier notification.Notifier
}

func NewHealthChecker(store HealthStore, cb breakerSnapshotter, cfg *config.Configuration, clock Clock, notifier notification.Notifier) *HealthChecker {
	return &HealthChecker{store: store, breaker: cb, cfg: cfg, clock: clock, notifier: notifier}
}

// Check gathers the report. It never fails: unreachable dependencies are reported as problems.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	now := h.clock.Now()
	report := HealthReport{Status: HealthStatusHealthy, Database: "ok", CheckedAt: now}

	if err := h.store.Ping(ctx); err != nil {
		report.Database = "unreachable"
		report.Problems = append(report.Problems, fmt.Sprintf("database: %v", err))
		report.Status = HealthStatusDegraded
		return report
	}

	state, err := h.breaker.Snapshot(ctx)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("circuit breaker: %v", err))
	} else {
		report.Breaker = state
		report.DowntimeSeconds = int64(state.Downtime(now).Seconds())
		if state.Status != model.BreakerClosed {
			report.Problems = append(report.Problems, fmt.Sprintf("circuit breaker for %s is %s", state.ServiceName, state.Status))
		}
	}

	cutoff := now.Add(-time.Duration(h.cfg.Watchdog.MaxPendingMinutes) * time.Minute)
	stale, err := h.store.CountPendingTransactionsBefore(ctx, cutoff)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("pending count: %v", err))
	} else {
		report.StalePending = stale
	}
	if report.StalePending > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d transactions pending validation for more than %d minutes", stale, h.cfg.Watchdog.MaxPendingMinutes))
	}

	exhausted, err := h.store.CountExhaustedForwardRecords(ctx, h.cfg.Forwarding.TargetService)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("forward record count: %v", err))
	} else {
		report.ExhaustedForwards = exhausted
	}
	if report.ExhaustedForwards > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d forward records permanently failed", exhausted))
	}

	if len(report.Problems) > 0 {
		report.Status = HealthStatusDegraded
	}
	return report
}

// Run is the scheduled health job: it checks and raises an alert when degraded.
func (h *HealthChecker) Run(ctx context.Context) (HealthReport, error) {
	ctx, span := tracer.Start(ctx, "HealthChecker.Run")
	defer span.End()

	report := h.Check(ctx)
	entry := logrus.WithFields(logrus.Fields{
		"status":             report.Status,
		"stale_pending":      report.StalePending,
		"exhausted_forwards": report.ExhaustedForwards,
		"downtime_seconds":   report.DowntimeSeconds,
	})
	if report.Status == HealthStatusHealthy {
		entry.Info("health check passed")
		return report, nil
	}

	fields := map[string]string{"database": report.Database}
	for i, p := range report.Problems {
		fields[fmt.Sprintf("problem_%d", i+1)] = p
	}
	notification.NotifyAsync(h.notifier, notification.Alert{
		Event:   "health.degraded",
		Title:   "Relay health degraded",
		Message: fmt.Sprintf("%d problems found", len(report.Problems)),
		Fields:  fields,
		Time:    report.CheckedAt,
	})
	return report, nil
}

// Health returns the current health report.
func (r *Relay) Health(ctx context.Context) HealthReport {
	return r.health.Check(ctx)
}

// BreakerState returns the persisted breaker of a service. Only the configured target
// has a breaker.
func (r *Relay) BreakerState(ctx context.Context, service string) (*model.CircuitBreakerState, error) {
	if err := r.checkService(service); err != nil {
		return nil, err
	}
	return r.breaker.Snapshot(ctx)
}

// ResetBreaker closes a service's breaker on operator request.
func (r *Relay) ResetBreaker(ctx context.Context, service string) (*model.CircuitBreakerState, error) {
	if err := r.checkService(service); err != nil {
		return nil, err
	}
	state, err := r.breaker.Reset(ctx)
	if err != nil {
		return nil, err
	}
	logrus.WithField("service", service).Info("circuit breaker reset by operator")
	return state, nil
}

func (r *Relay) checkService(service string) error {
	if service != r.breaker.Service() {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no circuit breaker for service %s", service), nil)
	}
	return nil
}
