// Package breaker implements a circuit breaker whose state lives in the database so
// every relay process sees the same gate for a downstream service.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

var tracer = otel.Tracer("relay.breaker")

// ErrContention is returned when the state kept changing underneath every swap attempt.
var ErrContention = errors.New("circuit breaker state changed concurrently")

const maxSwapAttempts = 5

// Store persists one breaker row per service with compare-and-swap updates.
type Store interface {
	GetBreaker(ctx context.Context, serviceName string) (*model.CircuitBreakerState, error)
	CreateBreaker(ctx context.Context, state *model.CircuitBreakerState) error
	SwapBreaker(ctx context.Context, next *model.CircuitBreakerState, expectedVersion int64) (bool, error)
}

type Config struct {
	FailureThreshold  int
	Cooldown          time.Duration
	BackoffMultiplier float64
	MaxCooldown       time.Duration
}

func ConfigFrom(cfg config.BreakerConfig) Config {
	return Config{
		FailureThreshold:  cfg.FailureThreshold,
		Cooldown:          time.Duration(cfg.CooldownSeconds) * time.Second,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxCooldown:       time.Duration(cfg.MaxCooldownSeconds) * time.Second,
	}
}

// Decision is the outcome of Allow. Trial is set when the call is the single probe
// of a half-open breaker.
type Decision struct {
	Allowed bool
	Trial   bool
	State   *model.CircuitBreakerState
}

type Breaker struct {
	service string
	store   Store
	cfg     Config
	now     func() time.Time
}

func New(service string, store Store, cfg Config, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Breaker{service: service, store: store, cfg: cfg, now: now}
}

func (b *Breaker) Service() string {
	return b.service
}

// Allow decides whether a forwarding call may go out. An open breaker whose cooldown
// elapsed moves to HALF_OPEN here, on the first attempt observed after the cooldown.
func (b *Breaker) Allow(ctx context.Context) (Decision, error) {
	ctx, span := tracer.Start(ctx, "breaker.Allow")
	defer span.End()
	span.SetAttributes(attribute.String("breaker.service", b.service))

	var decision Decision
	state, err := b.update(ctx, func(s *model.CircuitBreakerState, now time.Time) bool {
		decision = Decision{}
		switch s.Status {
		case model.BreakerClosed:
			decision.Allowed = true
			return false
		case model.BreakerHalfOpen:
			decision.Allowed, decision.Trial = true, true
			return false
		default:
			if !s.CooldownElapsed(now) {
				return false
			}
			s.Status = model.BreakerHalfOpen
			decision.Allowed, decision.Trial = true, true
			return true
		}
	})
	if err != nil {
		return Decision{}, err
	}
	decision.State = state
	span.SetAttributes(attribute.Bool("breaker.allowed", decision.Allowed), attribute.String("breaker.status", string(state.Status)))
	return decision, nil
}

// RecordSuccess resets the failure count of a closed breaker and closes a half-open one.
// An open breaker is left alone: a call that was already in flight when it tripped
// does not shorten the cooldown.
func (b *Breaker) RecordSuccess(ctx context.Context) (*model.CircuitBreakerState, error) {
	ctx, span := tracer.Start(ctx, "breaker.RecordSuccess")
	defer span.End()

	return b.update(ctx, func(s *model.CircuitBreakerState, now time.Time) bool {
		switch s.Status {
		case model.BreakerClosed:
			if s.FailureCount == 0 {
				return false
			}
			s.FailureCount = 0
			return true
		case model.BreakerHalfOpen:
			closeState(s, now)
			logrus.WithFields(logrus.Fields{"service": b.service, "trip_count": s.TripCount}).Info("circuit breaker closed")
			return true
		default:
			return false
		}
	})
}

// RecordFailure counts a failed call. A closed breaker trips at the threshold; a failed
// half-open trial reopens it with a longer cooldown.
func (b *Breaker) RecordFailure(ctx context.Context) (*model.CircuitBreakerState, error) {
	ctx, span := tracer.Start(ctx, "breaker.RecordFailure")
	defer span.End()

	return b.update(ctx, func(s *model.CircuitBreakerState, now time.Time) bool {
		s.FailureCount++
		s.FailureThreshold = b.cfg.FailureThreshold
		s.LastFailureAt = model.TimePtr(now)

		switch s.Status {
		case model.BreakerClosed:
			if s.FailureCount >= s.FailureThreshold {
				s.Status = model.BreakerOpen
				s.TripCount++
				s.ReopenCount = 0
				s.OpenedAt = model.TimePtr(now)
				s.CooldownUntil = model.TimePtr(now.Add(b.cooldownFor(0)))
				logrus.WithFields(logrus.Fields{
					"service":        b.service,
					"failure_count":  s.FailureCount,
					"cooldown_until": s.CooldownUntil,
				}).Warn("circuit breaker opened")
			}
		case model.BreakerHalfOpen:
			s.Status = model.BreakerOpen
			s.TripCount++
			s.ReopenCount++
			if s.OpenedAt == nil {
				s.OpenedAt = model.TimePtr(now)
			}
			s.CooldownUntil = model.TimePtr(now.Add(b.cooldownFor(s.ReopenCount)))
			logrus.WithFields(logrus.Fields{
				"service":        b.service,
				"reopen_count":   s.ReopenCount,
				"cooldown_until": s.CooldownUntil,
			}).Warn("circuit breaker trial failed, reopened")
		}
		return true
	})
}

// Snapshot returns the current state, creating the row on first use.
func (b *Breaker) Snapshot(ctx context.Context) (*model.CircuitBreakerState, error) {
	return b.load(ctx)
}

// Reset force-closes the breaker. It is an operator action.
func (b *Breaker) Reset(ctx context.Context) (*model.CircuitBreakerState, error) {
	return b.update(ctx, func(s *model.CircuitBreakerState, now time.Time) bool {
		if s.Status == model.BreakerClosed && s.FailureCount == 0 {
			return false
		}
		closeState(s, now)
		return true
	})
}

func closeState(s *model.CircuitBreakerState, now time.Time) {
	if s.Status != model.BreakerClosed && s.OpenedAt != nil && now.After(*s.OpenedAt) {
		s.TotalOpenSeconds += int64(now.Sub(*s.OpenedAt) / time.Second)
	}
	s.Status = model.BreakerClosed
	s.FailureCount = 0
	s.ReopenCount = 0
	s.OpenedAt = nil
	s.CooldownUntil = nil
}

func (b *Breaker) cooldownFor(reopenCount int) time.Duration {
	cooldown := float64(b.cfg.Cooldown) * math.Pow(b.cfg.BackoffMultiplier, float64(reopenCount))
	if b.cfg.MaxCooldown > 0 && cooldown > float64(b.cfg.MaxCooldown) {
		return b.cfg.MaxCooldown
	}
	return time.Duration(cooldown)
}

func (b *Breaker) load(ctx context.Context) (*model.CircuitBreakerState, error) {
	state, err := b.store.GetBreaker(ctx, b.service)
	if err == nil {
		return state, nil
	}
	if !apierror.IsNotFound(err) {
		return nil, err
	}

	initial := &model.CircuitBreakerState{
		ServiceName:      b.service,
		Status:           model.BreakerClosed,
		FailureThreshold: b.cfg.FailureThreshold,
		UpdatedAt:        b.now().UTC(),
	}
	if err := b.store.CreateBreaker(ctx, initial); err != nil {
		return nil, err
	}
	return b.store.GetBreaker(ctx, b.service)
}

// update applies mutate to a fresh copy of the state and swaps it in, retrying when
// another writer changed the row first. mutate reports whether it changed anything.
func (b *Breaker) update(ctx context.Context, mutate func(s *model.CircuitBreakerState, now time.Time) bool) (*model.CircuitBreakerState, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := b.load(ctx)
		if err != nil {
			return nil, err
		}

		now := b.now().UTC()
		next := current.Clone()
		if !mutate(next, now) {
			return current, nil
		}
		if next.Status != current.Status {
			if err := model.CheckBreakerTransition(current.Status, next.Status); err != nil {
				return nil, err
			}
		}
		next.UpdatedAt = now

		swapped, err := b.store.SwapBreaker(ctx, next, current.Version)
		if err != nil {
			return nil, err
		}
		if swapped {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContention, b.service)
}
