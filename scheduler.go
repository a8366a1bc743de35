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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/config"
	redlock "github.com/blnkfinance/relay/internal/lock"
)

const (
	JobWatchdog   = "watchdog"
	JobForwarding = "forwarding"
	JobPruner     = "pruner"
	JobHealth     = "health"
	JobCleanup    = "cleanup"
)

// JobLocker grants the single cluster-wide run of a scheduled job. Release must be
// called once the run is over.
type JobLocker interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(context.Context) error, err error)
}

type redisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker returns a JobLocker backed by the Redis SETNX lock.
func NewRedisLocker(client redis.UniversalClient) JobLocker {
	return &redisLocker{client: client}
}

func (l *redisLocker) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, error) {
	release, err := redlock.NewJobLocker(l.client, job).Hold(ctx, ttl)
	if errors.Is(err, redlock.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, job)
	}
	return release, err
}

// LocalLocker serializes jobs inside one process. It is used when no Redis is wired,
// mostly in tests and single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, job string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[job] {
		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, job)
	}
	l.held[job] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, job)
		return nil
	}, nil
}

// ScheduledJobs maps every periodic job to its cron spec.
func ScheduledJobs(s config.ScheduleConfig) map[string]string {
	return map[string]string{
		JobWatchdog:   s.Watchdog,
		JobForwarding: s.Forwarding,
		JobPruner:     s.Pruner,
		JobHealth:     s.Health,
		JobCleanup:    s.Cleanup,
	}
}

// RunExclusive runs fn while holding the job's lock. When another instance holds it the
// run is skipped and ErrJobAlreadyRunning is returned.
func (r *Relay) RunExclusive(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	release, err := r.locker.Acquire(ctx, job, r.config.Schedule.LockTTL())
	if err != nil {
		if errors.Is(err, ErrJobAlreadyRunning) {
			logrus.WithField("job", job).Info("job is already running on another instance, skipping tick")
		}
		return err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			logrus.WithError(err).WithField("job", job).Warn("failed to release job lock")
		}
	}()

	start := r.clock.Now()
	err = fn(ctx)
	entry := logrus.WithFields(logrus.Fields{"job": job, "duration": r.clock.Now().Sub(start).String()})
	if err != nil {
		entry.WithError(err).Error("job run failed")
		return err
	}
	entry.Info("job run finished")
	return nil
}

// RunJob runs a named job under its lock and returns the job's report.
func (r *Relay) RunJob(ctx context.Context, job string) (interface{}, error) {
	ctx, span := tracer.Start(ctx, "RunJob")
	defer span.End()

	var report interface{}
	var run func(ctx context.Context) error
	switch job {
	case JobWatchdog:
		run = func(ctx context.Context) error {
			res, err := r.watchdog.Run(ctx)
			report = res
			return err
		}
	case JobForwarding:
		run = func(ctx context.Context) error {
			res, err := r.forwarder.Run(ctx)
			report = res
			return err
		}
	case JobPruner:
		run = func(ctx context.Context) error {
			res, err := r.pruner.PruneTransactions(ctx)
			report = res
			return err
		}
	case JobCleanup:
		run = func(ctx context.Context) error {
			res, err := r.pruner.Run(ctx)
			report = res
			return err
		}
	case JobHealth:
		run = func(ctx context.Context) error {
			res, err := r.health.Run(ctx)
			report = res
			return err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}

	if err := r.RunExclusive(ctx, job, run); err != nil {
		return nil, err
	}
	return report, nil
}
