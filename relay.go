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

// Package relay admits point-of-sale submissions exactly once, drives each transaction
// through validation and processing, and forwards completed transactions downstream.
package relay

import (
	"embed"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/breaker"
	"github.com/blnkfinance/relay/internal/cache"
	"github.com/blnkfinance/relay/internal/downstream"
	"github.com/blnkfinance/relay/internal/notification"
	redis_db "github.com/blnkfinance/relay/internal/redis-db"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("relay")

// Relay wires the intake, the transaction lifecycle and the scheduled jobs around
// one datasource.
type Relay struct {
	config     *config.Configuration
	datasource database.IDataSource
	queue      TaskQueue
	cache      cache.Cache
	locker     JobLocker
	clock      Clock
	validator  Validator
	processor  Processor
	notifier   notification.Notifier
	sender     downstream.Sender
	breaker    *breaker.Breaker

	watchdog  *Watchdog
	forwarder *Forwarder
	pruner    *Pruner
	health    *HealthChecker
}

type Option func(*Relay)

func WithQueue(q TaskQueue) Option { return func(r *Relay) { r.queue = q } }

func WithCache(c cache.Cache) Option { return func(r *Relay) { r.cache = c } }

func WithLocker(l JobLocker) Option { return func(r *Relay) { r.locker = l } }

func WithClock(c Clock) Option { return func(r *Relay) { r.clock = c } }

func WithValidator(v Validator) Option { return func(r *Relay) { r.validator = v } }

func WithProcessor(p Processor) Option { return func(r *Relay) { r.processor = p } }

func WithNotifier(n notification.Notifier) Option { return func(r *Relay) { r.notifier = n } }

func WithSender(s downstream.Sender) Option { return func(r *Relay) { r.sender = s } }

// New assembles a Relay from explicit dependencies. Anything not supplied through an
// option falls back to a local default: no cache, no queue, an in-process locker,
// the schema validator, the checksum processor and the HTTP downstream client.
func New(cfg *config.Configuration, ds database.IDataSource, opts ...Option) *Relay {
	r := &Relay{config: cfg, datasource: ds}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = SystemClock()
	}
	if r.queue == nil {
		r.queue = noopQueue{}
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	if r.validator == nil {
		r.validator = SchemaValidator{}
	}
	if r.processor == nil {
		r.processor = ChecksumProcessor{}
	}
	if r.sender == nil {
		r.sender = downstream.NewClient(cfg.Forwarding)
	}

	r.breaker = breaker.New(cfg.Forwarding.TargetService, ds, breaker.ConfigFrom(cfg.Breaker), r.clock.Now)
	r.watchdog = NewWatchdog(ds, r.queue, cfg.Watchdog, r.clock, r.notifier)
	r.forwarder = NewForwarder(ds, r.breaker, r.sender, cfg.Forwarding, r.clock, r.notifier)
	r.pruner = NewPruner(ds, cfg.Retention, r.clock)
	r.health = NewHealthChecker(ds, r.breaker, cfg, r.clock, r.notifier)
	return r
}

// NewRelay builds a Relay from the loaded configuration, connecting the Redis backed
// queue, cache and job locks.
func NewRelay(db database.IDataSource) (*Relay, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.FromConfig(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	queue, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg, db,
		WithQueue(queue),
		WithCache(cache.NewRedisCache(redisClient.Client())),
		WithLocker(NewRedisLocker(redisClient.Client())),
		WithNotifier(notification.New(cfg.Notification)),
	), nil
}

func (r *Relay) Config() *config.Configuration {
	return r.config
}

func (r *Relay) DataSource() database.IDataSource {
	return r.datasource
}

func (r *Relay) Breaker() *breaker.Breaker {
	return r.breaker
}
