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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT           = "5004"
	DEFAULT_TARGET_SERVICE = "downstream"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL    bool   `json:"ssl" envconfig:"RELAY_SERVER_SSL"`
	Domain string `json:"domain" envconfig:"RELAY_SERVER_SSL_DOMAIN"`
	Email  string `json:"ssl_email" envconfig:"RELAY_SERVER_SSL_EMAIL"`
	Port   string `json:"port" envconfig:"RELAY_SERVER_PORT"`

	Secure    bool   `json:"secure" envconfig:"RELAY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"RELAY_SERVER_SECRET_KEY"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RELAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"RELAY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"RELAY_REDIS_SKIP_TLS_VERIFY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RELAY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"RELAY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"RELAY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

// QueueConfig names the asynq queues used for validation and processing jobs.
type QueueConfig struct {
	ValidationQueue string `json:"validation_queue" envconfig:"RELAY_QUEUE_VALIDATION"`
	ProcessingQueue string `json:"processing_queue" envconfig:"RELAY_QUEUE_PROCESSING"`
	ScheduledQueue  string `json:"scheduled_queue" envconfig:"RELAY_QUEUE_SCHEDULED"`
	Concurrency     int    `json:"concurrency" envconfig:"RELAY_QUEUE_CONCURRENCY"`
}

type WatchdogConfig struct {
	RequeueAfterMinutes int `json:"requeue_after_minutes" envconfig:"RELAY_WATCHDOG_REQUEUE_AFTER_MINUTES"`
	MaxPendingMinutes   int `json:"max_pending_minutes" envconfig:"RELAY_WATCHDOG_MAX_PENDING_MINUTES"`
	MaxRequeueAttempts  int `json:"max_requeue_attempts" envconfig:"RELAY_WATCHDOG_MAX_REQUEUE_ATTEMPTS"`
	BatchSize           int `json:"batch_size" envconfig:"RELAY_WATCHDOG_BATCH_SIZE"`
}

type ForwardingConfig struct {
	TargetService         string            `json:"target_service" envconfig:"RELAY_FORWARDING_TARGET_SERVICE"`
	Url                   string            `json:"url" envconfig:"RELAY_FORWARDING_URL"`
	Headers               map[string]string `json:"headers"`
	TimeoutSeconds        int               `json:"timeout_seconds" envconfig:"RELAY_FORWARDING_TIMEOUT_SECONDS"`
	BatchSize             int               `json:"batch_size" envconfig:"RELAY_FORWARDING_BATCH_SIZE"`
	MaxAttempts           int               `json:"max_attempts" envconfig:"RELAY_FORWARDING_MAX_ATTEMPTS"`
	InitialBackoffSeconds int               `json:"initial_backoff_seconds" envconfig:"RELAY_FORWARDING_INITIAL_BACKOFF_SECONDS"`
	MaxBackoffSeconds     int               `json:"max_backoff_seconds" envconfig:"RELAY_FORWARDING_MAX_BACKOFF_SECONDS"`
	Workers               int               `json:"workers" envconfig:"RELAY_FORWARDING_WORKERS"`
	RatePerSecond         float64           `json:"rate_per_second" envconfig:"RELAY_FORWARDING_RATE_PER_SECOND"`
}

type BreakerConfig struct {
	FailureThreshold   int     `json:"failure_threshold" envconfig:"RELAY_BREAKER_FAILURE_THRESHOLD"`
	CooldownSeconds    int     `json:"cooldown_seconds" envconfig:"RELAY_BREAKER_COOLDOWN_SECONDS"`
	BackoffMultiplier  float64 `json:"backoff_multiplier" envconfig:"RELAY_BREAKER_BACKOFF_MULTIPLIER"`
	MaxCooldownSeconds int     `json:"max_cooldown_seconds" envconfig:"RELAY_BREAKER_MAX_COOLDOWN_SECONDS"`
}

type RetentionConfig struct {
	RetainFailedDays          int `json:"retain_failed_days" envconfig:"RELAY_RETENTION_RETAIN_FAILED_DAYS"`
	RetainPendingMinutes      int `json:"retain_pending_minutes" envconfig:"RELAY_RETENTION_RETAIN_PENDING_MINUTES"`
	CleanupCompletedAfterDays int `json:"cleanup_completed_after_days" envconfig:"RELAY_RETENTION_CLEANUP_COMPLETED_AFTER_DAYS"`
	CleanupFailedAfterDays    int `json:"cleanup_failed_after_days" envconfig:"RELAY_RETENTION_CLEANUP_FAILED_AFTER_DAYS"`
}

// ScheduleConfig holds the cron specs registered with the periodic task scheduler.
type ScheduleConfig struct {
	Watchdog       string `json:"watchdog" envconfig:"RELAY_SCHEDULE_WATCHDOG"`
	Forwarding     string `json:"forwarding" envconfig:"RELAY_SCHEDULE_FORWARDING"`
	Pruner         string `json:"pruner" envconfig:"RELAY_SCHEDULE_PRUNER"`
	Health         string `json:"health" envconfig:"RELAY_SCHEDULE_HEALTH"`
	Cleanup        string `json:"cleanup" envconfig:"RELAY_SCHEDULE_CLEANUP"`
	LockTTLSeconds int    `json:"lock_ttl_seconds" envconfig:"RELAY_SCHEDULE_LOCK_TTL_SECONDS"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"RELAY_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"RELAY_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Queue           QueueConfig      `json:"queue"`
	Watchdog        WatchdogConfig   `json:"watchdog"`
	Forwarding      ForwardingConfig `json:"forwarding"`
	Breaker         BreakerConfig    `json:"breaker"`
	Retention       RetentionConfig  `json:"retention"`
	Schedule        ScheduleConfig   `json:"schedule"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("relay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called relay.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Relay Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Forwarding.Url = strings.TrimSpace(cnf.Forwarding.Url)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	cnf.setQueueDefaults()
	cnf.setJobDefaults()

	if cnf.Watchdog.RequeueAfterMinutes >= cnf.Watchdog.MaxPendingMinutes {
		return errors.New("watchdog requeue_after_minutes must be lower than max_pending_minutes")
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.ValidationQueue == "" {
		cnf.Queue.ValidationQueue = "relay_validation"
	}
	if cnf.Queue.ProcessingQueue == "" {
		cnf.Queue.ProcessingQueue = "relay_processing"
	}
	if cnf.Queue.ScheduledQueue == "" {
		cnf.Queue.ScheduledQueue = "relay_scheduled"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
}

func (cnf *Configuration) setJobDefaults() {
	w := &cnf.Watchdog
	setDefaultInt(&w.RequeueAfterMinutes, 10)
	setDefaultInt(&w.MaxPendingMinutes, 60)
	setDefaultInt(&w.MaxRequeueAttempts, 3)
	setDefaultInt(&w.BatchSize, 500)

	f := &cnf.Forwarding
	if f.TargetService == "" {
		f.TargetService = DEFAULT_TARGET_SERVICE
	}
	setDefaultInt(&f.TimeoutSeconds, 10)
	setDefaultInt(&f.BatchSize, 100)
	setDefaultInt(&f.MaxAttempts, 5)
	setDefaultInt(&f.InitialBackoffSeconds, 30)
	setDefaultInt(&f.MaxBackoffSeconds, 3600)
	setDefaultInt(&f.Workers, 4)
	if f.RatePerSecond <= 0 {
		f.RatePerSecond = 10
	}
	if f.Url == "" {
		log.Println("Warning: Forwarding URL is empty. Forwarding runs will fail until it is set.")
	}

	b := &cnf.Breaker
	setDefaultInt(&b.FailureThreshold, 5)
	setDefaultInt(&b.CooldownSeconds, 300)
	setDefaultInt(&b.MaxCooldownSeconds, 3600)
	if b.BackoffMultiplier < 1 {
		b.BackoffMultiplier = 2
	}

	r := &cnf.Retention
	setDefaultInt(&r.RetainFailedDays, 30)
	setDefaultInt(&r.RetainPendingMinutes, 1440)
	setDefaultInt(&r.CleanupCompletedAfterDays, 7)
	setDefaultInt(&r.CleanupFailedAfterDays, 30)

	s := &cnf.Schedule
	setDefaultString(&s.Watchdog, "*/5 * * * *")
	setDefaultString(&s.Forwarding, "*/5 * * * *")
	setDefaultString(&s.Pruner, "0 * * * *")
	setDefaultString(&s.Health, "30 * * * *")
	setDefaultString(&s.Cleanup, "0 3 * * *")
	setDefaultInt(&s.LockTTLSeconds, 240)
}

func setDefaultInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}

func setDefaultString(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// LockTTL is how long a scheduled job holds its cluster-wide lock.
func (s ScheduleConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

func (f ForwardingConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
