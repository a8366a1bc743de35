package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/canonical"
	"github.com/blnkfinance/relay/internal/notification"
	"github.com/blnkfinance/relay/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type processingTask struct {
	TransactionID string
	Attempt       int
}

type recordingQueue struct {
	mu          sync.Mutex
	validations []string
	processing  []processingTask
	err         error
}

func (q *recordingQueue) EnqueueValidation(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.validations = append(q.validations, id)
	return nil
}

func (q *recordingQueue) EnqueueProcessing(_ context.Context, id string, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.processing = append(q.processing, processingTask{TransactionID: id, Attempt: attempt})
	return nil
}

func (q *recordingQueue) Validations() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.validations...)
}

func (q *recordingQueue) Processing() []processingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]processingTask(nil), q.processing...)
}

// fakeSender answers downstream calls from a script, falling back to err once the
// script runs out.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	err    error
	sent   []string
}

func (s *fakeSender) Send(_ context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, txn.TransactionID)
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		return err
	}
	return s.err
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		events = append(events, a.Event)
	}
	return events
}

var errDownstream = errors.New("downstream returned 503")

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "relay-test",
		Queue: config.QueueConfig{
			ValidationQueue: "validation",
			ProcessingQueue: "processing",
			ScheduledQueue:  "scheduled",
			Concurrency:     2,
		},
		Watchdog: config.WatchdogConfig{
			RequeueAfterMinutes: 10,
			MaxPendingMinutes:   60,
			MaxRequeueAttempts:  3,
			BatchSize:           500,
		},
		Forwarding: config.ForwardingConfig{
			TargetService:         config.DEFAULT_TARGET_SERVICE,
			Url:                   "http://downstream.test/transactions",
			TimeoutSeconds:        5,
			BatchSize:             100,
			MaxAttempts:           3,
			InitialBackoffSeconds: 30,
			MaxBackoffSeconds:     300,
			Workers:               1,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold:   3,
			CooldownSeconds:    300,
			BackoffMultiplier:  2,
			MaxCooldownSeconds: 3600,
		},
		Retention: config.RetentionConfig{
			RetainFailedDays:          30,
			RetainPendingMinutes:      1440,
			CleanupCompletedAfterDays: 7,
			CleanupFailedAfterDays:    30,
		},
		Schedule: config.ScheduleConfig{
			Watchdog:       "*/5 * * * *",
			Forwarding:     "*/5 * * * *",
			Pruner:         "0 * * * *",
			Health:         "30 * * * *",
			Cleanup:        "0 3 * * *",
			LockTTLSeconds: 240,
		},
	}
}

type testEnv struct {
	relay    *Relay
	store    *memStore
	queue    *recordingQueue
	clock    *fakeClock
	sender   *fakeSender
	notifier *recordingNotifier
	cfg      *config.Configuration
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, opts...)
}

// newTestEnvWith lets a test adjust the configuration before the relay is assembled.
func newTestEnvWith(t *testing.T, configure func(cfg *config.Configuration), opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		queue:    &recordingQueue{},
		clock:    newFakeClock(epoch),
		sender:   &fakeSender{},
		notifier: &recordingNotifier{},
		cfg:      testConfig(),
	}
	if configure != nil {
		configure(env.cfg)
	}
	base := []Option{
		WithQueue(env.queue),
		WithClock(env.clock),
		WithSender(env.sender),
		WithNotifier(env.notifier),
	}
	env.relay = New(env.cfg, env.store, append(base, opts...)...)
	return env
}

func newTransaction(t *testing.T) *model.Transaction {
	t.Helper()
	txn := &model.Transaction{
		TransactionID:        uuid.NewString(),
		TransactionTimestamp: epoch.Add(-time.Duration(gofakeit.Number(1, 3600)) * time.Second).Format(time.RFC3339),
		Currency:             gofakeit.CurrencyShort(),
		BaseAmount:           decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2),
	}
	sum, err := canonical.Checksum(txn)
	require.NoError(t, err)
	txn.TransactionChecksum = sum
	return txn
}

// newSubmission builds a submission with correct checksums around the given transactions.
func newSubmission(t *testing.T, txns ...*model.Transaction) *model.Submission {
	t.Helper()
	if len(txns) == 0 {
		txns = []*model.Transaction{newTransaction(t)}
	}
	sub := &model.Submission{
		Envelope: model.SubmissionEnvelope{
			SubmissionUUID:   uuid.NewString(),
			TenantID:         "tenant-" + gofakeit.Numerify("###"),
			TerminalID:       "T-" + gofakeit.Numerify("####"),
			SubmissionTime:   epoch.Format(time.RFC3339),
			TransactionCount: len(txns),
			Status:           model.SubmissionReceived,
		},
		Transactions: txns,
	}
	resign(t, sub)
	return sub
}

// resign recomputes the envelope checksum after a test changed the submission.
func resign(t *testing.T, sub *model.Submission) {
	t.Helper()
	sum, err := canonical.Checksum(sub)
	require.NoError(t, err)
	sub.Envelope.SubmissionChecksum = sum
}

// seedTransaction stores a transaction in the given lifecycle state, created at createdAt.
func seedTransaction(t *testing.T, store *memStore, v model.ValidationStatus, j model.JobStatus, createdAt time.Time) *model.Transaction {
	t.Helper()
	txn := newTransaction(t)
	txn.SubmissionUUID = uuid.NewString()
	txn.TerminalID = "T-0001"
	txn.ValidationStatus = v
	txn.JobStatus = j
	txn.CreatedAt = createdAt
	store.seed(txn)
	return txn
}
