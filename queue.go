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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/config"
	redis_db "github.com/blnkfinance/relay/internal/redis-db"
)

const (
	TypeValidateTransaction = "relay:validate_transaction"
	TypeProcessTransaction  = "relay:process_transaction"
	TypeScheduledJob        = "relay:scheduled_job"
)

// TaskQueue hands validation and processing work to the workers.
type TaskQueue interface {
	EnqueueValidation(ctx context.Context, transactionID string) error
	EnqueueProcessing(ctx context.Context, transactionID string, attempt int) error
}

// TransactionTaskPayload is the body of validation and processing tasks.
type TransactionTaskPayload struct {
	TransactionID string `json:"transaction_id"`
	Attempt       int    `json:"attempt"`
}

// ScheduledJobPayload is the body of the periodic tasks registered with the scheduler.
type ScheduledJobPayload struct {
	Job string `json:"job"`
}

// Queue represents a queue for handling transaction tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queues    config.QueueConfig
}

// noopQueue drops tasks. It backs a Relay built without a broker, where callers drive
// validation and processing directly.
type noopQueue struct{}

func (noopQueue) EnqueueValidation(context.Context, string) error { return nil }

func (noopQueue) EnqueueProcessing(context.Context, string, int) error { return nil }

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		queues:    conf.Queue,
	}, nil
}

func (q *Queue) EnqueueValidation(ctx context.Context, transactionID string) error {
	return q.enqueue(ctx, TypeValidateTransaction, TransactionTaskPayload{TransactionID: transactionID},
		asynq.Queue(q.queues.ValidationQueue),
		asynq.TaskID(fmt.Sprintf("validate_%s", transactionID)),
		asynq.MaxRetry(5),
	)
}

// EnqueueProcessing enqueues one processing attempt. The attempt is part of the task
// id so a requeue is never swallowed by the id of an earlier attempt.
func (q *Queue) EnqueueProcessing(ctx context.Context, transactionID string, attempt int) error {
	return q.enqueue(ctx, TypeProcessTransaction, TransactionTaskPayload{TransactionID: transactionID, Attempt: attempt},
		asynq.Queue(q.queues.ProcessingQueue),
		asynq.TaskID(fmt.Sprintf("process_%s_%d", transactionID, attempt)),
		asynq.MaxRetry(3),
	)
}

func (q *Queue) enqueue(ctx context.Context, taskType string, payload TransactionTaskPayload, opts ...asynq.Option) error {
	ctx, span := tracer.Start(ctx, "Queue.Enqueue")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType, data, opts...)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		info, err := q.Client.EnqueueContext(ctx, task)
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		if err != nil {
			logrus.WithError(err).WithField("transaction_id", payload.TransactionID).Warn("enqueue failed, retrying")
			return err
		}
		logrus.WithFields(logrus.Fields{
			"task_id": info.ID,
			"queue":   info.Queue,
			"type":    taskType,
		}).Debug("task enqueued")
		return nil
	}, backoff.WithContext(policy, ctx))
}

// NewScheduledJobTask builds the task the periodic scheduler enqueues for a job.
func NewScheduledJobTask(job string, queue string) (*asynq.Task, error) {
	data, err := json.Marshal(ScheduledJobPayload{Job: job})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeScheduledJob, data, asynq.Queue(queue), asynq.MaxRetry(0), asynq.Timeout(30*time.Minute)), nil
}

// RegisterHandlers mounts the relay task handlers on an asynq mux.
func (r *Relay) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeValidateTransaction, r.HandleValidationTask)
	mux.HandleFunc(TypeProcessTransaction, r.HandleProcessingTask)
	mux.HandleFunc(TypeScheduledJob, r.HandleScheduledJobTask)
}

func (r *Relay) HandleValidationTask(ctx context.Context, t *asynq.Task) error {
	var payload TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid validation payload: %v: %w", err, asynq.SkipRetry)
	}
	return r.ValidateTransaction(ctx, payload.TransactionID)
}

func (r *Relay) HandleProcessingTask(ctx context.Context, t *asynq.Task) error {
	var payload TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid processing payload: %v: %w", err, asynq.SkipRetry)
	}
	return r.ProcessTransaction(ctx, payload.TransactionID)
}

// HandleScheduledJobTask runs a periodic job under its cluster-wide lock. A tick that
// finds the lock held is skipped without error so asynq does not retry it.
func (r *Relay) HandleScheduledJobTask(ctx context.Context, t *asynq.Task) error {
	var payload ScheduledJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid scheduled job payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := r.RunJob(ctx, payload.Job)
	if errors.Is(err, ErrJobAlreadyRunning) {
		return nil
	}
	if errors.Is(err, ErrUnknownJob) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
