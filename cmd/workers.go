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

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/config"
	redis_db "github.com/blnkfinance/relay/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weighs the queues the workers consume. Validation and processing
// share the bulk of the capacity; scheduled jobs are few and long running.
func initializeQueues(cfg config.QueueConfig) map[string]int {
	return map[string]int{
		cfg.ValidationQueue: 3,
		cfg.ProcessingQueue: 3,
		cfg.ScheduledQueue:  1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      queues,
			Logger:      logrus.StandardLogger(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logrus.WithError(err).WithFields(logrus.Fields{
					"type":    task.Type(),
					"retried": retried,
				}).Error("task failed")
			}),
		},
	), nil
}

// initializeScheduler registers every job that has a cron spec with the periodic
// task scheduler. Each tick enqueues a task on the scheduled queue; the job itself
// runs under its lock, so schedulers on several instances do not double the work.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logrus.StandardLogger(),
	})

	for job, spec := range relay.ScheduledJobs(conf.Schedule) {
		if spec == "" {
			logrus.WithField("job", job).Warn("job has no schedule, it only runs on demand")
			continue
		}
		task, err := relay.NewScheduledJobTask(job, conf.Queue.ScheduledQueue)
		if err != nil {
			return nil, err
		}
		entryID, err := scheduler.Register(spec, task)
		if err != nil {
			return nil, fmt.Errorf("registering %s job: %w", job, err)
		}
		logrus.WithFields(logrus.Fields{"job": job, "spec": spec, "entry_id": entryID}).Info("scheduled job registered")
	}
	return scheduler, nil
}

// workerCommands defines the "workers" command. Workers consume the validation,
// processing and scheduled job queues and, unless disabled, run the periodic scheduler.
func workerCommands(r *relayInstance) *cobra.Command {
	var withoutScheduler bool

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start relay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := r.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf.Queue))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			r.relay.RegisterHandlers(mux)

			if !withoutScheduler {
				scheduler, err := initializeScheduler(conf)
				if err != nil {
					log.Fatal(err)
				}
				if err := scheduler.Start(); err != nil {
					log.Fatalf("could not start scheduler: %v", err)
				}
				defer scheduler.Shutdown()
			}

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	cmd.Flags().BoolVar(&withoutScheduler, "no-scheduler", false, "consume queues without running the periodic job scheduler")
	return cmd
}
