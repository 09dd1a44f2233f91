package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/statlab/expstats-backend/internal/platform/envutil"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/recalc"
	"github.com/statlab/expstats-backend/internal/scheduler"
	"github.com/statlab/expstats-backend/internal/temporalx"
	"github.com/statlab/expstats-backend/internal/temporalx/recalcrun"
	"github.com/statlab/expstats-backend/internal/temporalx/scheduletick"
)

type Runner struct {
	log         *logger.Logger
	tc          temporalsdkclient.Client
	engine      *recalc.Engine
	coordinator *scheduler.Coordinator
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	engine *recalc.Engine,
	coordinator *scheduler.Coordinator,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if engine == nil || coordinator == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{log: log, tc: tc, engine: engine, coordinator: coordinator}, nil
}

// Start brings the worker up with retry, then ensures the hourly schedule
// workflow is running.
func (r *Runner) Start(ctx context.Context) error {
	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("Starting Temporal worker", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	maxWait := envutil.DurationSeconds("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60)
	backoff := envutil.DurationMillis("TEMPORAL_WORKER_START_BACKOFF_MS", 250)
	backoffMax := envutil.DurationMillis("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000)
	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			go func() {
				<-ctx.Done()
				w.Stop()
			}()
			if r.log != nil {
				r.log.Info("Temporal worker started", "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return r.ensureSchedule(ctx, cfg)
		}
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
			_ = temporalx.EnsureNamespace(ctx, cfg, r.log)
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			return startErr
		}
		if r.log != nil {
			r.log.Warn("Temporal worker failed to start; retrying", "attempt", attempt, "error", startErr)
		}
		time.Sleep(backoffFor(backoff, backoffMax, attempt))
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	runActs := &recalcrun.Activities{Log: r.log, Engine: r.engine}
	tickActs := &scheduletick.Activities{Log: r.log, Coordinator: r.coordinator}

	w.RegisterWorkflowWithOptions(recalcrun.Workflow, workflow.RegisterOptions{Name: recalcrun.WorkflowName})
	w.RegisterActivityWithOptions(runActs.Process, activity.RegisterOptions{Name: recalcrun.ActivityProcess})
	w.RegisterWorkflowWithOptions(scheduletick.Workflow, workflow.RegisterOptions{Name: scheduletick.WorkflowName})
	w.RegisterActivityWithOptions(tickActs.Tick, activity.RegisterOptions{Name: scheduletick.ActivityTick})
	return w
}

// ensureSchedule starts the hourly cron workflow. A run that already exists
// from a previous deploy is fine.
func (r *Runner) ensureSchedule(ctx context.Context, cfg temporalx.Config) error {
	_, err := r.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:           scheduletick.WorkflowID,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: scheduletick.CronHourly,
	}, scheduletick.WorkflowName)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("start schedule workflow: %w", err)
	}
	if r.log != nil {
		r.log.Info("Hourly schedule workflow ensured", "workflow_id", scheduletick.WorkflowID, "cron", scheduletick.CronHourly)
	}
	return nil
}

func backoffFor(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
