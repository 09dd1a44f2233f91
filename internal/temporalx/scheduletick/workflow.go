package scheduletick

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/statlab/expstats-backend/internal/scheduler"
	"github.com/statlab/expstats-backend/internal/temporalx/recalcrun"
)

// Workflow is one scheduling tick. It runs hourly under a cron schedule,
// computes the run requests for the current UTC hour, and fans each one out
// as an abandoned child workflow keyed by its partition key. Dispatch is
// fire-and-forget: the tick's job ends once each recalculation has started.
func Workflow(ctx workflow.Context) error {
	log := workflow.GetLogger(ctx)
	hourUTC := workflow.Now(ctx).UTC().Hour()

	actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 10 * time.Second,
			MaximumAttempts: 5,
		},
	})

	var tick scheduler.TickResult
	if err := workflow.ExecuteActivity(actCtx, ActivityTick, hourUTC).Get(ctx, &tick); err != nil {
		return err
	}
	if tick.Skipped() {
		log.Info("Schedule tick skipped", "reason", tick.SkipReason)
		return nil
	}

	for _, run := range tick.RunRequests {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:            run.PartitionKey,
			TaskQueue:             workflow.GetInfo(ctx).TaskQueueName,
			ParentClosePolicy:     enumspb.PARENT_CLOSE_POLICY_ABANDON,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		})
		future := workflow.ExecuteChildWorkflow(childCtx, recalcrun.WorkflowName, run.PartitionKey)
		if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			// A duplicate id means this partition is still being processed
			// from an earlier dispatch; skip it rather than failing the tick.
			log.Warn("Child workflow not started", "partition_key", run.PartitionKey, "error", err)
			continue
		}
	}

	log.Info("Schedule tick dispatched", "hour_utc", hourUTC, "run_requests", len(tick.RunRequests))
	return nil
}
