package recalcrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Workflow processes one recalculation partition. The workflow id is the
// 4-part partition key, so one execution maps to exactly one recalculation
// request; the partition key doubles as the activity input.
//
// The activity retries only transient infrastructure errors: a failed day
// query is terminal state recorded on the request, not an activity error, and
// a retry after the claim succeeded lands on a benign claim-conflict no-op.
func Workflow(ctx workflow.Context, partitionKey string) error {
	partitionKey = strings.TrimSpace(partitionKey)
	if partitionKey == "" {
		return fmt.Errorf("recalcrun: missing partition key")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 12 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 30 * time.Second,
			MaximumAttempts: 3,
		},
	})

	return workflow.ExecuteActivity(ctx, ActivityProcess, partitionKey).Get(ctx, nil)
}
