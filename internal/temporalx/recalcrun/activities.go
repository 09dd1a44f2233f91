package recalcrun

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/recalc"
)

type Activities struct {
	Log    *logger.Logger
	Engine *recalc.Engine
}

// Process runs the recalculation engine for one partition key, heartbeating
// while the engine works through its day windows.
func (a *Activities) Process(ctx context.Context, partitionKey string) error {
	if a == nil || a.Engine == nil {
		return fmt.Errorf("recalcrun: activity not configured")
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	return a.Engine.ProcessPartition(ctx, partitionKey)
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
