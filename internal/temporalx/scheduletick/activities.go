package scheduletick

import (
	"context"
	"fmt"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/scheduler"
)

type Activities struct {
	Log         *logger.Logger
	Coordinator *scheduler.Coordinator
}

// Tick computes the run requests for one scheduled UTC hour. Discovery or
// registry failures propagate: the whole tick fails loudly and the cron
// schedule retries it, never a partial silent skip.
func (a *Activities) Tick(ctx context.Context, hourUTC int) (scheduler.TickResult, error) {
	if a == nil || a.Coordinator == nil {
		return scheduler.TickResult{}, fmt.Errorf("scheduletick: activity not configured")
	}
	res, err := a.Coordinator.ComputeRunRequestsForHour(ctx, hourUTC)
	if err != nil {
		return scheduler.TickResult{}, err
	}
	return *res, nil
}
