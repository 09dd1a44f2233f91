// Package scheduler decides, once per scheduled hour, which experiment
// metrics need a new recalculation request and registers their partitions
// with the orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/observability"
	"github.com/statlab/expstats-backend/internal/partition"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/recalc"
	"github.com/statlab/expstats-backend/internal/types"
)

// RunRequest is one unit of work handed to the orchestrator: dispatch the
// recalculation named by PartitionKey (4-part form).
type RunRequest struct {
	PartitionKey    string    `json:"partition_key"`
	RecalculationID uuid.UUID `json:"recalculation_id"`
	TeamID          int64     `json:"team_id"`
	ExperimentID    int64     `json:"experiment_id"`
	MetricUUID      uuid.UUID `json:"metric_uuid"`
}

// TickResult is either a list of run requests or a skip with a reason; never
// both.
type TickResult struct {
	RunRequests []RunRequest `json:"run_requests,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty"`
}

func (t TickResult) Skipped() bool { return t.SkipReason != "" }

type Coordinator struct {
	log      *logger.Logger
	db       *gorm.DB
	teams    repos.TeamRepo
	exps     repos.ExperimentRepo
	specs    repos.MetricRepo
	requests repos.RecalculationRepo
	registry PartitionRegistry
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewCoordinator(
	baseLog *logger.Logger,
	gdb *gorm.DB,
	teams repos.TeamRepo,
	exps repos.ExperimentRepo,
	specs repos.MetricRepo,
	requests repos.RecalculationRepo,
	registry PartitionRegistry,
	metrics *observability.Metrics,
) *Coordinator {
	return &Coordinator{
		log:      baseLog.With("component", "ScheduleCoordinator"),
		db:       gdb,
		teams:    teams,
		exps:     exps,
		specs:    specs,
		requests: requests,
		registry: registry,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the coordinator's time source. Tests use this to pin
// the hour-matching instant.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// candidate is one (team, experiment, metric) triple eligible this hour.
type candidate struct {
	team       *types.Team
	experiment *types.Experiment
	metric     types.MetricRef
	key        partition.ExperimentKey
}

// ComputeRunRequestsForHour runs one scheduling tick. Discovery failures for
// the whole tick (DB, registry) propagate so the external trigger retries the
// tick; an hour with zero eligible experiments yields a skip result instead.
func (c *Coordinator) ComputeRunRequestsForHour(ctx context.Context, hourUTC int) (*TickResult, error) {
	now := c.now()

	scheduled, err := c.teamsScheduledAt(ctx, hourUTC, now)
	if err != nil {
		return nil, err
	}

	candidates, err := c.discover(ctx, scheduled, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		reason := fmt.Sprintf("No experiments found for teams scheduled at %02d:00 UTC", hourUTC)
		c.log.Info("Skipping tick", "hour_utc", hourUTC, "teams", len(scheduled))
		c.metrics.TickFinished(ctx, true, 0)
		return &TickResult{SkipReason: reason}, nil
	}

	if err := c.registerNewPartitions(ctx, candidates); err != nil {
		return nil, err
	}

	out := &TickResult{RunRequests: make([]RunRequest, 0, len(candidates))}
	for _, cand := range candidates {
		req, err := c.ensureRequest(ctx, cand)
		if err != nil {
			return nil, err
		}
		runKey := partition.RecalculationKey{RecalculationID: req.ID, ExperimentKey: cand.key}
		out.RunRequests = append(out.RunRequests, RunRequest{
			PartitionKey:    runKey.String(),
			RecalculationID: req.ID,
			TeamID:          cand.team.ID,
			ExperimentID:    cand.experiment.ID,
			MetricUUID:      cand.metric.UUID,
		})
	}

	c.log.Info("Tick computed", "hour_utc", hourUTC, "teams", len(scheduled), "run_requests", len(out.RunRequests))
	c.metrics.TickFinished(ctx, false, len(out.RunRequests))
	return out, nil
}

func (c *Coordinator) teamsScheduledAt(ctx context.Context, hourUTC int, now time.Time) ([]*types.Team, error) {
	all, err := c.teams.ListAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	var scheduled []*types.Team
	for _, team := range all {
		teamHour, err := team.RecalculationHourUTC(now)
		if err != nil {
			c.log.Warn("Skipping team with invalid schedule config", "team_id", team.ID, "error", err)
			continue
		}
		if teamHour == hourUTC {
			scheduled = append(scheduled, team)
		}
	}
	return scheduled, nil
}

// discover fans out per team and flattens the results back into a
// deterministic order (team, experiment, discovery order of metrics).
func (c *Coordinator) discover(ctx context.Context, teams []*types.Team, now time.Time) ([]candidate, error) {
	perTeam := make([][]candidate, len(teams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, team := range teams {
		g.Go(func() error {
			cands, err := c.discoverTeam(gctx, team, now)
			if err != nil {
				return err
			}
			perTeam[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []candidate
	for _, cands := range perTeam {
		out = append(out, cands...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].experiment.ID != out[j].experiment.ID {
			return out[i].experiment.ID < out[j].experiment.ID
		}
		return out[i].key.String() < out[j].key.String()
	})
	return out, nil
}

func (c *Coordinator) discoverTeam(ctx context.Context, team *types.Team, now time.Time) ([]candidate, error) {
	experiments, err := c.exps.ListRunningByTeam(ctx, nil, team.ID, now)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, exp := range experiments {
		if !exp.TimeseriesEnabled() {
			continue
		}
		metricRefs, err := c.specs.ListForExperiment(ctx, nil, exp.ID)
		if err != nil {
			return nil, err
		}
		for _, ref := range metricRefs {
			fingerprint, err := recalc.Fingerprint(ref.Spec)
			if err != nil {
				c.log.Warn("Skipping metric with unusable spec", "experiment_id", exp.ID, "metric_uuid", ref.UUID, "error", err)
				continue
			}
			out = append(out, candidate{
				team:       team,
				experiment: exp,
				metric:     ref,
				key: partition.ExperimentKey{
					ExperimentID: exp.ID,
					MetricUUID:   ref.UUID,
					Fingerprint:  fingerprint,
				},
			})
		}
	}
	return out, nil
}

// registerNewPartitions diffs candidates against the orchestrator's
// registered set and registers the missing ones. A registry failure fails the
// whole tick; this is a scheduling tick, safe to retry wholesale.
func (c *Coordinator) registerNewPartitions(ctx context.Context, candidates []candidate) error {
	registered, err := c.registry.GetDynamicPartitions(ctx, PartitionNamespace)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	for _, k := range registered {
		known[k] = true
	}

	var missing []string
	for _, cand := range candidates {
		k := cand.key.String()
		if !known[k] {
			known[k] = true
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	c.log.Info("Registering new partitions", "count", len(missing))
	return c.registry.RegisterPartitions(ctx, PartitionNamespace, missing)
}

// ensureRequest creates a pending recalculation request for the candidate, or
// reuses the active one when the partial unique index reports a duplicate.
// Re-triggering at the scheduled hour is idempotent by construction.
func (c *Coordinator) ensureRequest(ctx context.Context, cand candidate) (*types.RecalculationRequest, error) {
	req, err := c.requests.Create(ctx, nil, &types.RecalculationRequest{
		TeamID:       cand.team.ID,
		ExperimentID: cand.experiment.ID,
		MetricUUID:   cand.metric.UUID,
		MetricSpec:   cand.metric.Spec,
		Fingerprint:  cand.key.Fingerprint,
	})
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, repos.ErrDuplicateActive) {
		return nil, err
	}
	existing, err := c.requests.GetActive(ctx, nil, cand.experiment.ID, cand.key.Fingerprint)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// The active request finished between insert and lookup; one retry
		// covers the gap.
		return c.requests.Create(ctx, nil, &types.RecalculationRequest{
			TeamID:       cand.team.ID,
			ExperimentID: cand.experiment.ID,
			MetricUUID:   cand.metric.UUID,
			MetricSpec:   cand.metric.Spec,
			Fingerprint:  cand.key.Fingerprint,
		})
	}
	return existing, nil
}
