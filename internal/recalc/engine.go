// Package recalc is the recalculation engine: it processes one recalculation
// request end to end, day window by day window, resuming past work via the
// request's last_successful_date watermark.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/analytics"
	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/observability"
	"github.com/statlab/expstats-backend/internal/partition"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/timeseries"
	"github.com/statlab/expstats-backend/internal/types"
)

type Engine struct {
	log      *logger.Logger
	db       *gorm.DB
	requests repos.RecalculationRepo
	results  repos.DailyResultRepo
	teams    repos.TeamRepo
	exps     repos.ExperimentRepo
	executor analytics.QueryExecutor
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewEngine(
	baseLog *logger.Logger,
	gdb *gorm.DB,
	requests repos.RecalculationRepo,
	results repos.DailyResultRepo,
	teams repos.TeamRepo,
	exps repos.ExperimentRepo,
	executor analytics.QueryExecutor,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		log:      baseLog.With("component", "RecalculationEngine"),
		db:       gdb,
		requests: requests,
		results:  results,
		teams:    teams,
		exps:     exps,
		executor: executor,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine's time source. Tests use this to pin "now".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ProcessPartition handles one dispatched 4-part partition key.
//
// A claim conflict (someone else already took the request, or it already
// finished) is a benign no-op. A malformed key or a missing request row is a
// data-integrity bug and propagates. A failed day query marks the request
// failed with the watermark left at the last day that succeeded, and returns
// nil: the failure is recorded state, not a retryable activity error.
func (e *Engine) ProcessPartition(ctx context.Context, rawKey string) error {
	key, err := partition.ParseRecalculationKey(rawKey)
	if err != nil {
		return err
	}
	log := e.log.With("recalculation_id", key.RecalculationID, "experiment_id", key.ExperimentID, "metric_uuid", key.MetricUUID)

	// Validate the key against the request before claiming: a mismatch after
	// the claim would leave the request wedged in_progress, holding the
	// active slot for its (experiment, fingerprint) forever.
	existing, err := e.requests.GetByID(ctx, nil, key.RecalculationID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("recalculation request %s not found", key.RecalculationID)
	}
	if existing.ExperimentID != key.ExperimentID || existing.Fingerprint != key.Fingerprint {
		return fmt.Errorf("partition key %q does not match request %s (experiment=%d fingerprint=%s)",
			rawKey, existing.ID, existing.ExperimentID, existing.Fingerprint)
	}

	req, err := e.requests.Claim(ctx, nil, key.RecalculationID)
	if errors.Is(err, repos.ErrNotClaimable) {
		log.Info("Request not claimable; another worker owns it or it already finished")
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("recalculation request %s not found", key.RecalculationID)
	}
	if err != nil {
		return err
	}

	windows, failErr := e.planWindows(ctx, req)
	if failErr != nil {
		// Unprocessable request (deleted experiment, missing start date):
		// record it as failed rather than erroring the dispatch.
		log.Warn("Request cannot be processed", "reason", failErr)
		return e.requests.MarkFailed(ctx, nil, req.ID, nil, failErr.Error())
	}

	watermark, hasWatermark := req.Watermark()
	completed, err := e.completedSet(ctx, req)
	if err != nil {
		return err
	}

	var lastSuccessful *time.Time
	if hasWatermark {
		w := watermark
		lastSuccessful = &w
	}

	for _, window := range windows {
		if hasWatermark && !window.LocalDate.After(watermark) {
			continue
		}
		if completed[window.QueryTo.Unix()] {
			// Durable result already exists for this boundary; count it as
			// progress without re-querying.
			d := window.LocalDate
			lastSuccessful = &d
			continue
		}

		if err := e.processDay(ctx, req, window); err != nil {
			log.Warn("Day query failed; stopping request", "query_to", window.QueryTo, "error", err)
			e.metrics.RecalculationFinished(ctx, types.RecalculationFailed)
			if markErr := e.requests.MarkFailed(ctx, nil, req.ID, lastSuccessful, err.Error()); markErr != nil {
				return markErr
			}
			return nil
		}
		d := window.LocalDate
		lastSuccessful = &d
	}

	e.metrics.RecalculationFinished(ctx, types.RecalculationCompleted)
	log.Info("Recalculation completed", "windows", len(windows))
	return e.requests.MarkCompleted(ctx, nil, req.ID, lastSuccessful)
}

// planWindows resolves the experiment and team and derives the day-window
// sequence. The sequence is always recomputed fresh; only the watermark
// decides what gets skipped.
func (e *Engine) planWindows(ctx context.Context, req *types.RecalculationRequest) ([]timeseries.DayWindow, error) {
	exp, err := e.exps.GetByID(ctx, nil, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, fmt.Errorf("experiment %d not found", req.ExperimentID)
	}
	if exp.StartDate == nil {
		return nil, fmt.Errorf("experiment %d has no start date", exp.ID)
	}

	team, err := e.teams.GetByID(ctx, nil, exp.TeamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, fmt.Errorf("team %d not found", exp.TeamID)
	}

	// Only days that have fully elapsed get a snapshot. An experiment whose
	// end date has passed keeps its final partial day; one still running
	// (open-ended or ending in the future) is bounded by "now" and loses the
	// still-open current day, whose boundary sits in the future.
	now := e.now()
	end := now
	ended := false
	if exp.EndDate != nil && exp.EndDate.Before(now) {
		end = *exp.EndDate
		ended = true
	}

	windows := timeseries.DayWindows(*exp.StartDate, end, team.Location())
	if !ended {
		trimmed := windows[:0]
		for _, w := range windows {
			if !w.QueryTo.After(now) {
				trimmed = append(trimmed, w)
			}
		}
		windows = trimmed
	}
	return windows, nil
}

func (e *Engine) completedSet(ctx context.Context, req *types.RecalculationRequest) (map[int64]bool, error) {
	dates, err := e.results.ListCompletedDates(ctx, nil, req.ExperimentID, req.MetricUUID, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(dates))
	for _, d := range dates {
		set[d.Unix()] = true
	}
	return set, nil
}

// processDay runs one cumulative query and persists its snapshot. A query
// failure persists a failed snapshot first, then surfaces the error so the
// caller stops the request.
func (e *Engine) processDay(ctx context.Context, req *types.RecalculationRequest, window timeseries.DayWindow) error {
	started := time.Now()
	res, queryErr := e.executor.Execute(ctx, analytics.Query{
		TeamID:       req.TeamID,
		ExperimentID: req.ExperimentID,
		MetricUUID:   req.MetricUUID,
		MetricSpec:   req.MetricSpec,
		QueryFrom:    window.QueryFrom,
		QueryTo:      window.QueryTo,
	})
	e.metrics.DayQueryFinished(ctx, queryErr == nil, time.Since(started))

	row := &types.DailyMetricResult{
		TeamID:       req.TeamID,
		ExperimentID: req.ExperimentID,
		MetricUUID:   req.MetricUUID,
		Fingerprint:  req.Fingerprint,
		QueryFrom:    window.QueryFrom,
		QueryTo:      window.QueryTo,
	}
	if queryErr != nil {
		row.Status = types.DailyResultFailed
		row.Error = queryErr.Error()
		if err := e.results.Upsert(ctx, nil, row); err != nil {
			return fmt.Errorf("persist failed snapshot: %w (query error: %s)", err, queryErr)
		}
		return queryErr
	}

	completedAt := e.now()
	row.Status = types.DailyResultCompleted
	row.Payload = res.Payload
	row.CompletedAt = &completedAt
	if res.QueryID != uuid.Nil {
		id := res.QueryID
		row.QueryID = &id
	}
	return e.results.Upsert(ctx, nil, row)
}
