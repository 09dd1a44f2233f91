package recalc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/analytics"
	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/data/repos/testutil"
	"github.com/statlab/expstats-backend/internal/partition"
	"github.com/statlab/expstats-backend/internal/types"
)

// scriptedExecutor records every query and fails the ones whose QueryTo is
// scripted to fail.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []analytics.Query
	fail  map[int64]error
}

func (f *scriptedExecutor) failOn(queryTo time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[int64]error{}
	}
	f.fail[queryTo.Unix()] = err
}

func (f *scriptedExecutor) Execute(_ context.Context, q analytics.Query) (*analytics.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if err := f.fail[q.QueryTo.Unix()]; err != nil {
		return nil, err
	}
	return &analytics.Result{
		QueryID: uuid.New(),
		Payload: datatypes.JSON([]byte(fmt.Sprintf(`{"cumulative":%d}`, len(f.calls)))),
	}, nil
}

type engineHarness struct {
	db       *gorm.DB
	engine   *Engine
	executor *scriptedExecutor
	requests repos.RecalculationRepo
	results  repos.DailyResultRepo
}

func newEngineHarness(t *testing.T, now time.Time) *engineHarness {
	t.Helper()
	log := testutil.Logger(t)
	gdb := testutil.SQLite(t)
	executor := &scriptedExecutor{}
	requests := repos.NewRecalculationRepo(gdb, log)
	results := repos.NewDailyResultRepo(gdb, log)
	teams := repos.NewTeamRepo(gdb, log)
	exps := repos.NewExperimentRepo(gdb, log)
	engine := NewEngine(log, gdb, requests, results, teams, exps, executor, nil).
		WithClock(func() time.Time { return now })
	return &engineHarness{db: gdb, engine: engine, executor: executor, requests: requests, results: results}
}

// seedRequest creates a UTC team, an experiment, and a pending recalculation
// request, and returns the request plus its 4-part dispatch key.
func (h *engineHarness) seedRequest(t *testing.T, start time.Time, end *time.Time) (*types.RecalculationRequest, string) {
	t.Helper()
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, h.db, "UTC", 2)
	exp := testutil.SeedExperiment(t, ctx, h.db, team.ID, &start, end, true)

	spec := datatypes.JSON([]byte(`{"event":"purchase","kind":"mean"}`))
	fingerprint, err := Fingerprint(spec)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	req, err := h.requests.Create(ctx, nil, &types.RecalculationRequest{
		TeamID:       team.ID,
		ExperimentID: exp.ID,
		MetricUUID:   uuid.New(),
		MetricSpec:   spec,
		Fingerprint:  fingerprint,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	key := partition.RecalculationKey{
		RecalculationID: req.ID,
		ExperimentKey: partition.ExperimentKey{
			ExperimentID: exp.ID,
			MetricUUID:   req.MetricUUID,
			Fingerprint:  fingerprint,
		},
	}
	return req, key.String()
}

func (h *engineHarness) reload(t *testing.T, id uuid.UUID) *types.RecalculationRequest {
	t.Helper()
	req, err := h.requests.GetByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if req == nil {
		t.Fatalf("request %s disappeared", id)
	}
	return req
}

func (h *engineHarness) resultRows(t *testing.T, experimentID int64) []types.DailyMetricResult {
	t.Helper()
	var rows []types.DailyMetricResult
	err := h.db.Where("experiment_id = ?", experimentID).Order("query_to ASC").Find(&rows).Error
	if err != nil {
		t.Fatalf("load result rows: %v", err)
	}
	return rows
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestProcessPartitionCompletesAllDays(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}

	// March 1 through 3 have closed; March 4 is still in flight.
	if got := len(h.executor.calls); got != 3 {
		t.Fatalf("expected 3 day queries, got %d", got)
	}
	for i, call := range h.executor.calls {
		if !call.QueryFrom.Equal(start) {
			t.Errorf("call %d: QueryFrom = %v, want experiment start %v", i, call.QueryFrom, start)
		}
		want := day(2024, time.March, 2+i)
		if !call.QueryTo.Equal(want) {
			t.Errorf("call %d: QueryTo = %v, want %v", i, call.QueryTo, want)
		}
	}

	rows := h.resultRows(t, req.ExperimentID)
	if len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Status != types.DailyResultCompleted {
			t.Errorf("row query_to=%v: status = %q, want completed", row.QueryTo, row.Status)
		}
		if len(row.Payload) == 0 {
			t.Errorf("row query_to=%v: missing payload", row.QueryTo)
		}
		if row.CompletedAt == nil {
			t.Errorf("row query_to=%v: missing completed_at", row.QueryTo)
		}
	}

	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
	watermark, ok := final.Watermark()
	if !ok || !watermark.Equal(day(2024, time.March, 3)) {
		t.Fatalf("watermark = %v (ok=%v), want 2024-03-03", watermark, ok)
	}
}

func TestProcessPartitionResumesFromWatermark(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	watermark := day(2024, time.March, 2)
	err := h.db.Model(&types.RecalculationRequest{}).
		Where("id = ?", req.ID).
		Update("last_successful_date", watermark).Error
	if err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}

	// Only March 3 is left above the watermark.
	if got := len(h.executor.calls); got != 1 {
		t.Fatalf("expected 1 day query, got %d", got)
	}
	if want := day(2024, time.March, 4); !h.executor.calls[0].QueryTo.Equal(want) {
		t.Fatalf("QueryTo = %v, want %v", h.executor.calls[0].QueryTo, want)
	}

	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
	got, ok := final.Watermark()
	if !ok || !got.Equal(day(2024, time.March, 3)) {
		t.Fatalf("watermark = %v (ok=%v), want 2024-03-03", got, ok)
	}
}

func TestProcessPartitionSkipsDurableSnapshots(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	// March 2 already has a completed snapshot from an earlier run.
	err := h.results.Upsert(context.Background(), nil, &types.DailyMetricResult{
		TeamID:       req.TeamID,
		ExperimentID: req.ExperimentID,
		MetricUUID:   req.MetricUUID,
		Fingerprint:  req.Fingerprint,
		QueryFrom:    start,
		QueryTo:      day(2024, time.March, 3),
		Status:       types.DailyResultCompleted,
		Payload:      datatypes.JSON([]byte(`{"cumulative":0}`)),
	})
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}

	if got := len(h.executor.calls); got != 2 {
		t.Fatalf("expected 2 day queries, got %d", got)
	}
	gotTo := []time.Time{h.executor.calls[0].QueryTo, h.executor.calls[1].QueryTo}
	if !gotTo[0].Equal(day(2024, time.March, 2)) || !gotTo[1].Equal(day(2024, time.March, 4)) {
		t.Fatalf("queried boundaries = %v, want March 2 and March 4", gotTo)
	}

	if rows := h.resultRows(t, req.ExperimentID); len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows after resume, got %d", len(rows))
	}
	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
}

func TestProcessPartitionStopsOnFirstFailure(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	queryErr := errors.New("analytics query timed out")
	h.executor.failOn(day(2024, time.March, 3), queryErr)

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition should absorb day failures, got %v", err)
	}

	// March 1 succeeded, March 2 failed, March 3 never ran.
	if got := len(h.executor.calls); got != 2 {
		t.Fatalf("expected 2 day queries, got %d", got)
	}

	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationFailed {
		t.Fatalf("request status = %q, want failed", final.Status)
	}
	if final.Error == "" {
		t.Fatal("request error not recorded")
	}
	watermark, ok := final.Watermark()
	if !ok || !watermark.Equal(day(2024, time.March, 1)) {
		t.Fatalf("watermark = %v (ok=%v), want 2024-03-01", watermark, ok)
	}

	rows := h.resultRows(t, req.ExperimentID)
	if len(rows) != 2 {
		t.Fatalf("expected 2 snapshot rows, got %d", len(rows))
	}
	if rows[0].Status != types.DailyResultCompleted {
		t.Errorf("first snapshot status = %q, want completed", rows[0].Status)
	}
	if rows[1].Status != types.DailyResultFailed || rows[1].Error == "" {
		t.Errorf("second snapshot = (%q, %q), want failed with error", rows[1].Status, rows[1].Error)
	}
}

func TestProcessPartitionFailedRequestResumesWhereItStopped(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	h.executor.failOn(day(2024, time.March, 3), errors.New("transient upstream error"))
	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A later scheduling pass re-issues the work under a fresh request with
	// the same fingerprint; the durable March 1 snapshot must not rerun.
	h.executor.fail = nil
	if err := h.db.Model(&types.RecalculationRequest{}).
		Where("id = ?", req.ID).
		Update("status", types.RecalculationPending).Error; err != nil {
		t.Fatalf("reset request: %v", err)
	}

	before := len(h.executor.calls)
	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	retried := h.executor.calls[before:]
	if len(retried) != 2 {
		t.Fatalf("expected 2 day queries on resume, got %d", len(retried))
	}
	if !retried[0].QueryTo.Equal(day(2024, time.March, 3)) {
		t.Fatalf("resume started at %v, want the failed March 2 boundary", retried[0].QueryTo)
	}

	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
	if rows := h.resultRows(t, req.ExperimentID); len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows without duplicates, got %d", len(rows))
	}
}

func TestProcessPartitionClaimConflictIsNoOp(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, nil)

	err := h.db.Model(&types.RecalculationRequest{}).
		Where("id = ?", req.ID).
		Update("status", types.RecalculationInProgress).Error
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected no day queries on claim conflict, got %d", len(h.executor.calls))
	}
	if final := h.reload(t, req.ID); final.Status != types.RecalculationInProgress {
		t.Fatalf("request status = %q, want untouched in_progress", final.Status)
	}
}

func TestProcessPartitionEndedExperimentKeepsFinalPartialDay(t *testing.T) {
	start := day(2024, time.March, 1)
	end := time.Date(2024, time.March, 3, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, &end)

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}

	// The half-day ending March 3 12:00 still gets its full-day boundary.
	if got := len(h.executor.calls); got != 3 {
		t.Fatalf("expected 3 day queries, got %d", got)
	}
	last := h.executor.calls[2]
	if want := day(2024, time.March, 4); !last.QueryTo.Equal(want) {
		t.Fatalf("final QueryTo = %v, want %v", last.QueryTo, want)
	}
	if final := h.reload(t, req.ID); final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
}

func TestProcessPartitionFutureEndDateStopsAtToday(t *testing.T) {
	start := day(2024, time.March, 1)
	end := day(2024, time.March, 10)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, key := h.seedRequest(t, start, &end)

	if err := h.engine.ProcessPartition(context.Background(), key); err != nil {
		t.Fatalf("ProcessPartition: %v", err)
	}

	// Only March 1 through 3 have elapsed; days up to the March 10 end date
	// must not be queried or snapshotted ahead of time.
	if got := len(h.executor.calls); got != 3 {
		t.Fatalf("expected 3 day queries, got %d", got)
	}
	for i, call := range h.executor.calls {
		if call.QueryTo.After(now) {
			t.Errorf("call %d: QueryTo %v is in the future", i, call.QueryTo)
		}
	}

	rows := h.resultRows(t, req.ExperimentID)
	if len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.QueryTo.After(now) {
			t.Errorf("snapshot for future boundary %v", row.QueryTo)
		}
	}

	final := h.reload(t, req.ID)
	if final.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", final.Status)
	}
	watermark, ok := final.Watermark()
	if !ok || !watermark.Equal(day(2024, time.March, 3)) {
		t.Fatalf("watermark = %v (ok=%v), want 2024-03-03", watermark, ok)
	}
}

func TestProcessPartitionMalformedKey(t *testing.T) {
	h := newEngineHarness(t, time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC))
	err := h.engine.ProcessPartition(context.Background(), "experiment_12_metric_nope")
	if !errors.Is(err, partition.ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
}

func TestProcessPartitionUnknownRequest(t *testing.T) {
	h := newEngineHarness(t, time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC))
	key := partition.RecalculationKey{
		RecalculationID: uuid.New(),
		ExperimentKey: partition.ExperimentKey{
			ExperimentID: 42,
			MetricUUID:   uuid.New(),
			Fingerprint:  "deadbeef",
		},
	}
	if err := h.engine.ProcessPartition(context.Background(), key.String()); err == nil {
		t.Fatal("expected error for missing request row")
	}
}

func TestProcessPartitionKeyRequestMismatch(t *testing.T) {
	start := day(2024, time.March, 1)
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	h := newEngineHarness(t, now)
	req, _ := h.seedRequest(t, start, nil)

	key := partition.RecalculationKey{
		RecalculationID: req.ID,
		ExperimentKey: partition.ExperimentKey{
			ExperimentID: req.ExperimentID,
			MetricUUID:   req.MetricUUID,
			Fingerprint:  "0000000000000000",
		},
	}
	if err := h.engine.ProcessPartition(context.Background(), key.String()); err == nil {
		t.Fatal("expected error for fingerprint mismatch")
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected no day queries, got %d", len(h.executor.calls))
	}

	// The mismatch must not claim the request; a correct key can still run it.
	if got := h.reload(t, req.ID); got.Status != types.RecalculationPending {
		t.Fatalf("request status = %q, want still pending after mismatch", got.Status)
	}
	goodKey := partition.RecalculationKey{
		RecalculationID: req.ID,
		ExperimentKey: partition.ExperimentKey{
			ExperimentID: req.ExperimentID,
			MetricUUID:   req.MetricUUID,
			Fingerprint:  req.Fingerprint,
		},
	}
	if err := h.engine.ProcessPartition(context.Background(), goodKey.String()); err != nil {
		t.Fatalf("ProcessPartition with correct key: %v", err)
	}
	if got := h.reload(t, req.ID); got.Status != types.RecalculationCompleted {
		t.Fatalf("request status = %q, want completed", got.Status)
	}
}
