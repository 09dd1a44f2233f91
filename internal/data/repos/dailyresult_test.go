package repos_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/data/repos/testutil"
	"github.com/statlab/expstats-backend/internal/types"
)

func snapshot(experimentID int64, metricUUID uuid.UUID, queryTo time.Time, status string) *types.DailyMetricResult {
	return &types.DailyMetricResult{
		TeamID:       1,
		ExperimentID: experimentID,
		MetricUUID:   metricUUID,
		Fingerprint:  "abcd1234",
		QueryFrom:    time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		QueryTo:      queryTo,
		Status:       status,
	}
}

func TestDailyResultUpsertOverwrites(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := repos.NewDailyResultRepo(gdb, testutil.Logger(t))
	ctx := context.Background()

	metricUUID := uuid.New()
	boundary := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)

	failed := snapshot(600, metricUUID, boundary, types.DailyResultFailed)
	failed.Error = "query timed out"
	if err := repo.Upsert(ctx, tx, failed); err != nil {
		t.Fatalf("Upsert failed snapshot: %v", err)
	}

	completedAt := time.Date(2024, time.March, 2, 6, 0, 0, 0, time.UTC)
	retried := snapshot(600, metricUUID, boundary, types.DailyResultCompleted)
	retried.Payload = datatypes.JSON([]byte(`{"cumulative":42}`))
	retried.CompletedAt = &completedAt
	if err := repo.Upsert(ctx, tx, retried); err != nil {
		t.Fatalf("Upsert retry: %v", err)
	}

	var rows []types.DailyMetricResult
	err := tx.Where("experiment_id = ? AND metric_uuid = ?", 600, metricUUID).Find(&rows).Error
	if err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after overwrite, got %d", len(rows))
	}
	row := rows[0]
	if row.Status != types.DailyResultCompleted {
		t.Fatalf("status = %q, want completed", row.Status)
	}
	if len(row.Payload) == 0 || row.CompletedAt == nil {
		t.Fatalf("payload/completed_at not overwritten: %+v", row)
	}
}

func TestDailyResultListCompletedDates(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := repos.NewDailyResultRepo(gdb, testutil.Logger(t))
	ctx := context.Background()

	metricUUID := uuid.New()
	day := func(d int) time.Time {
		return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
	}

	// Inserted out of order on purpose; results must come back sorted.
	for _, s := range []*types.DailyMetricResult{
		snapshot(700, metricUUID, day(4), types.DailyResultCompleted),
		snapshot(700, metricUUID, day(2), types.DailyResultCompleted),
		snapshot(700, metricUUID, day(3), types.DailyResultFailed),
		snapshot(700, uuid.New(), day(5), types.DailyResultCompleted),
	} {
		if err := repo.Upsert(ctx, tx, s); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	other := snapshot(700, metricUUID, day(6), types.DailyResultCompleted)
	other.Fingerprint = "other_fingerprint"
	if err := repo.Upsert(ctx, tx, other); err != nil {
		t.Fatalf("Upsert other fingerprint: %v", err)
	}

	dates, err := repo.ListCompletedDates(ctx, tx, 700, metricUUID, "abcd1234")
	if err != nil {
		t.Fatalf("ListCompletedDates: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 completed dates, got %d (%v)", len(dates), dates)
	}
	if !dates[0].Equal(day(2)) || !dates[1].Equal(day(4)) {
		t.Fatalf("dates = %v, want March 2 then March 4", dates)
	}
}
