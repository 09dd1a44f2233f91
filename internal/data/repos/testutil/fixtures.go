package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/types"
)

func SeedTeam(tb testing.TB, ctx context.Context, tx *gorm.DB, timezone string, recalcHour int) *types.Team {
	tb.Helper()
	team := &types.Team{
		Name:              "team",
		Timezone:          timezone,
		RecalculationHour: recalcHour,
	}
	if err := tx.WithContext(ctx).Create(team).Error; err != nil {
		tb.Fatalf("seed team: %v", err)
	}
	return team
}

func SeedExperiment(tb testing.TB, ctx context.Context, tx *gorm.DB, teamID int64, start *time.Time, end *time.Time, timeseries bool) *types.Experiment {
	tb.Helper()
	statsConfig := `{"timeseries": false}`
	if timeseries {
		statsConfig = `{"timeseries": true}`
	}
	exp := &types.Experiment{
		TeamID:      teamID,
		Name:        "experiment",
		StartDate:   start,
		EndDate:     end,
		StatsConfig: datatypes.JSON([]byte(statsConfig)),
	}
	if err := tx.WithContext(ctx).Create(exp).Error; err != nil {
		tb.Fatalf("seed experiment: %v", err)
	}
	return exp
}

func SeedExperimentMetric(tb testing.TB, ctx context.Context, tx *gorm.DB, experimentID int64) *types.ExperimentMetric {
	tb.Helper()
	m := &types.ExperimentMetric{
		UUID:         uuid.New(),
		ExperimentID: experimentID,
		Kind:         "primary",
		Spec:         datatypes.JSON([]byte(`{"kind":"mean","event":"purchase"}`)),
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed experiment metric: %v", err)
	}
	return m
}

func SeedSavedMetric(tb testing.TB, ctx context.Context, tx *gorm.DB, teamID int64) *types.SavedMetric {
	tb.Helper()
	m := &types.SavedMetric{
		TeamID: teamID,
		Name:   "saved metric",
		Spec:   datatypes.JSON([]byte(`{"kind":"funnel","steps":["visit","signup"]}`)),
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed saved metric: %v", err)
	}
	return m
}

func AttachSavedMetric(tb testing.TB, ctx context.Context, tx *gorm.DB, experimentID, savedMetricID int64) *types.ExperimentSavedMetric {
	tb.Helper()
	att := &types.ExperimentSavedMetric{
		MetricUUID:    uuid.New(),
		ExperimentID:  experimentID,
		SavedMetricID: savedMetricID,
	}
	if err := tx.WithContext(ctx).Create(att).Error; err != nil {
		tb.Fatalf("attach saved metric: %v", err)
	}
	return att
}
