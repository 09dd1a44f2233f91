package repos_test

import (
	"context"
	"testing"
	"time"

	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/data/repos/testutil"
)

func TestListForExperimentCombinesInlineAndSaved(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := repos.NewMetricRepo(gdb, testutil.Logger(t))
	ctx := context.Background()

	team := testutil.SeedTeam(t, ctx, tx, "UTC", 2)
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	exp := testutil.SeedExperiment(t, ctx, tx, team.ID, &start, nil, true)

	inline := testutil.SeedExperimentMetric(t, ctx, tx, exp.ID)
	saved := testutil.SeedSavedMetric(t, ctx, tx, team.ID)
	attached := testutil.AttachSavedMetric(t, ctx, tx, exp.ID, saved.ID)

	refs, err := repo.ListForExperiment(ctx, tx, exp.ID)
	if err != nil {
		t.Fatalf("ListForExperiment: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 metric refs, got %d", len(refs))
	}
	if refs[0].UUID != inline.UUID {
		t.Fatalf("first ref = %s, want inline metric %s", refs[0].UUID, inline.UUID)
	}
	if refs[1].UUID != attached.MetricUUID {
		t.Fatalf("second ref = %s, want saved attachment %s", refs[1].UUID, attached.MetricUUID)
	}
	if string(refs[1].Spec) != string(saved.Spec) {
		t.Fatalf("saved ref spec = %s, want %s", refs[1].Spec, saved.Spec)
	}
}

func TestListForExperimentSkipsDanglingAttachment(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := repos.NewMetricRepo(gdb, testutil.Logger(t))
	ctx := context.Background()

	team := testutil.SeedTeam(t, ctx, tx, "UTC", 2)
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	exp := testutil.SeedExperiment(t, ctx, tx, team.ID, &start, nil, true)

	inline := testutil.SeedExperimentMetric(t, ctx, tx, exp.ID)
	testutil.AttachSavedMetric(t, ctx, tx, exp.ID, 999999)

	refs, err := repo.ListForExperiment(ctx, tx, exp.ID)
	if err != nil {
		t.Fatalf("ListForExperiment: %v", err)
	}
	if len(refs) != 1 || refs[0].UUID != inline.UUID {
		t.Fatalf("expected only the inline metric, got %v", refs)
	}
}
