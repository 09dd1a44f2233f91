// Command backfill_recalculations enqueues recalculation requests for
// explicit experiments, bypassing the hourly discovery pass. Useful after
// fixing bad data or changing a metric definition.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/db"
	"github.com/statlab/expstats-backend/internal/partition"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/recalc"
	"github.com/statlab/expstats-backend/internal/types"
)

type idList []int64

func (l *idList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

func (l *idList) Set(v string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid experiment id %q", v)
	}
	*l = append(*l, id)
	return nil
}

func main() {
	var experiments idList
	var dryRun bool
	var limit int
	flag.Var(&experiments, "experiment", "experiment id to backfill (repeatable)")
	flag.BoolVar(&dryRun, "dry-run", false, "print planned requests without enqueueing")
	flag.IntVar(&limit, "limit", 0, "limit number of requests enqueued")
	flag.Parse()

	if len(experiments) == 0 {
		fmt.Println("at least one -experiment id is required")
		os.Exit(1)
	}

	log, err := logger.FromEnv()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		fmt.Printf("init postgres: %v\n", err)
		os.Exit(1)
	}
	gdb := pg.DB()

	ctx := context.Background()
	expRepo := repos.NewExperimentRepo(gdb, log)
	metricRepo := repos.NewMetricRepo(gdb, log)
	requestRepo := repos.NewRecalculationRepo(gdb, log)

	enqueued := 0
	for _, expID := range experiments {
		exp, err := expRepo.GetByID(ctx, nil, expID)
		if err != nil {
			fmt.Printf("load experiment %d: %v\n", expID, err)
			os.Exit(1)
		}
		if exp == nil {
			fmt.Printf("experiment %d not found, skipping\n", expID)
			continue
		}

		metricRefs, err := metricRepo.ListForExperiment(ctx, nil, exp.ID)
		if err != nil {
			fmt.Printf("load metrics for experiment %d: %v\n", expID, err)
			os.Exit(1)
		}

		for _, ref := range metricRefs {
			if limit > 0 && enqueued >= limit {
				fmt.Printf("limit reached (%d), stopping\n", limit)
				return
			}
			fingerprint, err := recalc.Fingerprint(ref.Spec)
			if err != nil {
				fmt.Printf("metric %s has unusable spec, skipping: %v\n", ref.UUID, err)
				continue
			}
			key := partition.ExperimentKey{ExperimentID: exp.ID, MetricUUID: ref.UUID, Fingerprint: fingerprint}
			if dryRun {
				fmt.Printf("[dry-run] enqueue %s\n", key)
				continue
			}
			req, err := requestRepo.Create(ctx, nil, &types.RecalculationRequest{
				TeamID:       exp.TeamID,
				ExperimentID: exp.ID,
				MetricUUID:   ref.UUID,
				MetricSpec:   ref.Spec,
				Fingerprint:  fingerprint,
			})
			if errors.Is(err, repos.ErrDuplicateActive) {
				fmt.Printf("active request already exists for %s, skipping\n", key)
				continue
			}
			if err != nil {
				fmt.Printf("enqueue failed for %s: %v\n", key, err)
				os.Exit(1)
			}
			fmt.Printf("enqueued %s\n", partition.RecalculationKey{RecalculationID: req.ID, ExperimentKey: key})
			enqueued++
		}
	}
	fmt.Printf("done: %d requests enqueued\n", enqueued)
}
