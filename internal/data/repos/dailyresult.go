package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

type DailyResultRepo interface {
	// Upsert inserts or overwrites the snapshot keyed by
	// (experiment_id, metric_uuid, query_to). Overwriting is the point:
	// recomputing a day must not create a second row.
	Upsert(ctx context.Context, tx *gorm.DB, row *types.DailyMetricResult) error
	// ListCompletedDates returns the query_to instants that already have a
	// completed snapshot for the triple, so the engine can skip those days
	// without re-querying.
	ListCompletedDates(ctx context.Context, tx *gorm.DB, experimentID int64, metricUUID uuid.UUID, fingerprint string) ([]time.Time, error)
}

type dailyResultRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDailyResultRepo(db *gorm.DB, baseLog *logger.Logger) DailyResultRepo {
	return &dailyResultRepo{db: db, log: baseLog.With("repo", "DailyResultRepo")}
}

func (r *dailyResultRepo) Upsert(ctx context.Context, tx *gorm.DB, row *types.DailyMetricResult) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "experiment_id"},
				{Name: "metric_uuid"},
				{Name: "query_to"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"fingerprint",
				"query_from",
				"status",
				"payload",
				"query_id",
				"completed_at",
				"error",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *dailyResultRepo) ListCompletedDates(ctx context.Context, tx *gorm.DB, experimentID int64, metricUUID uuid.UUID, fingerprint string) ([]time.Time, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []time.Time
	err := transaction.WithContext(ctx).
		Model(&types.DailyMetricResult{}).
		Where("experiment_id = ? AND metric_uuid = ? AND fingerprint = ?", experimentID, metricUUID, fingerprint).
		Where("status = ?", types.DailyResultCompleted).
		Order("query_to ASC").
		Pluck("query_to", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
