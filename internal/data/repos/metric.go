package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

type MetricRepo interface {
	// ListForExperiment flattens everything attached to an experiment into
	// MetricRefs: inline experiment metrics first, then saved metrics via
	// their attachment rows.
	ListForExperiment(ctx context.Context, tx *gorm.DB, experimentID int64) ([]types.MetricRef, error)
}

type metricRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMetricRepo(db *gorm.DB, baseLog *logger.Logger) MetricRepo {
	return &metricRepo{db: db, log: baseLog.With("repo", "MetricRepo")}
}

func (r *metricRepo) ListForExperiment(ctx context.Context, tx *gorm.DB, experimentID int64) ([]types.MetricRef, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var inline []*types.ExperimentMetric
	err := transaction.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("created_at ASC").
		Find(&inline).Error
	if err != nil {
		return nil, err
	}

	var attachments []*types.ExperimentSavedMetric
	err = transaction.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("created_at ASC").
		Find(&attachments).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.MetricRef, 0, len(inline)+len(attachments))
	for _, m := range inline {
		out = append(out, types.MetricRef{UUID: m.UUID, Spec: m.Spec})
	}

	for _, att := range attachments {
		var saved types.SavedMetric
		err := transaction.WithContext(ctx).
			Where("id = ?", att.SavedMetricID).
			Limit(1).
			Find(&saved).Error
		if err != nil {
			return nil, err
		}
		if saved.ID == 0 {
			r.log.Warn("Saved metric attachment points at missing metric", "experiment_id", experimentID, "saved_metric_id", att.SavedMetricID)
			continue
		}
		out = append(out, types.MetricRef{UUID: att.MetricUUID, Spec: saved.Spec})
	}
	return out, nil
}
