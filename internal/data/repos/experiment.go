package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

type ExperimentRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Experiment, error)
	// ListRunningByTeam returns experiments that have started and not yet
	// ended as of now. The timeseries flag lives inside the stats config
	// JSON and is filtered by the caller, not the query.
	ListRunningByTeam(ctx context.Context, tx *gorm.DB, teamID int64, now time.Time) ([]*types.Experiment, error)
}

type experimentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExperimentRepo(db *gorm.DB, baseLog *logger.Logger) ExperimentRepo {
	return &experimentRepo{db: db, log: baseLog.With("repo", "ExperimentRepo")}
}

func (r *experimentRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Experiment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var exp types.Experiment
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&exp).Error
	if err != nil {
		return nil, err
	}
	if exp.ID == 0 {
		return nil, nil
	}
	return &exp, nil
}

func (r *experimentRepo) ListRunningByTeam(ctx context.Context, tx *gorm.DB, teamID int64, now time.Time) ([]*types.Experiment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Experiment
	err := transaction.WithContext(ctx).
		Where("team_id = ?", teamID).
		Where("archived = ?", false).
		Where("start_date IS NOT NULL AND start_date <= ?", now).
		Where("end_date IS NULL OR end_date >= ?", now).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
