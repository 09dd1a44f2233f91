package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

type TeamRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Team, error)
	ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Team, error)
}

type teamRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTeamRepo(db *gorm.DB, baseLog *logger.Logger) TeamRepo {
	return &teamRepo{db: db, log: baseLog.With("repo", "TeamRepo")}
}

func (r *teamRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Team, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var team types.Team
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&team).Error
	if err != nil {
		return nil, err
	}
	if team.ID == 0 {
		return nil, nil
	}
	return &team, nil
}

func (r *teamRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Team, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Team
	if err := transaction.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
