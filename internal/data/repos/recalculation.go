package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

// ErrDuplicateActive means another pending/in_progress request already holds
// the (experiment, fingerprint) slot. The partial unique index raises this at
// insert time, which is what makes creation race-safe across schedulers.
var ErrDuplicateActive = errors.New("active recalculation request already exists")

// ErrNotClaimable means the request was not in pending state at claim time;
// another worker owns it or it already finished. Callers treat this as a
// benign no-op.
var ErrNotClaimable = errors.New("recalculation request not claimable")

type RecalculationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, req *types.RecalculationRequest) (*types.RecalculationRequest, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RecalculationRequest, error)
	// GetActive returns the pending or in_progress request for the
	// (experiment, fingerprint) pair, or nil.
	GetActive(ctx context.Context, tx *gorm.DB, experimentID int64, fingerprint string) (*types.RecalculationRequest, error)
	// Claim transitions pending -> in_progress. Returns ErrNotClaimable when
	// the request exists but is not pending, gorm.ErrRecordNotFound when it
	// does not exist.
	Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RecalculationRequest, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastSuccessfulDate *time.Time) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastSuccessfulDate *time.Time, cause string) error
}

type recalculationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecalculationRepo(db *gorm.DB, baseLog *logger.Logger) RecalculationRepo {
	return &recalculationRepo{db: db, log: baseLog.With("repo", "RecalculationRepo")}
}

func (r *recalculationRepo) Create(ctx context.Context, tx *gorm.DB, req *types.RecalculationRequest) (*types.RecalculationRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = types.RecalculationPending
	}
	if err := transaction.WithContext(ctx).Create(req).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateActive
		}
		return nil, err
	}
	return req, nil
}

func (r *recalculationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RecalculationRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var req types.RecalculationRequest
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *recalculationRepo) GetActive(ctx context.Context, tx *gorm.DB, experimentID int64, fingerprint string) (*types.RecalculationRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var req types.RecalculationRequest
	err := transaction.WithContext(ctx).
		Where("experiment_id = ? AND fingerprint = ?", experimentID, fingerprint).
		Where("status IN ?", []string{types.RecalculationPending, types.RecalculationInProgress}).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *recalculationRepo) Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.RecalculationRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.RecalculationRequest{}).
		Where("id = ? AND status = ?", id, types.RecalculationPending).
		Updates(map[string]interface{}{
			"status":     types.RecalculationInProgress,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := r.GetByID(ctx, transaction, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, ErrNotClaimable
	}
	return r.GetByID(ctx, transaction, id)
}

func (r *recalculationRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastSuccessfulDate *time.Time) error {
	return r.finish(ctx, tx, id, types.RecalculationCompleted, lastSuccessfulDate, "")
}

func (r *recalculationRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastSuccessfulDate *time.Time, cause string) error {
	return r.finish(ctx, tx, id, types.RecalculationFailed, lastSuccessfulDate, cause)
}

func (r *recalculationRepo) finish(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, lastSuccessfulDate *time.Time, cause string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]interface{}{
		"status":     status,
		"error":      cause,
		"updated_at": time.Now().UTC(),
	}
	if lastSuccessfulDate != nil {
		// The watermark only moves forward, even on failure: partial progress
		// stays durable for the next request on the same fingerprint.
		updates["last_successful_date"] = gorm.Expr(
			"CASE WHEN last_successful_date IS NULL OR last_successful_date < ? THEN ? ELSE last_successful_date END",
			*lastSuccessfulDate, *lastSuccessfulDate,
		)
	}
	return transaction.WithContext(ctx).
		Model(&types.RecalculationRequest{}).
		Where("id = ?", id).
		Updates(updates).Error
}
